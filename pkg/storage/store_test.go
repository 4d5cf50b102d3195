// Copyright 2024 The meshbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	s := NewMemStore[uint64, string]()

	require.NoError(t, s.Set(1, "alice"))
	value, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "alice", value)

	_, err = s.Get(2)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Insert(1, "bob"), ErrExists)
	require.NoError(t, s.Insert(2, "bob"))
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.Delete(1))
	require.NoError(t, s.Delete(1))
	_, err = s.Get(1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, s.Len())
}

func TestMemStoreRange(t *testing.T) {
	s := NewMemStore[string, int]()
	for i, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Set(k, i))
	}

	var keys []string
	s.Range(func(k string, _ int) bool {
		keys = append(keys, k)
		return s.Delete(k) == nil
	})
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.Zero(t, s.Len())

	require.NoError(t, s.Set("x", 1))
	require.NoError(t, s.Set("y", 2))
	calls := 0
	s.Range(func(string, int) bool {
		calls++
		return false
	})
	assert.Equal(t, 1, calls)
}

func TestMemStoreConcurrentInsert(t *testing.T) {
	s := NewMemStore[int, int]()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.Insert(7, i) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
