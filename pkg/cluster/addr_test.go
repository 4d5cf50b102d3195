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


package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	ctx := context.Background()

	got, err := Canonical(ctx, "10.0.0.2:9000")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:9000", got)

	got, err = Canonical(ctx, "[::1]:9000")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:9000", got)

	got, err = Canonical(ctx, "localhost:9001")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", got, "IPv4 is preferred")

	_, err = Canonical(ctx, "no-port")
	assert.Error(t, err)
}
