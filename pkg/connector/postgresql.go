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

package connector

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/turtacn/meshbroker/pkg/config"
	"github.com/turtacn/meshbroker/pkg/topic"
)

// PostgresSink appends events to a table, one row per event.
type PostgresSink struct {
	db     *sql.DB
	insert string
}

// NewPostgresSink opens the database, checks it and creates the table if it
// does not exist.
func NewPostgresSink(ctx context.Context, cfg config.PostgresExportConfig) (*PostgresSink, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	db.SetMaxOpenConns(2)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	s, err := newPostgresSinkDB(ctx, db, cfg.Table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresSinkDB(ctx context.Context, db *sql.DB, table string) (*PostgresSink, error) {
	quoted := pq.QuoteIdentifier(table)
	if _, err := db.ExecContext(ctx, createTableSQL(quoted)); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &PostgresSink{
		db:     db,
		insert: "INSERT INTO " + quoted + " (event_type, topic_id, topic_name, creator, body, event_time) VALUES ($1, $2, $3, $4, $5, $6)",
	}, nil
}

func createTableSQL(quoted string) string {
	return "CREATE TABLE IF NOT EXISTS " + quoted + ` (
	id BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	topic_id TEXT NOT NULL,
	topic_name TEXT NOT NULL,
	creator TEXT,
	body TEXT,
	event_time TIMESTAMPTZ NOT NULL
)`
}

// Name implements Sink.
func (p *PostgresSink) Name() string { return "postgres" }

// Export implements Sink: the batch is inserted in one transaction.
func (p *PostgresSink) Export(ctx context.Context, events []topic.Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, p.insert)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, string(ev.Type), ev.TopicID, ev.Name, nullable(ev.Creator), nullable(ev.Body), ev.Time); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert %s event: %w", ev.Type, err)
		}
	}
	return tx.Commit()
}

// Close implements Sink.
func (p *PostgresSink) Close() error {
	return p.db.Close()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
