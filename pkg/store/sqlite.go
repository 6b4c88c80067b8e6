// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
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

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	cnserrors "github.com/NVIDIA/cns-pipeline/pkg/errors"
	"github.com/NVIDIA/cns-pipeline/pkg/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const runCounter = "run"

// SQLiteStore keeps runs in a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations. Use ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, cnserrors.New(cnserrors.ErrCodeInvalidConfig, "sqlite store path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to create store directory", err)
		}
	}

	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to open run store", err)
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, cnserrors.Wrap(cnserrors.ErrCodeUnavailable, "failed to ping run store", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to migrate run store", err)
	}

	slog.Debug("run store opened", "backend", "sqlite", "path", path)
	return &SQLiteStore{db: db}, nil
}

func runMigrations(db *sqlx.DB) error {
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runRow is a row of the runs table.
type runRow struct {
	ID              string `db:"id"`
	Seq             int64  `db:"seq"`
	Pipeline        string `db:"pipeline"`
	Status          string `db:"status"`
	CancelRequested bool   `db:"cancel_requested"`
	Record          string `db:"record"`
	CreatedAt       string `db:"created_at"`
	UpdatedAt       string `db:"updated_at"`
}

func (r *runRow) toRun() (*pipeline.Run, error) {
	var run pipeline.Run
	if err := json.Unmarshal([]byte(r.Record), &run); err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, fmt.Sprintf("corrupt record for run %s", r.ID), err)
	}
	run.CancelRequested = run.CancelRequested || r.CancelRequested
	return &run, nil
}

// NextRunID increments the run counter atomically.
func (s *SQLiteStore) NextRunID(ctx context.Context) (string, error) {
	var next int64
	err := s.db.GetContext(ctx, &next, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`, runCounter)
	if err != nil {
		return "", cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to allocate run id", err)
	}
	return fmt.Sprintf("%d", next), nil
}

// Save upserts the run snapshot. A persisted cancel request is never cleared.
func (s *SQLiteStore) Save(ctx context.Context, run *pipeline.Run) error {
	if run == nil || run.ID == "" {
		return cnserrors.New(cnserrors.ErrCodeInvalidRequest, "run id is required")
	}
	record, err := json.Marshal(run)
	if err != nil {
		return cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to encode run", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	row := runRow{
		ID:              run.ID,
		Seq:             sequence(run.ID),
		Pipeline:        run.Pipeline,
		Status:          string(run.Status),
		CancelRequested: run.CancelRequested,
		Record:          string(record),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, seq, pipeline, status, cancel_requested, record, created_at, updated_at)
		VALUES (:id, :seq, :pipeline, :status, :cancel_requested, :record, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			pipeline = excluded.pipeline,
			status = excluded.status,
			cancel_requested = MAX(runs.cancel_requested, excluded.cancel_requested),
			record = excluded.record,
			updated_at = excluded.updated_at`, row)
	if err != nil {
		return cnserrors.Wrap(cnserrors.ErrCodeInternal, fmt.Sprintf("failed to save run %s", run.ID), err)
	}
	return nil
}

// Get returns a run by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*pipeline.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, fmt.Sprintf("failed to read run %s", id), err)
	}
	return row.toRun()
}

// List returns the newest runs first.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*pipeline.Run, error) {
	var rows []runRow
	var err error
	if opts.Pipeline == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT * FROM runs ORDER BY seq DESC, created_at DESC LIMIT ?`, opts.limit())
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT * FROM runs WHERE pipeline = ? ORDER BY seq DESC, created_at DESC LIMIT ?`,
			opts.Pipeline, opts.limit())
	}
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to list runs", err)
	}

	runs := make([]*pipeline.Run, 0, len(rows))
	for i := range rows {
		run, convErr := rows[i].toRun()
		if convErr != nil {
			return nil, convErr
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// RequestCancel flags an unfinished run for cancellation.
func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	run, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return terminal(run)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE runs SET cancel_requested = 1 WHERE id = ?`, id); err != nil {
		return cnserrors.Wrap(cnserrors.ErrCodeInternal, fmt.Sprintf("failed to request cancel of run %s", id), err)
	}
	return nil
}

// CancelRequested reports whether a cancel was requested for id.
func (s *SQLiteStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.GetContext(ctx, &requested, `SELECT cancel_requested FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to read cancel request", err)
	}
	return requested, nil
}

// LastSucceeded returns the newest Succeeded run of a pipeline.
func (s *SQLiteStore) LastSucceeded(ctx context.Context, pipelineName string) (*pipeline.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM runs WHERE pipeline = ? AND status = ?
		ORDER BY seq DESC, updated_at DESC LIMIT 1`, pipelineName, string(pipeline.StatusSucceeded))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cnserrors.New(cnserrors.ErrCodeNotFound,
				fmt.Sprintf("pipeline %s has no successful run", pipelineName))
		}
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to query run history", err)
	}
	return row.toRun()
}
