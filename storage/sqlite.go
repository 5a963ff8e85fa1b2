package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveRow(ctx context.Context, row Row) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO results (run_id, subject_id, fold, method, mix_up, cost_sensitive,
			acc, f1, precision, recall, f1_macro, precision_macro, recall_macro)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, subject_id, fold) DO UPDATE SET
			method = excluded.method,
			mix_up = excluded.mix_up,
			cost_sensitive = excluded.cost_sensitive,
			acc = excluded.acc,
			f1 = excluded.f1,
			precision = excluded.precision,
			recall = excluded.recall,
			f1_macro = excluded.f1_macro,
			precision_macro = excluded.precision_macro,
			recall_macro = excluded.recall_macro
	`, row.RunID, row.SubjectID, row.Fold, row.Method, row.MixUp, row.CostSensitive,
		row.Accuracy, row.F1, row.Precision, row.Recall, row.F1Macro, row.PrecisionMacro, row.RecallMacro)
	return err
}

func (s *SQLiteStore) Rows(ctx context.Context, runID string) ([]Row, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT run_id, subject_id, fold, method, mix_up, cost_sensitive,
			acc, f1, precision, recall, f1_macro, precision_macro, recall_macro
		FROM results WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.RunID, &r.SubjectID, &r.Fold, &r.Method, &r.MixUp, &r.CostSensitive,
			&r.Accuracy, &r.F1, &r.Precision, &r.Recall, &r.F1Macro, &r.PrecisionMacro, &r.RecallMacro); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Runs(ctx context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT run_id FROM results GROUP BY run_id ORDER BY MIN(rowid)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS results (
			run_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			fold INTEGER NOT NULL,
			method TEXT NOT NULL,
			mix_up BOOLEAN NOT NULL,
			cost_sensitive BOOLEAN NOT NULL,
			acc INTEGER NOT NULL,
			f1 REAL NOT NULL,
			precision REAL NOT NULL,
			recall REAL NOT NULL,
			f1_macro REAL NOT NULL,
			precision_macro REAL NOT NULL,
			recall_macro REAL NOT NULL,
			PRIMARY KEY (run_id, subject_id, fold)
		);
	`)
	return err
}
