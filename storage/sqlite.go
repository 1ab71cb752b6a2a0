package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"subscription-service/domain"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS some_models (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL
)`

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// DSN is the database connection string.
	DSN string
}

// SQLite stores models in a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database and its schema.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Create(ctx context.Context, name string) (*domain.SomeModel, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO some_models (name) VALUES (?)`, name)
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert id: %w", err)
	}
	return &domain.SomeModel{ID: id, Name: name}, nil
}

func (s *SQLite) Get(ctx context.Context, id int64) (*domain.SomeModel, error) {
	m := &domain.SomeModel{}
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM some_models WHERE id = ?`, id).Scan(&m.ID, &m.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get: %w", err)
	}
	return m, nil
}

func (s *SQLite) Update(ctx context.Context, id int64, name string) (*domain.SomeModel, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE some_models SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return &domain.SomeModel{ID: id, Name: name}, nil
}

func (s *SQLite) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM some_models WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

var _ Backend = (*SQLite)(nil)
