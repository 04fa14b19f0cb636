package storage

import (
	"bytes"
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/kvasir-db/copnode/internal/errors"
	"github.com/kvasir-db/copnode/internal/types"
)

// SQLiteEngine stores key-value pairs in a single ordered table. BLOB keys
// compare with memcmp, which matches the lexicographic order scans rely on.
type SQLiteEngine struct {
	db     *sql.DB
	closed bool
}

// Open opens (or creates) the engine at path. Use ":memory:" for an
// in-process ephemeral engine.
func Open(path string) (*SQLiteEngine, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// A single connection keeps :memory: engines coherent and serializes
	// writers; readers run their own statement cursors on it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		k BLOB PRIMARY KEY,
		v BLOB NOT NULL
	) WITHOUT ROWID`); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteEngine{db: db}, nil
}

func (e *SQLiteEngine) Get(key []byte) ([]byte, error) {
	if e.closed {
		return nil, errors.ErrEngineClosed
	}

	var value []byte
	err := e.db.QueryRow("SELECT v FROM kv WHERE k = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, errors.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (e *SQLiteEngine) Put(key, value []byte) error {
	if e.closed {
		return errors.ErrEngineClosed
	}

	_, err := e.db.Exec(
		"INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v",
		key, value,
	)
	return err
}

func (e *SQLiteEngine) Delete(key []byte) error {
	if e.closed {
		return errors.ErrEngineClosed
	}

	_, err := e.db.Exec("DELETE FROM kv WHERE k = ?", key)
	return err
}

func (e *SQLiteEngine) Scan(r types.KeyRange, desc bool) (Scanner, error) {
	if e.closed {
		return nil, errors.ErrEngineClosed
	}
	if len(r.End) > 0 && bytes.Compare(r.Start, r.End) > 0 {
		return nil, errors.ErrInvalidRange
	}

	query := "SELECT k, v FROM kv WHERE k >= ?"
	args := []interface{}{r.Start}
	if len(r.End) > 0 {
		query += " AND k < ?"
		args = append(args, r.End)
	}
	if desc {
		query += " ORDER BY k DESC"
	} else {
		query += " ORDER BY k ASC"
	}

	rows, err := e.db.Query(query, args...)
	if err != nil {
		return nil, err
	}

	return &sqliteScanner{rows: rows}, nil
}

func (e *SQLiteEngine) Count() (int64, error) {
	if e.closed {
		return 0, errors.ErrEngineClosed
	}

	var n int64
	if err := e.db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (e *SQLiteEngine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.db.Close()
}

type sqliteScanner struct {
	rows *sql.Rows
}

func (s *sqliteScanner) Next() ([]byte, []byte, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	}

	var key, value []byte
	if err := s.rows.Scan(&key, &value); err != nil {
		return nil, nil, err
	}
	return key, value, nil
}

func (s *sqliteScanner) Close() error {
	return s.rows.Close()
}
