package capability

import (
	"database/sql"
	"fmt"
	"strings"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// SQLite is a private in-memory database that lives for one task.
type SQLite struct {
	db *sql.DB
}

// ExecResult is returned by statements that do not produce rows.
type ExecResult struct {
	Changes   int64 `json:"changes"`
	LastRowID int64 `json:"lastRowId"`
}

// QueryResult is returned by statements that produce rows.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// OpenSQLite opens an empty in-memory database.
func OpenSQLite() (*SQLite, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)
	return &SQLite{db: db}, nil
}

// SQLite returns the task's database, opening it on first use.
func (s *Session) SQLite() (*SQLite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := OpenSQLite()
	if err != nil {
		return nil, err
	}
	s.db = db
	return db, nil
}

// Close releases the database.
func (d *SQLite) Close() error { return d.db.Close() }

var allowedPragmas = []string{
	"PRAGMA TABLE_INFO", "PRAGMA TABLE_LIST", "PRAGMA INDEX_LIST",
	"PRAGMA INDEX_INFO", "PRAGMA FOREIGN_KEY_LIST",
}

func checkStatement(query string) error {
	upper := strings.ToUpper(strings.TrimSpace(query))
	for _, blocked := range []string{"ATTACH", "DETACH", "VACUUM"} {
		if strings.HasPrefix(upper, blocked) {
			return fmt.Errorf("sqlite: %s statements are not allowed", blocked)
		}
	}
	if strings.HasPrefix(upper, "PRAGMA") {
		for _, a := range allowedPragmas {
			if strings.HasPrefix(upper, a) {
				return nil
			}
		}
		return fmt.Errorf("sqlite: this PRAGMA is not allowed")
	}
	return nil
}

// Exec runs a statement that does not return rows.
func (d *SQLite) Exec(query string, args []any) (*ExecResult, error) {
	if err := checkStatement(query); err != nil {
		return nil, err
	}
	res, err := d.db.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: exec error: %w", err)
	}
	changes, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return &ExecResult{Changes: changes, LastRowID: lastID}, nil
}

// Query runs a statement and returns all of its rows.
func (d *SQLite) Query(query string, args []any) (*QueryResult, error) {
	if err := checkStatement(query); err != nil {
		return nil, err
	}
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query error: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlite: columns error: %w", err)
	}
	out := &QueryResult{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlite: scan error: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows iteration error: %w", err)
	}
	return out, nil
}
