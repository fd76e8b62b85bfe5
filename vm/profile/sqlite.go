package profile

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLite stores records in an anchors table. The routine and offset are
// kept as columns so the table is readable with the sqlite3 shell.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database file at path (":memory:" for a
// private in-memory database).
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("profile: open sqlite %q: %w", path, err)
	}
	// An in-memory database lives as long as its single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS anchors (
		key     BLOB PRIMARY KEY,
		routine TEXT NOT NULL,
		pc      INTEGER NOT NULL,
		data    BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("profile: create anchors table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(k Key) (*Record, bool, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM anchors WHERE key = ?", k[:]).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec, err := UnmarshalRecord(data)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *SQLite) Save(k Key, rec *Record) error {
	data, err := MarshalRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO anchors (key, routine, pc, data) VALUES (?, ?, ?, ?)",
		k[:], rec.Routine, rec.PC, data,
	)
	return err
}

func (s *SQLite) All() ([]*Record, error) {
	rows, err := s.db.Query("SELECT data FROM anchors ORDER BY routine, pc")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := UnmarshalRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
