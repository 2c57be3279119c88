package recording

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"keyrxd/internal/keys"
)

// Store is the SQLite recording store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save stores rec, assigning an id if it has none. Saving an existing id
// replaces it.
func (s *Store) Save(rec *Recording) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM recordings WHERE id = ?`, rec.ID); err != nil {
		return fmt.Errorf("replace recording: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO recordings (id, name, device, device_name, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Device, rec.DeviceName, rec.CreatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert recording: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO recording_events (recording_id, seq, key, kind, timestamp_us)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, ev := range rec.Events {
		if _, err := stmt.Exec(rec.ID, i, ev.Key.String(), ev.Kind.String(), int64(ev.Timestamp)); err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Load returns the recording with id.
func (s *Store) Load(id string) (*Recording, error) {
	rec := &Recording{ID: id}
	var created int64
	err := s.db.QueryRow(`
		SELECT name, device, device_name, created_at FROM recordings WHERE id = ?`, id,
	).Scan(&rec.Name, &rec.Device, &rec.DeviceName, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get recording: %w", err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()

	rows, err := s.db.Query(`
		SELECT key, kind, timestamp_us FROM recording_events
		WHERE recording_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var keyName, kindName string
		var ts int64
		if err := rows.Scan(&keyName, &kindName, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev keys.Event
		if err := ev.Key.UnmarshalText([]byte(keyName)); err != nil {
			return nil, fmt.Errorf("event %d: %w", len(rec.Events), err)
		}
		if err := ev.Kind.UnmarshalText([]byte(kindName)); err != nil {
			return nil, fmt.Errorf("event %d: %w", len(rec.Events), err)
		}
		ev.Timestamp = uint64(ts)
		rec.Events = append(rec.Events, ev)
	}
	return rec, rows.Err()
}

// List returns summaries of all recordings, newest first.
func (s *Store) List() ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT r.id, r.name, r.device, r.device_name, r.created_at,
		       COUNT(e.seq), COALESCE(MAX(e.timestamp_us), 0)
		FROM recordings r
		LEFT JOIN recording_events e ON e.recording_id = r.id
		GROUP BY r.id
		ORDER BY r.created_at DESC, r.id`)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var created, maxTs int64
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.Device, &sum.DeviceName, &created, &sum.Events, &maxTs); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		sum.CreatedAt = time.Unix(0, created).UTC()
		sum.Duration = time.Duration(maxTs) * time.Microsecond
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes the recording with id and its events.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Export writes the recording with id to w as indented JSON.
func (s *Store) Export(id string, w io.Writer) error {
	rec, err := s.Load(id)
	if err != nil {
		return err
	}
	return WriteJSON(w, rec)
}

// WriteJSON writes rec as indented JSON.
func WriteJSON(w io.Writer, rec *Recording) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

// ReadJSON reads a recording exported by WriteJSON. A bare JSON array of
// events is accepted too.
func ReadJSON(r io.Reader) (*Recording, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var rec Recording
	if trimmed := firstNonSpace(data); trimmed == '[' {
		if err := json.Unmarshal(data, &rec.Events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		return &rec, nil
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode recording: %w", err)
	}
	return &rec, nil
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
