// Package capture records port sessions, the chunks read from them and the
// commands written to them in a sqlite database.
package capture

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/portstream/internal/binding"
)

type Store struct {
	*sql.DB
}

// Open opens (or creates) the capture database at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	s, err := Connect(path)
	if err != nil {
		return nil, err
	}
	if err := s.MigrateUp(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Connect opens the capture database without touching its schema, for the
// migrate command.
func Connect(path string) (*Store, error) {
	// pragmas in the DSN apply to every pooled connection
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	return &Store{db}, nil
}

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	ID       uuid.UUID
	Options  binding.OpenOptions
	ReadSize int
	OpenedAt time.Time
	ClosedAt *time.Time
}

// Chunk is one row of the chunks table.
type Chunk struct {
	Seq        int64
	Data       []byte
	ReceivedAt time.Time
}

// BeginSession records a newly opened session.
func (s *Store) BeginSession(id uuid.UUID, opts binding.OpenOptions, readSize int) error {
	opts, err := opts.Normalize()
	if err != nil {
		return err
	}
	_, err = s.Exec(
		`INSERT INTO sessions (session_id, port_path, baud_rate, data_bits, stop_bits, parity, read_size)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(), opts.Path, opts.BaudRate, opts.DataBits, opts.StopBits, opts.Parity, readSize,
	)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", id, err)
	}
	return nil
}

// EndSession stamps the session's closed_at time.
func (s *Store) EndSession(id uuid.UUID) error {
	res, err := s.Exec(`UPDATE sessions SET closed_at = CURRENT_TIMESTAMP WHERE session_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// RecordChunk stores a chunk read from the session. seq orders chunks within
// a session.
func (s *Store) RecordChunk(id uuid.UUID, seq int64, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.Exec(
		`INSERT INTO chunks (session_id, seq, data) VALUES (?, ?, ?)`,
		id.String(), seq, data,
	)
	return err
}

// RecordCommand stores a command written to the session.
func (s *Store) RecordCommand(id uuid.UUID, command string) error {
	_, err := s.Exec(
		`INSERT INTO commands (session_id, command) VALUES (?, ?)`,
		id.String(), command,
	)
	return err
}

// Chunks returns every chunk recorded for the session in read order.
func (s *Store) Chunks(id uuid.UUID) ([]Chunk, error) {
	rows, err := s.Query(
		`SELECT seq, data, received_at FROM chunks WHERE session_id = ? ORDER BY seq`,
		id.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.Seq, &c.Data, &c.ReceivedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Commands returns every command recorded for the session in send order.
func (s *Store) Commands(id uuid.UUID) ([]string, error) {
	rows, err := s.Query(
		`SELECT command FROM commands WHERE session_id = ? ORDER BY command_id`,
		id.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// Sessions returns all recorded sessions, oldest first.
func (s *Store) Sessions() ([]SessionRecord, error) {
	rows, err := s.Query(
		`SELECT session_id, port_path, baud_rate, data_bits, stop_bits, parity, read_size, opened_at, closed_at
		 FROM sessions ORDER BY opened_at, rowid`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var (
			rec      SessionRecord
			id       string
			closedAt sql.NullTime
		)
		if err := rows.Scan(&id, &rec.Options.Path, &rec.Options.BaudRate, &rec.Options.DataBits,
			&rec.Options.StopBits, &rec.Options.Parity, &rec.ReadSize, &rec.OpenedAt, &closedAt); err != nil {
			return nil, err
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid session id %q: %w", id, err)
		}
		if closedAt.Valid {
			t := closedAt.Time
			rec.ClosedAt = &t
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

// Recorder stores each chunk written to it as the next chunk of one session.
// It implements io.Writer so it can sit alongside stdout in an io.MultiWriter.
type Recorder struct {
	store *Store
	id    uuid.UUID
	seq   int64
}

// NewRecorder returns a Recorder appending to session id, which must already
// have been started with BeginSession.
func (s *Store) NewRecorder(id uuid.UUID) *Recorder {
	return &Recorder{store: s, id: id}
}

// Write records p as one chunk. p is copied before Write returns.
func (r *Recorder) Write(p []byte) (int, error) {
	if err := r.store.RecordChunk(r.id, r.seq, p); err != nil {
		return 0, fmt.Errorf("failed to record chunk %d of session %s: %w", r.seq, r.id, err)
	}
	r.seq++
	return len(p), nil
}

// Count returns the number of chunks recorded so far.
func (r *Recorder) Count() int64 {
	return r.seq
}
