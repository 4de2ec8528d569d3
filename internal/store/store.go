// Package store keeps call records and extension registration state in a
// local SQLite database.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_records (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	unique_id   TEXT,
	fields      TEXT NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS call_records_kind ON call_records (kind, received_at);
CREATE INDEX IF NOT EXISTS call_records_unique_id ON call_records (unique_id);

CREATE TABLE IF NOT EXISTS registrations (
	extension  TEXT PRIMARY KEY,
	registered INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

var pragmas = []string{
	"PRAGMA busy_timeout=5000",
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
}

// recordNamespace seeds deterministic record IDs so a retried write
// replaces the earlier copy instead of duplicating it.
var recordNamespace = uuid.MustParse("3f6c1d2e-9b8a-4c7d-8e5f-1a2b3c4d5e6f")

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the database file. It is created if missing.
	Path     string
	PoolSize int
	Logger   zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Store is safe for concurrent use.
type Store struct {
	pool *sqlitex.Pool
	log  zerolog.Logger
	now  func() time.Time
}

// CallRecord is a persisted call event.
type CallRecord struct {
	ID         string
	Kind       string
	UniqueID   string
	Fields     map[string]string
	ReceivedAt time.Time
}

// Open opens or creates the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = 4
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, log: cfg.Logger.With().Str("component", "store").Logger(), now: now}

	// Take one connection up front so schema errors surface at startup.
	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}
	pool.Put(conn)

	s.log.Info().Str("path", cfg.Path).Int("pool_size", size).Msg("store opened")
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close closes every connection.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing: %w", err)
	}
	return nil
}

func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// recordID is stable for one event of one call, random otherwise.
func recordID(kind string, fields map[string]string) string {
	uid := fields["Unique-ID"]
	ts := fields["Event-Date-Timestamp"]
	if uid == "" || ts == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(recordNamespace, []byte(kind+"|"+uid+"|"+ts)).String()
}

// SaveCallRecord stores one call event. Saving the same event twice keeps a
// single row.
func (s *Store) SaveCallRecord(ctx context.Context, kind string, fields map[string]string) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("store: encoding fields: %w", err)
	}

	var uniqueID any
	if v := fields["Unique-ID"]; v != "" {
		uniqueID = v
	}

	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT OR REPLACE INTO call_records (id, kind, unique_id, fields, received_at)
			 VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{recordID(kind, fields), kind, uniqueID, string(data), s.now().UnixMilli()},
			})
		if err != nil {
			return fmt.Errorf("store: insert %s record: %w", kind, err)
		}
		return nil
	})
}

// CallRecords returns the records of kind, oldest first. An empty kind
// returns every record.
func (s *Store) CallRecords(ctx context.Context, kind string) ([]CallRecord, error) {
	query := `SELECT id, kind, unique_id, fields, received_at FROM call_records`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY received_at, rowid`

	var records []CallRecord
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec := CallRecord{
					ID:         stmt.ColumnText(0),
					Kind:       stmt.ColumnText(1),
					UniqueID:   stmt.ColumnText(2),
					ReceivedAt: time.UnixMilli(stmt.ColumnInt64(4)),
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &rec.Fields); err != nil {
					return fmt.Errorf("decoding record %s: %w", rec.ID, err)
				}
				records = append(records, rec)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing records: %w", err)
	}
	return records, nil
}

// SetRegistration records whether extension is registered.
func (s *Store) SetRegistration(ctx context.Context, extension string, registered bool) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO registrations (extension, registered, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT (extension) DO UPDATE SET registered = excluded.registered, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{
				Args: []any{extension, boolInt(registered), s.now().UnixMilli()},
			})
		if err != nil {
			return fmt.Errorf("store: registration of %s: %w", extension, err)
		}
		return nil
	})
}

// ResetRegistrations marks every known extension unregistered.
func (s *Store) ResetRegistrations(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("store: begin transaction: %w", err)
		}
		defer endTransaction(&err)

		err = sqlitex.Execute(conn,
			`UPDATE registrations SET registered = 0, updated_at = ? WHERE registered != 0`,
			&sqlitex.ExecOptions{Args: []any{s.now().UnixMilli()}})
		if err != nil {
			return fmt.Errorf("store: resetting registrations: %w", err)
		}
		s.log.Info().Int("changed", conn.Changes()).Msg("registrations reset")
		return nil
	})
}

// Registrations returns the registration state of every known extension.
func (s *Store) Registrations(ctx context.Context) (map[string]bool, error) {
	regs := make(map[string]bool)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT extension, registered FROM registrations`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				regs[stmt.ColumnText(0)] = stmt.ColumnInt64(1) != 0
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing registrations: %w", err)
	}
	return regs, nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
