// Package journal persists server events to SQLite so recent history
// survives restarts and can be served over the HTTP API.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/trymwestin/eufyws/internal/core/protocol"
	"github.com/trymwestin/eufyws/internal/core/state"
)

// Entry is one journaled event.
type Entry struct {
	ID           string          `json:"id"`
	Source       protocol.Source `json:"source"`
	Event        string          `json:"event"`
	SerialNumber string          `json:"serial_number,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// Journal is a SQLite-backed event log.
type Journal struct {
	db  *sql.DB
	log *slog.Logger

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Open opens (or creates) the journal database at path.
func Open(path string, log *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}

	now := time.Now()
	return &Journal{
		db:      db,
		log:     log,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id            TEXT PRIMARY KEY,
			source        TEXT NOT NULL,
			event         TEXT NOT NULL,
			serial_number TEXT NOT NULL DEFAULT '',
			payload       TEXT NOT NULL,
			received_at   TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) newID(t time.Time) string {
	j.idMu.Lock()
	defer j.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), j.entropy).String()
}

// Append stores evt and returns the new entry.
func (j *Journal) Append(ctx context.Context, evt protocol.Event) (Entry, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: marshal event: %w", err)
	}

	now := time.Now().UTC()
	e := Entry{
		ID:           j.newID(now),
		Source:       evt.Source,
		Event:        evt.Name,
		SerialNumber: evt.SerialNumber,
		Payload:      payload,
		ReceivedAt:   now,
	}

	_, err = j.db.ExecContext(ctx,
		"INSERT INTO events (id, source, event, serial_number, payload, received_at) VALUES (?, ?, ?, ?, ?, ?)",
		e.ID, string(e.Source), e.Event, e.SerialNumber, string(payload), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: insert: %w", err)
	}
	return e, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		"SELECT id, source, event, serial_number, payload, received_at FROM events ORDER BY id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                   Entry
			source, payload, ts string
		)
		if err := rows.Scan(&e.ID, &source, &e.Event, &e.SerialNumber, &payload, &ts); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Source = protocol.Source(source)
		e.Payload = json.RawMessage(payload)
		e.ReceivedAt, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			// ULIDs carry their creation time to the millisecond
			j.log.Warn("journal entry has invalid received_at, using id time", "id", e.ID, "received_at", ts, "error", err)
			if id, perr := ulid.Parse(e.ID); perr == nil {
				e.ReceivedAt = ulid.Time(id.Time())
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows: %w", err)
	}
	return out, nil
}

// Prune deletes all but the newest keep entries and returns how many rows
// were removed. keep <= 0 disables pruning.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := j.db.ExecContext(ctx,
		"DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)", keep,
	)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}

// Run appends every server event received on events until ctx is done or
// the channel closes. Every pruneEvery appends the journal is pruned to keep.
func (j *Journal) Run(ctx context.Context, events <-chan state.Event, keep int) {
	const pruneEvery = 500
	var n int

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			se, ok := evt.Data.(protocol.Event)
			if evt.Type != state.EventServerEvent || !ok {
				continue
			}
			if _, err := j.Append(ctx, se); err != nil {
				j.log.Error("journal append failed", "event", se.Name, "error", err)
				continue
			}
			n++
			if n%pruneEvery == 0 {
				if removed, err := j.Prune(ctx, keep); err != nil {
					j.log.Warn("journal prune failed", "error", err)
				} else if removed > 0 {
					j.log.Debug("journal pruned", "removed", removed)
				}
			}
		}
	}
}
