// Package journal persists committed ledger events to SQLite so they can be
// replayed over RPC after the process restarts.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"escrowmarket/core/events"
)

const defaultListLimit = 100

// Record is one journaled event.
type Record struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	ItemID     uint64            `json:"itemId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Query filters List results. Zero values match everything.
type Query struct {
	Type   string // event type prefix
	ItemID uint64
	After  int64
	Limit  int
}

// Journal appends events to an SQLite table.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open creates or opens the journal at path. Use ":memory:" for a transient
// journal.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal: path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{db: db, logger: logger, now: time.Now}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            item_id INTEGER,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_item ON events(item_id, sequence);`,
	}
	for _, stmt := range schema {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("journal: init schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Emit implements events.Emitter. Write failures are logged rather than
// propagated because the ledger has already committed.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if _, err := j.Append(context.Background(), evt); err != nil {
		j.logger.Error("journal append failed",
			slog.String("type", evt.EventType()),
			slog.String("error", err.Error()))
	}
}

// Append stores the event and returns its sequence number.
func (j *Journal) Append(ctx context.Context, evt events.Event) (int64, error) {
	payload := events.Payload(evt)
	if payload == nil {
		return 0, fmt.Errorf("journal: nil event")
	}
	encoded, err := json.Marshal(payload.Attributes)
	if err != nil {
		return 0, err
	}
	var itemID sql.NullInt64
	if raw, ok := payload.Attributes["id"]; ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			itemID = sql.NullInt64{Int64: id, Valid: true}
		}
	}
	const stmt = `INSERT INTO events(type, item_id, payload, created_at) VALUES (?, ?, ?, ?)`
	res, err := j.db.ExecContext(ctx, stmt, payload.Type, itemID, string(encoded), j.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List returns journaled events in sequence order.
func (j *Journal) List(ctx context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	clauses := []string{"sequence > ?"}
	args := []any{q.After}
	if t := strings.TrimSpace(q.Type); t != "" {
		// Prefix match, case-sensitive and free of LIKE wildcards.
		clauses = append(clauses, "substr(type, 1, length(?)) = ?")
		args = append(args, t, t)
	}
	if q.ItemID != 0 {
		clauses = append(clauses, "item_id = ?")
		args = append(args, int64(q.ItemID))
	}
	args = append(args, limit)
	query := `SELECT sequence, type, item_id, payload, created_at FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY sequence ASC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := make([]Record, 0)
	for rows.Next() {
		var (
			rec     Record
			itemID  sql.NullInt64
			payload string
		)
		if err := rows.Scan(&rec.Sequence, &rec.Type, &itemID, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if itemID.Valid {
			rec.ItemID = uint64(itemID.Int64)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("journal: decode event %d: %w", rec.Sequence, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
