// Package storage persists one agent session's messages, events, and
// markers in a per-session SQLite database. The schema is versioned and
// migrated sequentially on open.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/nexus3/internal/safefile"
	"github.com/haasonsaas/nexus3/pkg/models"
)

// maxJSONFieldBytes is the hard upper bound on a stored JSON field. A row
// exceeding it decodes to nil instead of expanding in memory.
const maxJSONFieldBytes = 10 << 20

// MessageRow is one persisted message.
type MessageRow struct {
	ID         int64
	Role       string
	Content    string
	Name       string
	ToolCallID string
	ToolCalls  []models.ToolCall
	Tokens     int
	Timestamp  time.Time
	InContext  bool
	SummaryOf  string
}

// EventRow is one persisted event attached to a message.
type EventRow struct {
	ID        int64
	MessageID int64
	EventType string
	Data      map[string]any
	Timestamp time.Time
}

// Markers is the singleton session marker row.
type Markers struct {
	SessionType   string
	SessionStatus string
	ParentAgentID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store wraps one session database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the session database at
// {baseDir}/{sessionID}/session.db and migrates it to the current schema.
func Open(baseDir, sessionID string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(baseDir, sessionID)
	if err := safefile.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(dir, "session.db")
	if err := safefile.CheckNoSymlinks(path); err != nil {
		return nil, err
	}
	return OpenPath(path, logger)
}

// OpenPath opens a session database at an explicit path. Tests use
// ":memory:".
func OpenPath(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time keeps modernc's locking simple.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// InsertMessage persists a message and returns its row id.
func (s *Store) InsertMessage(ctx context.Context, msg models.Message, tokens int) (int64, error) {
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return 0, fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = string(b)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (role, content, name, tool_call_id, tool_calls, tokens, timestamp, in_context)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
	`, string(msg.Role), msg.Content, "", msg.ToolCallID, toolCalls, tokens,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

// GetMessages returns messages in insertion order. With inContextOnly only
// rows still part of the working context are returned.
func (s *Store) GetMessages(ctx context.Context, inContextOnly bool) ([]MessageRow, error) {
	query := `
		SELECT id, role, content, name, tool_call_id, tool_calls, tokens, timestamp, in_context, COALESCE(summary_of, '')
		FROM messages`
	if inContextOnly {
		query += ` WHERE in_context = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var (
			row       MessageRow
			toolCalls sql.NullString
			ts        string
			inCtx     int
		)
		if err := rows.Scan(&row.ID, &row.Role, &row.Content, &row.Name, &row.ToolCallID,
			&toolCalls, &row.Tokens, &ts, &inCtx, &row.SummaryOf); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		row.InContext = inCtx != 0
		row.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		row.ToolCalls = s.decodeToolCalls(row.ID, toolCalls)
		out = append(out, row)
	}
	return out, rows.Err()
}

// decodeToolCalls decodes the tool_calls JSON column defensively: NULL,
// empty, oversized, and malformed values all decode to nil with a log line
// instead of an error.
func (s *Store) decodeToolCalls(id int64, v sql.NullString) []models.ToolCall {
	if !v.Valid || v.String == "" {
		return nil
	}
	if len(v.String) > maxJSONFieldBytes {
		s.logger.Warn("tool_calls field exceeds size bound, dropping",
			"message_id", id, "size", len(v.String))
		return nil
	}
	var calls []models.ToolCall
	if err := json.Unmarshal([]byte(v.String), &calls); err != nil {
		s.logger.Warn("tool_calls field is not valid JSON, dropping",
			"message_id", id, "error", err)
		return nil
	}
	return calls
}

// UpdateContextStatus batch-sets in_context for an id list.
func (s *Store) UpdateContextStatus(ctx context.Context, ids []int64, inContext bool) error {
	if len(ids) == 0 {
		return nil
	}
	val := 0
	if inContext {
		val = 1
	}
	query := fmt.Sprintf("UPDATE messages SET in_context = %d WHERE id IN (%s)", val, placeholders(len(ids)))
	_, err := s.db.ExecContext(ctx, query, idArgs(ids)...)
	return err
}

// MarkAsSummary records a compaction: the summary row gets summary_of set
// to the comma-joined replaced ids, and the replaced rows leave the
// context, all in one transaction.
func (s *Store) MarkAsSummary(ctx context.Context, summaryID int64, replaced []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	csv := make([]string, len(replaced))
	for i, id := range replaced {
		csv[i] = strconv.FormatInt(id, 10)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET summary_of = ? WHERE id = ?`,
		strings.Join(csv, ","), summaryID); err != nil {
		return fmt.Errorf("mark summary row: %w", err)
	}
	if len(replaced) > 0 {
		query := fmt.Sprintf("UPDATE messages SET in_context = 0 WHERE id IN (%s)", placeholders(len(replaced)))
		if _, err := tx.ExecContext(ctx, query, idArgs(replaced)...); err != nil {
			return fmt.Errorf("retire summarized rows: %w", err)
		}
	}
	return tx.Commit()
}

// GetTokenCount sums the tokens of in-context messages.
func (s *Store) GetTokenCount(ctx context.Context) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(tokens) FROM messages WHERE in_context = 1`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}

// InsertEvent persists an event attached to a message.
func (s *Store) InsertEvent(ctx context.Context, messageID int64, eventType string, data any) (int64, error) {
	var encoded any
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return 0, fmt.Errorf("encode event data: %w", err)
		}
		encoded = string(b)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (message_id, event_type, data, timestamp)
		VALUES (?, ?, ?, ?)
	`, messageID, eventType, encoded, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// GetEvents returns events of one type, oldest first.
func (s *Store) GetEvents(ctx context.Context, eventType string) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, event_type, data, timestamp
		FROM events WHERE event_type = ? ORDER BY id
	`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			row  EventRow
			data sql.NullString
			ts   string
		)
		if err := rows.Scan(&row.ID, &row.MessageID, &row.EventType, &data, &ts); err != nil {
			return nil, err
		}
		row.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		row.Data = s.decodeEventData(row.ID, data)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) decodeEventData(id int64, v sql.NullString) map[string]any {
	if !v.Valid || v.String == "" {
		return nil
	}
	if len(v.String) > maxJSONFieldBytes {
		s.logger.Warn("event data exceeds size bound, dropping", "event_id", id, "size", len(v.String))
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(v.String), &data); err != nil {
		s.logger.Warn("event data is not valid JSON, dropping", "event_id", id, "error", err)
		return nil
	}
	return data
}

// InitMarkers writes the singleton marker row if absent.
func (s *Store) InitMarkers(ctx context.Context, sessionType, status, parentAgentID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_markers (id, session_type, session_status, parent_agent_id, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, sessionType, status, parentAgentID, now, now)
	return err
}

// GetMarkers reads the singleton marker row.
func (s *Store) GetMarkers(ctx context.Context) (*Markers, error) {
	var (
		m                Markers
		created, updated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_type, session_status, parent_agent_id, created_at, updated_at
		FROM session_markers WHERE id = 1
	`).Scan(&m.SessionType, &m.SessionStatus, &m.ParentAgentID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &m, nil
}

// UpdateStatus sets the session status marker.
func (s *Store) UpdateStatus(ctx context.Context, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE session_markers SET session_status = ?, updated_at = ? WHERE id = 1
	`, status, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// SetMetadata upserts a metadata key.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// GetMetadata reads a metadata key; missing keys return "".
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
