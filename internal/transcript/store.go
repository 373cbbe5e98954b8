// Package transcript archives conversation turns in SQLite so a
// conversation can be audited or resumed after the process exits.
// Turns are append-only; the archive never edits a recorded turn.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nugget/mcpchat/internal/conversation"
	"github.com/nugget/mcpchat/internal/tools"
)

// timeFormat is fixed width so stored times sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Open opens (creating if needed) the transcript database at path and
// returns a ready Store. Close the returned *sql.DB when done.
func Open(path string) (*Store, *sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("open transcript database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

// Store persists conversation turns. All methods are safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore wraps db, creating the schema on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate transcript schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversation_turns (
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			kind            TEXT NOT NULL,
			content         TEXT,
			tool_calls      TEXT,
			result          TEXT,
			created_at      TEXT NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_turns_created ON conversation_turns(created_at);
	`)
	return err
}

// Summary describes one archived conversation.
type Summary struct {
	ID      string    `json:"id"`
	Turns   int       `json:"turns"`
	Started time.Time `json:"started"`
	Updated time.Time `json:"updated"`
}

// Record stores turn at position seq of conversation convID. Recording
// the same position twice is an error.
func (s *Store) Record(ctx context.Context, convID string, seq int, turn conversation.Turn) error {
	var calls, result sql.NullString
	if len(turn.ToolCalls) > 0 {
		data, err := json.Marshal(turn.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		calls = sql.NullString{String: string(data), Valid: true}
	}
	if turn.Result != nil {
		data, err := json.Marshal(turn.Result)
		if err != nil {
			return fmt.Errorf("encode tool result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}
	at := turn.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns
			(conversation_id, seq, kind, content, tool_calls, result, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		convID,
		seq,
		string(turn.Kind),
		turn.Text,
		calls,
		result,
		at.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert turn %d of %s: %w", seq, convID, err)
	}
	return nil
}

// Load returns every recorded turn of convID in order. An unknown
// conversation yields an empty slice.
func (s *Store) Load(ctx context.Context, convID string) ([]conversation.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, content, tool_calls, result, created_at
		 FROM conversation_turns
		 WHERE conversation_id = ?
		 ORDER BY seq ASC`,
		convID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var (
			kind, createdAt string
			content         sql.NullString
			calls, result   sql.NullString
		)
		if err := rows.Scan(&kind, &content, &calls, &result, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}

		turn := conversation.Turn{Kind: conversation.Kind(kind), Text: content.String}
		if calls.Valid {
			if err := json.Unmarshal([]byte(calls.String), &turn.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if result.Valid {
			var r tools.CallResult
			if err := json.Unmarshal([]byte(result.String), &r); err != nil {
				return nil, fmt.Errorf("decode tool result: %w", err)
			}
			turn.Result = &r
		}
		turn.At, err = time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse turn time %q: %w", createdAt, err)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// Conversations lists archived conversations, most recently updated
// first.
func (s *Store) Conversations(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, COUNT(*), MIN(created_at), MAX(created_at)
		 FROM conversation_turns
		 GROUP BY conversation_id
		 ORDER BY MAX(created_at) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum            Summary
			first, updated string
		)
		if err := rows.Scan(&sum.ID, &sum.Turns, &first, &updated); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		sum.Started, _ = time.Parse(timeFormat, first)
		sum.Updated, _ = time.Parse(timeFormat, updated)
		out = append(out, sum)
	}
	return out, rows.Err()
}
