// Package pg persists session records in PostgreSQL. The schema lives in
// migrations/ and is applied with `covey migrate`.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/coveyhq/covey/internal/providers"
	"github.com/coveyhq/covey/internal/store"
)

// Log implements store.SessionLog on a session_records table.
type Log struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*Log, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Log{db: db}, nil
}

// NewLog wraps an existing connection, used by tests and doctor.
func NewLog(db *sql.DB) *Log { return &Log{db: db} }

func (l *Log) Append(ctx context.Context, key string, rec store.Record) error {
	rec = store.Clamp(rec)

	var toolCallsJSON []byte
	toolNames := []string{}
	if len(rec.ToolCalls) > 0 {
		var err error
		toolCallsJSON, err = json.Marshal(rec.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		for _, tc := range rec.ToolCalls {
			toolNames = append(toolNames, tc.Name)
		}
	}

	var usageJSON []byte
	if rec.Usage != nil {
		usageJSON, _ = json.Marshal(rec.Usage)
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO session_records
		   (session_key, created_at, kind, content, tool_name, tool_call_id, tool_names, tool_calls, token_usage)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key, rec.Time.UTC(), string(rec.Kind), rec.Content, rec.ToolName, rec.ToolCallID,
		pq.Array(toolNames), nullableJSON(toolCallsJSON), nullableJSON(usageJSON),
	)
	if err != nil {
		return fmt.Errorf("insert session record: %w", err)
	}
	return nil
}

func (l *Log) Replay(ctx context.Context, key string) ([]store.Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT created_at, kind, content, tool_name, tool_call_id, tool_calls, token_usage
		   FROM session_records
		  WHERE session_key = $1
		  ORDER BY id`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("query session records: %w", err)
	}
	defer rows.Close()

	var records []store.Record
	for rows.Next() {
		var (
			rec           store.Record
			kind          string
			toolCallsJSON []byte
			usageJSON     []byte
		)
		if err := rows.Scan(&rec.Time, &kind, &rec.Content, &rec.ToolName, &rec.ToolCallID,
			&toolCallsJSON, &usageJSON); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		rec.Kind = store.RecordKind(kind)
		if len(toolCallsJSON) > 0 {
			if err := json.Unmarshal(toolCallsJSON, &rec.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if len(usageJSON) > 0 {
			var u providers.Usage
			if err := json.Unmarshal(usageJSON, &u); err != nil {
				return nil, fmt.Errorf("decode usage: %w", err)
			}
			rec.Usage = &u
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (l *Log) Keys(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT DISTINCT session_key FROM session_records ORDER BY session_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ToolInvocationCounts aggregates how often each tool was requested, using
// the tool_names array column. Surfaced by `covey doctor --stats`.
func (l *Log) ToolInvocationCounts(ctx context.Context) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT t.name, COUNT(*)
		   FROM session_records, UNNEST(tool_names) AS t(name)
		  GROUP BY t.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, rows.Err()
}

func (l *Log) Close() error { return l.db.Close() }

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
