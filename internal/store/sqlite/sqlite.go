package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentsh/sigguard/pkg/types"
	_ "modernc.org/sqlite"
)

const (
	defaultQueryLimit = 200
	maxQueryLimit     = 5000

	// blockedType mirrors events.EventSignalBlocked; the store does not
	// depend on the events package.
	blockedType = "signal_blocked"
)

// Store is the queryable audit store.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			type TEXT NOT NULL,
			pid INTEGER,
			sender_pid INTEGER,
			signal INTEGER,
			sig_name TEXT,
			policy_decision TEXT,
			policy_rule TEXT,
			path TEXT,
			protected_path TEXT,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_pid_ts ON events(pid, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_path ON events(path);`,
		`CREATE INDEX IF NOT EXISTS idx_events_decision_ts ON events(policy_decision, ts_unix_ns);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event missing id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var policyDecision, policyRule string
	if ev.Policy != nil {
		policyDecision = string(ev.Policy.Decision)
		policyRule = ev.Policy.Rule
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events(
			event_id, ts_unix_ns, type, pid, sender_pid, signal, sig_name,
			policy_decision, policy_rule, path, protected_path, payload_json
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?);`,
		ev.ID,
		ev.Timestamp.UTC().UnixNano(),
		ev.Type,
		nullableInt(ev.PID),
		nullableInt(ev.SenderPID),
		nullableInt(ev.Signal),
		nullable(ev.SigName),
		nullable(policyDecision),
		nullable(policyRule),
		nullable(ev.Path),
		nullable(ev.ProtectedPath),
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// filter accumulates WHERE conditions and their arguments.
type filter struct {
	conds []string
	args  []any
}

func (f *filter) add(cond string, args ...any) {
	f.conds = append(f.conds, cond)
	f.args = append(f.args, args...)
}

func (f *filter) sql() string {
	if len(f.conds) == 0 {
		return "1=1"
	}
	return strings.Join(f.conds, " AND ")
}

func queryFilter(q types.EventQuery) *filter {
	f := &filter{}
	if len(q.Types) > 0 {
		args := make([]any, len(q.Types))
		for i, t := range q.Types {
			args[i] = t
		}
		f.add("type IN (?"+strings.Repeat(",?", len(q.Types)-1)+")", args...)
	}
	if q.Since != nil {
		f.add("ts_unix_ns >= ?", q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		f.add("ts_unix_ns <= ?", q.Until.UTC().UnixNano())
	}
	if q.Decision != nil {
		f.add("policy_decision = ?", string(*q.Decision))
	}
	if q.PID > 0 {
		f.add("pid = ?", q.PID)
	}
	if q.PathLike != "" {
		f.add("path LIKE ?", q.PathLike)
	}
	if q.TextLike != "" {
		f.add("payload_json LIKE ?", q.TextLike)
	}
	return f
}

// QueryEvents returns matching events, newest first unless q.Asc.
func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	f := queryFilter(q)
	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultQueryLimit
	}
	offset := max(q.Offset, 0)

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM events WHERE `+f.sql()+` ORDER BY ts_unix_ns `+order+` LIMIT ? OFFSET ?`,
		append(f.args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events rows: %w", err)
	}
	return out, nil
}

// BlockedCounts returns, per protected program, how many signals the guard
// blocked at or after since. Base-policy denials are not counted.
func (s *Store) BlockedCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT protected_path, COUNT(*) FROM events
		WHERE type = ? AND ts_unix_ns >= ? AND protected_path IS NOT NULL
		GROUP BY protected_path;`,
		blockedType, since.UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("count blocked: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var path string
		var n int
		if err := rows.Scan(&path, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[path] = n
	}
	return out, rows.Err()
}

// Prune deletes events older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts_unix_ns < ?;`, before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}
