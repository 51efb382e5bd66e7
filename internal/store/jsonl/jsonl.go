package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/agentsh/sigguard/pkg/types"
)

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 3

	defaultQueryLimit = 200
	maxQueryLimit     = 5000
)

// Store appends events as JSON lines to path and rotates it to path.1,
// path.2, ... once it reaches the size limit.
type Store struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

func New(path string, maxSizeMB int, maxBackups int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl path is empty")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups < 0 {
		maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir log dir: %w", err)
	}

	s := &Store{
		path:       path,
		maxBytes:   int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
	}
	if err := s.openLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) openLocked() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open jsonl: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat jsonl: %w", err)
	}
	s.file, s.size = f, st.Size()
	return nil
}

func (s *Store) AppendEvent(_ context.Context, ev types.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("jsonl store closed")
	}
	if s.size >= s.maxBytes {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := s.file.Write(line)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("write jsonl: %w", err)
	}
	return nil
}

// rotateLocked shifts path.N-1 to path.N, down to path to path.1, dropping
// the oldest backup. With no backups the file is truncated.
func (s *Store) rotateLocked() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close for rotate: %w", err)
	}
	s.file = nil
	if s.maxBackups == 0 {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("truncate jsonl: %w", err)
		}
		return s.openLocked()
	}
	_ = os.Remove(s.backup(s.maxBackups))
	for i := s.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(s.backup(i), s.backup(i+1))
	}
	_ = os.Rename(s.path, s.backup(1))
	return s.openLocked()
}

func (s *Store) backup(i int) string { return fmt.Sprintf("%s.%d", s.path, i) }

// QueryEvents scans the backups, oldest first, then the active file, and
// filters in memory. Malformed lines are skipped.
func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	var out []types.Event
	for i := s.maxBackups; i >= 0; i-- {
		name := s.path
		if i > 0 {
			name = s.backup(i)
		}
		evs, err := s.scanFile(ctx, name, q)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}

	slices.SortStableFunc(out, func(a, b types.Event) int {
		if q.Asc {
			return a.Timestamp.Compare(b.Timestamp)
		}
		return b.Timestamp.Compare(a.Timestamp)
	})

	limit := q.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultQueryLimit
	}
	offset := max(q.Offset, 0)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	return out[:min(limit, len(out))], nil
}

func (s *Store) scanFile(ctx context.Context, name string, q types.EventQuery) ([]types.Event, error) {
	s.mu.Lock()
	f, err := os.Open(name)
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open jsonl for query: %w", err)
	}
	defer f.Close()

	var out []types.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var ev types.Event
		if json.Unmarshal(sc.Bytes(), &ev) != nil {
			continue
		}
		if matches(ev, q) {
			out = append(out, ev)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan jsonl: %w", err)
	}
	return out, nil
}

func matches(ev types.Event, q types.EventQuery) bool {
	switch {
	case len(q.Types) > 0 && !slices.Contains(q.Types, ev.Type):
		return false
	case q.Since != nil && ev.Timestamp.Before(*q.Since):
		return false
	case q.Until != nil && ev.Timestamp.After(*q.Until):
		return false
	case q.Decision != nil && (ev.Policy == nil || ev.Policy.Decision != *q.Decision):
		return false
	case q.PID > 0 && ev.PID != q.PID:
		return false
	case q.PathLike != "" && !likeMatch(ev.Path, q.PathLike):
		return false
	}
	if q.TextLike != "" {
		b, _ := json.Marshal(ev)
		return likeMatch(string(b), q.TextLike)
	}
	return true
}

// likeMatch follows SQLite's LIKE: % matches any run, _ matches one
// character, and ASCII letters compare case-insensitively.
func likeMatch(s, pattern string) bool {
	str, pat := []rune(s), []rune(pattern)
	si, pi := 0, 0
	star, mark := -1, 0
	for si < len(str) {
		switch {
		case pi < len(pat) && pat[pi] == '%':
			star, mark = pi, si
			pi++
		case pi < len(pat) && (pat[pi] == '_' || asciiFold(pat[pi]) == asciiFold(str[si])):
			si++
			pi++
		case star >= 0:
			mark++
			si, pi = mark, star+1
		default:
			return false
		}
	}
	for pi < len(pat) && pat[pi] == '%' {
		pi++
	}
	return pi == len(pat)
}

func asciiFold(r rune) rune {
	if 'A' <= r && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
