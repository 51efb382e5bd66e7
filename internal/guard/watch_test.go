package guard

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryWatcherCheckPresent(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present")
	require.NoError(t, os.WriteFile(present, []byte("bin"), 0o755))
	missing := filepath.Join(dir, "missing")

	reg, err := NewRegistry([]string{present, missing})
	require.NoError(t, err)
	rec := &memRecorder{}
	w, err := NewBinaryWatcher(WatcherConfig{Registry: reg, Recorder: rec})
	require.NoError(t, err)

	assert.Equal(t, []string{missing}, w.CheckPresent())
	evs := rec.OfType("protected_binary_missing")
	require.Len(t, evs, 1)
	assert.Equal(t, missing, evs[0].Path)
}

func TestBinaryWatcherCheckPresentWarnsOnSymlink(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	target := filepath.Join(dir, "auditd")
	require.NoError(t, os.WriteFile(target, []byte("bin"), 0o755))
	link := filepath.Join(dir, "auditd-link")
	require.NoError(t, os.Symlink(target, link))

	reg, err := NewRegistry([]string{link, target})
	require.NoError(t, err)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	w, err := NewBinaryWatcher(WatcherConfig{Registry: reg, Logger: logger, Recorder: &memRecorder{}})
	require.NoError(t, err)

	assert.Empty(t, w.CheckPresent())
	out := buf.String()
	assert.Contains(t, out, "protected path is a symlink")
	assert.Contains(t, out, `"path":"`+link+`"`)
	assert.Contains(t, out, `"target":"`+target+`"`)
	assert.Equal(t, 1, strings.Count(out, "symlink"), "the real path must not warn")
}

func TestBinaryWatcherReportsReplacement(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "daemon")
	require.NoError(t, os.WriteFile(bin, []byte("v1"), 0o755))

	reg, err := NewRegistry([]string{bin})
	require.NoError(t, err)

	changes := make(chan BinaryChange, 8)
	rec := &memRecorder{}
	w, err := NewBinaryWatcher(WatcherConfig{
		Registry: reg,
		Recorder: rec,
		Debounce: 20 * time.Millisecond,
		OnChange: func(c BinaryChange) { changes <- c },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0o644))

	tmp := filepath.Join(dir, ".daemon.new")
	require.NoError(t, os.WriteFile(tmp, []byte("v2"), 0o755))
	require.NoError(t, os.Rename(tmp, bin))

	select {
	case c := <-changes:
		assert.Equal(t, bin, c.Path)
		assert.False(t, c.Removed)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	require.NoError(t, os.Remove(bin))
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Removed {
				assert.Equal(t, bin, c.Path)
				assert.NotEmpty(t, rec.OfType("protected_binary_changed"))
				return
			}
		case <-deadline:
			t.Fatal("removal not reported")
		}
	}
}

func TestBinaryWatcherDoubleStart(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry([]string{filepath.Join(dir, "x")})
	require.NoError(t, err)
	w, err := NewBinaryWatcher(WatcherConfig{Registry: reg})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx))
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestNewBinaryWatcherRequiresPrograms(t *testing.T) {
	_, err := NewBinaryWatcher(WatcherConfig{})
	assert.ErrorIs(t, err, ErrConfiguration)
}
