package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

	fired := make(chan struct{}, 1)
	w, err := New(path, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0644))

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not fire after file write")
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

	fired := make(chan struct{}, 1)
	w, err := New(path, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("x"), 0644))

	select {
	case <-fired:
		t.Fatal("watcher fired for an unrelated file")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcherStopIsIdempotentSafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

	w, err := New(path, func() {})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	w.Stop()

	assert.NotPanics(t, func() {
		// Events after stop are ignored
		_ = os.WriteFile(path, []byte("{}"), 0644)
	})
}
