package templates

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWatcherTracksDirectory(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir, zaptest.NewLogger(t))
	require.NoError(t, reg.LoadDirectory())

	w, err := NewWatcher(reg, zaptest.NewLogger(t))
	require.NoError(t, err)
	w.debounce = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { assert.NoError(t, w.Stop()) }()

	path := writeFile(t, dir, "late.json", basicJSON)
	require.Eventually(t, func() bool {
		_, ok := reg.Get("late.json")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, ok := reg.Get("late.json")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)

	// non-template files are ignored
	writeFile(t, dir, "notes.txt", "hello")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, reg.Len())
	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err)
}
