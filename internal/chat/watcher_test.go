package chat

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const externalSessionDoc = `{
	"id": "ext1",
	"name": "External",
	"last_updated": "2026-08-21T10:00:00Z",
	"provider": "ollama",
	"model": "llama3",
	"temperature": 0.5,
	"messages": [
		{"id": "m1", "role": "user", "content": "written behind the engine's back"}
	]
}`

func startWatcher(t *testing.T, e *engine) *StoreWatcher {
	t.Helper()
	w, err := NewStoreWatcher(e.mgr, 30*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestWatcherIndexesExternalSession(t *testing.T) {
	e := newEngine(t)
	startWatcher(t, e)

	require.NoError(t, e.chats.Write("ext1", []byte(externalSessionDoc)))

	require.Eventually(t, func() bool {
		return e.mgr.GetSession("ext1", nil) != nil
	}, 3*time.Second, 20*time.Millisecond)

	s := e.mgr.GetSession("ext1", nil)
	require.Equal(t, "External", s.Name())
	require.False(t, s.IsLoaded(), "external pickup indexes metadata only")

	e.bus.Drain()
	require.NotEmpty(t, e.sink.byKey(KeySessionListChanged))
}

func TestWatcherDropsDeletedSession(t *testing.T) {
	e := newEngine(t)
	startWatcher(t, e)

	require.NoError(t, e.chats.Write("ext1", []byte(externalSessionDoc)))
	require.Eventually(t, func() bool {
		return e.mgr.GetSession("ext1", nil) != nil
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(e.chats.Path("ext1")))
	require.Eventually(t, func() bool {
		return e.mgr.GetSession("ext1", nil) == nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherRefreshesKnownSessionInPlace(t *testing.T) {
	e := newEngine(t)
	startWatcher(t, e)

	require.NoError(t, e.chats.Write("ext1", []byte(externalSessionDoc)))
	require.Eventually(t, func() bool {
		return e.mgr.GetSession("ext1", nil) != nil
	}, 3*time.Second, 20*time.Millisecond)
	before := e.mgr.GetSession("ext1", nil)

	e.bus.Drain()
	base := len(e.sink.byKey(KeySessionListChanged))

	renamed := []byte(`{
		"id": "ext1",
		"name": "Renamed Outside",
		"last_updated": "2026-08-21T11:00:00Z",
		"provider": "ollama",
		"model": "mistral",
		"temperature": 0.2,
		"messages": []
	}`)
	require.NoError(t, e.chats.Write("ext1", renamed))

	require.Eventually(t, func() bool {
		return len(e.sink.byKey(KeySessionListChanged)) > base
	}, 3*time.Second, 20*time.Millisecond)
	e.bus.Drain()

	after := e.mgr.GetSession("ext1", nil)
	require.Same(t, before, after, "refresh updates in place, preserving subscribers")
	require.Equal(t, "Renamed Outside", after.Name())
	require.Equal(t, "mistral", after.Model())
	require.False(t, after.IsDirty(), "external refresh is not local dirt")
}

func TestWatcherIgnoresNonJSONFiles(t *testing.T) {
	e := newEngine(t)
	startWatcher(t, e)

	require.NoError(t, os.WriteFile(e.chats.Dir()+"/notes.txt", []byte("scratch"), 0644))

	time.Sleep(150 * time.Millisecond)
	require.Empty(t, e.mgr.Sessions())
}
