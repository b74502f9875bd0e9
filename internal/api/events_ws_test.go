package api

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camfleet/camfleet/internal/events"
)

// dialFeed opens the event feed and waits for its bus subscription, so
// events published afterwards cannot race past the handler.
func dialFeed(t *testing.T, env *testEnv, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/v1/events/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return env.bus.Subscribers() > 0
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestEventFeedFiltersByName(t *testing.T) {
	env := newTestEnv(t)
	conn := dialFeed(t, env, "?names=scan-progress")

	env.bus.Publish(events.ForCamera(events.StreamStatus, "cam-1", map[string]string{"status": "active"}))
	env.bus.Publish(events.ForScan(events.ScanProgress, "scan-7", map[string]string{"state": "queued"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.ScanProgress, got.Name)
	assert.Equal(t, "scan-7", got.ScanID)
}

func TestEventFeedUnfilteredCarriesEverything(t *testing.T) {
	env := newTestEnv(t)
	conn := dialFeed(t, env, "")

	env.bus.Publish(events.ForCamera(events.StreamStatus, "cam-1", nil))
	env.bus.Publish(events.ForScan(events.ScanCompleted, "scan-9", nil))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var names []string
	for i := 0; i < 2; i++ {
		var got events.Event
		require.NoError(t, conn.ReadJSON(&got))
		names = append(names, got.Name)
	}
	assert.ElementsMatch(t, []string{events.StreamStatus, events.ScanCompleted}, names)
}
