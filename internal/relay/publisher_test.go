package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay is a minimal MediaMTX control API: add/delete paths plus
// the global-config health endpoint, with a toggleable failure mode.
type fakeRelay struct {
	mu      sync.Mutex
	paths   map[string]PathConfig
	adds    int
	failing atomic.Bool
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{paths: make(map[string]PathConfig)}
}

func (f *fakeRelay) addCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adds
}

func (f *fakeRelay) path(name string) (PathConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.paths[name]
	return cfg, ok
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.failing.Load() {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/v3/config/paths/add/"):
		name := strings.TrimPrefix(r.URL.Path, "/v3/config/paths/add/")
		var cfg PathConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.paths[name] = cfg
		f.adds++
		f.mu.Unlock()

	case strings.HasPrefix(r.URL.Path, "/v3/config/paths/delete/"):
		name := strings.TrimPrefix(r.URL.Path, "/v3/config/paths/delete/")
		f.mu.Lock()
		_, ok := f.paths[name]
		delete(f.paths, name)
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
		}

	case r.URL.Path == "/v3/config/global/get":
		_, _ = w.Write([]byte(`{}`))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testPublisher(t *testing.T, withRedis bool, trip int) (*Publisher, *fakeRelay, *Client) {
	t.Helper()

	relay := newFakeRelay()
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 2 * time.Second,
		FailureTrip:    trip,
	})
	issuer := NewTokenIssuer("top-secret", 5*time.Minute)

	var sessions *SessionStore
	if withRedis {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		sessions = NewSessionStore(rdb, time.Minute, 4)
	}

	p := NewPublisher(client, issuer, sessions, WithHealthInterval(10*time.Millisecond))
	t.Cleanup(p.Stop)
	return p, relay, client
}

func TestPublishUnpublishFlow(t *testing.T) {
	p, relay, _ := testPublisher(t, false, 0)
	ctx := context.Background()

	path, err := p.PublishCamera(ctx, "cam-front", "rtsp://admin:pw@10.0.0.4:554/s1")
	require.NoError(t, err)
	assert.Equal(t, "cam/cam-front", path)

	cfg, ok := relay.path("cam/cam-front")
	require.True(t, ok)
	assert.Equal(t, "rtsp://admin:pw@10.0.0.4:554/s1", cfg.Source)
	assert.True(t, cfg.SourceOnDemand)
	assert.Equal(t, []string{"cam-front"}, p.PublishedCameras())

	require.NoError(t, p.UnpublishCamera(ctx, "cam-front"))
	_, ok = relay.path("cam/cam-front")
	assert.False(t, ok)
	assert.Empty(t, p.PublishedCameras())
}

func TestOpenViewerGrant(t *testing.T) {
	p, _, _ := testPublisher(t, true, 0)
	ctx := context.Background()

	_, err := p.PublishCamera(ctx, "cam-1", "rtsp://10.0.0.4/s")
	require.NoError(t, err)

	grant, err := p.OpenViewer(ctx, "cam-1", "alice", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "cam/cam-1", grant.Path)
	assert.Equal(t, "cam-1", grant.Session.CameraID)

	// The token authorizes exactly this path and session.
	claims, err := p.tokens.Validate(grant.Token)
	require.NoError(t, err)
	assert.Equal(t, "cam/cam-1", claims.Path)
	assert.Equal(t, grant.Session.ID, claims.Viewer)

	// Idempotent reopen, then the usual session lifecycle.
	again, err := p.OpenViewer(ctx, "cam-1", "alice", "req-1")
	require.NoError(t, err)
	assert.Equal(t, grant.Session.ID, again.Session.ID)

	viewers, err := p.Viewers(ctx, "cam-1")
	require.NoError(t, err)
	require.Len(t, viewers, 1)

	require.NoError(t, p.Heartbeat(ctx, grant.Session.ID))

	counts, err := p.ViewerCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cam-1": 1}, counts)

	require.NoError(t, p.CloseViewer(ctx, grant.Session.ID))
	viewers, err = p.Viewers(ctx, "cam-1")
	require.NoError(t, err)
	assert.Empty(t, viewers)
}

func TestOpenViewerRequiresPublishedCamera(t *testing.T) {
	p, _, _ := testPublisher(t, true, 0)

	_, err := p.OpenViewer(context.Background(), "cam-unknown", "alice", "")
	assert.ErrorIs(t, err, ErrNotPublished)
}

func TestViewerOpsWithoutRedis(t *testing.T) {
	p, _, _ := testPublisher(t, false, 0)
	ctx := context.Background()

	_, err := p.PublishCamera(ctx, "cam-1", "rtsp://10.0.0.4/s")
	require.NoError(t, err)

	_, err = p.OpenViewer(ctx, "cam-1", "alice", "")
	assert.ErrorIs(t, err, ErrSessionsDisabled)
	assert.ErrorIs(t, p.Heartbeat(ctx, "x"), ErrSessionsDisabled)

	counts, err := p.ViewerCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestRenewToken(t *testing.T) {
	p, _, _ := testPublisher(t, true, 0)
	ctx := context.Background()

	_, err := p.PublishCamera(ctx, "cam-1", "rtsp://10.0.0.4/s")
	require.NoError(t, err)
	grant, err := p.OpenViewer(ctx, "cam-1", "alice", "")
	require.NoError(t, err)

	renewed, err := p.RenewToken(ctx, grant.Session.ID)
	require.NoError(t, err)
	claims, err := p.tokens.Validate(renewed.Token)
	require.NoError(t, err)
	assert.Equal(t, "cam/cam-1", claims.Path)
	assert.Equal(t, grant.Session.ID, claims.Viewer)

	_, err = p.RenewToken(ctx, "never-existed")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecoveryReprovisionsPaths(t *testing.T) {
	p, relay, client := testPublisher(t, false, 2)
	ctx := context.Background()

	_, err := p.PublishCamera(ctx, "cam-1", "rtsp://10.0.0.4/s")
	require.NoError(t, err)
	require.Equal(t, 1, relay.addCount())

	relay.failing.Store(true)
	require.Error(t, client.AddPath(ctx, "cam/other", "rtsp://10.0.0.5/s"))
	require.Error(t, client.AddPath(ctx, "cam/other", "rtsp://10.0.0.5/s"))
	require.True(t, client.Suspended())

	relay.failing.Store(false)
	p.Start(ctx)

	require.Eventually(t, func() bool {
		return !client.Suspended() && relay.addCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cfg, ok := relay.path("cam/cam-1")
	require.True(t, ok)
	assert.Equal(t, "rtsp://10.0.0.4/s", cfg.Source)
}

func TestUnpublishUnderSuspensionDropsIntent(t *testing.T) {
	p, relay, client := testPublisher(t, false, 2)
	ctx := context.Background()

	_, err := p.PublishCamera(ctx, "cam-1", "rtsp://10.0.0.4/s")
	require.NoError(t, err)

	relay.failing.Store(true)
	require.Error(t, client.AddPath(ctx, "cam/x", "rtsp://10.0.0.5/s"))
	require.Error(t, client.AddPath(ctx, "cam/x", "rtsp://10.0.0.5/s"))
	require.True(t, client.Suspended())

	// Removal fails against the suspended relay but the camera still
	// leaves the intended set.
	require.Error(t, p.UnpublishCamera(ctx, "cam-1"))
	assert.Empty(t, p.PublishedCameras())

	relay.failing.Store(false)
	p.Start(ctx)
	require.Eventually(t, func() bool { return !client.Suspended() }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// Recovery must not resurrect the unpublished camera.
	assert.Equal(t, 1, relay.addCount())
}

func TestPathName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"cam-10-0-0-4", "cam/cam-10-0-0-4"},
		{"Front Door #1", "cam/Front-Door--1"},
		{"a/b", "cam/a-b"},
		{"x.y~z_0", "cam/x.y~z_0"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PathName(tc.in), tc.in)
	}
}
