package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler, trip int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 2 * time.Second,
		FailureTrip:    trip,
	})
}

func TestAddPathProvisionsSourceOnDemand(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody PathConfig

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}), 0)

	err := c.AddPath(context.Background(), "cam/front-door", "rtsp://admin:pw@10.0.0.4:554/stream1")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/v3/config/paths/add/cam/front-door", gotPath)
	assert.Equal(t, "rtsp://admin:pw@10.0.0.4:554/stream1", gotBody.Source)
	assert.True(t, gotBody.SourceOnDemand)
}

func TestAddPathExistingIsIdempotent(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "path already exists"}`))
	}), 0)

	assert.NoError(t, c.AddPath(context.Background(), "cam/x", "rtsp://10.0.0.4/s"))
}

func TestRemovePathMissingIsSuccess(t *testing.T) {
	c := testClient(t, http.NotFoundHandler(), 0)
	assert.NoError(t, c.RemovePath(context.Background(), "cam/gone"))
}

func TestPathStatus(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/paths/get/cam/front-door", r.URL.Path)
		_, _ = w.Write([]byte(`{"name":"cam/front-door","ready":true,"tracks":["H264"],"bytesReceived":2048}`))
	}), 0)

	st, err := c.PathStatus(context.Background(), "cam/front-door")
	require.NoError(t, err)
	assert.True(t, st.Ready)
	assert.Equal(t, []string{"H264"}, st.Tracks)
	assert.Equal(t, int64(2048), st.BytesReceived)

	notFound := testClient(t, http.NotFoundHandler(), 0)
	_, err = notFound.PathStatus(context.Background(), "cam/none")
	assert.ErrorIs(t, err, ErrPathNotFound)
}

func TestConsecutiveFailuresSuspendPublishing(t *testing.T) {
	var hits atomic.Int64
	var fail atomic.Bool
	fail.Store(true)

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}), 3)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := c.AddPath(ctx, "cam/x", "rtsp://10.0.0.4/s")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrSuspended)
	}
	require.True(t, c.Suspended())
	require.EqualValues(t, 3, hits.Load())

	// Suspended calls never reach the relay.
	err := c.AddPath(ctx, "cam/x", "rtsp://10.0.0.4/s")
	assert.ErrorIs(t, err, ErrSuspended)
	assert.EqualValues(t, 3, hits.Load())

	// A failed health check keeps the gate shut, a successful one
	// lifts it.
	require.Error(t, c.Healthy(ctx))
	assert.True(t, c.Suspended())

	fail.Store(false)
	require.NoError(t, c.Healthy(ctx))
	assert.False(t, c.Suspended())
	assert.NoError(t, c.AddPath(ctx, "cam/x", "rtsp://10.0.0.4/s"))
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	var fail atomic.Bool

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}), 2)

	ctx := context.Background()

	fail.Store(true)
	require.Error(t, c.AddPath(ctx, "cam/x", "rtsp://10.0.0.4/s"))
	fail.Store(false)
	require.NoError(t, c.AddPath(ctx, "cam/x", "rtsp://10.0.0.4/s"))
	fail.Store(true)
	require.Error(t, c.AddPath(ctx, "cam/x", "rtsp://10.0.0.4/s"))

	// Two failures total but never two in a row.
	assert.False(t, c.Suspended())
}

func TestCancelledContextDoesNotTrip(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, c.AddPath(ctx, "cam/x", "rtsp://10.0.0.4/s"))

	assert.False(t, c.Suspended())
	assert.NoError(t, c.AddPath(context.Background(), "cam/x", "rtsp://10.0.0.4/s"))
}
