package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessions(t *testing.T, ttl time.Duration, maxViewers int) (*SessionStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewSessionStore(rdb, ttl, maxViewers), mr, rdb
}

func TestOpenCreatesSession(t *testing.T) {
	store, _, rdb := testSessions(t, time.Minute, 4)
	ctx := context.Background()

	sess, err := store.Open(ctx, "cam-1", "alice", "cam/cam-1", "")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, "cam-1", sess.CameraID)
	assert.Equal(t, "alice", sess.Viewer)
	assert.Equal(t, "cam/cam-1", sess.Path)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "alice", got.Viewer)

	members, err := rdb.SMembers(ctx, camKeyPrefix+"cam-1").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID}, members)
}

func TestViewerCapEnforced(t *testing.T) {
	store, _, _ := testSessions(t, time.Minute, 2)
	ctx := context.Background()

	first, err := store.Open(ctx, "cam-1", "alice", "cam/cam-1", "")
	require.NoError(t, err)
	_, err = store.Open(ctx, "cam-1", "bob", "cam/cam-1", "")
	require.NoError(t, err)

	_, err = store.Open(ctx, "cam-1", "carol", "cam/cam-1", "")
	assert.ErrorIs(t, err, ErrViewerLimit)

	// Another camera is unaffected by cam-1's cap.
	_, err = store.Open(ctx, "cam-2", "carol", "cam/cam-2", "")
	require.NoError(t, err)

	// Closing a session frees a slot.
	require.NoError(t, store.Close(ctx, first.ID))
	_, err = store.Open(ctx, "cam-1", "carol", "cam/cam-1", "")
	assert.NoError(t, err)
}

func TestCapScrubsDeadMembers(t *testing.T) {
	store, mr, rdb := testSessions(t, time.Minute, 2)
	ctx := context.Background()

	dead, err := store.Open(ctx, "cam-1", "alice", "cam/cam-1", "")
	require.NoError(t, err)
	_, err = store.Open(ctx, "cam-1", "bob", "cam/cam-1", "")
	require.NoError(t, err)

	// Kill one session hash behind the store's back; its set member
	// must not count against the cap.
	mr.Del(sessKeyPrefix + dead.ID)

	_, err = store.Open(ctx, "cam-1", "carol", "cam/cam-1", "")
	require.NoError(t, err)

	members, err := rdb.SMembers(ctx, camKeyPrefix+"cam-1").Result()
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.NotContains(t, members, dead.ID)
}

func TestIdempotentOpen(t *testing.T) {
	store, mr, _ := testSessions(t, time.Minute, 4)
	ctx := context.Background()

	first, err := store.Open(ctx, "cam-1", "alice", "cam/cam-1", "open-req-7")
	require.NoError(t, err)

	repeat, err := store.Open(ctx, "cam-1", "alice", "cam/cam-1", "open-req-7")
	require.NoError(t, err)
	assert.Equal(t, first.ID, repeat.ID)

	other, err := store.Open(ctx, "cam-1", "alice", "cam/cam-1", "open-req-8")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	// A stale idempotency key pointing at a dead session mints fresh.
	mr.Del(sessKeyPrefix + first.ID)
	fresh, err := store.Open(ctx, "cam-1", "alice", "cam/cam-1", "open-req-7")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestHeartbeatExtendsSession(t *testing.T) {
	store, mr, _ := testSessions(t, time.Minute, 4)
	ctx := context.Background()

	kept, err := store.Open(ctx, "cam-1", "alice", "cam/cam-1", "")
	require.NoError(t, err)
	dropped, err := store.Open(ctx, "cam-1", "bob", "cam/cam-1", "")
	require.NoError(t, err)

	mr.FastForward(45 * time.Second)
	require.NoError(t, store.Heartbeat(ctx, kept.ID))
	mr.FastForward(45 * time.Second)

	_, err = store.Get(ctx, kept.ID)
	assert.NoError(t, err)
	_, err = store.Get(ctx, dropped.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.ErrorIs(t, store.Heartbeat(ctx, dropped.ID), ErrSessionNotFound)
}

func TestListScrubsAndOrders(t *testing.T) {
	store, mr, rdb := testSessions(t, time.Minute, 4)
	ctx := context.Background()

	a, err := store.Open(ctx, "cam-1", "alice", "cam/cam-1", "")
	require.NoError(t, err)
	b, err := store.Open(ctx, "cam-1", "bob", "cam/cam-1", "")
	require.NoError(t, err)

	mr.Del(sessKeyPrefix + a.ID)

	sessions, err := store.List(ctx, "cam-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, b.ID, sessions[0].ID)

	members, err := rdb.SMembers(ctx, camKeyPrefix+"cam-1").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, members)
}

func TestCloseIsIdempotent(t *testing.T) {
	store, _, _ := testSessions(t, time.Minute, 4)
	ctx := context.Background()

	sess, err := store.Open(ctx, "cam-1", "alice", "cam/cam-1", "")
	require.NoError(t, err)

	require.NoError(t, store.Close(ctx, sess.ID))
	_, err = store.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.NoError(t, store.Close(ctx, sess.ID))
	assert.NoError(t, store.Close(ctx, "never-existed"))
}

func TestCountsAcrossCameras(t *testing.T) {
	store, mr, _ := testSessions(t, time.Minute, 4)
	ctx := context.Background()

	_, err := store.Open(ctx, "cam-1", "alice", "cam/cam-1", "")
	require.NoError(t, err)
	_, err = store.Open(ctx, "cam-1", "bob", "cam/cam-1", "")
	require.NoError(t, err)
	_, err = store.Open(ctx, "cam-2", "carol", "cam/cam-2", "")
	require.NoError(t, err)
	ghost, err := store.Open(ctx, "cam-3", "dave", "cam/cam-3", "")
	require.NoError(t, err)
	mr.Del(sessKeyPrefix + ghost.ID)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cam-1": 2, "cam-2": 1}, counts)
}
