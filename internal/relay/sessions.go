package relay

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/log"
)

const (
	sessKeyPrefix = "relay:sess:"
	camKeyPrefix  = "relay:cam:"
	idemKeyPrefix = "relay:idem:"

	defaultSessionTTL = 10 * time.Minute
	defaultMaxViewers = 16
)

var (
	// ErrViewerLimit is returned when a camera is at its viewer cap.
	ErrViewerLimit = errors.New("viewer limit reached for camera")

	// ErrSessionNotFound is returned for expired or unknown sessions.
	ErrSessionNotFound = errors.New("viewer session not found")
)

// capScript atomically scrubs dead members from the camera's session
// set, counts the live ones and admits the new session if the cap
// allows. KEYS[1] = camera set; ARGV = cap, session id, session key
// prefix. Returns 1 admitted, 0 full.
var capScript = redis.NewScript(`
local live = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	if redis.call('EXISTS', ARGV[3] .. id) == 1 then
		live = live + 1
	else
		redis.call('SREM', KEYS[1], id)
	end
end
if live >= tonumber(ARGV[1]) then
	return 0
end
redis.call('SADD', KEYS[1], ARGV[2])
return 1
`)

// Session is one viewer's hold on a camera's relay path.
type Session struct {
	ID        string    `json:"id"`
	CameraID  string    `json:"camera_id"`
	Viewer    string    `json:"viewer"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// SessionStore tracks viewer sessions in Redis. Sessions live as
// hashes under relay:sess:{id} with a TTL refreshed on heartbeat;
// relay:cam:{camera} sets index them per camera. Expired sessions
// simply vanish; their set members are scrubbed on the next open or
// list.
type SessionStore struct {
	client     *redis.Client
	ttl        time.Duration
	maxViewers int
	logger     zerolog.Logger
}

// NewSessionStore builds a store over client. Non-positive ttl or cap
// fall back to 10 minutes and 16 viewers.
func NewSessionStore(client *redis.Client, ttl time.Duration, maxViewers int) *SessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if maxViewers <= 0 {
		maxViewers = defaultMaxViewers
	}
	return &SessionStore{
		client:     client,
		ttl:        ttl,
		maxViewers: maxViewers,
		logger:     log.WithComponent("relay.sessions"),
	}
}

// Open registers a viewer session for cameraID on the given relay
// path. The per-camera cap is enforced atomically against live
// sessions only. A non-empty idemKey makes retries safe: a repeat open
// with the same key returns the original session instead of minting a
// second one.
func (s *SessionStore) Open(ctx context.Context, cameraID, viewer, path, idemKey string) (*Session, error) {
	if idemKey != "" {
		id, err := s.client.Get(ctx, idemKeyPrefix+idemKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if id != "" {
			sess, err := s.Get(ctx, id)
			if err == nil {
				return sess, s.Heartbeat(ctx, id)
			}
			if !errors.Is(err, ErrSessionNotFound) {
				return nil, err
			}
			// Stale idempotency key; fall through and mint fresh.
		}
	}

	id := uuid.New().String()
	camKey := camKeyPrefix + cameraID

	admitted, err := capScript.Run(ctx, s.client, []string{camKey},
		s.maxViewers, id, sessKeyPrefix).Int()
	if err != nil {
		return nil, err
	}
	if admitted == 0 {
		return nil, ErrViewerLimit
	}

	now := time.Now().UTC()
	sessKey := sessKeyPrefix + id

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, sessKey,
		"camera_id", cameraID,
		"viewer", viewer,
		"path", path,
		"created_at", now.Unix(),
		"last_seen", now.Unix(),
	)
	pipe.Expire(ctx, sessKey, s.ttl)
	pipe.Expire(ctx, camKey, s.ttl)
	if idemKey != "" {
		pipe.Set(ctx, idemKeyPrefix+idemKey, id, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	return &Session{
		ID:        id,
		CameraID:  cameraID,
		Viewer:    viewer,
		Path:      path,
		CreatedAt: now,
		LastSeen:  now,
	}, nil
}

// Heartbeat marks the session alive and pushes its expiry out by the
// full TTL. Expired sessions cannot be revived.
func (s *SessionStore) Heartbeat(ctx context.Context, sessionID string) error {
	sessKey := sessKeyPrefix + sessionID

	cameraID, err := s.client.HGet(ctx, sessKey, "camera_id").Result()
	if errors.Is(err, redis.Nil) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, sessKey, "last_seen", time.Now().UTC().Unix())
	pipe.Expire(ctx, sessKey, s.ttl)
	pipe.Expire(ctx, camKeyPrefix+cameraID, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Close drops the session and its set membership. Closing an unknown
// session succeeds.
func (s *SessionStore) Close(ctx context.Context, sessionID string) error {
	sessKey := sessKeyPrefix + sessionID

	cameraID, err := s.client.HGet(ctx, sessKey, "camera_id").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, sessKey)
	pipe.SRem(ctx, camKeyPrefix+cameraID, sessionID)
	_, err = pipe.Exec(ctx)
	return err
}

// Get loads one session by id.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.client.HGetAll(ctx, sessKeyPrefix+sessionID).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	return sessionFromHash(sessionID, fields), nil
}

// List returns the live sessions for one camera, oldest first. Dead
// set members found along the way are scrubbed.
func (s *SessionStore) List(ctx context.Context, cameraID string) ([]Session, error) {
	camKey := camKeyPrefix + cameraID

	ids, err := s.client.SMembers(ctx, camKey).Result()
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, sessKeyPrefix+id).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			if err := s.client.SRem(ctx, camKey, id).Err(); err != nil {
				s.logger.Warn().Err(err).Str("session_id", id).Msg("scrub failed")
			}
			continue
		}
		sessions = append(sessions, *sessionFromHash(id, fields))
	}

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

// Counts returns live viewer counts per camera across the store,
// scrubbing as it goes. Feeds the viewer-count gauges.
func (s *SessionStore) Counts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)

	iter := s.client.Scan(ctx, 0, camKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		cameraID := iter.Val()[len(camKeyPrefix):]
		sessions, err := s.List(ctx, cameraID)
		if err != nil {
			return nil, err
		}
		if len(sessions) > 0 {
			counts[cameraID] = len(sessions)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func sessionFromHash(id string, fields map[string]string) *Session {
	created, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	seen, _ := strconv.ParseInt(fields["last_seen"], 10, 64)
	return &Session{
		ID:        id,
		CameraID:  fields["camera_id"],
		Viewer:    fields["viewer"],
		Path:      fields["path"],
		CreatedAt: time.Unix(created, 0).UTC(),
		LastSeen:  time.Unix(seen, 0).UTC(),
	}
}
