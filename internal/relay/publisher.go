package relay

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/log"
)

var (
	// ErrNotPublished is returned for viewer operations on a camera
	// with no provisioned relay path.
	ErrNotPublished = errors.New("camera is not published to the relay")

	// ErrSessionsDisabled is returned when viewer tracking is off
	// because no Redis was configured.
	ErrSessionsDisabled = errors.New("viewer sessions disabled")
)

// ViewerGrant is what a viewer gets back from OpenViewer: the session
// to heartbeat, the relay path to read and a token for the relay's
// auth hook. The token's viewer claim is the session id.
type ViewerGrant struct {
	Session   Session   `json:"session"`
	Path      string    `json:"path"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PublisherOption tweaks publisher construction.
type PublisherOption func(*Publisher)

// WithHealthInterval overrides the suspended-relay probe cadence.
func WithHealthInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.healthEvery = d
		}
	}
}

// Publisher is the relay facade: path provisioning per camera, viewer
// sessions and read tokens. While the client is suspended it keeps the
// intended path set and reprovisions everything once the relay comes
// back, so a relay restart does not strand published cameras.
type Publisher struct {
	client      *Client
	tokens      *TokenIssuer
	sessions    *SessionStore
	healthEvery time.Duration
	logger      zerolog.Logger

	mu        sync.Mutex
	published map[string]string // camera id -> source URL

	stop chan struct{}
	done chan struct{}
}

// NewPublisher builds the facade. sessions may be nil, which disables
// viewer tracking but not path provisioning.
func NewPublisher(client *Client, tokens *TokenIssuer, sessions *SessionStore, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		client:      client,
		tokens:      tokens,
		sessions:    sessions,
		healthEvery: 15 * time.Second,
		logger:      log.WithComponent("relay.publisher"),
		published:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the recovery loop. While the client is suspended it
// probes relay health on a ticker and reprovisions the published set
// on the first success.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.recoveryLoop(ctx, p.stop, p.done)
}

// Stop halts the recovery loop.
func (p *Publisher) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (p *Publisher) recoveryLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	tick := time.NewTicker(p.healthEvery)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-tick.C:
			if !p.client.Suspended() {
				continue
			}
			if err := p.client.Healthy(ctx); err != nil {
				continue
			}
			p.reprovision(ctx)
		}
	}
}

// reprovision re-adds every published path. Paths are config on the
// relay side and a restart loses them.
func (p *Publisher) reprovision(ctx context.Context) {
	p.mu.Lock()
	snapshot := make(map[string]string, len(p.published))
	for id, src := range p.published {
		snapshot[id] = src
	}
	p.mu.Unlock()

	for id, src := range snapshot {
		if err := p.client.AddPath(ctx, PathName(id), src); err != nil {
			p.logger.Warn().Err(err).Str("camera_id", id).Msg("reprovision failed")
		}
	}
	if len(snapshot) > 0 {
		p.logger.Info().Int("paths", len(snapshot)).Msg("relay paths reprovisioned")
	}
}

// PublishCamera provisions the camera's relay path with the given
// source URL and returns the path name viewers read from.
func (p *Publisher) PublishCamera(ctx context.Context, cameraID, source string) (string, error) {
	path := PathName(cameraID)
	if err := p.client.AddPath(ctx, path, source); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.published[cameraID] = source
	p.mu.Unlock()

	p.logger.Info().Str("camera_id", cameraID).Str("path", path).Msg("camera published")
	return path, nil
}

// UnpublishCamera drops the camera's relay path. The camera leaves the
// intended set even when the removal call fails, so a suspended relay
// does not resurrect it on recovery.
func (p *Publisher) UnpublishCamera(ctx context.Context, cameraID string) error {
	p.mu.Lock()
	delete(p.published, cameraID)
	p.mu.Unlock()

	if err := p.client.RemovePath(ctx, PathName(cameraID)); err != nil {
		p.logger.Warn().Err(err).Str("camera_id", cameraID).Msg("path removal failed")
		return err
	}
	p.logger.Info().Str("camera_id", cameraID).Msg("camera unpublished")
	return nil
}

// PublishedCameras lists camera ids with a provisioned path, sorted.
func (p *Publisher) PublishedCameras() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.published))
	for id := range p.published {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Suspended reports whether relay publishing is currently tripped.
func (p *Publisher) Suspended() bool { return p.client.Suspended() }

// OpenViewer admits a viewer to a published camera: opens a session
// (idempotent under idemKey) and mints a read token bound to it.
func (p *Publisher) OpenViewer(ctx context.Context, cameraID, viewer, idemKey string) (*ViewerGrant, error) {
	if p.sessions == nil {
		return nil, ErrSessionsDisabled
	}

	p.mu.Lock()
	_, ok := p.published[cameraID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrNotPublished
	}

	path := PathName(cameraID)
	sess, err := p.sessions.Open(ctx, cameraID, viewer, path, idemKey)
	if err != nil {
		return nil, err
	}

	token, exp, err := p.tokens.Issue(path, sess.ID)
	if err != nil {
		return nil, err
	}
	return &ViewerGrant{Session: *sess, Path: path, Token: token, ExpiresAt: exp}, nil
}

// Heartbeat keeps a viewer session alive.
func (p *Publisher) Heartbeat(ctx context.Context, sessionID string) error {
	if p.sessions == nil {
		return ErrSessionsDisabled
	}
	return p.sessions.Heartbeat(ctx, sessionID)
}

// RenewToken mints a fresh read token for a live session. Tokens
// outlive neither the session TTL nor the 10 minute cap, so viewers
// renew on a timer.
func (p *Publisher) RenewToken(ctx context.Context, sessionID string) (*ViewerGrant, error) {
	if p.sessions == nil {
		return nil, ErrSessionsDisabled
	}

	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	token, exp, err := p.tokens.Issue(sess.Path, sess.ID)
	if err != nil {
		return nil, err
	}
	return &ViewerGrant{Session: *sess, Path: sess.Path, Token: token, ExpiresAt: exp}, nil
}

// CloseViewer ends a viewer session.
func (p *Publisher) CloseViewer(ctx context.Context, sessionID string) error {
	if p.sessions == nil {
		return ErrSessionsDisabled
	}
	return p.sessions.Close(ctx, sessionID)
}

// Viewers lists the live sessions for one camera.
func (p *Publisher) Viewers(ctx context.Context, cameraID string) ([]Session, error) {
	if p.sessions == nil {
		return nil, ErrSessionsDisabled
	}
	return p.sessions.List(ctx, cameraID)
}

// ViewerCounts returns live viewer counts per camera.
func (p *Publisher) ViewerCounts(ctx context.Context) (map[string]int, error) {
	if p.sessions == nil {
		return map[string]int{}, nil
	}
	return p.sessions.Counts(ctx)
}

// PathName maps a camera id to its relay path. MediaMTX path segments
// allow [A-Za-z0-9_-.~]; anything else becomes a dash.
func PathName(cameraID string) string {
	var b strings.Builder
	b.WriteString("cam/")
	for _, r := range cameraID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '-', r == '.', r == '~':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
