package camera

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/events"
	"github.com/camfleet/camfleet/internal/protocols"
)

const (
	// maxAttemptHistory bounds the per-connection attempt log.
	maxAttemptHistory = 100

	// healthFailureLimit marks a connection dead after this many
	// consecutive failed probes.
	healthFailureLimit = 3
)

// ConnectionConfig tunes one connection's retry and health behaviour.
type ConnectionConfig struct {
	MaxRetries          int
	RetryDelay          time.Duration
	Timeout             time.Duration
	HealthCheckInterval time.Duration
}

func (c *ConnectionConfig) applyDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
}

// Connection is the FSM over one (camera, kind, handler) tuple. Its
// state is the orchestrator's view: per connect call it moves from
// Disconnected through Connecting to Connected or Error exactly once,
// no matter how many retries the handler attempt loop burns.
type Connection struct {
	camera  Camera
	kind    Kind
	handler protocols.Handler
	cfg     ConnectionConfig
	bus     *events.Bus
	logger  zerolog.Logger

	// notify runs lifecycle callbacks; the orchestrator injects its
	// guarded dispatcher.
	notify func(name string, fn func())
	cbs    Callbacks

	opMu sync.Mutex

	mu          sync.Mutex
	state       protocols.State
	alive       bool
	healthFails int
	connectedAt time.Time
	lastError   string
	attempts    []Attempt

	connectAttempts uint64
	reconnects      uint64

	// successDur accumulates successful connect latency for the
	// orchestrator's avg response metric.
	successDur   time.Duration
	successCount uint64
}

func newConnection(cam Camera, kind Kind, handler protocols.Handler, cfg ConnectionConfig, bus *events.Bus, logger zerolog.Logger) *Connection {
	cfg.applyDefaults()
	return &Connection{
		camera:  cam,
		kind:    kind,
		handler: handler,
		cfg:     cfg,
		bus:     bus,
		logger:  logger.With().Str("camera_id", cam.CameraID).Str("kind", string(kind)).Logger(),
		notify:  func(_ string, fn func()) { fn() },
		state:   protocols.StateDisconnected,
	}
}

// Camera returns the camera this connection serves.
func (c *Connection) Camera() Camera { return c.camera }

// Kind returns the connection purpose.
func (c *Connection) Kind() Kind { return c.kind }

// Handler exposes the protocol handler for streaming and control.
func (c *Connection) Handler() protocols.Handler { return c.handler }

// State returns the connection's view of the FSM.
func (c *Connection) State() protocols.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Alive reports whether the last health probes passed.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// Connect runs the attempt loop: up to MaxRetries+1 tries separated by
// RetryDelay. Terminal error kinds stop retrying early. Cancellation
// lands the FSM back in Disconnected, anything else in Error.
func (c *Connection) Connect(ctx context.Context) error {
	const op = "camera.connect"

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if s := c.State(); s == protocols.StateConnected || s == protocols.StateStreaming {
		return nil
	}
	wasError := c.State() == protocols.StateError

	c.setState(protocols.StateConnecting)

	var lastErr error
	tries := c.cfg.MaxRetries + 1
	for i := 0; i < tries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				c.setState(protocols.StateDisconnected)
				return camerr.Wrap(camerr.Cancelled, op, "connect cancelled", ctx.Err())
			case <-time.After(c.cfg.RetryDelay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		start := time.Now()
		err := c.handler.Connect(attemptCtx)
		dur := time.Since(start)
		cancel()

		c.recordAttempt(start, dur, err)

		if err == nil {
			c.mu.Lock()
			c.alive = true
			c.healthFails = 0
			c.connectedAt = time.Now()
			c.lastError = ""
			c.successDur += dur
			c.successCount++
			if wasError {
				c.reconnects++
			}
			c.mu.Unlock()
			c.setState(protocols.StateConnected)
			if wasError {
				c.notify("connection_restored", func() {
					if c.cbs.OnConnectionRestored != nil {
						c.cbs.OnConnectionRestored(c.camera.CameraID, c.kind)
					}
				})
			}
			c.logger.Info().Dur("took", dur).Int("attempt", i+1).Msg("camera connected")
			return nil
		}

		lastErr = err
		if camerr.Terminal(camerr.KindOf(err)) {
			break
		}
	}

	if camerr.IsKind(lastErr, camerr.Cancelled) || ctx.Err() != nil {
		c.setState(protocols.StateDisconnected)
		return lastErr
	}

	c.mu.Lock()
	c.lastError = lastErr.Error()
	c.alive = false
	c.mu.Unlock()
	c.setState(protocols.StateError)
	c.logger.Warn().Err(lastErr).Msg("camera connect failed")
	return lastErr
}

// Disconnect tears the handler down. Safe on any state, including
// never-connected.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.handler.State() == protocols.StateStreaming {
		_ = c.handler.StopStreaming(ctx)
	}
	_ = c.handler.Disconnect(ctx)

	c.mu.Lock()
	c.alive = false
	c.healthFails = 0
	c.connectedAt = time.Time{}
	c.mu.Unlock()

	c.setState(protocols.StateDisconnected)
	return nil
}

// CheckHealth runs one probe and applies the consecutive-failure
// rule: healthFailureLimit misses flip alive to false, fire the lost
// callback and park the FSM in Error. The retry loop restores parked
// connections.
func (c *Connection) CheckHealth(ctx context.Context) bool {
	if s := c.State(); s != protocols.StateConnected && s != protocols.StateStreaming {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	ok := c.handler.TestConnection(probeCtx)
	cancel()

	c.mu.Lock()
	if ok {
		c.alive = true
		c.healthFails = 0
		c.mu.Unlock()
		return true
	}

	c.healthFails++
	fails := c.healthFails
	wasAlive := c.alive
	if fails >= healthFailureLimit {
		c.alive = false
	}
	c.mu.Unlock()

	if fails >= healthFailureLimit && wasAlive {
		cause := camerr.New(camerr.Unreachable, "camera.health", "health probes failed")
		c.mu.Lock()
		c.lastError = cause.Error()
		c.mu.Unlock()
		c.logger.Warn().Int("failures", fails).Msg("camera lost")
		c.notify("connection_lost", func() {
			if c.cbs.OnConnectionLost != nil {
				c.cbs.OnConnectionLost(c.camera.CameraID, c.kind, cause)
			}
		})
		c.setState(protocols.StateError)
	}
	return false
}

// MarkStreaming mirrors the handler's streaming flag into the FSM so
// observers see the Connected/Streaming hops.
func (c *Connection) MarkStreaming(on bool) {
	if on {
		if c.State() == protocols.StateConnected {
			c.setState(protocols.StateStreaming)
		}
		return
	}
	if c.State() == protocols.StateStreaming {
		c.setState(protocols.StateConnected)
	}
}

// Stats snapshots the connection.
func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	uptime := 0.0
	if !c.connectedAt.IsZero() && (c.state == protocols.StateConnected || c.state == protocols.StateStreaming) {
		uptime = time.Since(c.connectedAt).Seconds()
	}
	return ConnectionStats{
		CameraID:        c.camera.CameraID,
		Kind:            c.kind,
		State:           c.state,
		Alive:           c.alive,
		ConnectedAt:     c.connectedAt,
		UptimeSeconds:   uptime,
		ConnectAttempts: c.connectAttempts,
		Reconnects:      c.reconnects,
		HealthFailures:  c.healthFails,
		LastError:       c.lastError,
	}
}

// RecentAttempts returns up to limit attempts, newest last. limit <= 0
// returns the full bounded history.
func (c *Connection) RecentAttempts(limit int) []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.attempts)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Attempt, n)
	copy(out, c.attempts[len(c.attempts)-n:])
	return out
}

func (c *Connection) recordAttempt(start time.Time, dur time.Duration, err error) {
	a := Attempt{StartedAt: start, Duration: dur, Success: err == nil}
	if err != nil {
		a.Error = err.Error()
		a.Kind = string(camerr.KindOf(err))
	}

	c.mu.Lock()
	c.connectAttempts++
	c.attempts = append(c.attempts, a)
	if len(c.attempts) > maxAttemptHistory {
		c.attempts = c.attempts[len(c.attempts)-maxAttemptHistory:]
	}
	c.mu.Unlock()
}

// setState is the single mutation point: it updates the FSM, fires
// the state-change event and the observer callback.
func (c *Connection) setState(next protocols.State) {
	c.mu.Lock()
	old := c.state
	if old == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(events.ForCamera(events.StateChange, c.camera.CameraID, StateNotice{
			CameraID: c.camera.CameraID,
			Kind:     c.kind,
			Old:      old,
			New:      next,
		}))
	}
	c.notify("state_changed", func() {
		if c.cbs.OnStateChanged != nil {
			c.cbs.OnStateChanged(c.camera.CameraID, c.kind, old, next)
		}
	})
}

// successLatency returns the cumulative successful connect time and
// count for metrics aggregation.
func (c *Connection) successLatency() (time.Duration, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successDur, c.successCount
}
