package camera

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/events"
	"github.com/camfleet/camfleet/internal/log"
	"github.com/camfleet/camfleet/internal/protocols"
)

// OrchestratorConfig bounds the fleet.
type OrchestratorConfig struct {
	// MaxConcurrent is the global connect semaphore size.
	MaxConcurrent int

	// MaxPerCamera caps distinct connection kinds per camera.
	MaxPerCamera int

	// Connection is the per-connection retry/health tuning.
	Connection ConnectionConfig

	// RetryInterval is the cadence of the Error-connection restore
	// loop; RetryFailed enables it.
	RetryInterval time.Duration
	RetryFailed   bool

	// CallbackTimeout bounds observer callbacks before the supervisor
	// abandons them.
	CallbackTimeout time.Duration

	// DrainTimeout bounds Stop's disconnect sweep.
	DrainTimeout time.Duration
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.MaxPerCamera <= 0 {
		c.MaxPerCamera = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 15 * time.Second
	}
	c.Connection.applyDefaults()
}

// HandlerFactory builds the protocol handler for one camera. Tests
// inject fakes here; production uses the protocol registry.
type HandlerFactory func(t protocols.Type, cfg protocols.Config) (protocols.Handler, error)

// OrchestratorOption tweaks construction.
type OrchestratorOption func(*Orchestrator)

// WithHandlerFactory replaces the protocol registry lookup.
func WithHandlerFactory(f HandlerFactory) OrchestratorOption {
	return func(o *Orchestrator) { o.newHandler = f }
}

// WithCallbacks installs lifecycle observers.
func WithCallbacks(cbs Callbacks) OrchestratorOption {
	return func(o *Orchestrator) { o.cbs = cbs }
}

// ReadyNotice is the presenter-ready payload, published once per start.
type ReadyNotice struct {
	Protocols     []protocols.Type `json:"protocols"`
	MaxConcurrent int              `json:"max_concurrent"`
	MaxPerCamera  int              `json:"max_per_camera"`
	Features      []string         `json:"features"`
}

// Orchestrator owns the per-camera connection map, bounds concurrent
// connects with one global semaphore and supervises health and retry
// loops.
type Orchestrator struct {
	cfg        OrchestratorConfig
	bus        *events.Bus
	logger     zerolog.Logger
	newHandler HandlerFactory
	cbs        Callbacks

	sem chan struct{}

	mu      sync.Mutex
	conns   map[string]map[Kind]*Connection
	started bool
	cancel  context.CancelFunc

	wg sync.WaitGroup

	failed atomic.Uint64
}

// NewOrchestrator wires the orchestrator; Start launches its loops.
func NewOrchestrator(cfg OrchestratorConfig, bus *events.Bus, opts ...OrchestratorOption) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:        cfg,
		bus:        bus,
		logger:     log.WithComponent("orchestrator"),
		newHandler: protocols.New,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		conns:      make(map[string]map[Kind]*Connection),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the supervisor loops and announces readiness.
// Idempotent.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.healthLoop(loopCtx)
	if o.cfg.RetryFailed {
		o.wg.Add(1)
		go o.retryLoop(loopCtx)
	}

	if o.bus != nil {
		o.bus.Publish(events.New(events.PresenterReady, ReadyNotice{
			Protocols:     protocols.Registered(),
			MaxConcurrent: o.cfg.MaxConcurrent,
			MaxPerCamera:  o.cfg.MaxPerCamera,
			Features:      []string{"connect", "stream", "snapshot", "ptz", "scan"},
		}))
	}
	o.logger.Info().
		Int("max_concurrent", o.cfg.MaxConcurrent).
		Bool("retry_failed", o.cfg.RetryFailed).
		Msg("orchestrator started")
	return nil
}

// Stop halts the loops and drains every connection within DrainTimeout.
// Idempotent.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	cancel()
	o.wg.Wait()

	drainCtx, done := context.WithTimeout(ctx, o.cfg.DrainTimeout)
	defer done()
	batch := o.DisconnectAll(drainCtx)

	o.logger.Info().Float64("drained_pct", batch.SuccessRate).Msg("orchestrator stopped")
	return nil
}

// ConnectCamera is idempotent per (camera_id, kind): an existing live
// connection is returned as-is; a parked one is reconnected. New
// connects queue on the global semaphore.
func (o *Orchestrator) ConnectCamera(ctx context.Context, cam Camera, kind Kind) (*Connection, error) {
	const op = "orchestrator.connect"

	if err := cam.Validate(); err != nil {
		return nil, err
	}
	if kind == "" {
		kind = KindStream
	}

	conn, fresh, err := o.connFor(cam, kind)
	if err != nil {
		return nil, err
	}
	if !fresh {
		if s := conn.State(); s == protocols.StateConnected || s == protocols.StateStreaming {
			return conn, nil
		}
	}

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, camerr.Wrap(camerr.Cancelled, op, "connect queued too long", ctx.Err())
	}
	defer func() { <-o.sem }()

	if err := conn.Connect(ctx); err != nil {
		if !camerr.IsKind(err, camerr.Cancelled) {
			o.failed.Add(1)
		}
		return conn, err
	}
	return conn, nil
}

// connFor returns the connection for (camera, kind), building one when
// absent. fresh reports whether it was just built.
func (o *Orchestrator) connFor(cam Camera, kind Kind) (conn *Connection, fresh bool, err error) {
	const op = "orchestrator.connect"

	o.mu.Lock()
	defer o.mu.Unlock()

	byKind := o.conns[cam.CameraID]
	if c, ok := byKind[kind]; ok {
		return c, false, nil
	}
	if len(byKind) >= o.cfg.MaxPerCamera {
		return nil, false, camerr.New(camerr.Validation, op,
			"connection kinds exhausted for camera "+cam.CameraID)
	}

	handler, err := o.newHandler(cam.Protocol, cam.protocolConfig(o.cfg.Connection.Timeout))
	if err != nil {
		return nil, false, err
	}

	conn = newConnection(cam, kind, handler, o.cfg.Connection, o.bus, o.logger)
	conn.cbs = o.cbs
	conn.notify = o.runCallback
	if byKind == nil {
		byKind = make(map[Kind]*Connection)
		o.conns[cam.CameraID] = byKind
	}
	byKind[kind] = conn
	return conn, true, nil
}

// DisconnectCamera tears down every connection the camera holds.
// Unknown cameras succeed: there is nothing to tear down.
func (o *Orchestrator) DisconnectCamera(ctx context.Context, cameraID string) error {
	o.mu.Lock()
	byKind := o.conns[cameraID]
	delete(o.conns, cameraID)
	o.mu.Unlock()

	for _, conn := range byKind {
		_ = conn.Disconnect(ctx)
	}
	return nil
}

// ConnectMany connects a batch of cameras for one kind. Individual
// failures land in the batch report; the semaphore still bounds
// parallelism.
func (o *Orchestrator) ConnectMany(ctx context.Context, cams []Camera, kind Kind) BatchOperation {
	batch := newBatch(uuid.New().String())

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, cam := range cams {
		wg.Add(1)
		go func(cam Camera) {
			defer wg.Done()
			_, err := o.ConnectCamera(ctx, cam, kind)
			mu.Lock()
			batch.add(cam.CameraID, err)
			mu.Unlock()
		}(cam)
	}
	wg.Wait()

	batch.finish()
	o.logger.Info().
		Str("op_id", batch.OpID).
		Int("cameras", len(cams)).
		Float64("success_rate", batch.SuccessRate).
		Msg("batch connect finished")
	return batch
}

// DisconnectAll tears down every registered camera.
func (o *Orchestrator) DisconnectAll(ctx context.Context) BatchOperation {
	o.mu.Lock()
	ids := make([]string, 0, len(o.conns))
	for id := range o.conns {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	batch := newBatch(uuid.New().String())
	for _, id := range ids {
		batch.add(id, o.DisconnectCamera(ctx, id))
	}
	batch.finish()
	return batch
}

// Started reports whether the supervisor loops are running.
func (o *Orchestrator) Started() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

// Connection looks up one (camera, kind) connection.
func (o *Orchestrator) Connection(cameraID string, kind Kind) (*Connection, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.conns[cameraID][kind]
	return c, ok
}

// Connections snapshots every tracked connection.
func (o *Orchestrator) Connections() []*Connection {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Connection, 0, len(o.conns))
	for _, byKind := range o.conns {
		for _, c := range byKind {
			out = append(out, c)
		}
	}
	return out
}

// Stats lists per-connection snapshots, ordered by camera then kind.
func (o *Orchestrator) Stats() []ConnectionStats {
	conns := o.Connections()
	out := make([]ConnectionStats, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Stats())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CameraID != out[j].CameraID {
			return out[i].CameraID < out[j].CameraID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Metrics aggregates the fleet view.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	total := len(o.conns)
	conns := make([]*Connection, 0, total)
	for _, byKind := range o.conns {
		for _, c := range byKind {
			conns = append(conns, c)
		}
	}
	o.mu.Unlock()

	m := Metrics{
		ActiveByProtocol:  make(map[string]int),
		TotalCameras:      total,
		FailedConnections: o.failed.Load(),
		LastUpdated:       time.Now().UTC(),
	}

	var (
		sumDur   time.Duration
		sumCount uint64
		alive    int
	)
	for _, c := range conns {
		st := c.Stats()
		m.ConnectAttempts += st.ConnectAttempts
		m.Reconnects += st.Reconnects
		if st.State == protocols.StateConnected || st.State == protocols.StateStreaming {
			m.ActiveConnections++
			m.ActiveByProtocol[string(c.Camera().Protocol)]++
		}
		if st.Alive {
			alive++
		}
		d, n := c.successLatency()
		sumDur += d
		sumCount += n
	}
	if sumCount > 0 {
		m.AvgResponseMS = float64(sumDur.Microseconds()) / float64(sumCount) / 1000
	}
	if len(conns) > 0 {
		m.UptimePercent = 100 * float64(alive) / float64(len(conns))
	}
	return m
}

// healthLoop probes live connections at the configured cadence.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.Connection.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range o.Connections() {
				if s := c.State(); s == protocols.StateConnected || s == protocols.StateStreaming {
					c.CheckHealth(ctx)
				}
			}
		}
	}
}

// retryLoop restores Error connections at the configured cadence. Each
// restore runs under the same global semaphore as fresh connects.
func (o *Orchestrator) retryLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range o.Connections() {
				if c.State() != protocols.StateError {
					continue
				}
				select {
				case o.sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				if err := c.Connect(ctx); err != nil {
					o.logger.Debug().
						Err(err).
						Str("camera_id", c.Camera().CameraID).
						Msg("retry connect failed")
				}
				<-o.sem
			}
		}
	}
}

// runCallback executes one observer callback on its own goroutine and
// abandons it past CallbackTimeout so a stuck observer cannot stall
// connection progress.
func (o *Orchestrator) runCallback(name string, fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.CallbackTimeout):
		o.logger.Warn().
			Str("callback", name).
			Dur("timeout", o.cfg.CallbackTimeout).
			Msg("slow callback abandoned")
	}
}
