// Package stream moves frames from one protocol handler to any number
// of subscribers. A bounded ring decouples the producer, each
// subscriber gets its own buffered lane, and a fixed-cadence loop
// turns counters into metrics snapshots and bus events.
package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/events"
	"github.com/camfleet/camfleet/internal/protocols"
)

// Status is the pipeline lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

const (
	DefaultBufferSize      = 5
	DefaultTargetFPS       = 30.0
	DefaultMetricsInterval = time.Second
	DefaultWindowSize      = 30
)

// Config sizes one pipeline.
type Config struct {
	CameraID        string
	BufferSize      int
	TargetFPS       float64
	MetricsInterval time.Duration
	WindowSize      int

	// SubscriberBuffer is the per-subscriber lane capacity,
	// BufferSize when zero.
	SubscriberBuffer int
}

func (c *Config) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.TargetFPS <= 0 {
		c.TargetFPS = DefaultTargetFPS
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = c.BufferSize
	}
}

// StatusNotice is the stream-status event payload.
type StatusNotice struct {
	CameraID string `json:"camera_id"`
	Status   Status `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// ErrorNotice is the stream-error event payload.
type ErrorNotice struct {
	CameraID string `json:"camera_id"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// FrameNotice is the frame-update event payload. The pixel data stays
// in the pipeline; the bus only carries bookkeeping.
type FrameNotice struct {
	CameraID   string    `json:"camera_id"`
	Seq        uint64    `json:"seq"`
	Bytes      int       `json:"bytes"`
	ReceivedAt time.Time `json:"received_at"`
}

// Subscriber is one registered sink. Frames queue in its own lane so a
// slow callback drops frames here and nowhere else.
type Subscriber struct {
	id        string
	ch        chan protocols.Frame
	fn        func(protocols.Frame)
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

// ID returns the subscriber id.
func (s *Subscriber) ID() string { return s.id }

// Dropped returns how many frames this subscriber missed.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Delivered returns how many frames this subscriber consumed.
func (s *Subscriber) Delivered() uint64 { return s.delivered.Load() }

// Pipeline fans one camera's frames out to subscribers.
type Pipeline struct {
	cfg    Config
	bus    *events.Bus
	logger zerolog.Logger

	ring *frameRing
	wake chan struct{}

	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	mu        sync.Mutex
	subs      map[string]*Subscriber
	status    Status
	reason    string
	startedAt time.Time
	lastFrame time.Time

	total     atomic.Uint64
	ringDrops atomic.Uint64
	delivered atomic.Uint64
	errors    atomic.Uint64

	tickMu      sync.Mutex
	tickFrames  uint64
	tickBytes   uint64
	tickLatency time.Duration
	tickLatN    uint64
	lastTick    time.Time
	currentFPS  float64
	currentKBps float64

	fpsWin *window
	latWin *window
}

func newPipeline(cfg Config, bus *events.Bus, logger zerolog.Logger) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{
		cfg:       cfg,
		bus:       bus,
		logger:    logger.With().Str("camera_id", cfg.CameraID).Logger(),
		ring:      newFrameRing(cfg.BufferSize),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		subs:      make(map[string]*Subscriber),
		status:    StatusActive,
		startedAt: time.Now(),
		fpsWin:    newWindow(cfg.WindowSize),
		latWin:    newWindow(cfg.WindowSize),
	}
	p.lastTick = p.startedAt

	p.wg.Add(2)
	go p.dispatch()
	go p.metricsLoop()

	p.publishStatus(StatusActive, "")
	return p
}

// CameraID returns the camera this pipeline serves.
func (p *Pipeline) CameraID() string { return p.cfg.CameraID }

// Status returns the lifecycle state.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Ingest is the producer entry point, installed as the handler's
// frame sink. Never blocks.
func (p *Pipeline) Ingest(f protocols.Frame) {
	if p.closed.Load() {
		return
	}
	p.total.Add(1)

	p.tickMu.Lock()
	p.tickFrames++
	p.tickBytes += uint64(len(f.Payload))
	p.tickMu.Unlock()

	p.mu.Lock()
	p.lastFrame = time.Now()
	p.mu.Unlock()

	if p.ring.push(f) {
		p.ringDrops.Add(1)
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// NoteError counts a non-fatal producer error against the health
// score.
func (p *Pipeline) NoteError(err error) {
	p.errors.Add(1)
	p.logger.Warn().Err(err).Msg("stream error")
}

// Fail records a fatal producer error: status goes to Error, a
// stream-error event fires and the pipeline shuts down.
func (p *Pipeline) Fail(err error) {
	if p.closed.Load() {
		return
	}
	p.errors.Add(1)
	kind := camerr.KindOf(err)
	if kind == "" {
		kind = camerr.Protocol
	}
	if p.bus != nil {
		p.bus.Publish(events.ForCamera(events.StreamError, p.cfg.CameraID, ErrorNotice{
			CameraID: p.cfg.CameraID,
			Kind:     string(kind),
			Message:  err.Error(),
		}))
	}
	p.shutdown(StatusError, err.Error())
}

// Stop flushes subscribers, stops the loops and resets the ring. Safe
// to call more than once.
func (p *Pipeline) Stop() {
	p.shutdown(StatusStopped, "")
}

func (p *Pipeline) shutdown(final Status, reason string) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	p.status = final
	p.reason = reason
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	p.ring.reset()

	p.publishStatus(final, reason)
	p.logger.Info().Str("status", string(final)).Msg("stream pipeline stopped")
}

// Subscribe registers a sink under id. Each subscriber consumes on its
// own goroutine; the id must be unused.
func (p *Pipeline) Subscribe(id string, fn func(protocols.Frame)) (*Subscriber, error) {
	const op = "stream.subscribe"
	if fn == nil {
		return nil, camerr.New(camerr.Validation, op, "nil subscriber callback")
	}

	s := &Subscriber{
		id: id,
		ch: make(chan protocols.Frame, p.cfg.SubscriberBuffer),
		fn: fn,
	}

	// The closed check shares the subs critical section so a late
	// Subscribe cannot slip past closeSubscribers.
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return nil, camerr.New(camerr.NotConnected, op, "pipeline stopped")
	}
	if _, exists := p.subs[id]; exists {
		p.mu.Unlock()
		return nil, camerr.New(camerr.Validation, op, "subscriber id already in use: "+id)
	}
	p.subs[id] = s
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(s)
	return s, nil
}

// Unsubscribe removes a sink. Returns false for unknown ids.
func (p *Pipeline) Unsubscribe(id string) bool {
	p.mu.Lock()
	s, ok := p.subs[id]
	if ok {
		delete(p.subs, id)
		close(s.ch)
	}
	p.mu.Unlock()
	return ok
}

func (p *Pipeline) run(s *Subscriber) {
	defer p.wg.Done()
	for f := range s.ch {
		s.fn(f)
		s.delivered.Add(1)
		p.delivered.Add(1)
	}
}

func (p *Pipeline) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			p.drain(false)
			p.closeSubscribers()
			return
		case <-p.wake:
			p.drain(true)
		}
	}
}

func (p *Pipeline) drain(publish bool) {
	for {
		f, ok := p.ring.pop()
		if !ok {
			return
		}
		p.fanout(f, publish)
	}
}

func (p *Pipeline) fanout(f protocols.Frame, publish bool) {
	lat := time.Since(f.ReceivedAt)
	if lat > 0 {
		p.tickMu.Lock()
		p.tickLatency += lat
		p.tickLatN++
		p.tickMu.Unlock()
	}

	p.mu.Lock()
	for _, s := range p.subs {
		select {
		case s.ch <- f:
		default:
			s.dropped.Add(1)
		}
	}
	p.mu.Unlock()

	if publish && p.bus != nil {
		p.bus.Publish(events.ForCamera(events.FrameUpdate, p.cfg.CameraID, FrameNotice{
			CameraID:   p.cfg.CameraID,
			Seq:        f.Seq,
			Bytes:      len(f.Payload),
			ReceivedAt: f.ReceivedAt,
		}))
	}
}

func (p *Pipeline) closeSubscribers() {
	p.mu.Lock()
	for id, s := range p.subs {
		delete(p.subs, id)
		close(s.ch)
	}
	p.mu.Unlock()
}

func (p *Pipeline) metricsLoop() {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.MetricsInterval)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			m := p.tick()
			if p.bus != nil {
				p.bus.Publish(events.ForCamera(events.StreamMetrics, p.cfg.CameraID, m))
			}
		}
	}
}

// tick folds the interval counters into the moving windows.
func (p *Pipeline) tick() Metrics {
	p.tickMu.Lock()
	now := time.Now()
	elapsed := now.Sub(p.lastTick).Seconds()
	if elapsed <= 0 {
		elapsed = p.cfg.MetricsInterval.Seconds()
	}
	frames, bytes := p.tickFrames, p.tickBytes
	latSum, latN := p.tickLatency, p.tickLatN
	p.tickFrames, p.tickBytes, p.tickLatency, p.tickLatN = 0, 0, 0, 0
	p.lastTick = now

	p.currentFPS = float64(frames) / elapsed
	p.currentKBps = float64(bytes) / 1024.0 / elapsed
	p.tickMu.Unlock()

	p.fpsWin.add(float64(frames) / elapsed)
	if latN > 0 {
		p.latWin.add(float64(latSum.Microseconds()) / 1000.0 / float64(latN))
	}
	return p.Snapshot()
}

// Snapshot assembles the current metrics view.
func (p *Pipeline) Snapshot() Metrics {
	p.mu.Lock()
	status := p.status
	startedAt, lastFrame := p.startedAt, p.lastFrame
	subs := len(p.subs)
	drops := make(map[string]uint64, subs)
	for id, s := range p.subs {
		drops[id] = s.dropped.Load()
	}
	p.mu.Unlock()

	p.tickMu.Lock()
	curFPS, curKBps := p.currentFPS, p.currentKBps
	p.tickMu.Unlock()

	total := p.total.Load()
	ringDrops := p.ringDrops.Load()
	dropRate := 0.0
	if total > 0 {
		dropRate = float64(ringDrops) / float64(total) * 100
	}
	avgFPS := p.fpsWin.avg()
	avgLat := p.latWin.avg()
	errCount := p.errors.Load()

	return Metrics{
		CameraID:        p.cfg.CameraID,
		Status:          status,
		CurrentFPS:      curFPS,
		AverageFPS:      avgFPS,
		TargetFPS:       p.cfg.TargetFPS,
		AvgLatencyMS:    avgLat,
		BandwidthKBps:   curKBps,
		TotalFrames:     total,
		DroppedFrames:   ringDrops,
		DeliveredFrames: p.delivered.Load(),
		Subscribers:     subs,
		SubscriberDrops: drops,
		ErrorCount:      errCount,
		HealthScore:     healthScore(p.cfg.TargetFPS, avgFPS, dropRate, errCount, avgLat),
		UptimeSeconds:   time.Since(startedAt).Seconds(),
		LastFrameAt:     lastFrame,
	}
}

func (p *Pipeline) publishStatus(status Status, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.ForCamera(events.StreamStatus, p.cfg.CameraID, StatusNotice{
		CameraID: p.cfg.CameraID,
		Status:   status,
		Reason:   reason,
	}))
}
