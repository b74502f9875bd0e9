package scan

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/data"
	"github.com/camfleet/camfleet/internal/events"
	"github.com/camfleet/camfleet/internal/log"
	"github.com/camfleet/camfleet/internal/platform/paths"
)

// Coordinator errors, matched by callers with errors.Is.
var (
	ErrScanNotFound = errors.New("scan not found")
	ErrScanNotDone  = errors.New("scan has not finished")
	ErrScanFinished = errors.New("scan already finished")
)

const (
	schedulerTick        = 250 * time.Millisecond
	cleanupTick          = 10 * time.Minute
	progressEmitInterval = 200 * time.Millisecond
	recorderTimeout      = 10 * time.Second
)

// Config tunes the coordinator and the engines it spawns.
type Config struct {
	MaxConcurrent    int           // running jobs cap
	ProbeTimeout     time.Duration // per-probe budget
	ProbeConcurrency int           // simultaneous probes within one job
	DiscoveryWindow  time.Duration // WS-Discovery collection window
	CacheTTL         time.Duration // result cache freshness
	MaxCacheEntries  int           // result cache hard cap
	MaxCompleted     int           // finished jobs kept queryable
	HistoryRetention time.Duration // history entries older than this are trimmed
}

func (c *Config) fill() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = 64
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.MaxCacheEntries <= 0 {
		c.MaxCacheEntries = 100
	}
	if c.MaxCompleted <= 0 {
		c.MaxCompleted = 20
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 30 * 24 * time.Hour
	}
}

// Publisher is the event-bus surface the coordinator needs. *events.Bus
// satisfies it.
type Publisher interface {
	Publish(events.Event) bool
}

// Recorder is the persistence surface for finished scans and the
// cameras they discover. *data.Store satisfies it.
type Recorder interface {
	SaveScan(ctx context.Context, rec *data.ScanRecord) error
	SaveCamera(ctx context.Context, rec *data.CameraRecord) error
}

// ProgressEvent is the scan-progress payload.
type ProgressEvent struct {
	State   JobState `json:"state"`
	Current int      `json:"current"`
	Total   int      `json:"total"`
	Found   int      `json:"found"`
	Message string   `json:"message,omitempty"`
}

// CompletedEvent is the scan-completed payload.
type CompletedEvent struct {
	Cameras      []HostResult `json:"cameras"`
	CamerasFound int          `json:"cameras_found"`
	Duration     float64      `json:"duration_seconds"`
	Cached       bool         `json:"cached,omitempty"`
}

// job is one scan through its lifecycle. Mutable fields are guarded by
// the coordinator mutex.
type job struct {
	id       string
	req      Request
	priority Priority
	seq      uint64
	index    int // heap slot, -1 when not queued
	enqueued time.Time

	state    JobState
	cancel   context.CancelFunc // set while running
	fraction float64
	found    int
	message  string
	lastEmit time.Time
	result   *Result // set when terminal
}

// runner abstracts the engine so tests can substitute deterministic
// jobs.
type runner interface {
	Run(ctx context.Context, scanID string, r Range, methods []Method, report ProgressFunc) (*Result, error)
}

// Coordinator owns the scan queue: it caps concurrent jobs, schedules
// by priority, serves cached results, and keeps history plus network
// analysis across runs.
type Coordinator struct {
	cfg    Config
	engine runner
	bus    Publisher
	rec    Recorder
	layout paths.Layout
	logger zerolog.Logger

	mu      sync.Mutex
	queue   jobQueue
	jobs    map[string]*job
	done    []string // finished ids, oldest first, capped at MaxCompleted
	running int
	seq     uint64
	started bool
	stop    context.CancelFunc

	cache    *resultCache
	history  *history
	analysis *NetworkAnalysis

	kick chan struct{}
	wg   sync.WaitGroup
}

// NewCoordinator wires a coordinator. bus and rec may be nil; events
// and persistence are then skipped.
func NewCoordinator(cfg Config, layout paths.Layout, bus Publisher, rec Recorder) *Coordinator {
	cfg.fill()
	return &Coordinator{
		cfg: cfg,
		engine: NewEngine(EngineConfig{
			ProbeTimeout:    cfg.ProbeTimeout,
			Concurrency:     cfg.ProbeConcurrency,
			DiscoveryWindow: cfg.DiscoveryWindow,
		}),
		bus:      bus,
		rec:      rec,
		layout:   layout,
		logger:   log.WithComponent("scan"),
		jobs:     make(map[string]*job),
		cache:    newResultCache(cfg.MaxCacheEntries, cfg.CacheTTL),
		history:  &history{},
		analysis: NewNetworkAnalysis(),
		kick:     make(chan struct{}, 1),
	}
}

// Start rehydrates persisted state and launches the scheduler and
// cleanup loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.stop = cancel
	c.mu.Unlock()

	loadState(c.layout, c.cache, c.history, c.analysis, c.logger)

	c.wg.Add(2)
	go c.schedulerLoop(runCtx)
	go c.cleanupLoop(runCtx)

	c.logger.Info().
		Int("max_concurrent", c.cfg.MaxConcurrent).
		Int("cache_entries", c.cache.len()).
		Int("history_entries", c.history.len()).
		Msg("scan coordinator started")
	return nil
}

// Stop cancels running jobs, waits for the loops to exit and persists
// cache, history and analysis.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	stop := c.stop
	c.stop = nil
	for _, j := range c.jobs {
		if j.cancel != nil {
			j.cancel()
		}
	}
	c.mu.Unlock()

	stop()
	c.wg.Wait()
	saveState(c.layout, c.cache, c.history, c.analysis, c.logger)
	c.logger.Info().Msg("scan coordinator stopped")
}

// StartScan validates and submits one scan. With UseCache set, a fresh
// cached result for the identical range and port set completes a new
// scan id immediately, without probing.
func (c *Coordinator) StartScan(req Request) (string, error) {
	const op = "scan.start"
	if err := req.Range.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return "", camerr.New(camerr.NotConnected, op, "coordinator not running")
	}
	c.mu.Unlock()

	if req.UseCache {
		if cached := c.cache.get(req.Range.Fingerprint()); cached != nil {
			return c.completeFromCache(req, cached), nil
		}
	}

	j := &job{
		id:       uuid.NewString(),
		req:      req,
		priority: req.Priority,
		index:    -1,
		enqueued: time.Now(),
		state:    StateQueued,
	}

	c.mu.Lock()
	c.seq++
	j.seq = c.seq
	c.jobs[j.id] = j
	heap.Push(&c.queue, j)
	queued := c.queue.Len()
	c.mu.Unlock()

	c.publish(events.ForScan(events.ScanProgress, j.id, ProgressEvent{
		State: StateQueued, Total: 100, Message: "queued",
	}))
	c.logger.Info().
		Str("scan_id", j.id).
		Str("range", req.Range.StartIP+"-"+req.Range.EndIP).
		Str("priority", j.priority.String()).
		Int("queued", queued).
		Msg("scan queued")
	c.kickScheduler()
	return j.id, nil
}

// completeFromCache mints a finished scan backed by a cached result.
// The result is re-stamped with the new id; nothing is re-probed, so
// neither the recorder nor the analysis sees it again.
func (c *Coordinator) completeFromCache(req Request, cached *Result) string {
	res := *cached
	res.ScanID = uuid.NewString()
	res.StartedAt = time.Now()
	res.Duration = 0

	j := &job{
		id:       res.ScanID,
		req:      req,
		priority: req.Priority,
		index:    -1,
		enqueued: res.StartedAt,
		state:    StateCompleted,
		fraction: 1,
		found:    res.CamerasFound,
		message:  "served from cache",
		result:   &res,
	}

	c.mu.Lock()
	c.jobs[j.id] = j
	c.rememberDoneLocked(j.id)
	c.mu.Unlock()

	c.history.add(summarize(&res, StateCompleted, true))
	c.publish(events.ForScan(events.ScanCompleted, j.id, CompletedEvent{
		Cameras:      res.Cameras,
		CamerasFound: res.CamerasFound,
		Cached:       true,
	}))
	c.logger.Info().
		Str("scan_id", j.id).
		Int("cameras", res.CamerasFound).
		Msg("scan served from cache")
	return j.id
}

// Retune applies the hot-reloadable tunables from cfg: the concurrency
// cap and the probe settings jobs launched from now on run with. Cache
// and history sizing stay as constructed.
func (c *Coordinator) Retune(cfg Config) {
	cfg.fill()
	c.mu.Lock()
	c.cfg.MaxConcurrent = cfg.MaxConcurrent
	c.cfg.ProbeTimeout = cfg.ProbeTimeout
	c.cfg.ProbeConcurrency = cfg.ProbeConcurrency
	c.cfg.DiscoveryWindow = cfg.DiscoveryWindow
	c.engine = NewEngine(EngineConfig{
		ProbeTimeout:    cfg.ProbeTimeout,
		Concurrency:     cfg.ProbeConcurrency,
		DiscoveryWindow: cfg.DiscoveryWindow,
	})
	c.mu.Unlock()
	c.kickScheduler()
}

// CancelScan removes a queued job or cancels a running one.
func (c *Coordinator) CancelScan(id string) error {
	c.mu.Lock()
	j, ok := c.jobs[id]
	if !ok {
		c.mu.Unlock()
		return ErrScanNotFound
	}
	switch j.state {
	case StateQueued:
		heap.Remove(&c.queue, j.index)
		j.state = StateCancelled
		j.message = "cancelled while queued"
		j.result = &Result{ScanID: j.id, Range: j.req.Range, Methods: normalizeMethods(j.req.Methods), StartedAt: j.enqueued}
		c.rememberDoneLocked(j.id)
		c.mu.Unlock()
		c.history.add(summarize(j.result, StateCancelled, false))
		c.publish(events.ForScan(events.ScanProgress, id, ProgressEvent{
			State: StateCancelled, Total: 100, Message: "cancelled",
		}))
		c.logger.Info().Str("scan_id", id).Msg("queued scan cancelled")
		return nil
	case StateRunning:
		j.state = StateCancelled
		j.message = "cancelling"
		cancel := j.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.logger.Info().Str("scan_id", id).Msg("running scan cancelled")
		return nil
	default:
		c.mu.Unlock()
		return ErrScanFinished
	}
}

// Status reports the lifecycle state of a known scan.
func (c *Coordinator) Status(id string) (JobState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return "", ErrScanNotFound
	}
	return j.state, nil
}

// Progress reports fraction, cameras found and the current phase.
func (c *Coordinator) Progress(id string) (Progress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return Progress{}, ErrScanNotFound
	}
	return Progress{
		ScanID:   j.id,
		State:    j.state,
		Fraction: j.fraction,
		Found:    j.found,
		Message:  j.message,
	}, nil
}

// Results returns the outcome of a finished scan. Finished results stay
// queryable for the last MaxCompleted scans.
func (c *Coordinator) Results(id string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return nil, ErrScanNotFound
	}
	if j.result == nil {
		return nil, ErrScanNotDone
	}
	return j.result, nil
}

// History returns the most recent finished scans, newest first.
func (c *Coordinator) History(limit int) []HistoryEntry {
	return c.history.list(limit)
}

// Analysis reports the accumulated network analysis.
func (c *Coordinator) Analysis() Report {
	return c.analysis.Snapshot()
}

// OptimalScanRange suggests a range around baseIP from scan history;
// nil when no history exists.
func (c *Coordinator) OptimalScanRange(baseIP string) *Range {
	return c.analysis.OptimalScanRange(baseIP)
}

// Stats is a point-in-time view for the metrics collector.
type Stats struct {
	Queued      int
	Running     int
	Done        int
	CacheSize   int
	CacheHits   uint64
	CacheMisses uint64
	History     int
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	queued, running, done := c.queue.Len(), c.running, len(c.done)
	c.mu.Unlock()
	size, hits, misses := c.cache.stats()
	return Stats{
		Queued:      queued,
		Running:     running,
		Done:        done,
		CacheSize:   size,
		CacheHits:   hits,
		CacheMisses: misses,
		History:     c.history.len(),
	}
}

// publish forwards an event when a bus is wired.
func (c *Coordinator) publish(e events.Event) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(e)
}

// --- loops ---

func (c *Coordinator) kickScheduler() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) schedulerLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()
	for {
		c.startReady(ctx)
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
		case <-ticker.C:
		}
	}
}

// startReady launches queued jobs while slots remain.
func (c *Coordinator) startReady(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	for c.running < c.cfg.MaxConcurrent && c.queue.Len() > 0 {
		j := heap.Pop(&c.queue).(*job)
		jobCtx, cancel := context.WithCancel(ctx)
		j.state = StateRunning
		j.cancel = cancel
		j.message = "starting"
		c.running++
		c.wg.Add(1)
		// Pin the engine per job so Retune never races a running scan.
		go c.runJob(jobCtx, c.engine, j)
	}
}

func (c *Coordinator) runJob(ctx context.Context, eng runner, j *job) {
	defer c.wg.Done()
	c.logger.Info().
		Str("scan_id", j.id).
		Str("range", j.req.Range.StartIP+"-"+j.req.Range.EndIP).
		Msg("scan started")
	c.publish(events.ForScan(events.ScanProgress, j.id, ProgressEvent{
		State: StateRunning, Total: 100, Message: "started",
	}))

	res, err := eng.Run(ctx, j.id, j.req.Range, j.req.Methods, func(fraction float64, found int, message string) {
		c.noteProgress(j, fraction, found, message)
	})
	c.finishJob(j, res, err)
}

// noteProgress records engine progress and forwards it to the bus at a
// bounded rate.
func (c *Coordinator) noteProgress(j *job, fraction float64, found int, message string) {
	c.mu.Lock()
	if fraction > j.fraction {
		j.fraction = fraction
	}
	if found > j.found {
		j.found = found
	}
	j.message = message
	state := j.state
	emit := fraction >= 1 || time.Since(j.lastEmit) >= progressEmitInterval
	if emit {
		j.lastEmit = time.Now()
	}
	current := int(j.fraction * 100)
	found = j.found
	c.mu.Unlock()

	if emit {
		c.publish(events.ForScan(events.ScanProgress, j.id, ProgressEvent{
			State:   state,
			Current: current,
			Total:   100,
			Found:   found,
			Message: message,
		}))
	}
}

func (c *Coordinator) finishJob(j *job, res *Result, err error) {
	if res == nil {
		res = &Result{ScanID: j.id, Range: j.req.Range, Methods: normalizeMethods(j.req.Methods), StartedAt: j.enqueued}
	}

	c.mu.Lock()
	c.running--
	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}
	state := StateCompleted
	if j.state == StateCancelled || err != nil {
		state = StateCancelled
	}
	j.state = state
	j.result = res
	j.found = res.CamerasFound
	if state == StateCompleted {
		j.fraction = 1
	}
	fraction := j.fraction
	c.rememberDoneLocked(j.id)
	c.mu.Unlock()

	c.history.add(summarize(res, state, false))

	if state == StateCompleted {
		c.cache.put(j.req.Range.Fingerprint(), res, time.Now())
		c.analysis.Update(res)
		c.record(res)
		c.publish(events.ForScan(events.ScanCompleted, j.id, CompletedEvent{
			Cameras:      res.Cameras,
			CamerasFound: res.CamerasFound,
			Duration:     res.Duration.Seconds(),
		}))
		c.logger.Info().
			Str("scan_id", j.id).
			Int("hosts", len(res.Hosts)).
			Int("cameras", res.CamerasFound).
			Dur("duration", res.Duration).
			Msg("scan completed")
	} else {
		c.publish(events.ForScan(events.ScanProgress, j.id, ProgressEvent{
			State:   StateCancelled,
			Current: int(fraction * 100),
			Total:   100,
			Found:   res.CamerasFound,
			Message: "cancelled",
		}))
		c.logger.Info().Str("scan_id", j.id).Msg("scan cancelled")
	}
	c.kickScheduler()
}

// rememberDoneLocked appends a finished job to the queryable window and
// forgets jobs that fall out of it.
func (c *Coordinator) rememberDoneLocked(id string) {
	c.done = append(c.done, id)
	for len(c.done) > c.cfg.MaxCompleted {
		evict := c.done[0]
		c.done = c.done[1:]
		delete(c.jobs, evict)
	}
}

func (c *Coordinator) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(cleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := c.cache.evictExpired()
			trimmed := c.history.trim(time.Now().Add(-c.cfg.HistoryRetention))
			if expired > 0 || trimmed > 0 {
				c.logger.Debug().
					Int("cache_expired", expired).
					Int("history_trimmed", trimmed).
					Msg("scan cleanup pass")
			}
		}
	}
}

// --- persistence glue ---

// record writes the scan row and upserts every discovered camera. A
// fresh context is used: the job context may already be cancelled by
// shutdown, and a completed scan should still land in the store.
func (c *Coordinator) record(res *Result) {
	if c.rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
	defer cancel()

	if err := c.rec.SaveScan(ctx, scanRecord(res)); err != nil {
		c.logger.Warn().Str("scan_id", res.ScanID).Err(err).Msg("persist scan")
	}
	for i := range res.Cameras {
		rec := cameraRecord(res.Cameras[i])
		if err := c.rec.SaveCamera(ctx, rec); err != nil {
			c.logger.Warn().Str("camera_id", rec.CameraID).Err(err).Msg("persist discovered camera")
		}
	}
}

// scanRecord flattens a result into its scans-table shape.
func scanRecord(res *Result) *data.ScanRecord {
	results, err := json.Marshal(res.Hosts)
	if err != nil {
		results = []byte("[]")
	}
	portsFound := 0
	var protocols []string
	for _, h := range res.Hosts {
		portsFound += len(h.OpenPorts)
		for _, p := range h.Protocols {
			protocols = appendUnique(protocols, p)
		}
	}
	target := res.Range.StartIP
	if res.Range.EndIP != res.Range.StartIP {
		target = res.Range.StartIP + "-" + res.Range.EndIP
	}
	return &data.ScanRecord{
		ScanID:            res.ScanID,
		TargetIP:          target,
		Timestamp:         res.StartedAt,
		DurationSeconds:   res.Duration.Seconds(),
		PortsScanned:      len(res.Range.EffectivePorts()),
		PortsFound:        portsFound,
		ProtocolsDetected: protocols,
		Results:           results,
	}
}

// cameraRecord derives a stable camera row from a discovered host. The
// id is the address itself so rediscovery updates rather than
// duplicates.
func cameraRecord(h HostResult) *data.CameraRecord {
	meta := map[string]any{"discovered_by": "scan"}
	for k, v := range h.Details {
		meta[k] = v
	}
	return &data.CameraRecord{
		CameraID:  CameraID(h.IP),
		Brand:     h.Brand,
		Model:     h.Model,
		IP:        h.IP,
		LastSeen:  h.ProbedAt,
		Protocols: h.Protocols,
		Metadata:  meta,
	}
}

// CameraID derives the deterministic camera id for a discovered
// address, e.g. 192.168.1.64 -> cam-192-168-1-64.
func CameraID(ip string) string {
	return fmt.Sprintf("cam-%s", strings.ReplaceAll(ip, ".", "-"))
}
