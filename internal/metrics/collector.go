// Package metrics exposes the daemon's Prometheus surface: a polled
// collector over the orchestrator, stream, scan, storage and relay
// snapshots, plus process and data-dir gauges.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/camera"
	"github.com/camfleet/camfleet/internal/data"
	"github.com/camfleet/camfleet/internal/log"
	"github.com/camfleet/camfleet/internal/scan"
	"github.com/camfleet/camfleet/internal/stream"
)

// ConnectionSource feeds connection gauges. *camera.Core satisfies it.
type ConnectionSource interface {
	Metrics() camera.Metrics
}

// StreamSource feeds per-stream gauges. *camera.Core satisfies it.
type StreamSource interface {
	AllStreamMetrics() []stream.Metrics
}

// ScanSource feeds scanner gauges. *scan.Coordinator satisfies it.
type ScanSource interface {
	Stats() scan.Stats
}

// StorageSource feeds persistence gauges. *data.Store satisfies it.
type StorageSource interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) data.StoreStats
}

// ViewerSource feeds relay gauges. *relay.Publisher satisfies it.
type ViewerSource interface {
	ViewerCounts(ctx context.Context) (map[string]int, error)
	Suspended() bool
}

// Config holds the collector's sources and tunables. Nil sources are
// skipped, so partial wiring (no relay, no scanner) costs nothing.
type Config struct {
	Connections ConnectionSource
	Streams     StreamSource
	Scans       ScanSource
	Storage     StorageSource
	Viewers     ViewerSource

	// DataDir enables disk-usage gauges for the data root.
	DataDir string

	// Interval is the poll cadence. Defaults to 10s.
	Interval time.Duration

	// PerCamera controls camera_id-labelled series. Disable on large
	// fleets to bound cardinality.
	PerCamera bool
}

// Collector polls the wired sources on a ticker and exposes the
// results on its own registry.
type Collector struct {
	cfg      Config
	registry *prometheus.Registry
	host     *hostSampler
	logger   zerolog.Logger

	up *prometheus.GaugeVec

	// Connections
	activeConnections *prometheus.GaugeVec
	totalCameras      prometheus.Gauge
	connectAttempts   prometheus.Gauge
	connectFailures   prometheus.Gauge
	reconnects        prometheus.Gauge
	avgResponseMS     prometheus.Gauge

	// Streams
	streamsActive     prometheus.Gauge
	streamFPS         *prometheus.GaugeVec
	streamHealth      *prometheus.GaugeVec
	streamDropped     *prometheus.GaugeVec
	streamSubscribers *prometheus.GaugeVec
	streamBandwidth   *prometheus.GaugeVec
	streamFramesTotal prometheus.Gauge
	streamDropsTotal  prometheus.Gauge

	// Scanner
	scanQueued      prometheus.Gauge
	scanRunning     prometheus.Gauge
	scanCacheSize   prometheus.Gauge
	scanCacheHits   prometheus.Gauge
	scanCacheMisses prometheus.Gauge
	scanHistory     prometheus.Gauge

	// Storage
	storeCameras       prometheus.Gauge
	storeScans         prometheus.Gauge
	storeSnapshots     prometheus.Gauge
	storeCachedCameras prometheus.Gauge

	// Relay
	viewers        *prometheus.GaugeVec
	relaySuspended prometheus.Gauge

	// Host
	procCPUPercent prometheus.Gauge
	procRSSBytes   prometheus.Gauge
	procOpenFDs    prometheus.Gauge
	diskUsedPct    prometheus.Gauge
	diskFreeBytes  prometheus.Gauge
}

// NewCollector builds the collector and registers every series on a
// fresh registry.
func NewCollector(cfg Config) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}

	reg := prometheus.NewRegistry()
	c := &Collector{
		cfg:      cfg,
		registry: reg,
		host:     newHostSampler(cfg.DataDir),
		logger:   log.WithComponent("metrics"),
	}

	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}
	vec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
		reg.MustRegister(v)
		return v
	}

	c.up = vec("camfleet_component_up", "Component collect status (1=ok, 0=failed)", "component")

	c.activeConnections = vec("camfleet_active_connections", "Established camera connections by protocol", "protocol")
	c.totalCameras = gauge("camfleet_cameras_tracked", "Cameras known to the orchestrator")
	c.connectAttempts = gauge("camfleet_connect_attempts_total", "Cumulative connection attempts")
	c.connectFailures = gauge("camfleet_connect_failures_total", "Cumulative failed connection attempts")
	c.reconnects = gauge("camfleet_reconnects_total", "Cumulative automatic reconnects")
	c.avgResponseMS = gauge("camfleet_connect_avg_response_ms", "Average connect response time")

	c.streamsActive = gauge("camfleet_streams_active", "Active stream pipelines")
	c.streamFPS = vec("camfleet_stream_fps", "Current frames per second", "camera_id")
	c.streamHealth = vec("camfleet_stream_health_score", "Stream health score 0-100", "camera_id")
	c.streamDropped = vec("camfleet_stream_dropped_frames_total", "Cumulative dropped frames", "camera_id")
	c.streamSubscribers = vec("camfleet_stream_subscribers", "Live subscribers", "camera_id")
	c.streamBandwidth = vec("camfleet_stream_bandwidth_kbps", "Ingest bandwidth in KB/s", "camera_id")
	c.streamFramesTotal = gauge("camfleet_stream_frames_total", "Cumulative frames across all pipelines")
	c.streamDropsTotal = gauge("camfleet_stream_drops_total", "Cumulative drops across all pipelines")

	c.scanQueued = gauge("camfleet_scan_queued", "Scans waiting in the priority queue")
	c.scanRunning = gauge("camfleet_scan_running", "Scans currently executing")
	c.scanCacheSize = gauge("camfleet_scan_cache_entries", "Scan result cache population")
	c.scanCacheHits = gauge("camfleet_scan_cache_hits_total", "Cumulative scan cache hits")
	c.scanCacheMisses = gauge("camfleet_scan_cache_misses_total", "Cumulative scan cache misses")
	c.scanHistory = gauge("camfleet_scan_history_entries", "Scan history entries held")

	c.storeCameras = gauge("camfleet_store_cameras", "Camera rows persisted")
	c.storeScans = gauge("camfleet_store_scans", "Scan rows persisted")
	c.storeSnapshots = gauge("camfleet_store_snapshots", "Snapshot rows persisted")
	c.storeCachedCameras = gauge("camfleet_store_cached_cameras", "Camera records in the read cache")

	c.viewers = vec("camfleet_relay_viewers", "Live relay viewer sessions", "camera_id")
	c.relaySuspended = gauge("camfleet_relay_suspended", "Relay publishing suspended (1) or healthy (0)")

	c.procCPUPercent = gauge("camfleet_process_cpu_percent", "Process CPU usage percent")
	c.procRSSBytes = gauge("camfleet_process_rss_bytes", "Process resident set size")
	c.procOpenFDs = gauge("camfleet_process_open_fds", "Process open file descriptors")
	c.diskUsedPct = gauge("camfleet_data_disk_used_percent", "Data dir filesystem usage percent")
	c.diskFreeBytes = gauge("camfleet_data_disk_free_bytes", "Data dir filesystem free bytes")

	return c
}

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for surfaces that gather
// directly.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Start polls until ctx is done. The first collect runs immediately so
// gauges are hot before the first scrape.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c.collectConnections()
	c.collectStreams()
	c.collectScans()
	c.collectStorage(ctx)
	c.collectViewers(ctx)
	c.collectHost()
}

func (c *Collector) collectConnections() {
	if c.cfg.Connections == nil {
		return
	}
	m := c.cfg.Connections.Metrics()

	c.activeConnections.Reset()
	for proto, n := range m.ActiveByProtocol {
		c.activeConnections.WithLabelValues(proto).Set(float64(n))
	}
	c.totalCameras.Set(float64(m.TotalCameras))
	c.connectAttempts.Set(float64(m.ConnectAttempts))
	c.connectFailures.Set(float64(m.FailedConnections))
	c.reconnects.Set(float64(m.Reconnects))
	c.avgResponseMS.Set(m.AvgResponseMS)
}

func (c *Collector) collectStreams() {
	if c.cfg.Streams == nil {
		return
	}
	snaps := c.cfg.Streams.AllStreamMetrics()

	// Reset so stopped streams drop out instead of reporting stale
	// values forever.
	c.streamFPS.Reset()
	c.streamHealth.Reset()
	c.streamDropped.Reset()
	c.streamSubscribers.Reset()
	c.streamBandwidth.Reset()

	var frames, drops uint64
	for _, m := range snaps {
		frames += m.TotalFrames
		drops += m.DroppedFrames
		if !c.cfg.PerCamera {
			continue
		}
		c.streamFPS.WithLabelValues(m.CameraID).Set(m.CurrentFPS)
		c.streamHealth.WithLabelValues(m.CameraID).Set(m.HealthScore)
		c.streamDropped.WithLabelValues(m.CameraID).Set(float64(m.DroppedFrames))
		c.streamSubscribers.WithLabelValues(m.CameraID).Set(float64(m.Subscribers))
		c.streamBandwidth.WithLabelValues(m.CameraID).Set(m.BandwidthKBps)
	}
	c.streamsActive.Set(float64(len(snaps)))
	c.streamFramesTotal.Set(float64(frames))
	c.streamDropsTotal.Set(float64(drops))
}

func (c *Collector) collectScans() {
	if c.cfg.Scans == nil {
		return
	}
	s := c.cfg.Scans.Stats()
	c.scanQueued.Set(float64(s.Queued))
	c.scanRunning.Set(float64(s.Running))
	c.scanCacheSize.Set(float64(s.CacheSize))
	c.scanCacheHits.Set(float64(s.CacheHits))
	c.scanCacheMisses.Set(float64(s.CacheMisses))
	c.scanHistory.Set(float64(s.History))
}

func (c *Collector) collectStorage(ctx context.Context) {
	if c.cfg.Storage == nil {
		return
	}
	if err := c.cfg.Storage.Ping(ctx); err != nil {
		c.up.WithLabelValues("storage").Set(0)
		return
	}
	c.up.WithLabelValues("storage").Set(1)
	s := c.cfg.Storage.Stats(ctx)
	c.storeCameras.Set(float64(s.Cameras))
	c.storeScans.Set(float64(s.Scans))
	c.storeSnapshots.Set(float64(s.Snapshots))
	c.storeCachedCameras.Set(float64(s.CachedCameras))
}

func (c *Collector) collectViewers(ctx context.Context) {
	if c.cfg.Viewers == nil {
		return
	}

	if c.cfg.Viewers.Suspended() {
		c.relaySuspended.Set(1)
	} else {
		c.relaySuspended.Set(0)
	}

	counts, err := c.cfg.Viewers.ViewerCounts(ctx)
	if err != nil {
		c.up.WithLabelValues("relay").Set(0)
		return
	}
	c.up.WithLabelValues("relay").Set(1)

	c.viewers.Reset()
	if !c.cfg.PerCamera {
		return
	}
	for cameraID, n := range counts {
		c.viewers.WithLabelValues(cameraID).Set(float64(n))
	}
}

func (c *Collector) collectHost() {
	s := c.host.sample()
	if s.hasProc {
		c.procCPUPercent.Set(s.cpuPercent)
		c.procRSSBytes.Set(float64(s.rssBytes))
		c.procOpenFDs.Set(float64(s.openFDs))
	}
	if s.hasDisk {
		c.diskUsedPct.Set(s.diskUsedPct)
		c.diskFreeBytes.Set(float64(s.diskFree))
	}
}
