package stream

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/events"
	"github.com/camfleet/camfleet/internal/log"
)

// Manager owns the per-camera pipeline map.
type Manager struct {
	bus      *events.Bus
	defaults Config
	logger   zerolog.Logger

	mu        sync.Mutex
	pipelines map[string]*Pipeline
}

// NewManager builds a manager. Zero fields in defaults fall back to
// the package defaults per pipeline.
func NewManager(bus *events.Bus, defaults Config) *Manager {
	return &Manager{
		bus:       bus,
		defaults:  defaults,
		logger:    log.WithComponent("stream"),
		pipelines: make(map[string]*Pipeline),
	}
}

// Start creates (or returns the running) pipeline for the camera.
func (m *Manager) Start(cfg Config) (*Pipeline, error) {
	if cfg.CameraID == "" {
		return nil, camerr.New(camerr.Validation, "stream.start", "camera id required")
	}
	m.fill(&cfg)

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pipelines[cfg.CameraID]; ok && !p.closed.Load() {
		return p, nil
	}
	p := newPipeline(cfg, m.bus, m.logger)
	m.pipelines[cfg.CameraID] = p
	m.logger.Info().Str("camera_id", cfg.CameraID).Int("buffer", cfg.BufferSize).Msg("stream pipeline started")
	return p, nil
}

// Get returns the pipeline for the camera if one is running.
func (m *Manager) Get(cameraID string) (*Pipeline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[cameraID]
	if !ok || p.closed.Load() {
		return nil, false
	}
	return p, true
}

// Stop tears the camera's pipeline down. False for unknown cameras.
func (m *Manager) Stop(cameraID string) bool {
	m.mu.Lock()
	p, ok := m.pipelines[cameraID]
	delete(m.pipelines, cameraID)
	m.mu.Unlock()

	if !ok {
		return false
	}
	p.Stop()
	return true
}

// StopAll tears every pipeline down.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*Pipeline, 0, len(m.pipelines))
	for id, p := range m.pipelines {
		all = append(all, p)
		delete(m.pipelines, id)
	}
	m.mu.Unlock()

	for _, p := range all {
		p.Stop()
	}
}

// Active lists cameras with a running pipeline, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.pipelines))
	for id, p := range m.pipelines {
		if !p.closed.Load() {
			out = append(out, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Snapshot returns the camera's current metrics.
func (m *Manager) Snapshot(cameraID string) (Metrics, bool) {
	p, ok := m.Get(cameraID)
	if !ok {
		return Metrics{}, false
	}
	return p.Snapshot(), true
}

// Snapshots returns metrics for every running pipeline, sorted by
// camera id.
func (m *Manager) Snapshots() []Metrics {
	m.mu.Lock()
	all := make([]*Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		if !p.closed.Load() {
			all = append(all, p)
		}
	}
	m.mu.Unlock()

	out := make([]Metrics, 0, len(all))
	for _, p := range all {
		out = append(out, p.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

func (m *Manager) fill(cfg *Config) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = m.defaults.BufferSize
	}
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = m.defaults.TargetFPS
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = m.defaults.MetricsInterval
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = m.defaults.WindowSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = m.defaults.SubscriberBuffer
	}
}
