package camera

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/events"
	"github.com/camfleet/camfleet/internal/log"
	"github.com/camfleet/camfleet/internal/protocols"
	"github.com/camfleet/camfleet/internal/stream"
)

// SnapshotSink persists captured snapshots. The data layer implements
// it; the facade treats persistence failures as non-fatal.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, cameraID string, img []byte, takenAt time.Time) (path string, err error)
}

// Snapshot is one captured image plus where it landed on disk. Path is
// empty when no sink is configured or the write failed.
type Snapshot struct {
	CameraID string    `json:"camera_id"`
	Data     []byte    `json:"-"`
	Path     string    `json:"path,omitempty"`
	Size     int       `json:"size_bytes"`
	TakenAt  time.Time `json:"taken_at"`
}

// CoreOption tweaks facade construction.
type CoreOption func(*Core)

// WithSnapshotSink enables snapshot persistence.
func WithSnapshotSink(s SnapshotSink) CoreOption {
	return func(c *Core) { c.snaps = s }
}

// Core is the command facade the outer surfaces (HTTP API, CLI) call
// into. It composes the orchestrator and the stream manager; main owns
// the single instance.
type Core struct {
	orch    *Orchestrator
	streams *stream.Manager
	bus     *events.Bus
	snaps   SnapshotSink
	logger  zerolog.Logger
}

// NewCore builds the facade over an orchestrator and stream manager.
func NewCore(orch *Orchestrator, streams *stream.Manager, bus *events.Bus, opts ...CoreOption) *Core {
	c := &Core{
		orch:    orch,
		streams: streams,
		bus:     bus,
		logger:  log.WithComponent("core"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Orchestrator exposes the connection layer for surfaces that need it.
func (c *Core) Orchestrator() *Orchestrator { return c.orch }

// Streams exposes the stream manager.
func (c *Core) Streams() *stream.Manager { return c.streams }

// StartCameraStream connects the camera (stream kind), starts its
// pipeline and begins frame production. Idempotent: a camera already
// streaming gets its existing pipeline back.
func (c *Core) StartCameraStream(ctx context.Context, cam Camera) (*stream.Pipeline, error) {
	const op = "core.start_stream"

	conn, err := c.orch.ConnectCamera(ctx, cam, KindStream)
	if err != nil {
		return nil, err
	}
	handler := conn.Handler()

	if handler.State() == protocols.StateStreaming {
		if p, ok := c.streams.Get(cam.CameraID); ok {
			return p, nil
		}
	}

	p, err := c.streams.Start(stream.Config{
		CameraID:   cam.CameraID,
		TargetFPS:  cam.Stream.TargetFPS,
		BufferSize: cam.Stream.BufferSize,
	})
	if err != nil {
		return nil, err
	}

	handler.SetFrameSink(p.Ingest)
	handler.SetStateListener(func(old, next protocols.State) {
		if next == protocols.StateError {
			p.Fail(camerr.New(camerr.Protocol, op, "producer entered error state"))
		}
	})

	if err := handler.StartStreaming(ctx); err != nil {
		c.streams.Stop(cam.CameraID)
		return nil, err
	}
	conn.MarkStreaming(true)

	c.logger.Info().Str("camera_id", cam.CameraID).Msg("camera stream started")
	return p, nil
}

// StopCameraStream halts frame production and tears the pipeline down.
// Unknown cameras succeed.
func (c *Core) StopCameraStream(ctx context.Context, cameraID string) error {
	if conn, ok := c.orch.Connection(cameraID, KindStream); ok {
		_ = conn.Handler().StopStreaming(ctx)
		conn.MarkStreaming(false)
	}
	c.streams.Stop(cameraID)
	return nil
}

// ActiveStreams lists camera ids with a live pipeline.
func (c *Core) ActiveStreams() []string { return c.streams.Active() }

// StreamMetrics returns the live snapshot for one camera's stream.
func (c *Core) StreamMetrics(cameraID string) (stream.Metrics, error) {
	m, ok := c.streams.Snapshot(cameraID)
	if !ok {
		return stream.Metrics{}, camerr.New(camerr.NotConnected, "core.stream_metrics",
			"no active stream for camera "+cameraID)
	}
	return m, nil
}

// AllStreamMetrics snapshots every active stream.
func (c *Core) AllStreamMetrics() []stream.Metrics { return c.streams.Snapshots() }

// Metrics returns the orchestrator aggregate.
func (c *Core) Metrics() Metrics { return c.orch.Metrics() }

// PTZControl moves a camera. The camera must hold a live connection on
// a backend with PTZ support.
func (c *Core) PTZControl(ctx context.Context, cameraID, action string, speed int) error {
	const op = "core.ptz"

	conn, err := c.liveConnection(op, cameraID)
	if err != nil {
		return err
	}
	ptz, ok := conn.Handler().(protocols.PTZController)
	if !ok {
		return camerr.New(camerr.Validation, op, "camera "+cameraID+" does not support ptz")
	}
	return ptz.PTZ(ctx, action, speed)
}

// SetPreset stores the current PTZ position under id.
func (c *Core) SetPreset(ctx context.Context, cameraID string, id int) error {
	const op = "core.set_preset"

	conn, err := c.liveConnection(op, cameraID)
	if err != nil {
		return err
	}
	ptz, ok := conn.Handler().(protocols.PTZController)
	if !ok {
		return camerr.New(camerr.Validation, op, "camera "+cameraID+" does not support presets")
	}
	return ptz.SetPreset(ctx, id)
}

// GotoPreset moves the camera to a stored position.
func (c *Core) GotoPreset(ctx context.Context, cameraID string, id int) error {
	const op = "core.goto_preset"

	conn, err := c.liveConnection(op, cameraID)
	if err != nil {
		return err
	}
	ptz, ok := conn.Handler().(protocols.PTZController)
	if !ok {
		return camerr.New(camerr.Validation, op, "camera "+cameraID+" does not support presets")
	}
	return ptz.GotoPreset(ctx, id)
}

// CaptureSnapshot grabs one image over a live connection and persists
// it when a sink is configured. A failed persist is logged, never
// fatal: the caller still gets the bytes.
func (c *Core) CaptureSnapshot(ctx context.Context, cameraID string) (Snapshot, error) {
	const op = "core.snapshot"

	conn, err := c.liveConnection(op, cameraID)
	if err != nil {
		return Snapshot{}, err
	}

	img, err := conn.Handler().CaptureSnapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		CameraID: cameraID,
		Data:     img,
		Size:     len(img),
		TakenAt:  time.Now().UTC(),
	}
	if c.snaps != nil {
		path, err := c.snaps.SaveSnapshot(ctx, cameraID, img, snap.TakenAt)
		if err != nil {
			c.logger.Warn().Err(err).Str("camera_id", cameraID).Msg("snapshot persist failed")
		} else {
			snap.Path = path
		}
	}
	return snap, nil
}

// liveConnection picks the camera's best established connection:
// control first, then stream, then the remaining kinds.
func (c *Core) liveConnection(op, cameraID string) (*Connection, error) {
	for _, kind := range []Kind{KindControl, KindStream, KindAPI, KindPing} {
		conn, ok := c.orch.Connection(cameraID, kind)
		if !ok {
			continue
		}
		if s := conn.State(); s == protocols.StateConnected || s == protocols.StateStreaming {
			return conn, nil
		}
	}
	return nil, camerr.New(camerr.NotConnected, op, "camera "+cameraID+" has no live connection")
}
