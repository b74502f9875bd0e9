// Package protocols defines the uniform contract every camera protocol
// backend implements, plus the registry the orchestrator uses to build
// handlers. Backends live in subpackages (onvif, rtsp, vendorhttp) and
// self-register from init, so binaries pick their protocol surface via
// blank imports.
package protocols

import (
	"context"
	"sync"
	"time"
)

// Type identifies one protocol backend.
type Type string

const (
	TypeONVIF      Type = "onvif"
	TypeRTSP       Type = "rtsp"
	TypeVendorHTTP Type = "vendor_http"
)

// State is the session state a handler reports. The connection layer
// mirrors these into its own lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateStreaming    State = "streaming"
	StateError        State = "error"
	StateUnavailable  State = "unavailable"
)

// Frame is one unit of video handed to a sink. Payload is the codec
// bitstream (H264 access unit, JPEG image, or raw RTP payload) and is
// shared by reference: sinks must not mutate it.
type Frame struct {
	Payload    []byte
	ReceivedAt time.Time
	Seq        uint64
}

// FrameSink receives produced frames. Implementations must not block:
// the pipeline behind the sink absorbs or drops under back-pressure.
type FrameSink func(Frame)

// Capabilities describes what one backend can do for one camera.
type Capabilities struct {
	Protocol  Type     `json:"protocol"`
	Snapshot  bool     `json:"snapshot"`
	Streaming bool     `json:"streaming"`
	PTZ       bool     `json:"ptz"`
	Presets   bool     `json:"presets"`
	Audio     bool     `json:"audio"`
	Codecs    []string `json:"codecs,omitempty"`
}

// Config carries everything a handler needs to reach one camera.
// Zero-valued ports fall back to the protocol's default.
type Config struct {
	CameraID string
	IP       string
	Username string
	Password string

	RTSPPort  int
	ONVIFPort int
	HTTPPort  int

	// Brand selects vendor URL profiles: dahua, amcrest, tplink,
	// steren or generic.
	Brand string

	Channel   int
	SubStream int

	Timeout        time.Duration
	AllowAnonymous bool
}

// EffectiveTimeout returns the configured timeout or a 10 s default.
func (c Config) EffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 10 * time.Second
	}
	return c.Timeout
}

// HasCredentials reports whether both username and password are set.
func (c Config) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// Handler drives one camera over one protocol. Implementations are safe
// for concurrent use; blocking operations honor the context.
type Handler interface {
	// Connect establishes a session. Fails with an auth, unreachable,
	// timeout or protocol error kind. Connecting an already connected
	// handler is a no-op.
	Connect(ctx context.Context) error

	// Disconnect tears the session down, best effort. It never fails
	// observably; problems are logged by the implementation.
	Disconnect(ctx context.Context) error

	// TestConnection probes reachability without leaving a session
	// behind. Any error collapses to false.
	TestConnection(ctx context.Context) bool

	// CaptureSnapshot returns one JPEG image. Requires a session.
	CaptureSnapshot(ctx context.Context) ([]byte, error)

	// StartStreaming begins producing frames to the configured sink.
	// Requires a session.
	StartStreaming(ctx context.Context) error

	// StopStreaming stops frame production, back to Connected.
	StopStreaming(ctx context.Context) error

	// Capabilities reports the backend's static descriptor.
	Capabilities() Capabilities

	// State reports the current session state.
	State() State

	// SetFrameSink installs the frame receiver. Must be called before
	// StartStreaming.
	SetFrameSink(sink FrameSink)

	// SetStateListener installs a transition observer. Every state
	// change flows through it.
	SetStateListener(fn func(old, new State))
}

// PTZController is implemented by backends with pan/tilt/zoom control.
type PTZController interface {
	// PTZ executes one movement: up, down, left, right, zoom_in,
	// zoom_out or stop. Speed range is 1..8.
	PTZ(ctx context.Context, action string, speed int) error

	// SetPreset stores the current position under id (1..255).
	SetPreset(ctx context.Context, id int) error

	// GotoPreset moves to a stored position.
	GotoPreset(ctx context.Context, id int) error
}

// QualitySwitcher is implemented by backends that can swap the active
// stream profile in place.
type QualitySwitcher interface {
	// SwitchStreamQuality re-establishes the session on the named
	// profile, preserving the streaming flag.
	SwitchStreamQuality(ctx context.Context, profileKey string) error
}

// StreamSource is implemented by backends that read from an RTSP URL
// and can expose it, credentials included, for relay provisioning.
type StreamSource interface {
	StreamURL() string
}

// Base carries the state/sink plumbing shared by every backend. All
// transitions go through Transition so the installed listener sees each
// one exactly once.
type Base struct {
	mu       sync.RWMutex
	state    State
	listener func(old, new State)
	sink     FrameSink
}

// State returns the current state. The zero value reads as
// Disconnected so embedding Base needs no constructor.
func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state == "" {
		return StateDisconnected
	}
	return b.state
}

// SetStateListener installs the transition observer.
func (b *Base) SetStateListener(fn func(old, new State)) {
	b.mu.Lock()
	b.listener = fn
	b.mu.Unlock()
}

// SetFrameSink installs the frame receiver.
func (b *Base) SetFrameSink(sink FrameSink) {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
}

// Sink returns the installed frame receiver, nil when unset.
func (b *Base) Sink() FrameSink {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sink
}

// Emit hands one frame to the sink if one is installed.
func (b *Base) Emit(f Frame) {
	if sink := b.Sink(); sink != nil {
		sink(f)
	}
}

// Transition moves to next and notifies the listener. Self-transitions
// are suppressed. The listener runs outside the lock.
func (b *Base) Transition(next State) {
	b.mu.Lock()
	old := b.state
	if old == "" {
		old = StateDisconnected
	}
	if old == next {
		b.mu.Unlock()
		return
	}
	b.state = next
	fn := b.listener
	b.mu.Unlock()

	if fn != nil {
		fn(old, next)
	}
}
