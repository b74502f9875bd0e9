// Package camera owns the connection lifecycle: one FSM per
// (camera, kind) tuple, an orchestrator that bounds and supervises the
// fleet, and the command facade the outer surfaces call into.
package camera

import (
	"time"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/protocols"
)

// Kind is the purpose a connection serves. A camera may hold one
// connection per kind at a time.
type Kind string

const (
	KindStream  Kind = "stream"
	KindControl Kind = "control"
	KindAPI     Kind = "api"
	KindPing    Kind = "ping"
)

// Camera is the domain record the orchestrator connects to. CameraID
// is immutable; the rest comes from discovery or the operator.
type Camera struct {
	CameraID string          `json:"camera_id"`
	Name     string          `json:"name"`
	Vendor   string          `json:"vendor"`
	Model    string          `json:"model"`
	IP       string          `json:"ip"`
	Protocol protocols.Type  `json:"protocol"`

	RTSPPort  int `json:"rtsp_port,omitempty"`
	ONVIFPort int `json:"onvif_port,omitempty"`
	HTTPPort  int `json:"http_port,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"-"`

	Channel   int `json:"channel,omitempty"`
	SubStream int `json:"sub_stream,omitempty"`

	Capabilities Capabilities `json:"capabilities"`
	Stream       StreamConfig `json:"stream"`
}

// Capabilities is the camera-level feature set, merged from discovery
// probes and the active handler.
type Capabilities struct {
	Protocols []protocols.Type `json:"protocols"`
	PTZ       bool             `json:"ptz"`
	Audio     bool             `json:"audio"`
	Codecs    []string         `json:"codecs,omitempty"`
}

// StreamConfig carries per-camera streaming knobs.
type StreamConfig struct {
	Profile    string  `json:"profile,omitempty"`
	TargetFPS  float64 `json:"target_fps,omitempty"`
	BufferSize int     `json:"buffer_size,omitempty"`
}

// Validate rejects cameras the orchestrator cannot address.
func (c Camera) Validate() error {
	const op = "camera.validate"
	if c.CameraID == "" {
		return camerr.New(camerr.Validation, op, "camera id required")
	}
	if c.IP == "" {
		return camerr.New(camerr.Validation, op, "camera ip required")
	}
	if c.Protocol == "" {
		return camerr.New(camerr.Validation, op, "protocol required")
	}
	return nil
}

// protocolConfig maps the camera onto one handler's config.
func (c Camera) protocolConfig(timeout time.Duration) protocols.Config {
	return protocols.Config{
		CameraID:  c.CameraID,
		IP:        c.IP,
		Username:  c.Username,
		Password:  c.Password,
		RTSPPort:  c.RTSPPort,
		ONVIFPort: c.ONVIFPort,
		HTTPPort:  c.HTTPPort,
		Brand:     c.Vendor,
		Channel:   c.Channel,
		SubStream: c.SubStream,
		Timeout:   timeout,
	}
}

// Attempt is one connect try, success or not.
type Attempt struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Kind      string        `json:"kind,omitempty"`
}

// Callbacks observe connection lifecycle. They run on a supervisor
// goroutine and must not block; the orchestrator abandons slow ones.
type Callbacks struct {
	OnStateChanged       func(cameraID string, kind Kind, old, next protocols.State)
	OnConnectionLost     func(cameraID string, kind Kind, cause error)
	OnConnectionRestored func(cameraID string, kind Kind)
}

// StateNotice is the state-change event payload.
type StateNotice struct {
	CameraID string          `json:"camera_id"`
	Kind     Kind            `json:"kind"`
	Old      protocols.State `json:"old"`
	New      protocols.State `json:"new"`
}

// BatchOperation is the outcome of a connect-many or disconnect-all.
// Individual failures land in Errors and never abort the batch.
type BatchOperation struct {
	OpID        string            `json:"op_id"`
	Results     map[string]bool   `json:"results"`
	Errors      map[string]string `json:"errors,omitempty"`
	SuccessRate float64           `json:"success_rate"`
}

func newBatch(opID string) BatchOperation {
	return BatchOperation{
		OpID:    opID,
		Results: make(map[string]bool),
		Errors:  make(map[string]string),
	}
}

// add records one camera's outcome.
func (b *BatchOperation) add(cameraID string, err error) {
	if err != nil {
		b.Results[cameraID] = false
		b.Errors[cameraID] = err.Error()
		return
	}
	b.Results[cameraID] = true
}

// finish computes the success rate.
func (b *BatchOperation) finish() {
	if len(b.Results) == 0 {
		return
	}
	ok := 0
	for _, v := range b.Results {
		if v {
			ok++
		}
	}
	b.SuccessRate = 100 * float64(ok) / float64(len(b.Results))
}

// ConnectionStats is a read-only snapshot of one connection.
type ConnectionStats struct {
	CameraID        string          `json:"camera_id"`
	Kind            Kind            `json:"kind"`
	State           protocols.State `json:"state"`
	Alive           bool            `json:"alive"`
	ConnectedAt     time.Time       `json:"connected_at,omitempty"`
	UptimeSeconds   float64         `json:"uptime_seconds"`
	ConnectAttempts uint64          `json:"connect_attempts"`
	Reconnects      uint64          `json:"reconnects"`
	HealthFailures  int             `json:"health_failures"`
	LastError       string          `json:"last_error,omitempty"`
}

// Metrics aggregates the orchestrator view.
type Metrics struct {
	ActiveConnections int            `json:"active_connections"`
	ActiveByProtocol  map[string]int `json:"active_by_protocol"`
	TotalCameras      int            `json:"total_cameras"`
	ConnectAttempts   uint64         `json:"connect_attempts"`
	FailedConnections uint64         `json:"failed_connections"`
	Reconnects        uint64         `json:"reconnects"`
	AvgResponseMS     float64        `json:"avg_response_ms"`
	UptimePercent     float64        `json:"uptime_percent"`
	LastUpdated       time.Time      `json:"last_updated"`
}
