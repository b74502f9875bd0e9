// Package vendorhttp drives Amcrest/Dahua-family cameras over their
// CGI surface: digest-authenticated identity probes, JPEG snapshots,
// an MJPEG part stream and PTZ control.
package vendorhttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/log"
	"github.com/camfleet/camfleet/internal/protocols"
)

const (
	defaultPort = 80

	// maxFrameBytes bounds one MJPEG part; anything bigger is not a
	// frame from a camera.
	maxFrameBytes = 8 << 20

	defaultPTZSpeed = 4
)

// ptzCodes maps the uniform action names onto the CGI code table.
var ptzCodes = map[string]string{
	"up":       "Up",
	"down":     "Down",
	"left":     "Left",
	"right":    "Right",
	"zoom_in":  "ZoomTele",
	"zoom_out": "ZoomWide",
}

func init() {
	protocols.Register(protocols.TypeVendorHTTP, func(cfg protocols.Config) (protocols.Handler, error) {
		return New(cfg)
	})
}

// Identity is what the magicBox probes return.
type Identity struct {
	DeviceType      string `json:"device_type"`
	SerialNumber    string `json:"serial_number"`
	SoftwareVersion string `json:"software_version"`
}

// Handler drives one camera over the vendor CGI endpoints. Digest
// credentials are mandatory; the camera family refuses Basic auth.
type Handler struct {
	protocols.Base
	cfg     protocols.Config
	baseURL string
	logger  zerolog.Logger

	// httpc carries a deadline for one-shot CGI calls. streamc has no
	// client timeout because it reads an unbounded MJPEG body.
	httpc   *http.Client
	streamc *http.Client

	opMu sync.Mutex

	mu       sync.Mutex
	identity Identity
	lastCode string
	cancel   context.CancelFunc
	done     chan struct{}

	seq atomic.Uint64
}

// New builds a handler for one camera.
func New(cfg protocols.Config) (*Handler, error) {
	if cfg.IP == "" {
		return nil, camerr.New(camerr.Validation, "vendorhttp.new", "camera ip required")
	}
	port := cfg.HTTPPort
	if port == 0 {
		port = defaultPort
	}
	transport := &protocols.DigestTransport{Username: cfg.Username, Password: cfg.Password}
	return &Handler{
		cfg:     cfg,
		baseURL: fmt.Sprintf("http://%s:%d", cfg.IP, port),
		logger:  log.WithComponent("vendorhttp").With().Str("camera_id", cfg.CameraID).Logger(),
		httpc:   &http.Client{Timeout: cfg.EffectiveTimeout(), Transport: transport},
		streamc: &http.Client{Transport: transport},
	}, nil
}

// Capabilities implements protocols.Handler.
func (h *Handler) Capabilities() protocols.Capabilities {
	return protocols.Capabilities{
		Protocol:  protocols.TypeVendorHTTP,
		Snapshot:  true,
		Streaming: true,
		PTZ:       true,
		Presets:   true,
		Codecs:    []string{"mjpeg"},
	}
}

// Identity returns the cached magicBox identity.
func (h *Handler) Identity() Identity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity
}

// StreamURL returns the MJPEG endpoint. The scheme tells consumers
// this is not an RTSP source.
func (h *Handler) StreamURL() string {
	return fmt.Sprintf("%s/cgi-bin/mjpg/video.cgi?channel=%d&subtype=%d",
		h.baseURL, h.cfg.Channel, h.cfg.SubStream)
}

// Connect probes the magicBox identity endpoints and caches the
// result. Digest credentials are required up front.
func (h *Handler) Connect(ctx context.Context) error {
	const op = "vendorhttp.connect"

	h.opMu.Lock()
	defer h.opMu.Unlock()

	if s := h.State(); s == protocols.StateConnected || s == protocols.StateStreaming {
		return nil
	}
	if !h.cfg.HasCredentials() {
		return camerr.New(camerr.Auth, op, "digest credentials required")
	}

	h.Transition(protocols.StateConnecting)

	deviceType, err := h.magicBox(ctx, "getDeviceType", "type")
	if err != nil {
		if camerr.IsKind(err, camerr.Cancelled) {
			h.Transition(protocols.StateDisconnected)
		} else {
			h.Transition(protocols.StateError)
		}
		return err
	}

	// Identity extras are best effort; some firmware hides them.
	serial, err := h.magicBox(ctx, "getSerialNo", "sn")
	if err != nil {
		h.logger.Debug().Err(err).Msg("serial probe failed")
	}
	version, err := h.magicBox(ctx, "getSoftwareVersion", "version")
	if err != nil {
		h.logger.Debug().Err(err).Msg("version probe failed")
	}

	h.mu.Lock()
	h.identity = Identity{DeviceType: deviceType, SerialNumber: serial, SoftwareVersion: version}
	h.mu.Unlock()

	h.logger.Info().Str("device_type", deviceType).Str("serial", serial).Msg("cgi session established")
	h.Transition(protocols.StateConnected)
	return nil
}

// Disconnect stops any MJPEG reader and drops the cached identity.
func (h *Handler) Disconnect(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.stopReader()
	h.mu.Lock()
	h.identity = Identity{}
	h.lastCode = ""
	h.mu.Unlock()

	h.Transition(protocols.StateDisconnected)
	return nil
}

// TestConnection probes getDeviceType without touching handler state.
func (h *Handler) TestConnection(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	_, err := h.magicBox(ctx, "getDeviceType", "type")
	return err == nil
}

// CaptureSnapshot fetches one JPEG from snapshot.cgi.
func (h *Handler) CaptureSnapshot(ctx context.Context) ([]byte, error) {
	const op = "vendorhttp.snapshot"

	if s := h.State(); s != protocols.StateConnected && s != protocols.StateStreaming {
		return nil, camerr.New(camerr.NotConnected, op, "no active session")
	}

	url := fmt.Sprintf("%s/cgi-bin/snapshot.cgi?channel=%d", h.baseURL, h.cfg.Channel)
	body, err := h.get(ctx, op, url)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(body, []byte{0xFF, 0xD8}) {
		return nil, camerr.New(camerr.Protocol, op, "snapshot is not a jpeg")
	}
	return body, nil
}

// StartStreaming opens the MJPEG endpoint and feeds each part to the
// sink until StopStreaming or a read failure.
func (h *Handler) StartStreaming(ctx context.Context) error {
	const op = "vendorhttp.start_streaming"

	h.opMu.Lock()
	defer h.opMu.Unlock()

	if h.State() == protocols.StateStreaming {
		return nil
	}
	if h.State() != protocols.StateConnected {
		return camerr.New(camerr.NotConnected, op, "no active session")
	}
	if h.Sink() == nil {
		return camerr.New(camerr.Validation, op, "frame sink not set")
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, h.StreamURL(), nil)
	if err != nil {
		cancel()
		return camerr.Wrap(camerr.Validation, op, "bad stream url", err)
	}
	resp, err := h.streamc.Do(req)
	if err != nil {
		cancel()
		return camerr.Wrap(h.transportKind(err), op, "mjpeg request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		if resp.StatusCode == http.StatusUnauthorized {
			return camerr.New(camerr.Auth, op, "mjpeg endpoint rejected credentials")
		}
		return camerr.New(camerr.Protocol, op, fmt.Sprintf("mjpeg status %d", resp.StatusCode))
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return camerr.New(camerr.Protocol, op, "endpoint did not return an mjpeg part stream")
	}

	done := make(chan struct{})
	h.mu.Lock()
	h.cancel = cancel
	h.done = done
	h.mu.Unlock()

	go h.readParts(streamCtx, resp, params["boundary"], done)

	h.Transition(protocols.StateStreaming)
	return nil
}

// StopStreaming tears the MJPEG reader down, back to Connected.
func (h *Handler) StopStreaming(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.stopReader()
	if h.State() == protocols.StateStreaming {
		h.Transition(protocols.StateConnected)
	}
	return nil
}

func (h *Handler) stopReader() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (h *Handler) readParts(ctx context.Context, resp *http.Response, boundary string, done chan struct{}) {
	defer close(done)
	defer resp.Body.Close()

	mr := multipart.NewReader(resp.Body, boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn().Err(err).Msg("mjpeg stream ended")
			h.Transition(protocols.StateError)
			return
		}
		payload, err := io.ReadAll(io.LimitReader(part, maxFrameBytes))
		part.Close()
		if err != nil || len(payload) == 0 {
			continue
		}
		h.Emit(protocols.Frame{
			Payload:    payload,
			ReceivedAt: time.Now(),
			Seq:        h.seq.Add(1),
		})
	}
}

// PTZ issues one move or stop command. Moves remember their code so a
// later stop targets the motion in progress; stop with nothing moving
// is a no-op.
func (h *Handler) PTZ(ctx context.Context, action string, speed int) error {
	const op = "vendorhttp.ptz"

	if s := h.State(); s != protocols.StateConnected && s != protocols.StateStreaming {
		return camerr.New(camerr.NotConnected, op, "no active session")
	}

	action = strings.ToLower(strings.TrimSpace(action))
	if action == "stop" {
		h.mu.Lock()
		code := h.lastCode
		h.lastCode = ""
		h.mu.Unlock()
		if code == "" {
			return nil
		}
		return h.ptzCommand(ctx, op, "stop", code, 0)
	}

	code, ok := ptzCodes[action]
	if !ok {
		return camerr.New(camerr.Validation, op, "unknown ptz action "+action)
	}
	if speed == 0 {
		speed = defaultPTZSpeed
	}
	if speed < 1 || speed > 8 {
		return camerr.New(camerr.Validation, op, fmt.Sprintf("speed %d out of range 1..8", speed))
	}

	if err := h.ptzCommand(ctx, op, "start", code, speed); err != nil {
		return err
	}
	h.mu.Lock()
	h.lastCode = code
	h.mu.Unlock()
	return nil
}

// SetPreset stores the current position under the preset id.
func (h *Handler) SetPreset(ctx context.Context, id int) error {
	return h.presetCommand(ctx, "vendorhttp.set_preset", "SetPreset", id)
}

// GotoPreset moves the camera to a stored preset.
func (h *Handler) GotoPreset(ctx context.Context, id int) error {
	return h.presetCommand(ctx, "vendorhttp.goto_preset", "GotoPreset", id)
}

func (h *Handler) presetCommand(ctx context.Context, op, code string, id int) error {
	if s := h.State(); s != protocols.StateConnected && s != protocols.StateStreaming {
		return camerr.New(camerr.NotConnected, op, "no active session")
	}
	if id < 1 || id > 255 {
		return camerr.New(camerr.Validation, op, fmt.Sprintf("preset id %d out of range 1..255", id))
	}
	return h.ptzCommand(ctx, op, "start", code, id)
}

// ptzCommand builds the CGI query by hand: the device expects the
// parameters in exactly this order.
func (h *Handler) ptzCommand(ctx context.Context, op, action, code string, arg2 int) error {
	url := fmt.Sprintf("%s/cgi-bin/ptz.cgi?action=%s&code=%s&channel=%d&arg1=0&arg2=%d&arg3=0",
		h.baseURL, action, code, h.cfg.Channel, arg2)
	_, err := h.get(ctx, op, url)
	return err
}

// magicBox runs one identity probe and returns the value for key from
// the key=value response body.
func (h *Handler) magicBox(ctx context.Context, action, key string) (string, error) {
	op := "vendorhttp." + action
	url := fmt.Sprintf("%s/cgi-bin/magicBox.cgi?action=%s", h.baseURL, action)
	body, err := h.get(ctx, op, url)
	if err != nil {
		return "", err
	}
	value := parseKV(body, key)
	if value == "" {
		return "", camerr.New(camerr.Protocol, op, "response missing "+key)
	}
	return value, nil
}

func (h *Handler) get(ctx context.Context, op, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, camerr.Wrap(camerr.Validation, op, "bad url", err)
	}
	resp, err := h.httpc.Do(req)
	if err != nil {
		return nil, camerr.Wrap(h.transportKind(err), op, "request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, camerr.New(camerr.Auth, op, "device rejected credentials")
	default:
		return nil, camerr.New(camerr.Protocol, op, fmt.Sprintf("device status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, camerr.Wrap(camerr.Protocol, op, "read failed", err)
	}
	return body, nil
}

func (h *Handler) transportKind(err error) camerr.Kind {
	if kind := camerr.KindOf(err); kind != "" {
		return kind
	}
	return camerr.Unreachable
}

// parseKV pulls one value out of the line-oriented key=value body the
// magicBox endpoints return.
func parseKV(body []byte, key string) string {
	for _, line := range strings.Split(string(body), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
