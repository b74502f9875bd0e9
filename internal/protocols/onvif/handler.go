package onvif

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/log"
	"github.com/camfleet/camfleet/internal/protocols"
	"github.com/camfleet/camfleet/internal/protocols/rtsp"
)

const (
	defaultPort = 80

	// altPort is the alternate device-service port some TP-Link models
	// listen on instead of 80. Probed first so those models are
	// detected deterministically.
	altPort = 2020
)

func init() {
	protocols.Register(protocols.TypeONVIF, func(cfg protocols.Config) (protocols.Handler, error) {
		return New(cfg)
	})
}

// Handler drives one camera over ONVIF. Device identity, media
// profiles and the resolved URIs are cached from Connect until
// Disconnect; streaming is delegated to an rtsp reader on the resolved
// stream URI.
type Handler struct {
	protocols.Base
	cfg    protocols.Config
	logger zerolog.Logger

	opMu sync.Mutex

	mu          sync.Mutex
	client      *soapClient
	device      DeviceInfo
	profiles    []MediaProfile
	mediaXAddr  string
	streamURI   string
	snapshotURI string
	altDetected bool
	reader      *rtsp.Handler

	snapClient *http.Client
}

// New builds a handler for one camera.
func New(cfg protocols.Config) (*Handler, error) {
	if cfg.IP == "" {
		return nil, camerr.New(camerr.Validation, "onvif.new", "camera ip required")
	}
	return &Handler{
		cfg:    cfg,
		logger: log.WithComponent("onvif").With().Str("camera_id", cfg.CameraID).Logger(),
		snapClient: &http.Client{
			Timeout: cfg.EffectiveTimeout(),
			Transport: &protocols.DigestTransport{
				Username: cfg.Username,
				Password: cfg.Password,
			},
		},
	}, nil
}

// Capabilities implements protocols.Handler.
func (h *Handler) Capabilities() protocols.Capabilities {
	return protocols.Capabilities{
		Protocol:  protocols.TypeONVIF,
		Snapshot:  true,
		Streaming: true,
		Codecs:    []string{"h264"},
	}
}

// Device returns the cached identity block.
func (h *Handler) Device() DeviceInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.device
}

// Profiles returns the cached media profiles.
func (h *Handler) Profiles() []MediaProfile {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]MediaProfile, len(h.profiles))
	copy(out, h.profiles)
	return out
}

// AltPortDetected reports whether the device answered on the alternate
// TP-Link port instead of the configured one.
func (h *Handler) AltPortDetected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.altDetected
}

// StreamURL returns the resolved RTSP URI with credentials injected.
func (h *Handler) StreamURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streamURI == "" {
		return ""
	}
	return rtsp.WithCredentials(h.streamURI, h.cfg)
}

func (h *Handler) endpointCandidates() []string {
	port := h.cfg.ONVIFPort
	if port == 0 {
		port = defaultPort
	}
	alt := fmt.Sprintf("http://%s:%d%s", h.cfg.IP, altPort, DevicePath)
	main := fmt.Sprintf("http://%s:%d%s", h.cfg.IP, port, DevicePath)
	if port == altPort {
		return []string{alt}
	}
	return []string{alt, main}
}

// Connect resolves the device endpoint, fetches identity and profiles,
// and caches the stream and snapshot URIs of the default profile.
func (h *Handler) Connect(ctx context.Context) error {
	const op = "onvif.connect"

	h.opMu.Lock()
	defer h.opMu.Unlock()

	if s := h.State(); s == protocols.StateConnected || s == protocols.StateStreaming {
		return nil
	}
	if !h.cfg.HasCredentials() && !h.cfg.AllowAnonymous {
		return camerr.New(camerr.Auth, op, "credentials required")
	}

	h.Transition(protocols.StateConnecting)
	timeout := h.cfg.EffectiveTimeout()

	var client *soapClient
	var altDetected bool
	var lastErr error
	for i, endpoint := range h.endpointCandidates() {
		c := newSOAPClient(endpoint, h.cfg.Username, h.cfg.Password, timeout)
		if err := c.GetSystemDateAndTime(ctx); err != nil {
			lastErr = err
			if camerr.IsKind(err, camerr.Cancelled) {
				h.Transition(protocols.StateDisconnected)
				return err
			}
			continue
		}
		client = c
		altDetected = i == 0 && len(h.endpointCandidates()) > 1
		break
	}
	if client == nil {
		h.Transition(protocols.StateError)
		if lastErr == nil {
			lastErr = camerr.New(camerr.Unreachable, op, "no onvif endpoint answered")
		}
		return lastErr
	}

	device, err := client.GetDeviceInformation(ctx)
	if err != nil {
		return h.failConnect(op, err)
	}

	mediaXAddr, err := client.GetCapabilities(ctx)
	if err != nil {
		// Not fatal: fall back to the device endpoint for media calls.
		h.logger.Debug().Err(err).Msg("capabilities unavailable, using device endpoint for media")
		mediaXAddr = ""
	}

	profiles, err := client.GetProfiles(ctx, mediaXAddr)
	if err != nil {
		return h.failConnect(op, err)
	}
	if len(profiles) == 0 {
		return h.failConnect(op, camerr.New(camerr.Protocol, op, "device has no media profiles"))
	}

	streamURI, err := client.GetStreamUri(ctx, mediaXAddr, profiles[0].Token)
	if err != nil {
		return h.failConnect(op, err)
	}

	snapshotURI, err := client.GetSnapshotUri(ctx, mediaXAddr, profiles[0].Token)
	if err != nil {
		h.logger.Debug().Err(err).Msg("snapshot uri unavailable")
		snapshotURI = ""
	}

	h.mu.Lock()
	h.client = client
	h.device = device
	h.profiles = profiles
	h.mediaXAddr = mediaXAddr
	h.streamURI = streamURI
	h.snapshotURI = snapshotURI
	h.altDetected = altDetected
	h.mu.Unlock()

	h.logger.Info().
		Str("manufacturer", device.Manufacturer).
		Str("model", device.Model).
		Int("profiles", len(profiles)).
		Bool("alt_port", altDetected).
		Msg("onvif session established")
	h.Transition(protocols.StateConnected)
	return nil
}

func (h *Handler) failConnect(op string, err error) error {
	if camerr.IsKind(err, camerr.Cancelled) {
		h.Transition(protocols.StateDisconnected)
		return err
	}
	h.Transition(protocols.StateError)
	return err
}

// Disconnect drops the cached session data. Best effort.
func (h *Handler) Disconnect(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.stopReader(ctx)

	h.mu.Lock()
	h.client = nil
	h.device = DeviceInfo{}
	h.profiles = nil
	h.mediaXAddr = ""
	h.streamURI = ""
	h.snapshotURI = ""
	h.mu.Unlock()

	h.Transition(protocols.StateDisconnected)
	return nil
}

// TestConnection probes the device service with GetSystemDateAndTime.
func (h *Handler) TestConnection(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()

	timeout := h.cfg.EffectiveTimeout()
	if client != nil {
		probe := newSOAPClient(client.endpoint, h.cfg.Username, h.cfg.Password, timeout)
		return probe.GetSystemDateAndTime(ctx) == nil
	}
	for _, endpoint := range h.endpointCandidates() {
		probe := newSOAPClient(endpoint, h.cfg.Username, h.cfg.Password, timeout)
		if probe.GetSystemDateAndTime(ctx) == nil {
			return true
		}
	}
	return false
}

// CaptureSnapshot fetches one JPEG from the resolved snapshot URI.
func (h *Handler) CaptureSnapshot(ctx context.Context) ([]byte, error) {
	const op = "onvif.snapshot"

	if s := h.State(); s != protocols.StateConnected && s != protocols.StateStreaming {
		return nil, camerr.New(camerr.NotConnected, op, "no active session")
	}
	h.mu.Lock()
	uri := h.snapshotURI
	h.mu.Unlock()
	if uri == "" {
		return nil, camerr.New(camerr.Protocol, op, "device exposes no snapshot uri")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, camerr.Wrap(camerr.Validation, op, "bad snapshot uri", err)
	}
	resp, err := h.snapClient.Do(req)
	if err != nil {
		kind := camerr.KindOf(err)
		if kind == "" {
			kind = camerr.Unreachable
		}
		return nil, camerr.Wrap(kind, op, "snapshot request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, camerr.New(camerr.Auth, op, "snapshot rejected credentials")
	default:
		return nil, camerr.New(camerr.Protocol, op, fmt.Sprintf("snapshot status %d", resp.StatusCode))
	}

	img, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, camerr.Wrap(camerr.Protocol, op, "snapshot read failed", err)
	}
	if !bytes.HasPrefix(img, []byte{0xFF, 0xD8}) {
		return nil, camerr.New(camerr.Protocol, op, "snapshot is not a jpeg")
	}
	return img, nil
}

// StartStreaming spins up an rtsp reader on the resolved stream URI
// and gates its frames into this handler's sink.
func (h *Handler) StartStreaming(ctx context.Context) error {
	const op = "onvif.start_streaming"

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

	h.mu.Lock()
	uri := h.streamURI
	h.mu.Unlock()
	if uri == "" {
		return camerr.New(camerr.Protocol, op, "no stream uri resolved")
	}

	reader, err := rtsp.NewWithURL(h.cfg, uri)
	if err != nil {
		return err
	}
	reader.SetFrameSink(func(f protocols.Frame) { h.Emit(f) })
	if err := reader.Connect(ctx); err != nil {
		return err
	}
	if err := reader.StartStreaming(ctx); err != nil {
		reader.Disconnect(ctx)
		return err
	}

	h.mu.Lock()
	h.reader = reader
	h.mu.Unlock()
	h.Transition(protocols.StateStreaming)
	return nil
}

// StopStreaming tears the rtsp reader down, back to Connected.
func (h *Handler) StopStreaming(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.stopReader(ctx)
	if h.State() == protocols.StateStreaming {
		h.Transition(protocols.StateConnected)
	}
	return nil
}

func (h *Handler) stopReader(ctx context.Context) {
	h.mu.Lock()
	reader := h.reader
	h.reader = nil
	h.mu.Unlock()
	if reader != nil {
		reader.StopStreaming(ctx)
		reader.Disconnect(ctx)
	}
}
