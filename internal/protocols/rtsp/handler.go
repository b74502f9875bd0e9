// Package rtsp implements the RTSP protocol backend on top of
// gortsplib. It owns the vendor URL-profile table and the packet
// reading loop that feeds decoded frames into the pipeline sink.
package rtsp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/log"
	"github.com/camfleet/camfleet/internal/protocols"
)

// maxDecodeErrors escalates the session to Error after this many
// consecutive undecodable packets.
const maxDecodeErrors = 30

const (
	codecH264    = "h264"
	codecMJPEG   = "mjpeg"
	codecUnknown = "raw"
)

func init() {
	protocols.Register(protocols.TypeRTSP, func(cfg protocols.Config) (protocols.Handler, error) {
		return New(cfg)
	})
}

// Properties describes the negotiated session.
type Properties struct {
	Codec      string `json:"codec"`
	MediaCount int    `json:"media_count"`
	Profile    string `json:"profile"`
}

// Handler drives one camera over RTSP.
type Handler struct {
	protocols.Base
	cfg      protocols.Config
	profiles []Profile
	logger   zerolog.Logger

	// opMu serializes connect/disconnect/switch sequences.
	opMu sync.Mutex

	mu     sync.Mutex
	client *gortsplib.Client
	active Profile
	props  Properties

	streaming  atomic.Bool
	seq        atomic.Uint64
	decodeErrs atomic.Uint32
	lastFrame  atomic.Pointer[protocols.Frame]
}

// New builds a handler using the brand URL-profile table.
func New(cfg protocols.Config) (*Handler, error) {
	if cfg.IP == "" {
		return nil, camerr.New(camerr.Validation, "rtsp.new", "camera ip required")
	}
	return &Handler{
		cfg:      cfg,
		profiles: orderProfiles(profilesFor(cfg), cfg.SubStream),
		logger: log.WithComponent("rtsp").With().
			Str("camera_id", cfg.CameraID).Logger(),
	}, nil
}

// NewWithURL builds a handler that reads from one explicit RTSP URL
// instead of the brand table. The onvif backend uses this once it has
// resolved a stream URI.
func NewWithURL(cfg protocols.Config, rawURL string) (*Handler, error) {
	if rawURL == "" {
		return nil, camerr.New(camerr.Validation, "rtsp.new", "empty stream uri")
	}
	h, err := New(cfg)
	if err != nil {
		return nil, err
	}
	h.profiles = []Profile{{Key: "resolved", URL: WithCredentials(rawURL, cfg), Desc: "resolved stream uri"}}
	return h, nil
}

// Profiles returns the candidate endpoints in trial order.
func (h *Handler) Profiles() []Profile {
	out := make([]Profile, len(h.profiles))
	copy(out, h.profiles)
	return out
}

// Properties returns the negotiated session descriptor.
func (h *Handler) Properties() Properties {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.props
}

// StreamURL returns the URL of the active session, or the first
// candidate before a session exists. Credentials are included so the
// relay can use it as a pull source.
func (h *Handler) StreamURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active.URL != "" {
		return h.active.URL
	}
	return h.profiles[0].URL
}

// Capabilities implements protocols.Handler.
func (h *Handler) Capabilities() protocols.Capabilities {
	return protocols.Capabilities{
		Protocol:  protocols.TypeRTSP,
		Streaming: true,
		Codecs:    []string{codecH264, codecMJPEG},
	}
}

// Connect tries each profile URL in order until a session produces a
// frame. Auth failures stop the trial: the same credentials fail on
// every path.
func (h *Handler) Connect(ctx context.Context) error {
	const op = "rtsp.connect"

	h.opMu.Lock()
	defer h.opMu.Unlock()

	if s := h.State(); s == protocols.StateConnected || s == protocols.StateStreaming {
		return nil
	}
	if !h.cfg.HasCredentials() && !h.cfg.AllowAnonymous {
		return camerr.New(camerr.Auth, op, "credentials required")
	}

	h.Transition(protocols.StateConnecting)

	var lastErr error
	for _, p := range h.profiles {
		if ctx.Err() != nil {
			h.Transition(protocols.StateDisconnected)
			return camerr.Wrap(camerr.Cancelled, op, "connect cancelled", ctx.Err())
		}
		err := h.dial(ctx, p)
		if err == nil {
			h.logger.Info().Str("profile", p.Key).Msg("rtsp session established")
			h.Transition(protocols.StateConnected)
			return nil
		}
		if camerr.IsKind(err, camerr.Cancelled) {
			h.Transition(protocols.StateDisconnected)
			return err
		}
		lastErr = err
		h.logger.Debug().Err(err).Str("profile", p.Key).Msg("profile failed")
		if camerr.IsKind(err, camerr.Auth) {
			break
		}
	}

	h.Transition(protocols.StateError)
	if lastErr == nil {
		lastErr = camerr.New(camerr.Unreachable, op, "no rtsp endpoint answered")
	}
	return lastErr
}

// dial establishes one session on the given profile and waits for the
// first decodable frame before declaring success.
func (h *Handler) dial(ctx context.Context, p Profile) error {
	const op = "rtsp.dial"

	u, err := base.ParseURL(p.URL)
	if err != nil {
		return camerr.Wrap(camerr.Validation, op, "bad rtsp url", err)
	}

	timeout := h.cfg.EffectiveTimeout()
	c := &gortsplib.Client{
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		OnPacketLost: func(err error) {
			h.logger.Debug().Err(err).Msg("rtp packet lost")
		},
		OnTransportSwitch: func(err error) {
			h.logger.Debug().Err(err).Msg("transport switch")
		},
		OnDecodeError: func(err error) {
			h.noteDecodeError(err)
		},
	}
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return camerr.Wrap(camerr.Unreachable, op, "tcp dial failed", err)
	}
	adopted := false
	defer func() {
		if !adopted {
			c.Close()
		}
	}()

	desc, _, err := c.Describe(u)
	if err != nil {
		return classify(op, "describe failed", err)
	}

	medi, forma, decode, codec, err := h.pickTrack(desc)
	if err != nil {
		return err
	}

	if _, err := c.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return classify(op, "setup failed", err)
	}

	firstFrame := make(chan struct{})
	var confirm sync.Once
	c.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		payload, ok := decode(pkt)
		if !ok {
			return
		}
		h.decodeErrs.Store(0)
		confirm.Do(func() { close(firstFrame) })
		h.deliver(payload)
	})

	if _, err := c.Play(nil); err != nil {
		return classify(op, "play failed", err)
	}

	select {
	case <-firstFrame:
	case <-time.After(timeout):
		return camerr.New(camerr.Timeout, op, "no frame within timeout")
	case <-ctx.Done():
		return camerr.Wrap(camerr.Cancelled, op, "connect cancelled", ctx.Err())
	}

	h.mu.Lock()
	if h.client != nil {
		h.client.Close()
	}
	h.client = c
	h.active = p
	h.props = Properties{Codec: codec, MediaCount: len(desc.Medias), Profile: p.Key}
	h.mu.Unlock()
	adopted = true
	return nil
}

// pickTrack selects the media track and builds its decoder. H264 is
// preferred, MJPEG second, any remaining format is passed through raw.
func (h *Handler) pickTrack(desc *description.Session) (*description.Media, format.Format, func(*rtp.Packet) ([]byte, bool), string, error) {
	const op = "rtsp.describe"

	var h264f *format.H264
	if medi := desc.FindFormat(&h264f); medi != nil {
		dec, err := h264f.CreateDecoder()
		if err != nil {
			return nil, nil, nil, "", camerr.Wrap(camerr.Protocol, op, "h264 decoder init failed", err)
		}
		sawIDR := false
		decode := func(pkt *rtp.Packet) ([]byte, bool) {
			au, err := dec.Decode(pkt)
			if err != nil {
				if !errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) &&
					!errors.Is(err, rtph264.ErrMorePacketsNeeded) {
					h.noteDecodeError(err)
				}
				return nil, false
			}
			if !sawIDR {
				if !h264.IDRPresent(au) {
					return nil, false
				}
				sawIDR = true
			}
			return annexB(au), true
		}
		return medi, h264f, decode, codecH264, nil
	}

	var mjpegf *format.MJPEG
	if medi := desc.FindFormat(&mjpegf); medi != nil {
		dec, err := mjpegf.CreateDecoder()
		if err != nil {
			return nil, nil, nil, "", camerr.Wrap(camerr.Protocol, op, "mjpeg decoder init failed", err)
		}
		decode := func(pkt *rtp.Packet) ([]byte, bool) {
			img, err := dec.Decode(pkt)
			if err != nil {
				return nil, false
			}
			return img, true
		}
		return medi, mjpegf, decode, codecMJPEG, nil
	}

	if len(desc.Medias) == 0 || len(desc.Medias[0].Formats) == 0 {
		return nil, nil, nil, "", camerr.New(camerr.Protocol, op, "no media tracks in session description")
	}
	medi := desc.Medias[0]
	forma := medi.Formats[0]
	decode := func(pkt *rtp.Packet) ([]byte, bool) {
		if len(pkt.Payload) == 0 {
			return nil, false
		}
		cp := make([]byte, len(pkt.Payload))
		copy(cp, pkt.Payload)
		return cp, true
	}
	return medi, forma, decode, strings.ToLower(forma.Codec()), nil
}

func (h *Handler) deliver(payload []byte) {
	f := protocols.Frame{
		Payload:    payload,
		ReceivedAt: time.Now(),
		Seq:        h.seq.Add(1),
	}
	h.lastFrame.Store(&f)
	if !h.streaming.Load() {
		return
	}
	h.Emit(f)
}

func (h *Handler) noteDecodeError(err error) {
	n := h.decodeErrs.Add(1)
	if n == maxDecodeErrors {
		h.logger.Warn().Err(err).Uint32("consecutive", n).Msg("decode failures exceeded limit")
		h.Transition(protocols.StateError)
	}
}

// Disconnect closes the session. Best effort: always succeeds.
func (h *Handler) Disconnect(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.streaming.Store(false)
	h.mu.Lock()
	c := h.client
	h.client = nil
	h.active = Profile{}
	h.props = Properties{}
	h.mu.Unlock()
	if c != nil {
		c.Close()
	}
	h.lastFrame.Store(nil)
	h.Transition(protocols.StateDisconnected)
	return nil
}

// TestConnection probes the camera with a fresh OPTIONS exchange. The
// probe never touches the established session.
func (h *Handler) TestConnection(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	target := h.profiles[0].URL
	h.mu.Lock()
	if h.active.URL != "" {
		target = h.active.URL
	}
	h.mu.Unlock()

	u, err := base.ParseURL(target)
	if err != nil {
		return false
	}
	timeout := h.cfg.EffectiveTimeout()
	c := &gortsplib.Client{ReadTimeout: timeout, WriteTimeout: timeout}
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return false
	}
	defer c.Close()
	_, err = c.Options(u)
	return err == nil
}

// CaptureSnapshot returns the most recent frame when the negotiated
// codec is MJPEG; H264 sessions cannot produce a JPEG without
// transcoding, which this backend does not do.
func (h *Handler) CaptureSnapshot(ctx context.Context) ([]byte, error) {
	const op = "rtsp.snapshot"

	if s := h.State(); s != protocols.StateConnected && s != protocols.StateStreaming {
		return nil, camerr.New(camerr.NotConnected, op, "no active session")
	}
	h.mu.Lock()
	codec := h.props.Codec
	h.mu.Unlock()
	if codec != codecMJPEG {
		return nil, camerr.New(camerr.Protocol, op,
			"snapshot requires an mjpeg session; use the onvif or vendor_http backend")
	}

	deadline := time.Now().Add(h.cfg.EffectiveTimeout())
	for {
		if f := h.lastFrame.Load(); f != nil {
			cp := make([]byte, len(f.Payload))
			copy(cp, f.Payload)
			return cp, nil
		}
		if ctx.Err() != nil {
			return nil, camerr.Wrap(camerr.Cancelled, op, "snapshot cancelled", ctx.Err())
		}
		if time.Now().After(deadline) {
			return nil, camerr.New(camerr.Timeout, op, "no frame buffered")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// StartStreaming opens the sink gate. The packet callback is already
// running; frames flow to the sink from here on.
func (h *Handler) StartStreaming(ctx context.Context) error {
	const op = "rtsp.start_streaming"

	if s := h.State(); s != protocols.StateConnected && s != protocols.StateStreaming {
		return camerr.New(camerr.NotConnected, op, "no active session")
	}
	if h.Sink() == nil {
		return camerr.New(camerr.Validation, op, "frame sink not set")
	}
	h.streaming.Store(true)
	h.Transition(protocols.StateStreaming)
	return nil
}

// StopStreaming closes the sink gate, back to Connected.
func (h *Handler) StopStreaming(ctx context.Context) error {
	h.streaming.Store(false)
	if h.State() == protocols.StateStreaming {
		h.Transition(protocols.StateConnected)
	}
	return nil
}

// SwitchStreamQuality tears the session down and re-establishes it on
// the named profile, preserving the streaming flag.
func (h *Handler) SwitchStreamQuality(ctx context.Context, profileKey string) error {
	const op = "rtsp.switch_quality"

	h.opMu.Lock()
	defer h.opMu.Unlock()

	var target *Profile
	for i := range h.profiles {
		if h.profiles[i].Key == profileKey {
			target = &h.profiles[i]
			break
		}
	}
	if target == nil {
		return camerr.New(camerr.Validation, op, "unknown profile "+profileKey)
	}
	if s := h.State(); s != protocols.StateConnected && s != protocols.StateStreaming {
		return camerr.New(camerr.NotConnected, op, "no active session")
	}

	wasStreaming := h.streaming.Load()
	h.streaming.Store(false)

	h.mu.Lock()
	old := h.client
	h.client = nil
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if err := h.dial(ctx, *target); err != nil {
		h.Transition(protocols.StateError)
		return err
	}

	h.streaming.Store(wasStreaming)
	if wasStreaming {
		h.Transition(protocols.StateStreaming)
	} else {
		h.Transition(protocols.StateConnected)
	}
	h.logger.Info().Str("profile", profileKey).Bool("streaming", wasStreaming).Msg("stream quality switched")
	return nil
}

// annexB joins the NAL units of one access unit with start codes.
func annexB(au [][]byte) []byte {
	n := 0
	for _, nalu := range au {
		n += 4 + len(nalu)
	}
	buf := make([]byte, 0, n)
	for _, nalu := range au {
		buf = append(buf, 0x00, 0x00, 0x00, 0x01)
		buf = append(buf, nalu...)
	}
	return buf
}

// classify maps transport errors onto the taxonomy. gortsplib does not
// expose typed status errors, so the 401 check is textual.
func classify(op, msg string, err error) error {
	if kind := camerr.KindOf(err); kind != "" {
		return camerr.Wrap(kind, op, msg, err)
	}
	es := strings.ToLower(err.Error())
	switch {
	case strings.Contains(es, "401") || strings.Contains(es, "unauthorized") ||
		strings.Contains(es, "authentication"):
		return camerr.Wrap(camerr.Auth, op, msg, err)
	case strings.Contains(es, "refused") || strings.Contains(es, "no route") ||
		strings.Contains(es, "unreachable"):
		return camerr.Wrap(camerr.Unreachable, op, msg, err)
	case strings.Contains(es, "timeout") || strings.Contains(es, "deadline"):
		return camerr.Wrap(camerr.Timeout, op, msg, err)
	default:
		return camerr.Wrap(camerr.Protocol, op, msg, err)
	}
}
