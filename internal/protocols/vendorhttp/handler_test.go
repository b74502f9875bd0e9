package vendorhttp

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/protocols"
)

var jpegFrame = []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

// cgiDevice emulates the Amcrest/Dahua CGI surface behind digest auth.
type cgiDevice struct {
	t        *testing.T
	username string
	password string
	nonce    string
	srv      *httptest.Server

	// mjpegParts bounds the part stream; 0 streams until the client
	// goes away.
	mjpegParts int

	mu      sync.Mutex
	ptzHits []string
}

func newCGIDevice(t *testing.T, username, password string) *cgiDevice {
	t.Helper()
	d := &cgiDevice{t: t, username: username, password: password, nonce: "cafebabe"}
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/magicBox.cgi", d.protect(d.handleMagicBox))
	mux.HandleFunc("/cgi-bin/snapshot.cgi", d.protect(d.handleSnapshot))
	mux.HandleFunc("/cgi-bin/ptz.cgi", d.protect(d.handlePTZ))
	mux.HandleFunc("/cgi-bin/mjpg/video.cgi", d.protect(d.handleMJPEG))
	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

func (d *cgiDevice) config() protocols.Config {
	u, err := url.Parse(d.srv.URL)
	require.NoError(d.t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(d.t, err)
	return protocols.Config{
		CameraID: "cam-cgi",
		IP:       u.Hostname(),
		HTTPPort: port,
		Username: d.username,
		Password: d.password,
		Timeout:  2 * time.Second,
	}
}

func md5sum(s string) string {
	h := md5.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

func authParams(header string) map[string]string {
	out := map[string]string{}
	for _, kv := range strings.Split(strings.TrimPrefix(header, "Digest "), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok {
			continue
		}
		out[k] = strings.Trim(v, `"`)
	}
	return out
}

// protect wraps a handler in an RFC 2617 digest check, verifying the
// full response hash.
func (d *cgiDevice) protect(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Digest realm="Login to device", nonce=%q, qop="auth"`, d.nonce))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p := authParams(auth)
		ha1 := md5sum(d.username + ":" + p["realm"] + ":" + d.password)
		ha2 := md5sum(r.Method + ":" + p["uri"])
		want := md5sum(strings.Join([]string{ha1, d.nonce, p["nc"], p["cnonce"], "auth", ha2}, ":"))
		if p["username"] != d.username || p["uri"] != r.URL.RequestURI() || p["response"] != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (d *cgiDevice) handleMagicBox(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "getDeviceType":
		fmt.Fprint(w, "type=IPC-HDW4431C-A\r\n")
	case "getSerialNo":
		fmt.Fprint(w, "sn=4C0FFEE12345\r\n")
	case "getSoftwareVersion":
		fmt.Fprint(w, "version=2.800.0000016.0.R\r\n")
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (d *cgiDevice) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpegFrame)
}

func (d *cgiDevice) handlePTZ(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	d.ptzHits = append(d.ptzHits, r.URL.RequestURI())
	d.mu.Unlock()
	fmt.Fprint(w, "OK")
}

func (d *cgiDevice) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	require.True(d.t, ok)

	const boundary = "myboundary"
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.WriteHeader(http.StatusOK)

	mw := newPartWriter(w, boundary)
	for i := 0; d.mjpegParts == 0 || i < d.mjpegParts; i++ {
		if r.Context().Err() != nil {
			return
		}
		if err := mw.writePart(jpegFrame); err != nil {
			return
		}
		fl.Flush()
		time.Sleep(5 * time.Millisecond)
	}
}

func (d *cgiDevice) ptzRequests() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.ptzHits))
	copy(out, d.ptzHits)
	return out
}

// partWriter emits multipart/x-mixed-replace parts by hand so each is
// flushed as one frame.
type partWriter struct {
	w        http.ResponseWriter
	boundary string
}

func newPartWriter(w http.ResponseWriter, boundary string) *partWriter {
	return &partWriter{w: w, boundary: boundary}
}

func (p *partWriter) writePart(payload []byte) error {
	var sb strings.Builder
	sb.WriteString("--" + p.boundary + "\r\n")
	sb.WriteString(textproto.CanonicalMIMEHeaderKey("content-type") + ": image/jpeg\r\n")
	fmt.Fprintf(&sb, "Content-Length: %d\r\n\r\n", len(payload))
	if _, err := p.w.Write([]byte(sb.String())); err != nil {
		return err
	}
	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	_, err := p.w.Write([]byte("\r\n"))
	return err
}

func connected(t *testing.T, d *cgiDevice) *Handler {
	t.Helper()
	h, err := New(d.config())
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
	return h
}

func TestConnectProbesIdentity(t *testing.T) {
	d := newCGIDevice(t, "admin", "secret")
	h := connected(t, d)

	assert.Equal(t, protocols.StateConnected, h.State())
	id := h.Identity()
	assert.Equal(t, "IPC-HDW4431C-A", id.DeviceType)
	assert.Equal(t, "4C0FFEE12345", id.SerialNumber)
	assert.Equal(t, "2.800.0000016.0.R", id.SoftwareVersion)
}

func TestConnectRequiresCredentials(t *testing.T) {
	h, err := New(protocols.Config{IP: "192.0.2.9"})
	require.NoError(t, err)
	err = h.Connect(context.Background())
	assert.True(t, camerr.IsKind(err, camerr.Auth))
	assert.Equal(t, protocols.StateDisconnected, h.State())
}

func TestConnectWrongPassword(t *testing.T) {
	d := newCGIDevice(t, "admin", "right")
	cfg := d.config()
	cfg.Password = "wrong"
	h, err := New(cfg)
	require.NoError(t, err)

	err = h.Connect(context.Background())
	assert.True(t, camerr.IsKind(err, camerr.Auth), "got %v", err)
	assert.Equal(t, protocols.StateError, h.State())
}

func TestPTZLeftWireShape(t *testing.T) {
	d := newCGIDevice(t, "admin", "secret")
	h := connected(t, d)

	require.NoError(t, h.PTZ(context.Background(), "left", 4))

	hits := d.ptzRequests()
	require.Len(t, hits, 1, "expected exactly one authorized ptz request")
	assert.Equal(t, "/cgi-bin/ptz.cgi?action=start&code=Left&channel=0&arg1=0&arg2=4&arg3=0", hits[0])
}

func TestPTZStopTargetsLastMove(t *testing.T) {
	d := newCGIDevice(t, "admin", "secret")
	h := connected(t, d)

	require.NoError(t, h.PTZ(context.Background(), "up", 2))
	require.NoError(t, h.PTZ(context.Background(), "stop", 0))
	// Nothing moving: stop is a no-op.
	require.NoError(t, h.PTZ(context.Background(), "stop", 0))

	hits := d.ptzRequests()
	require.Len(t, hits, 2)
	assert.Equal(t, "/cgi-bin/ptz.cgi?action=start&code=Up&channel=0&arg1=0&arg2=2&arg3=0", hits[0])
	assert.Equal(t, "/cgi-bin/ptz.cgi?action=stop&code=Up&channel=0&arg1=0&arg2=0&arg3=0", hits[1])
}

func TestPTZValidation(t *testing.T) {
	d := newCGIDevice(t, "admin", "secret")
	h := connected(t, d)

	err := h.PTZ(context.Background(), "spin", 4)
	assert.True(t, camerr.IsKind(err, camerr.Validation))

	err = h.PTZ(context.Background(), "left", 9)
	assert.True(t, camerr.IsKind(err, camerr.Validation))

	// Zero speed falls back to the default.
	require.NoError(t, h.PTZ(context.Background(), "right", 0))
	hits := d.ptzRequests()
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0], "arg2=4")

	cold, err := New(d.config())
	require.NoError(t, err)
	err = cold.PTZ(context.Background(), "left", 4)
	assert.True(t, camerr.IsKind(err, camerr.NotConnected))
}

func TestPresets(t *testing.T) {
	d := newCGIDevice(t, "admin", "secret")
	h := connected(t, d)

	assert.True(t, camerr.IsKind(h.SetPreset(context.Background(), 0), camerr.Validation))
	assert.True(t, camerr.IsKind(h.SetPreset(context.Background(), 256), camerr.Validation))

	require.NoError(t, h.SetPreset(context.Background(), 7))
	require.NoError(t, h.GotoPreset(context.Background(), 7))

	hits := d.ptzRequests()
	require.Len(t, hits, 2)
	assert.Equal(t, "/cgi-bin/ptz.cgi?action=start&code=SetPreset&channel=0&arg1=0&arg2=7&arg3=0", hits[0])
	assert.Equal(t, "/cgi-bin/ptz.cgi?action=start&code=GotoPreset&channel=0&arg1=0&arg2=7&arg3=0", hits[1])
}

func TestCaptureSnapshot(t *testing.T) {
	d := newCGIDevice(t, "admin", "secret")
	h := connected(t, d)

	img, err := h.CaptureSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jpegFrame, img)

	cold, err := New(d.config())
	require.NoError(t, err)
	_, err = cold.CaptureSnapshot(context.Background())
	assert.True(t, camerr.IsKind(err, camerr.NotConnected))
}

func TestStartStreamingDeliversParts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := newCGIDevice(t, "admin", "secret")
	defer d.srv.Close()
	h := connected(t, d)

	var mu sync.Mutex
	var frames []protocols.Frame
	h.SetFrameSink(func(f protocols.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})

	require.NoError(t, h.StartStreaming(context.Background()))
	assert.Equal(t, protocols.StateStreaming, h.State())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.StopStreaming(context.Background()))
	assert.Equal(t, protocols.StateConnected, h.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, jpegFrame, frames[0].Payload)
	assert.Less(t, frames[0].Seq, frames[1].Seq)
}

func TestStreamEndEscalatesToError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := newCGIDevice(t, "admin", "secret")
	defer d.srv.Close()
	d.mjpegParts = 2
	h := connected(t, d)
	h.SetFrameSink(func(protocols.Frame) {})

	require.NoError(t, h.StartStreaming(context.Background()))
	require.Eventually(t, func() bool {
		return h.State() == protocols.StateError
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.StopStreaming(context.Background()))
}

func TestStartStreamingRequiresSinkAndSession(t *testing.T) {
	d := newCGIDevice(t, "admin", "secret")

	cold, err := New(d.config())
	require.NoError(t, err)
	err = cold.StartStreaming(context.Background())
	assert.True(t, camerr.IsKind(err, camerr.NotConnected))

	h := connected(t, d)
	err = h.StartStreaming(context.Background())
	assert.True(t, camerr.IsKind(err, camerr.Validation))
}

func TestStreamURLShape(t *testing.T) {
	h, err := New(protocols.Config{IP: "10.0.0.4", Username: "a", Password: "b", Channel: 1, SubStream: 1})
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.4:80/cgi-bin/mjpg/video.cgi?channel=1&subtype=1", h.StreamURL())
}

func TestParseKV(t *testing.T) {
	body := []byte("sn=ABC\r\ntype=IPC\r\nversion=1.0\r\n")
	assert.Equal(t, "ABC", parseKV(body, "sn"))
	assert.Equal(t, "IPC", parseKV(body, "TYPE"))
	assert.Equal(t, "", parseKV(body, "missing"))
}
