package protocols

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camfleet/camfleet/internal/camerr"
)

type fakeHandler struct {
	Base
	cfg Config
}

func (h *fakeHandler) Connect(context.Context) error                   { return nil }
func (h *fakeHandler) Disconnect(context.Context) error                { return nil }
func (h *fakeHandler) TestConnection(context.Context) bool             { return true }
func (h *fakeHandler) CaptureSnapshot(context.Context) ([]byte, error) { return nil, nil }
func (h *fakeHandler) StartStreaming(context.Context) error            { return nil }
func (h *fakeHandler) StopStreaming(context.Context) error             { return nil }
func (h *fakeHandler) Capabilities() Capabilities                      { return Capabilities{Protocol: "fake"} }

func init() {
	Register("fake", func(cfg Config) (Handler, error) {
		return &fakeHandler{cfg: cfg}, nil
	})
}

func TestRegistryBuildsRegisteredHandler(t *testing.T) {
	h, err := New("fake", Config{IP: "10.0.0.9"})
	require.NoError(t, err)
	assert.Equal(t, Type("fake"), h.Capabilities().Protocol)
	assert.Equal(t, StateDisconnected, h.State())
}

func TestRegistryRejectsUnknownType(t *testing.T) {
	_, err := New("bacnet", Config{})
	require.Error(t, err)
	assert.True(t, camerr.IsKind(err, camerr.Validation))
}

func TestRegistryNormalizesSynonyms(t *testing.T) {
	assert.Equal(t, TypeVendorHTTP, normalize("CGI"))
	assert.Equal(t, TypeVendorHTTP, normalize("vendorhttp"))
	assert.Equal(t, TypeRTSP, normalize("RTSP"))
	assert.Equal(t, TypeONVIF, normalize("Onvif"))
}

func TestBaseTransitionNotifiesListenerOnce(t *testing.T) {
	var b Base
	var seen [][2]State
	b.SetStateListener(func(old, new State) { seen = append(seen, [2]State{old, new}) })

	b.Transition(StateConnecting)
	b.Transition(StateConnecting) // self transition suppressed
	b.Transition(StateConnected)

	require.Len(t, seen, 2)
	assert.Equal(t, [2]State{StateDisconnected, StateConnecting}, seen[0])
	assert.Equal(t, [2]State{StateConnecting, StateConnected}, seen[1])
	assert.Equal(t, StateConnected, b.State())
}

func TestBaseEmitWithoutSinkIsSafe(t *testing.T) {
	var b Base
	b.Emit(Frame{Payload: []byte{1}}) // no sink installed

	var got []Frame
	b.SetFrameSink(func(f Frame) { got = append(got, f) })
	b.Emit(Frame{Payload: []byte{2}, Seq: 1})
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Seq)
}
