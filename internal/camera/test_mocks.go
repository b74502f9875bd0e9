package camera

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/protocols"
)

// MockHandler scripts a protocol backend. Unset Func fields fall back
// to a well-behaved default so tests override only what they exercise.
type MockHandler struct {
	protocols.Base

	ConnectFunc  func(ctx context.Context) error
	TestFunc     func(ctx context.Context) bool
	SnapshotFunc func(ctx context.Context) ([]byte, error)
	StartFunc    func(ctx context.Context) error
	StopFunc     func(ctx context.Context) error

	// Payload is the default snapshot body.
	Payload []byte

	ConnectCalls atomic.Int32
	TestCalls    atomic.Int32
}

func (m *MockHandler) Connect(ctx context.Context) error {
	m.ConnectCalls.Add(1)
	if m.ConnectFunc != nil {
		if err := m.ConnectFunc(ctx); err != nil {
			m.Transition(protocols.StateError)
			return err
		}
		m.Transition(protocols.StateConnected)
		return nil
	}
	m.Transition(protocols.StateConnecting)
	m.Transition(protocols.StateConnected)
	return nil
}

func (m *MockHandler) Disconnect(ctx context.Context) error {
	m.Transition(protocols.StateDisconnected)
	return nil
}

func (m *MockHandler) TestConnection(ctx context.Context) bool {
	m.TestCalls.Add(1)
	if m.TestFunc != nil {
		return m.TestFunc(ctx)
	}
	return true
}

func (m *MockHandler) CaptureSnapshot(ctx context.Context) ([]byte, error) {
	if m.SnapshotFunc != nil {
		return m.SnapshotFunc(ctx)
	}
	if s := m.State(); s != protocols.StateConnected && s != protocols.StateStreaming {
		return nil, camerr.New(camerr.NotConnected, "mock.snapshot", "no session")
	}
	return m.Payload, nil
}

func (m *MockHandler) StartStreaming(ctx context.Context) error {
	if m.StartFunc != nil {
		return m.StartFunc(ctx)
	}
	if m.State() != protocols.StateConnected {
		return camerr.New(camerr.NotConnected, "mock.stream", "no session")
	}
	m.Transition(protocols.StateStreaming)
	return nil
}

func (m *MockHandler) StopStreaming(ctx context.Context) error {
	if m.StopFunc != nil {
		return m.StopFunc(ctx)
	}
	if m.State() == protocols.StateStreaming {
		m.Transition(protocols.StateConnected)
	}
	return nil
}

func (m *MockHandler) Capabilities() protocols.Capabilities {
	return protocols.Capabilities{
		Protocol:  "mock",
		Snapshot:  true,
		Streaming: true,
	}
}

// MockPTZHandler adds scripted PTZ control on top of MockHandler.
type MockPTZHandler struct {
	MockHandler

	PTZFunc func(ctx context.Context, action string, speed int) error

	mu      sync.Mutex
	Moves   []string
	Presets []int
}

func (m *MockPTZHandler) PTZ(ctx context.Context, action string, speed int) error {
	if m.PTZFunc != nil {
		return m.PTZFunc(ctx, action, speed)
	}
	m.mu.Lock()
	m.Moves = append(m.Moves, action)
	m.mu.Unlock()
	return nil
}

func (m *MockPTZHandler) SetPreset(ctx context.Context, id int) error {
	m.mu.Lock()
	m.Presets = append(m.Presets, id)
	m.mu.Unlock()
	return nil
}

func (m *MockPTZHandler) GotoPreset(ctx context.Context, id int) error {
	m.mu.Lock()
	m.Presets = append(m.Presets, id)
	m.mu.Unlock()
	return nil
}
