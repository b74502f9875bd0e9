package events

import (
	"sync"
	"time"
)

// MockSink records published events in arrival order. It backs package
// tests across the module: attach it to a bus, run the code under test,
// then assert on the recorded sequence.
type MockSink struct {
	mu     sync.Mutex
	events []Event
}

// NewMockSink returns an empty sink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

// Attach subscribes the sink to the bus under the given id for the
// given names ("*" or none = everything).
func (s *MockSink) Attach(bus *Bus, id string, names ...string) *Subscription {
	return bus.Subscribe(id, s.Record, names...)
}

// Record stores one event. It is the sink's subscriber callback.
func (s *MockSink) Record(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

// Events returns a copy of everything recorded so far, in order.
func (s *MockSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByName returns the recorded events with the given name, in order.
func (s *MockSink) ByName(name string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many events have been recorded.
func (s *MockSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Clear discards everything recorded so far.
func (s *MockSink) Clear() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

// WaitFor polls until at least n events with the given name arrived or
// the timeout elapsed. Returns the matching events.
func (s *MockSink) WaitFor(name string, n int, timeout time.Duration) []Event {
	deadline := time.Now().Add(timeout)
	for {
		got := s.ByName(name)
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}
