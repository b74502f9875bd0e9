// Package events provides the in-process event bus that connects the
// orchestrator, stream pipelines and scan coordinator to their consumers
// (WebSocket feed, NATS forwarder, relay session tracking).
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event names published on the bus.
const (
	PresenterReady  = "presenter-ready"
	StateChange     = "state-change"
	StreamStatus    = "stream-status"
	FrameUpdate     = "frame-update"
	StreamMetrics   = "stream-metrics"
	StreamError     = "stream-error"
	ScanProgress    = "scan-progress"
	ScanCompleted   = "scan-completed"
	AnalyticsStatus = "analytics-status"
)

// Event is one bus message. CameraID and ScanID are set when the event
// concerns a specific camera or scan; Payload carries the typed body.
type Event struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	CameraID string    `json:"camera_id,omitempty"`
	ScanID   string    `json:"scan_id,omitempty"`
	At       time.Time `json:"at"`
	Payload  any       `json:"payload,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(name string, payload any) Event {
	return Event{
		ID:      uuid.New().String(),
		Name:    name,
		At:      time.Now().UTC(),
		Payload: payload,
	}
}

// ForCamera builds a camera-scoped event.
func ForCamera(name, cameraID string, payload any) Event {
	e := New(name, payload)
	e.CameraID = cameraID
	return e
}

// ForScan builds a scan-scoped event.
func ForScan(name, scanID string, payload any) Event {
	e := New(name, payload)
	e.ScanID = scanID
	return e
}
