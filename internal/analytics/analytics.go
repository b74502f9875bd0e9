// Package analytics is the seam for an external analysis sidecar. The
// daemon does no in-process inference: it probes the sidecar's gRPC
// health endpoint and offers frame/metrics hooks that default to
// no-ops.
package analytics

import (
	"github.com/camfleet/camfleet/internal/events"
	"github.com/camfleet/camfleet/internal/stream"
)

// Hooks receives stream activity for external analysis. Implementations
// must be non-blocking; they run on bus dispatch goroutines.
type Hooks interface {
	// OnFrame is called per frame-update notice. Pixel data never
	// leaves the pipeline; this is bookkeeping only.
	OnFrame(n stream.FrameNotice)

	// OnMetrics is called per stream metrics sample.
	OnMetrics(m stream.Metrics)
}

// NopHooks discards everything. The default until a sidecar grows a
// real ingestion contract.
type NopHooks struct{}

func (NopHooks) OnFrame(stream.FrameNotice) {}
func (NopHooks) OnMetrics(stream.Metrics)   {}

// AttachHooks subscribes hooks to the bus's frame and metrics traffic.
// Returns the subscription for teardown.
func AttachHooks(bus *events.Bus, hooks Hooks) *events.Subscription {
	return bus.Subscribe("analytics-hooks", func(e events.Event) {
		switch e.Name {
		case events.FrameUpdate:
			if n, ok := e.Payload.(stream.FrameNotice); ok {
				hooks.OnFrame(n)
			}
		case events.StreamMetrics:
			if m, ok := e.Payload.(stream.Metrics); ok {
				hooks.OnMetrics(m)
			}
		}
	}, events.FrameUpdate, events.StreamMetrics)
}
