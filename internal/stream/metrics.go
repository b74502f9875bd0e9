package stream

import (
	"math"
	"sync"
	"time"
)

// Metrics is one snapshot of a pipeline, produced every metrics
// interval and on demand.
type Metrics struct {
	CameraID        string            `json:"camera_id"`
	Status          Status            `json:"status"`
	CurrentFPS      float64           `json:"current_fps"`
	AverageFPS      float64           `json:"average_fps"`
	TargetFPS       float64           `json:"target_fps"`
	AvgLatencyMS    float64           `json:"avg_latency_ms"`
	BandwidthKBps   float64           `json:"bandwidth_kbps"`
	TotalFrames     uint64            `json:"total_frames"`
	DroppedFrames   uint64            `json:"dropped_frames"`
	DeliveredFrames uint64            `json:"delivered_frames"`
	Subscribers     int               `json:"subscribers"`
	SubscriberDrops map[string]uint64 `json:"subscriber_drops,omitempty"`
	ErrorCount      uint64            `json:"error_count"`
	HealthScore     float64           `json:"health_score"`
	UptimeSeconds   float64           `json:"uptime_seconds"`
	LastFrameAt     time.Time         `json:"last_frame_at"`
}

// window keeps the last n samples for a moving average.
type window struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
}

func newWindow(n int) *window {
	if n < 1 {
		n = 1
	}
	return &window{samples: make([]float64, n)}
}

func (w *window) add(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = v
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

func (w *window) avg() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += w.samples[i]
	}
	return sum / float64(n)
}

// healthScore folds the current window into one 0..100 number. FPS
// shortfall costs up to 30 points; ring drops, errors and latency up
// to 20 each.
func healthScore(targetFPS, avgFPS, dropRatePct float64, errorCount uint64, avgLatencyMS float64) float64 {
	score := 100.0
	score -= math.Max(0, math.Min(30, 2*(targetFPS-avgFPS)))
	score -= math.Min(20, 2*dropRatePct)
	score -= math.Min(20, 5*float64(errorCount))
	score -= math.Min(20, math.Max(0, (avgLatencyMS-200)/10))
	if score < 0 {
		return 0
	}
	return score
}
