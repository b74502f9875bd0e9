package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/camfleet/camfleet/internal/events"
	"github.com/camfleet/camfleet/internal/log"
)

// StatusEvent is the analytics-status payload.
type StatusEvent struct {
	Endpoint  string `json:"endpoint"`
	Available bool   `json:"available"`
}

// ProberConfig tunes the sidecar health probe.
type ProberConfig struct {
	// Endpoint is the sidecar's gRPC address.
	Endpoint string

	// Interval between probes. Defaults to 30s.
	Interval time.Duration

	// Timeout per probe. Defaults to 3s.
	Timeout time.Duration
}

func (c *ProberConfig) fill() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
}

// Prober watches the analytics sidecar over grpc_health_v1 and
// publishes availability transitions on the bus.
type Prober struct {
	cfg    ProberConfig
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
	bus    *events.Bus
	logger zerolog.Logger

	available atomic.Bool
	resolved  atomic.Bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewProber dials the sidecar (lazily; gRPC connects on first call)
// and prepares the probe loop. bus may be nil.
func NewProber(cfg ProberConfig, bus *events.Bus) (*Prober, error) {
	cfg.fill()

	conn, err := grpc.NewClient(cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &Prober{
		cfg:    cfg,
		conn:   conn,
		health: grpc_health_v1.NewHealthClient(conn),
		bus:    bus,
		logger: log.WithComponent("analytics"),
	}, nil
}

// Start launches the probe loop: one probe immediately, then on the
// configured interval until Stop or ctx cancellation.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(ctx, p.stop, p.done)
}

// Stop halts the loop and closes the connection.
func (p *Prober) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	_ = p.conn.Close()
}

// Available reports the last observed sidecar state.
func (p *Prober) Available() bool { return p.available.Load() }

func (p *Prober) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	p.probe(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	up := err == nil && resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING

	prev := p.available.Swap(up)
	if p.resolved.Swap(true) && prev == up {
		return
	}

	if up {
		p.logger.Info().Str("endpoint", p.cfg.Endpoint).Msg("analytics sidecar available")
	} else {
		p.logger.Warn().Str("endpoint", p.cfg.Endpoint).Err(err).Msg("analytics sidecar unavailable")
	}
	if p.bus != nil {
		p.bus.Publish(events.New(events.AnalyticsStatus, StatusEvent{
			Endpoint:  p.cfg.Endpoint,
			Available: up,
		}))
	}
}
