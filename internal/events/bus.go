package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/camfleet/camfleet/internal/log"
)

const (
	// DefaultQueueSize bounds each subscriber's pending-event queue.
	DefaultQueueSize = 64

	// DefaultFrameInterval caps frame-update emission at roughly 30 Hz
	// per camera.
	DefaultFrameInterval = 33 * time.Millisecond
)

// Bus is a typed publish/subscribe hub. Each subscriber gets its own
// bounded queue drained by its own goroutine, so a slow callback delays
// or drops events for that subscriber only. Events keep FIFO order per
// subscriber. frame-update events are rate limited per camera before
// fan-out; all other names pass through unthrottled.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	queueSize     int
	frameInterval time.Duration
	throttled     atomic.Uint64

	logger zerolog.Logger
}

// Option tweaks bus construction.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithFrameInterval sets the minimum gap between frame-update events
// for one camera.
func WithFrameInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.frameInterval = d
		}
	}
}

// NewBus builds an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:          make(map[string]*subscription),
		limiters:      make(map[string]*rate.Limiter),
		queueSize:     DefaultQueueSize,
		frameInterval: DefaultFrameInterval,
		logger:        log.WithComponent("events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type subscription struct {
	id      string
	names   map[string]struct{} // empty = all names
	ch      chan Event
	fn      func(Event)
	dropped atomic.Uint64
}

func (s *subscription) wants(name string) bool {
	if len(s.names) == 0 {
		return true
	}
	_, ok := s.names[name]
	return ok
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	ID  string
	bus *Bus
	sub *subscription
}

// Dropped reports how many events were discarded because this
// subscriber's queue was full.
func (s *Subscription) Dropped() uint64 { return s.sub.dropped.Load() }

// Unsubscribe removes the subscriber and stops its dispatch goroutine.
func (s *Subscription) Unsubscribe() { s.bus.unsubscribe(s.ID) }

// Subscribe registers fn for the given event names ("*" or no names
// subscribes to everything). The callback runs on a dedicated goroutine;
// panics inside it are caught and logged.
func (b *Bus) Subscribe(id string, fn func(Event), names ...string) *Subscription {
	filter := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "*" {
			filter = map[string]struct{}{}
			break
		}
		filter[n] = struct{}{}
	}

	sub := &subscription{
		id:    id,
		names: filter,
		ch:    make(chan Event, b.queueSize),
		fn:    fn,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &Subscription{ID: id, bus: b, sub: sub}
	}
	if old, ok := b.subs[id]; ok {
		close(old.ch)
	}
	b.subs[id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(sub)

	return &Subscription{ID: id, bus: b, sub: sub}
}

func (b *Bus) dispatch(sub *subscription) {
	defer b.wg.Done()
	for e := range sub.ch {
		b.invoke(sub, e)
	}
}

func (b *Bus) invoke(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("subscriber", sub.id).
				Str("event", e.Name).
				Interface("panic", r).
				Msg("subscriber panicked")
		}
	}()
	sub.fn(e)
}

// Publish fans the event out to every matching subscriber. It never
// blocks: a subscriber whose queue is full loses the event and its drop
// counter is incremented. frame-update events exceeding the per-camera
// rate are discarded before fan-out. The returned bool reports whether
// the event was delivered to the fan-out stage (false = throttled or
// bus closed).
func (b *Bus) Publish(e Event) bool {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	if e.Name == FrameUpdate && !b.allowFrame(e.CameraID) {
		b.throttled.Add(1)
		return false
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return false
	}
	for _, sub := range b.subs {
		if !sub.wants(e.Name) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
	b.mu.RUnlock()
	return true
}

func (b *Bus) allowFrame(cameraID string) bool {
	b.limiterMu.Lock()
	lim, ok := b.limiters[cameraID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(b.frameInterval), 1)
		b.limiters[cameraID] = lim
	}
	b.limiterMu.Unlock()
	return lim.Allow()
}

// Throttled reports how many frame-update events the per-camera rate
// limit discarded.
func (b *Bus) Throttled() uint64 { return b.throttled.Load() }

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Close stops fan-out, closes every subscriber queue and waits for the
// dispatch goroutines to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
