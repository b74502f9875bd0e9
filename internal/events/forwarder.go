package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/log"
)

// DefaultSubjectPrefix is the NATS subject root for mirrored events.
const DefaultSubjectPrefix = "camfleet.events"

// Publisher is the slice of the NATS connection the forwarder needs.
// *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Forwarder mirrors bus events onto NATS subjects. Event names become
// subject tokens (dashes turn into dots): stream-status is published on
// <prefix>.stream.status. Publish failures are retried with a linear
// backoff and dropped after maxRetries; the bus is never blocked.
type Forwarder struct {
	conn       Publisher
	prefix     string
	maxRetries int
	sub        *Subscription
	logger     zerolog.Logger
}

// NewForwarder wires a forwarder to the given connection. A nil conn
// builds a disabled forwarder whose Attach is a no-op, so callers do
// not have to special-case a missing NATS URL.
func NewForwarder(conn Publisher, prefix string, maxRetries int) *Forwarder {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Forwarder{
		conn:       conn,
		prefix:     prefix,
		maxRetries: maxRetries,
		logger:     log.WithComponent("forwarder"),
	}
}

// Enabled reports whether a connection is configured.
func (f *Forwarder) Enabled() bool { return f != nil && f.conn != nil }

// Attach subscribes the forwarder to every bus event.
func (f *Forwarder) Attach(bus *Bus) {
	if !f.Enabled() {
		return
	}
	f.sub = bus.Subscribe("nats-forwarder", f.forward, "*")
}

// Detach unsubscribes from the bus.
func (f *Forwarder) Detach() {
	if f.sub != nil {
		f.sub.Unsubscribe()
		f.sub = nil
	}
}

func (f *Forwarder) forward(e Event) {
	if err := f.publish(e); err != nil {
		f.logger.Warn().Err(err).Str("event", e.Name).Msg("event dropped")
	}
}

func (f *Forwarder) publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subject := f.SubjectFor(e.Name)
	for i := 0; i <= f.maxRetries; i++ {
		err = f.conn.Publish(subject, data)
		if err == nil {
			return nil
		}

		// Backoff
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}

	return fmt.Errorf("publish failed after %d retries: %w", f.maxRetries, err)
}

// SubjectFor maps an event name onto its NATS subject.
func (f *Forwarder) SubjectFor(name string) string {
	return f.prefix + "." + strings.ReplaceAll(name, "-", ".")
}
