package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/camfleet/camfleet/internal/events"
	"github.com/camfleet/camfleet/internal/log"
)

const (
	feedWriteWait  = 5 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 30 * time.Second
	feedQueueSize  = 256
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventFeed streams bus events to WebSocket clients. Each connection
// gets its own subscription; a client that cannot keep up loses events
// rather than stalling the bus.
type EventFeed struct {
	Bus *events.Bus
}

func NewEventFeed(bus *events.Bus) *EventFeed {
	return &EventFeed{Bus: bus}
}

// GET /api/v1/events/ws?names=scan-progress,stream-status
// Without a names filter the feed carries every event.
func (f *EventFeed) Serve(w http.ResponseWriter, r *http.Request) {
	names := splitNames(r.URL.Query().Get("names"))

	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		return
	}
	defer conn.Close()

	logger := log.WithContext(r.Context(), log.WithComponent("api"))

	queue := make(chan events.Event, feedQueueSize)
	sub := f.Bus.Subscribe("ws-"+uuid.NewString(), func(e events.Event) {
		select {
		case queue <- e:
		default:
			// Slow client: drop rather than stall the dispatcher.
		}
	}, names...)
	defer sub.Unsubscribe()

	// Read side only consumes control frames and detects disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(feedPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case e := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				logger.Debug().Err(err).Msg("event feed write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// splitNames parses a comma-separated filter list; empty means all.
func splitNames(raw string) []string {
	if raw == "" {
		return nil
	}
	var names []string
	for _, n := range strings.Split(raw, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}
