// Package relay publishes camera streams to a MediaMTX relay: it
// provisions on-demand paths over the relay's HTTP API, mints
// short-lived read tokens for its auth hook, and tracks viewer
// sessions in Redis.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/log"
)

var (
	// ErrSuspended is returned while relay publishing is tripped after
	// consecutive API failures. A successful health check clears it.
	ErrSuspended = errors.New("relay suspended after consecutive failures")

	// ErrPathNotFound is returned when the relay has no such path.
	ErrPathNotFound = errors.New("relay path not found")
)

const defaultFailureTrip = 5

// ClientConfig tunes the MediaMTX API client.
type ClientConfig struct {
	// BaseURL is the relay's API root, e.g. http://127.0.0.1:9997.
	BaseURL string

	// RequestTimeout bounds each API call. Defaults to 5s.
	RequestTimeout time.Duration

	// FailureTrip is the number of consecutive API failures after
	// which publishing is suspended. Defaults to 5; <=0 uses the
	// default, so suspension cannot be configured away by accident.
	FailureTrip int
}

// Client talks to the MediaMTX control API (v3). Path mutations go
// through a consecutive-failure gate: after FailureTrip failures in a
// row every call short-circuits with ErrSuspended until Healthy
// succeeds again.
type Client struct {
	baseURL string
	httpc   *http.Client
	trip    int
	logger  zerolog.Logger

	mu        sync.Mutex
	failures  int
	suspended bool
}

// NewClient builds a client for the relay API at cfg.BaseURL.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	trip := cfg.FailureTrip
	if trip <= 0 {
		trip = defaultFailureTrip
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpc:   &http.Client{Timeout: timeout},
		trip:    trip,
		logger:  log.WithComponent("relay"),
	}
}

// PathConfig is the subset of a MediaMTX path configuration we
// provision. SourceOnDemand keeps the relay from pulling the camera
// until a viewer shows up.
type PathConfig struct {
	Source         string `json:"source"`
	SourceOnDemand bool   `json:"sourceOnDemand"`
}

// PathStatus is the runtime state of one relay path.
type PathStatus struct {
	Name    string   `json:"name"`
	Ready   bool     `json:"ready"`
	Tracks  []string `json:"tracks"`
	Readers []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"readers"`
	BytesReceived int64 `json:"bytesReceived"`
}

// AddPath provisions name with the given source URL. Re-adding an
// existing name is treated as success so republish is idempotent.
func (c *Client) AddPath(ctx context.Context, name, source string) error {
	body := PathConfig{Source: source, SourceOnDemand: true}
	err := c.do(ctx, http.MethodPost, "/v3/config/paths/add/"+name, body, nil)
	if err != nil && isAlreadyExists(err) {
		return nil
	}
	return err
}

// RemovePath drops the path configuration. A missing path is success.
func (c *Client) RemovePath(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/v3/config/paths/delete/"+name, nil, nil)
	if errors.Is(err, ErrPathNotFound) {
		return nil
	}
	return err
}

// PathStatus reads the runtime state of one path.
func (c *Client) PathStatus(ctx context.Context, name string) (*PathStatus, error) {
	var st PathStatus
	if err := c.do(ctx, http.MethodGet, "/v3/paths/get/"+name, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Healthy probes the relay's global config endpoint. It bypasses the
// suspension gate; a success resets the failure counter and lifts the
// suspension.
func (c *Client) Healthy(ctx context.Context) error {
	err := c.request(ctx, http.MethodGet, "/v3/config/global/get", nil, nil)
	c.account(err)
	return err
}

// Suspended reports whether publishing is currently tripped.
func (c *Client) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

// do runs one gated API call: suspended clients fail fast, and every
// outcome feeds the consecutive-failure counter.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.Suspended() {
		return ErrSuspended
	}
	err := c.request(ctx, method, path, body, out)
	c.account(err)
	return err
}

func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	if resp.StatusCode >= 400 {
		b := make([]byte, 512)
		n, _ := resp.Body.Read(b)
		return fmt.Errorf("relay api: status=%d body=%s", resp.StatusCode, bytes.TrimSpace(b[:n]))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// account updates the consecutive-failure state after one API call.
// Context cancellation is the caller's doing, not the relay's, and
// does not count against it.
func (c *Client) account(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil || errors.Is(err, ErrPathNotFound) {
		c.failures = 0
		if c.suspended {
			c.suspended = false
			c.logger.Info().Msg("relay publishing resumed")
		}
		return
	}

	c.failures++
	if !c.suspended && c.failures >= c.trip {
		c.suspended = true
		c.logger.Warn().Int("failures", c.failures).Msg("relay publishing suspended")
	}
}

func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}
