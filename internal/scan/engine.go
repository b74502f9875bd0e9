package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/camfleet/camfleet/internal/log"
)

// EngineConfig tunes probe behavior.
type EngineConfig struct {
	ProbeTimeout    time.Duration // per-probe dial/read budget
	Concurrency     int           // simultaneous probes per job
	DiscoveryWindow time.Duration // WS-Discovery collection window
}

func (c *EngineConfig) fill() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 64
	}
	if c.DiscoveryWindow <= 0 {
		c.DiscoveryWindow = 3 * time.Second
	}
}

// ProgressFunc receives job progress: overall fraction, cameras found
// so far, and a phase message.
type ProgressFunc func(fraction float64, found int, message string)

// Engine runs one scan job's probe phases. It is stateless across jobs
// and safe for concurrent Run calls.
type Engine struct {
	cfg      EngineConfig
	logger   zerolog.Logger
	client   *http.Client
	discover discoverFunc
}

type discoverFunc func(ctx context.Context, window time.Duration) ([]Endpoint, error)

func NewEngine(cfg EngineConfig) *Engine {
	cfg.fill()
	return &Engine{
		cfg:    cfg,
		logger: log.WithComponent("scan.engine"),
		client: &http.Client{
			Timeout: cfg.ProbeTimeout,
			// Probes classify hosts; a redirect target is not the host
			// under test.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		discover: wsDiscover,
	}
}

// pingPorts are the reachability canaries: a TCP SYN answered on any of
// them, even with a refusal, proves the host is up.
var pingPorts = []int{554, 80, 443}

// Run executes the selected methods in canonical order and returns the
// merged result. On cancellation the partial result is returned with
// ctx's error; in-flight probes are abandoned by their own timeouts.
func (e *Engine) Run(ctx context.Context, scanID string, r Range, methods []Method, report ProgressFunc) (*Result, error) {
	if report == nil {
		report = func(float64, int, string) {}
	}
	methods = normalizeMethods(methods)
	started := time.Now()

	res := &Result{
		ScanID:    scanID,
		Range:     r,
		Methods:   methods,
		StartedAt: started,
	}

	hosts := r.Hosts()
	state := newRunState(hosts)

	for i, method := range methods {
		if ctx.Err() != nil {
			break
		}
		phase := phaseReporter(report, state, i, len(methods))
		var err error
		switch method {
		case MethodPingSweep:
			err = e.pingSweep(ctx, state, phase)
		case MethodPortScan:
			err = e.portScan(ctx, state, r.EffectivePorts(), phase)
		case MethodProtocolDetect:
			err = e.protocolDetect(ctx, state, phase)
		case MethodONVIFDiscovery:
			err = e.onvifDiscovery(ctx, state, phase)
		default:
			e.logger.Warn().Str("method", string(method)).Msg("unknown scan method skipped")
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn().Str("scan_id", scanID).Str("method", string(method)).Err(err).Msg("scan phase error")
		}
	}

	res.Hosts, res.Cameras = state.collect()
	res.CamerasFound = len(res.Cameras)
	res.Duration = time.Since(started)
	report(1.0, res.CamerasFound, "scan complete")
	return res, ctx.Err()
}

// normalizeMethods dedupes and restores canonical phase order.
func normalizeMethods(methods []Method) []Method {
	if len(methods) == 0 {
		return DefaultMethods()
	}
	want := map[Method]bool{}
	for _, m := range methods {
		want[m] = true
	}
	var out []Method
	for _, m := range DefaultMethods() {
		if want[m] {
			out = append(out, m)
		}
	}
	return out
}

// runState accumulates per-host verdicts across phases.
type runState struct {
	mu      sync.Mutex
	order   []string // submission order for deterministic output
	hosts   map[string]*HostResult
	pinged  bool
	scanned bool
}

func newRunState(hosts []string) *runState {
	s := &runState{hosts: make(map[string]*HostResult, len(hosts))}
	for _, ip := range hosts {
		s.order = append(s.order, ip)
		s.hosts[ip] = &HostResult{IP: ip, ProbedAt: time.Now()}
	}
	return s
}

func (s *runState) get(ip string) *HostResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[ip]
	if !ok {
		h = &HostResult{IP: ip, ProbedAt: time.Now()}
		s.hosts[ip] = h
		s.order = append(s.order, ip)
	}
	return h
}

// candidates returns hosts worth probing in later phases: alive ones
// after a ping sweep, everything otherwise.
func (s *runState) candidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ip := range s.order {
		if !s.pinged || s.hosts[ip].Alive {
			out = append(out, ip)
		}
	}
	return out
}

func (s *runState) update(ip string, fn func(*HostResult)) {
	h := s.get(ip)
	s.mu.Lock()
	fn(h)
	h.ProbedAt = time.Now()
	s.mu.Unlock()
}

func (s *runState) found() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.hosts {
		if h.IsCamera {
			n++
		}
	}
	return n
}

// collect orders hosts by address and splits out camera candidates.
func (s *runState) collect() (all, cameras []HostResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ips := append([]string(nil), s.order...)
	sort.Slice(ips, func(i, j int) bool {
		a, errA := netip.ParseAddr(ips[i])
		b, errB := netip.ParseAddr(ips[j])
		if errA != nil || errB != nil {
			return ips[i] < ips[j]
		}
		return a.Less(b)
	})
	for _, ip := range ips {
		h := *s.hosts[ip]
		sort.Ints(h.OpenPorts)
		all = append(all, h)
		if h.IsCamera {
			cameras = append(cameras, h)
		}
	}
	return all, cameras
}

// phaseReporter scales per-phase progress into the overall fraction.
func phaseReporter(report ProgressFunc, state *runState, phase, phases int) ProgressFunc {
	return func(fraction float64, _ int, message string) {
		overall := (float64(phase) + fraction) / float64(phases)
		report(overall, state.found(), message)
	}
}

// --- ping sweep ---

func (e *Engine) pingSweep(ctx context.Context, state *runState, report ProgressFunc) error {
	hosts := state.candidates()
	total := len(hosts)
	if total == 0 {
		report(1, 0, "ping sweep: empty range")
		return nil
	}
	report(0, 0, fmt.Sprintf("ping sweep: %d hosts", total))

	var done int64
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, ip := range hosts {
		ip := ip
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			alive := e.hostAlive(ctx, ip)
			state.update(ip, func(h *HostResult) { h.Alive = alive })
			mu.Lock()
			done++
			frac := float64(done) / float64(total)
			mu.Unlock()
			report(frac, 0, "ping sweep")
			return nil
		})
	}
	err := g.Wait()
	state.mu.Lock()
	state.pinged = true
	state.mu.Unlock()
	return err
}

// hostAlive dials the canary ports; an open port or an active refusal
// both count as reachable.
func (e *Engine) hostAlive(ctx context.Context, ip string) bool {
	d := net.Dialer{Timeout: e.cfg.ProbeTimeout}
	for _, port := range pingPorts {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
		if err == nil {
			conn.Close()
			return true
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

// --- port scan ---

func (e *Engine) portScan(ctx context.Context, state *runState, ports []int, report ProgressFunc) error {
	hosts := state.candidates()
	total := len(hosts) * len(ports)
	if total == 0 {
		report(1, 0, "port scan: nothing to probe")
		return nil
	}
	report(0, 0, fmt.Sprintf("port scan: %d probes", total))

	var done int64
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, ip := range hosts {
		for _, port := range ports {
			ip, port := ip, port
			g.Go(func() error {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d := net.Dialer{Timeout: e.cfg.ProbeTimeout}
				conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
				if err == nil {
					conn.Close()
					state.update(ip, func(h *HostResult) {
						h.Alive = true
						h.OpenPorts = append(h.OpenPorts, port)
					})
				}
				mu.Lock()
				done++
				frac := float64(done) / float64(total)
				mu.Unlock()
				report(frac, 0, "port scan")
				return nil
			})
		}
	}
	err := g.Wait()
	state.mu.Lock()
	state.scanned = true
	state.mu.Unlock()
	return err
}

// --- protocol detection ---

func (e *Engine) protocolDetect(ctx context.Context, state *runState, report ProgressFunc) error {
	hosts := state.candidates()
	total := len(hosts)
	if total == 0 {
		report(1, 0, "protocol detect: nothing to probe")
		return nil
	}
	report(0, 0, fmt.Sprintf("protocol detect: %d hosts", total))

	var done int64
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, ip := range hosts {
		ip := ip
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.classifyHost(ctx, state, ip)
			mu.Lock()
			done++
			frac := float64(done) / float64(total)
			mu.Unlock()
			report(frac, 0, "protocol detect")
			return nil
		})
	}
	return g.Wait()
}

// classifyHost runs the lightweight protocol probes against one host,
// constrained to its known-open ports when a port scan ran first.
func (e *Engine) classifyHost(ctx context.Context, state *runState, ip string) {
	open := e.portsToProbe(state, ip)

	for _, port := range open.rtsp {
		if ok, server := e.probeRTSP(ctx, ip, port); ok {
			state.update(ip, func(h *HostResult) {
				h.Alive = true
				h.IsCamera = true
				h.Protocols = appendUnique(h.Protocols, "rtsp")
				if h.Brand == "" {
					h.Brand = brandFromHint(server)
				}
				setDetail(h, "rtsp_port", strconv.Itoa(port))
				if server != "" {
					setDetail(h, "rtsp_server", server)
				}
			})
			break
		}
	}

	for _, port := range open.web {
		if ctx.Err() != nil {
			return
		}
		if ok := e.probeONVIF(ctx, ip, port); ok {
			state.update(ip, func(h *HostResult) {
				h.Alive = true
				h.IsCamera = true
				h.Protocols = appendUnique(h.Protocols, "onvif")
				setDetail(h, "onvif_port", strconv.Itoa(port))
			})
			break
		}
	}

	for _, port := range open.web {
		if ctx.Err() != nil {
			return
		}
		if brand, model, ok := e.probeVendorCGI(ctx, ip, port); ok {
			state.update(ip, func(h *HostResult) {
				h.Alive = true
				h.IsCamera = true
				h.Protocols = appendUnique(h.Protocols, "vendor-http")
				if h.Brand == "" {
					h.Brand = brand
				}
				if h.Model == "" {
					h.Model = model
				}
				setDetail(h, "cgi_port", strconv.Itoa(port))
			})
			break
		}
	}

	for _, port := range open.web {
		if ctx.Err() != nil {
			return
		}
		if brand, ok := e.probeHTTP(ctx, ip, port); ok {
			state.update(ip, func(h *HostResult) {
				h.Alive = true
				h.IsCamera = true
				h.Protocols = appendUnique(h.Protocols, "http")
				if h.Brand == "" {
					h.Brand = brand
				}
				setDetail(h, "http_port", strconv.Itoa(port))
			})
			break
		}
	}
}

type probePorts struct {
	rtsp []int
	web  []int
}

// portsToProbe splits a host's candidate ports by probe family. Without
// a prior port scan the defaults are assumed open.
func (e *Engine) portsToProbe(state *runState, ip string) probePorts {
	state.mu.Lock()
	h := state.hosts[ip]
	open := append([]int(nil), h.OpenPorts...)
	scanned := state.scanned
	state.mu.Unlock()

	if !scanned && len(open) == 0 {
		open = append([]int(nil), DefaultCameraPorts...)
	}

	var pp probePorts
	for _, port := range open {
		switch port {
		case 554, 5543, 8554:
			pp.rtsp = append(pp.rtsp, port)
		default:
			pp.web = append(pp.web, port)
		}
	}
	return pp
}

// probeRTSP performs a bare OPTIONS handshake and reports the Server
// header when one is present. No session is left behind.
func (e *Engine) probeRTSP(ctx context.Context, ip string, port int) (bool, string) {
	d := net.Dialer{Timeout: e.cfg.ProbeTimeout}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, ""
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(e.cfg.ProbeTimeout))
	fmt.Fprintf(conn, "OPTIONS rtsp://%s RTSP/1.0\r\nCSeq: 1\r\nUser-Agent: camfleet\r\n\r\n", addr)

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return false, ""
	}
	reply := string(buf[:n])
	if !strings.HasPrefix(reply, "RTSP/1.0") {
		return false, ""
	}
	return true, headerValue(reply, "Server")
}

const onvifProbeBody = `<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
  <s:Body>
    <tds:GetSystemDateAndTime xmlns:tds="http://www.onvif.org/ver10/device/wsdl"/>
  </s:Body>
</s:Envelope>`

// probeONVIF posts GetSystemDateAndTime, the one device-service call
// every conformant endpoint answers without credentials.
func (e *Engine) probeONVIF(ctx context.Context, ip string, port int) bool {
	url := fmt.Sprintf("http://%s/onvif/device_service", net.JoinHostPort(ip, strconv.Itoa(port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(onvifProbeBody))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	return strings.Contains(string(body), "Envelope")
}

// probeVendorCGI checks the Amcrest/Dahua CGI surface. Both an open
// answer and a digest challenge identify the family.
func (e *Engine) probeVendorCGI(ctx context.Context, ip string, port int) (brand, model string, ok bool) {
	url := fmt.Sprintf("http://%s/cgi-bin/magicBox.cgi?action=getDeviceType", net.JoinHostPort(ip, strconv.Itoa(port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", "", false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if t, found := strings.CutPrefix(strings.TrimSpace(string(body)), "type="); found {
			return "dahua", t, true
		}
		return "", "", false
	case http.StatusUnauthorized:
		// The endpoint exists and wants digest auth; that alone places
		// the device in the family.
		challenge := resp.Header.Get("WWW-Authenticate")
		if strings.HasPrefix(challenge, "Digest") {
			return brandFromHint(challenge), "", true
		}
		return "", "", false
	default:
		return "", "", false
	}
}

// probeHTTP fingerprints the landing page; succeeds only when a known
// camera brand shows in the headers or body.
func (e *Engine) probeHTTP(ctx context.Context, ip string, port int) (string, bool) {
	url := fmt.Sprintf("http://%s/", net.JoinHostPort(ip, strconv.Itoa(port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	if brand := brandFromHint(resp.Header.Get("Server")); brand != "" {
		return brand, true
	}
	if brand := brandFromHint(resp.Header.Get("WWW-Authenticate")); brand != "" {
		return brand, true
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if brand := brandFromHint(string(body)); brand != "" {
		return brand, true
	}
	return "", false
}

// brandHints maps fingerprint substrings to brands. First match wins.
var brandHints = []struct{ needle, brand string }{
	{"amcrest", "amcrest"},
	{"login to amc", "amcrest"}, // Amcrest digest realm, e.g. Login to AMC0028V...
	{"dahua", "dahua"},
	{"hikvision", "hikvision"},
	{"tp-link", "tplink"},
	{"tplink", "tplink"},
	{"tapo", "tplink"},
	{"vilar", "steren"},
	{"steren", "steren"},
	{"axis", "axis"},
	{"vivotek", "vivotek"},
	{"ipcam", "generic"},
	{"ip camera", "generic"},
	{"netcam", "generic"},
	{"goahead", "generic"},
}

func brandFromHint(hint string) string {
	lower := strings.ToLower(hint)
	for _, h := range brandHints {
		if strings.Contains(lower, h.needle) {
			return h.brand
		}
	}
	return ""
}

// headerValue pulls one header from a raw RTSP reply.
func headerValue(reply, name string) string {
	for _, line := range strings.Split(reply, "\r\n") {
		if k, v, found := strings.Cut(line, ":"); found && strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func setDetail(h *HostResult, key, value string) {
	if h.Details == nil {
		h.Details = make(map[string]string)
	}
	h.Details[key] = value
}

// --- ONVIF discovery ---

// onvifDiscovery merges WS-Discovery responses into the host map.
// Multicast may surface cameras outside the swept range; they are
// included and tagged, discovery is about finding cameras.
func (e *Engine) onvifDiscovery(ctx context.Context, state *runState, report ProgressFunc) error {
	report(0, 0, "onvif discovery: probing multicast group")
	endpoints, err := e.discover(ctx, e.cfg.DiscoveryWindow)
	if err != nil {
		report(1, 0, "onvif discovery failed")
		return err
	}
	for _, ep := range endpoints {
		if ep.IP == "" {
			continue
		}
		ep := ep
		state.update(ep.IP, func(h *HostResult) {
			h.Alive = true
			h.IsCamera = true
			h.Protocols = appendUnique(h.Protocols, "onvif")
			if h.Brand == "" {
				h.Brand = ep.Brand()
			}
			if h.Model == "" {
				h.Model = ep.Hardware()
			}
			setDetail(h, "xaddr", ep.XAddr())
			setDetail(h, "source", "ws-discovery")
		})
	}
	report(1, 0, fmt.Sprintf("onvif discovery: %d endpoints", len(endpoints)))
	return nil
}
