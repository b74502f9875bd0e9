// Package scan finds cameras on the local network: reachability sweeps,
// port probes, protocol classification and WS-Discovery, coordinated
// through a prioritized job queue with result caching and history.
package scan

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/camfleet/camfleet/internal/camerr"
)

// Method is one scanning technique a job may run.
type Method string

const (
	MethodPingSweep      Method = "ping_sweep"
	MethodPortScan       Method = "port_scan"
	MethodProtocolDetect Method = "protocol_detect"
	MethodONVIFDiscovery Method = "onvif_discovery"
)

// DefaultMethods is the full pipeline, in execution order.
func DefaultMethods() []Method {
	return []Method{MethodPingSweep, MethodPortScan, MethodProtocolDetect, MethodONVIFDiscovery}
}

// Priority orders queued jobs: urgent runs first, low last. The zero
// value is Normal so an unset request queues at the default tier.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityUrgent
	PriorityHigh
	PriorityLow
)

// rank gives the queue ordering independent of the constant values.
func (p Priority) rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps wire names to priorities; empty or unknown input
// is Normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// JobState is the coordinator-visible lifecycle of one scan.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateCancelled JobState = "cancelled"
)

// DefaultCameraPorts are the ports worth probing when the caller gives
// none: RTSP, HTTP, ONVIF and the common vendor alternates.
var DefaultCameraPorts = []int{80, 443, 554, 2020, 8000, 8080, 8899, 5543}

// Range is one inclusive IPv4 sweep target plus the port set to probe.
type Range struct {
	StartIP string `json:"start_ip"`
	EndIP   string `json:"end_ip"`
	Ports   []int  `json:"ports"`
}

// RangeFromCIDR expands a CIDR into an inclusive host range.
func RangeFromCIDR(cidr string, ports []int) (Range, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return Range{}, camerr.Wrap(camerr.Validation, "scan.range", "parse cidr", err)
	}
	if !prefix.Addr().Is4() {
		return Range{}, camerr.New(camerr.Validation, "scan.range", "ipv4 cidr required")
	}
	prefix = prefix.Masked()
	start := prefix.Addr()
	end := start
	for next := end.Next(); prefix.Contains(next); next = next.Next() {
		end = next
	}
	// Drop network and broadcast addresses on real subnets.
	if prefix.Bits() < 31 {
		start = start.Next()
		end = end.Prev()
	}
	return Range{StartIP: start.String(), EndIP: end.String(), Ports: ports}, nil
}

// Validate checks addresses and ordering.
func (r Range) Validate() error {
	const op = "scan.range"
	start, err := netip.ParseAddr(r.StartIP)
	if err != nil {
		return camerr.Wrap(camerr.Validation, op, "start ip", err)
	}
	end, err := netip.ParseAddr(r.EndIP)
	if err != nil {
		return camerr.Wrap(camerr.Validation, op, "end ip", err)
	}
	if !start.Is4() || !end.Is4() {
		return camerr.New(camerr.Validation, op, "ipv4 addresses required")
	}
	if end.Less(start) {
		return camerr.New(camerr.Validation, op, "end ip precedes start ip")
	}
	for _, p := range r.Ports {
		if p < 1 || p > 65535 {
			return camerr.New(camerr.Validation, op, fmt.Sprintf("port %d out of range", p))
		}
	}
	return nil
}

// Hosts enumerates every address in the range, in order.
func (r Range) Hosts() []string {
	start, err1 := netip.ParseAddr(r.StartIP)
	end, err2 := netip.ParseAddr(r.EndIP)
	if err1 != nil || err2 != nil || end.Less(start) {
		return nil
	}
	var hosts []string
	for addr := start; !end.Less(addr); addr = addr.Next() {
		hosts = append(hosts, addr.String())
	}
	return hosts
}

// EffectivePorts returns the configured ports or the camera defaults.
func (r Range) EffectivePorts() []int {
	if len(r.Ports) > 0 {
		return r.Ports
	}
	return append([]int(nil), DefaultCameraPorts...)
}

// Fingerprint keys cache entries: start, end, and the sorted port set.
func (r Range) Fingerprint() string {
	ports := append([]int(nil), r.EffectivePorts()...)
	sort.Ints(ports)
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return r.StartIP + "-" + r.EndIP + ":" + strings.Join(parts, ",")
}

// HostResult is the engine's verdict on one address.
type HostResult struct {
	IP        string            `json:"ip"`
	Alive     bool              `json:"alive"`
	OpenPorts []int             `json:"open_ports,omitempty"`
	Protocols []string          `json:"protocols,omitempty"`
	Brand     string            `json:"brand,omitempty"`
	Model     string            `json:"model,omitempty"`
	IsCamera  bool              `json:"is_camera"`
	Details   map[string]string `json:"details,omitempty"`
	ProbedAt  time.Time         `json:"probed_at"`
}

// Result is the outcome of one finished job: every probed host plus the
// filtered camera candidates.
type Result struct {
	ScanID       string        `json:"scan_id"`
	Range        Range         `json:"range"`
	Methods      []Method      `json:"methods"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Hosts        []HostResult  `json:"hosts"`
	Cameras      []HostResult  `json:"cameras"`
	CamerasFound int           `json:"cameras_found"`
}

// Progress is a point-in-time view of a running job.
type Progress struct {
	ScanID   string   `json:"scan_id"`
	State    JobState `json:"state"`
	Fraction float64  `json:"fraction"` // 0..1
	Found    int      `json:"found"`
	Message  string   `json:"message,omitempty"`
}

// Request describes one scan submission.
type Request struct {
	Range    Range
	Methods  []Method
	Priority Priority
	UseCache bool
}
