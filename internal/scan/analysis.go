package scan

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"
)

// NetworkAnalysis accumulates what completed scans learned about the
// surrounding network: which /24s hold responsive hosts, which ports
// answer, and which protocols the cameras speak. It drives the optimal
// range suggestion for follow-up scans.
type NetworkAnalysis struct {
	mu sync.Mutex

	TotalScans int            `json:"total_scans"`
	Networks   map[string]int `json:"networks"`  // /24 CIDR -> times seen with live hosts
	Ports      map[int]int    `json:"ports"`     // port -> open observations
	Protocols  map[string]int `json:"protocols"` // protocol -> detections
	UpdatedAt  time.Time      `json:"updated_at"`
}

func NewNetworkAnalysis() *NetworkAnalysis {
	return &NetworkAnalysis{
		Networks:  make(map[string]int),
		Ports:     make(map[int]int),
		Protocols: make(map[string]int),
	}
}

// Update folds one completed scan into the counters.
func (a *NetworkAnalysis) Update(res *Result) {
	if res == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Networks == nil {
		a.Networks = make(map[string]int)
	}
	if a.Ports == nil {
		a.Ports = make(map[int]int)
	}
	if a.Protocols == nil {
		a.Protocols = make(map[string]int)
	}

	a.TotalScans++
	seen := map[string]bool{}
	for _, h := range res.Hosts {
		if !h.Alive {
			continue
		}
		if cidr := slash24(h.IP); cidr != "" && !seen[cidr] {
			seen[cidr] = true
			a.Networks[cidr]++
		}
		for _, port := range h.OpenPorts {
			a.Ports[port]++
		}
		for _, proto := range h.Protocols {
			a.Protocols[proto]++
		}
	}
	// A scan that found nothing still teaches us the range was covered.
	if len(seen) == 0 {
		if cidr := slash24(res.Range.StartIP); cidr != "" {
			a.Networks[cidr]++
		}
	}
	a.UpdatedAt = time.Now().UTC()
}

// CommonNetworks returns the k most frequently seen /24 CIDRs.
func (a *NetworkAnalysis) CommonNetworks(k int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	type nc struct {
		cidr  string
		count int
	}
	all := make([]nc, 0, len(a.Networks))
	for cidr, count := range a.Networks {
		all = append(all, nc{cidr, count})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].cidr < all[j].cidr
	})
	if k > 0 && len(all) > k {
		all = all[:k]
	}
	out := make([]string, len(all))
	for i, n := range all {
		out[i] = n.cidr
	}
	return out
}

// TopPorts returns the k most frequently open ports.
func (a *NetworkAnalysis) TopPorts(k int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.topPortsLocked(k)
}

func (a *NetworkAnalysis) topPortsLocked(k int) []int {
	type pc struct {
		port  int
		count int
	}
	all := make([]pc, 0, len(a.Ports))
	for port, count := range a.Ports {
		all = append(all, pc{port, count})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].port < all[j].port
	})
	if k > 0 && len(all) > k {
		all = all[:k]
	}
	out := make([]int, len(all))
	for i, p := range all {
		out[i] = p.port
	}
	return out
}

// ProtocolDistribution returns per-protocol percentages of all
// detections.
func (a *NetworkAnalysis) ProtocolDistribution() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, count := range a.Protocols {
		total += count
	}
	out := make(map[string]float64, len(a.Protocols))
	if total == 0 {
		return out
	}
	for proto, count := range a.Protocols {
		out[proto] = 100 * float64(count) / float64(total)
	}
	return out
}

// OptimalScanRange suggests the /24 around baseIP with the five ports
// most often seen open. Without any scan history there is nothing to
// suggest and nil is returned.
func (a *NetworkAnalysis) OptimalScanRange(baseIP string) *Range {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.TotalScans == 0 {
		return nil
	}
	addr, err := netip.ParseAddr(baseIP)
	if err != nil || !addr.Is4() {
		return nil
	}
	prefix, err := addr.Prefix(24)
	if err != nil {
		return nil
	}
	network := prefix.Addr().As4()
	start := netip.AddrFrom4([4]byte{network[0], network[1], network[2], 1})
	end := netip.AddrFrom4([4]byte{network[0], network[1], network[2], 254})

	ports := a.topPortsLocked(5)
	if len(ports) == 0 {
		ports = append([]int(nil), DefaultCameraPorts...)
	}
	sort.Ints(ports)
	return &Range{StartIP: start.String(), EndIP: end.String(), Ports: ports}
}

// Report is a point-in-time view of the analysis for API consumers.
type Report struct {
	TotalScans           int                `json:"total_scans"`
	CommonNetworks       []string           `json:"common_networks"`
	TopPorts             []int              `json:"top_ports"`
	ProtocolDistribution map[string]float64 `json:"protocol_distribution"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Snapshot assembles a Report.
func (a *NetworkAnalysis) Snapshot() Report {
	rep := Report{
		CommonNetworks:       a.CommonNetworks(10),
		TopPorts:             a.TopPorts(10),
		ProtocolDistribution: a.ProtocolDistribution(),
	}
	a.mu.Lock()
	rep.TotalScans = a.TotalScans
	rep.UpdatedAt = a.UpdatedAt
	a.mu.Unlock()
	return rep
}

// slash24 returns the /24 CIDR containing ip, or "" for non-IPv4 input.
func slash24(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return ""
	}
	prefix, err := addr.Prefix(24)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s/24", prefix.Addr())
}
