package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalysisUpdate(t *testing.T) {
	a := NewNetworkAnalysis()
	a.Update(&Result{
		Range: Range{StartIP: "192.168.1.1", EndIP: "192.168.1.254"},
		Hosts: []HostResult{
			{IP: "192.168.1.10", Alive: true, OpenPorts: []int{554, 80}, Protocols: []string{"rtsp", "onvif"}, IsCamera: true},
			{IP: "192.168.1.20", Alive: true, OpenPorts: []int{554}, Protocols: []string{"rtsp"}, IsCamera: true},
			{IP: "192.168.1.30", Alive: false, OpenPorts: []int{9999}},
		},
	})

	assert.Equal(t, []string{"192.168.1.0/24"}, a.CommonNetworks(5))
	assert.Equal(t, []int{554, 80}, a.TopPorts(5), "dead hosts contribute nothing")

	dist := a.ProtocolDistribution()
	assert.InDelta(t, 66.6, dist["rtsp"], 0.1)
	assert.InDelta(t, 33.3, dist["onvif"], 0.1)

	rep := a.Snapshot()
	assert.Equal(t, 1, rep.TotalScans)
	assert.False(t, rep.UpdatedAt.IsZero())
}

func TestAnalysisEmptyScanStillCountsNetwork(t *testing.T) {
	a := NewNetworkAnalysis()
	a.Update(&Result{Range: Range{StartIP: "10.9.8.1", EndIP: "10.9.8.50"}})

	assert.Equal(t, []string{"10.9.8.0/24"}, a.CommonNetworks(5))
	assert.Equal(t, 1, a.Snapshot().TotalScans)
}

func TestCommonNetworksRankedByFrequency(t *testing.T) {
	a := NewNetworkAnalysis()
	busy := &Result{Hosts: []HostResult{{IP: "192.168.1.5", Alive: true}}}
	quiet := &Result{Hosts: []HostResult{{IP: "10.0.0.5", Alive: true}}}
	a.Update(busy)
	a.Update(busy)
	a.Update(quiet)

	assert.Equal(t, []string{"192.168.1.0/24", "10.0.0.0/24"}, a.CommonNetworks(5))
	assert.Equal(t, []string{"192.168.1.0/24"}, a.CommonNetworks(1))
}

func TestOptimalScanRange(t *testing.T) {
	a := NewNetworkAnalysis()
	assert.Nil(t, a.OptimalScanRange("192.168.1.77"), "no history, no suggestion")

	a.Update(&Result{
		Range: Range{StartIP: "192.168.1.1", EndIP: "192.168.1.254"},
		Hosts: []HostResult{
			{IP: "192.168.1.10", Alive: true, OpenPorts: []int{554, 554, 80, 8080, 443, 2020, 8000}},
		},
	})

	r := a.OptimalScanRange("10.1.2.99")
	require.NotNil(t, r)
	assert.Equal(t, "10.1.2.1", r.StartIP)
	assert.Equal(t, "10.1.2.254", r.EndIP)
	require.Len(t, r.Ports, 5)
	assert.Contains(t, r.Ports, 554, "the most frequent port survives the cut")

	assert.Nil(t, a.OptimalScanRange("not-an-ip"))
	assert.Nil(t, a.OptimalScanRange("2001:db8::1"))
}

func TestSlash24(t *testing.T) {
	assert.Equal(t, "192.168.1.0/24", slash24("192.168.1.77"))
	assert.Equal(t, "10.0.0.0/24", slash24("10.0.0.1"))
	assert.Equal(t, "", slash24("2001:db8::1"))
	assert.Equal(t, "", slash24("bogus"))
}
