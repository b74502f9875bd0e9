package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeFromCIDR(t *testing.T) {
	r, err := RangeFromCIDR("192.168.1.0/24", nil)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", r.StartIP)
	assert.Equal(t, "192.168.1.254", r.EndIP)

	r, err = RangeFromCIDR("10.0.0.8/30", []int{554})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", r.StartIP)
	assert.Equal(t, "10.0.0.10", r.EndIP)
	assert.Equal(t, []int{554}, r.Ports)

	r, err = RangeFromCIDR("192.168.1.5/32", nil)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5", r.StartIP)
	assert.Equal(t, "192.168.1.5", r.EndIP)

	_, err = RangeFromCIDR("fe80::/64", nil)
	assert.Error(t, err)

	_, err = RangeFromCIDR("not-a-cidr", nil)
	assert.Error(t, err)
}

func TestRangeValidate(t *testing.T) {
	ok := Range{StartIP: "192.168.1.1", EndIP: "192.168.1.10", Ports: []int{80, 554}}
	require.NoError(t, ok.Validate())

	assert.Error(t, Range{StartIP: "bogus", EndIP: "192.168.1.10"}.Validate())
	assert.Error(t, Range{StartIP: "192.168.1.10", EndIP: "192.168.1.1"}.Validate())
	assert.Error(t, Range{StartIP: "::1", EndIP: "::1"}.Validate())
	assert.Error(t, Range{StartIP: "192.168.1.1", EndIP: "192.168.1.2", Ports: []int{0}}.Validate())
	assert.Error(t, Range{StartIP: "192.168.1.1", EndIP: "192.168.1.2", Ports: []int{70000}}.Validate())
}

func TestRangeHosts(t *testing.T) {
	r := Range{StartIP: "10.0.0.1", EndIP: "10.0.0.3"}
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, r.Hosts())

	single := Range{StartIP: "10.0.0.7", EndIP: "10.0.0.7"}
	assert.Equal(t, []string{"10.0.0.7"}, single.Hosts())

	assert.Nil(t, Range{StartIP: "10.0.0.3", EndIP: "10.0.0.1"}.Hosts())
}

func TestRangeFingerprint(t *testing.T) {
	a := Range{StartIP: "10.0.0.1", EndIP: "10.0.0.9", Ports: []int{554, 80}}
	b := Range{StartIP: "10.0.0.1", EndIP: "10.0.0.9", Ports: []int{80, 554}}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "port order must not change the key")
	assert.Equal(t, "10.0.0.1-10.0.0.9:80,554", a.Fingerprint())

	other := Range{StartIP: "10.0.0.1", EndIP: "10.0.0.9", Ports: []int{80}}
	assert.NotEqual(t, a.Fingerprint(), other.Fingerprint())
}

func TestEffectivePortsDefaults(t *testing.T) {
	r := Range{StartIP: "10.0.0.1", EndIP: "10.0.0.1"}
	assert.Equal(t, DefaultCameraPorts, r.EffectivePorts())

	r.Ports = []int{8000}
	assert.Equal(t, []int{8000}, r.EffectivePorts())
}

func TestPriorityOrder(t *testing.T) {
	assert.Less(t, PriorityUrgent.rank(), PriorityHigh.rank())
	assert.Less(t, PriorityHigh.rank(), PriorityNormal.rank())
	assert.Less(t, PriorityNormal.rank(), PriorityLow.rank())
	assert.Equal(t, PriorityNormal, Priority(0), "zero value is the default tier")
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityUrgent, ParsePriority("urgent"))
	assert.Equal(t, PriorityHigh, ParsePriority(" High "))
	assert.Equal(t, PriorityLow, ParsePriority("LOW"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
	assert.Equal(t, PriorityNormal, ParsePriority("whatever"))
}

func TestNormalizeMethods(t *testing.T) {
	got := normalizeMethods([]Method{MethodONVIFDiscovery, MethodPingSweep, MethodPingSweep})
	assert.Equal(t, []Method{MethodPingSweep, MethodONVIFDiscovery}, got)

	assert.Equal(t, DefaultMethods(), normalizeMethods(nil))
}
