package scan

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WS-Discovery constants per the ONVIF core spec.
const (
	wsDiscoveryAddr = "239.255.255.250:3702"
	maxPacketSize   = 4096
)

// Endpoint is one device that answered the multicast probe.
type Endpoint struct {
	Address string   // endpoint reference, typically urn:uuid:...
	XAddrs  []string // device service URLs
	Types   string
	Scopes  []string
	IP      string
}

// XAddr returns the primary device service URL.
func (e Endpoint) XAddr() string {
	if len(e.XAddrs) == 0 {
		return ""
	}
	return e.XAddrs[0]
}

// Brand extracts the manufacturer from the ONVIF scope URIs.
func (e Endpoint) Brand() string {
	for _, prefix := range []string{
		"onvif://www.onvif.org/name/",
		"onvif://www.onvif.org/manufacturer/",
	} {
		for _, scope := range e.Scopes {
			if v, found := strings.CutPrefix(scope, prefix); found && v != "" {
				return strings.ToLower(v)
			}
		}
	}
	return ""
}

// Hardware extracts the hardware model from the ONVIF scope URIs.
func (e Endpoint) Hardware() string {
	for _, scope := range e.Scopes {
		if v, found := strings.CutPrefix(scope, "onvif://www.onvif.org/hardware/"); found && v != "" {
			return v
		}
	}
	return ""
}

// ProfileHints lists the ONVIF profiles advertised in the scopes.
func (e Endpoint) ProfileHints() []string {
	var hints []string
	for _, scope := range e.Scopes {
		if v, found := strings.CutPrefix(scope, "onvif://www.onvif.org/Profile/"); found {
			switch strings.ToLower(v) {
			case "streaming", "s":
				hints = append(hints, "profile-s")
			case "t":
				hints = append(hints, "profile-t")
			case "g":
				hints = append(hints, "profile-g")
			}
		}
	}
	return hints
}

type probeEnvelope struct {
	XMLName xml.Name  `xml:"Envelope"`
	Body    probeBody `xml:"Body"`
}

type probeBody struct {
	ProbeMatches probeMatches `xml:"ProbeMatches"`
}

type probeMatches struct {
	Matches []probeMatch `xml:"ProbeMatch"`
}

type probeMatch struct {
	EndpointRef endpointReference `xml:"EndpointReference"`
	Types       string            `xml:"Types"`
	Scopes      string            `xml:"Scopes"`
	XAddrs      string            `xml:"XAddrs"`
}

type endpointReference struct {
	Address string `xml:"Address"`
}

func buildProbeMessage(messageID string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<e:Envelope xmlns:e="http://www.w3.org/2003/05/soap-envelope"
            xmlns:w="http://schemas.xmlsoap.org/ws/2004/08/addressing"
            xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery"
            xmlns:dn="http://www.onvif.org/ver10/network/wsdl">
  <e:Header>
    <w:MessageID>uuid:%s</w:MessageID>
    <w:To e:mustUnderstand="true">urn:schemas-xmlsoap-org:ws:2005:04:discovery</w:To>
    <w:Action e:mustUnderstand="true">http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe</w:Action>
  </e:Header>
  <e:Body>
    <d:Probe>
      <d:Types>dn:NetworkVideoTransmitter</d:Types>
    </d:Probe>
  </e:Body>
</e:Envelope>`, messageID)
}

// wsDiscover multicasts a probe and collects ProbeMatch replies for the
// given window. Duplicate answers from multi-homed devices are folded
// by endpoint reference.
func wsDiscover(ctx context.Context, window time.Duration) ([]Endpoint, error) {
	maddr, err := net.ResolveUDPAddr("udp4", wsDiscoveryAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve discovery address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("open discovery socket: %w", err)
	}
	defer conn.Close()

	probe := buildProbeMessage(uuid.NewString())
	if _, err := conn.WriteTo([]byte(probe), maddr); err != nil {
		return nil, fmt.Errorf("send discovery probe: %w", err)
	}

	seen := make(map[string]Endpoint)
	buf := make([]byte, maxPacketSize)
	deadline := time.Now().Add(window)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		remaining := time.Until(deadline)
		if remaining > 500*time.Millisecond {
			remaining = 500 * time.Millisecond
		}
		_ = conn.SetReadDeadline(time.Now().Add(remaining))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return flatten(seen), err
		}
		for _, ep := range parseProbeMatches(buf[:n]) {
			key := ep.Address
			if key == "" {
				key = ep.XAddr()
			}
			if key == "" {
				continue
			}
			if _, dup := seen[key]; !dup {
				seen[key] = ep
			}
		}
	}
	return flatten(seen), nil
}

func parseProbeMatches(packet []byte) []Endpoint {
	var env probeEnvelope
	if err := xml.Unmarshal(packet, &env); err != nil {
		return nil
	}
	var out []Endpoint
	for _, m := range env.Body.ProbeMatches.Matches {
		ep := Endpoint{
			Address: strings.TrimSpace(m.EndpointRef.Address),
			XAddrs:  strings.Fields(m.XAddrs),
			Types:   strings.TrimSpace(m.Types),
			Scopes:  strings.Fields(m.Scopes),
		}
		ep.IP = extractIPv4(ep.XAddrs)
		if ep.IP == "" && len(ep.XAddrs) == 0 {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// extractIPv4 pulls the first non-loopback IPv4 host out of the
// advertised service URLs.
func extractIPv4(xaddrs []string) string {
	for _, xaddr := range xaddrs {
		host := xaddr
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		if i := strings.IndexAny(host, "/"); i >= 0 {
			host = host[:i]
		}
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil || ip.IsLoopback() {
			continue
		}
		return ip.String()
	}
	return ""
}

func flatten(seen map[string]Endpoint) []Endpoint {
	out := make([]Endpoint, 0, len(seen))
	for _, ep := range seen {
		out = append(out, ep)
	}
	return out
}
