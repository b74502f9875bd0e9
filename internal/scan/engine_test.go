package scan

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine() *Engine {
	return NewEngine(EngineConfig{ProbeTimeout: 500 * time.Millisecond, Concurrency: 16})
}

// serverHostPort splits an httptest server URL into host and port.
func serverHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(rawURL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestPortScanFindsOpenPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	e := testEngine()
	r := Range{StartIP: "127.0.0.1", EndIP: "127.0.0.2", Ports: []int{port}}
	res, err := e.Run(context.Background(), "scan-ports", r, []Method{MethodPortScan}, nil)
	require.NoError(t, err)
	require.Len(t, res.Hosts, 2)

	// Hosts come back ordered by address.
	assert.Equal(t, "127.0.0.1", res.Hosts[0].IP)
	assert.True(t, res.Hosts[0].Alive)
	assert.Equal(t, []int{port}, res.Hosts[0].OpenPorts)

	assert.Equal(t, "127.0.0.2", res.Hosts[1].IP)
	assert.False(t, res.Hosts[1].Alive)
	assert.Empty(t, res.Hosts[1].OpenPorts)
}

func TestPingSweepCountsRefusalAsAlive(t *testing.T) {
	// Loopback answers every canary port instantly, open or refused.
	e := testEngine()
	r := Range{StartIP: "127.0.0.1", EndIP: "127.0.0.1"}
	res, err := e.Run(context.Background(), "scan-ping", r, []Method{MethodPingSweep}, nil)
	require.NoError(t, err)
	require.Len(t, res.Hosts, 1)
	assert.True(t, res.Hosts[0].Alive)
}

func TestRTSPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				if _, err := c.Read(buf); err != nil {
					return
				}
				fmt.Fprint(c, "RTSP/1.0 200 OK\r\nCSeq: 1\r\nServer: Dahua Rtsp Server\r\nPublic: OPTIONS, DESCRIBE, SETUP, PLAY\r\n\r\n")
			}(conn)
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	e := testEngine()
	ok, server := e.probeRTSP(context.Background(), "127.0.0.1", port)
	require.True(t, ok)
	assert.Equal(t, "Dahua Rtsp Server", server)
	assert.Equal(t, "dahua", brandFromHint(server))
}

func TestRTSPProbeRejectsNonRTSP(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	host, port := serverHostPort(t, ts.URL)

	e := testEngine()
	ok, _ := e.probeRTSP(context.Background(), host, port)
	assert.False(t, ok)
}

func TestONVIFProbe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/onvif/device_service" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/soap+xml")
		fmt.Fprint(w, `<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope"><SOAP-ENV:Body><tds:GetSystemDateAndTimeResponse/></SOAP-ENV:Body></SOAP-ENV:Envelope>`)
	}))
	defer ts.Close()
	host, port := serverHostPort(t, ts.URL)

	e := testEngine()
	assert.True(t, e.probeONVIF(context.Background(), host, port))
}

func TestONVIFProbeRejectsPlainHTTP(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello")
	}))
	defer ts.Close()
	host, port := serverHostPort(t, ts.URL)

	e := testEngine()
	assert.False(t, e.probeONVIF(context.Background(), host, port))
}

func TestVendorCGIProbe(t *testing.T) {
	t.Run("open device type endpoint", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/cgi-bin/magicBox.cgi" && r.URL.Query().Get("action") == "getDeviceType" {
				fmt.Fprint(w, "type=IPC-HDW2431T\n")
				return
			}
			http.NotFound(w, r)
		}))
		defer ts.Close()
		host, port := serverHostPort(t, ts.URL)

		e := testEngine()
		brand, model, ok := e.probeVendorCGI(context.Background(), host, port)
		require.True(t, ok)
		assert.Equal(t, "dahua", brand)
		assert.Equal(t, "IPC-HDW2431T", model)
	})

	t.Run("digest challenge identifies family", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("WWW-Authenticate", `Digest realm="Login to AMC0028V1234567", nonce="abc"`)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer ts.Close()
		host, port := serverHostPort(t, ts.URL)

		e := testEngine()
		brand, _, ok := e.probeVendorCGI(context.Background(), host, port)
		require.True(t, ok)
		assert.Equal(t, "amcrest", brand)
	})

	t.Run("plain 404 is no match", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		defer ts.Close()
		host, port := serverHostPort(t, ts.URL)

		e := testEngine()
		_, _, ok := e.probeVendorCGI(context.Background(), host, port)
		assert.False(t, ok)
	})
}

func TestHTTPFingerprint(t *testing.T) {
	t.Run("server header", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", "Hikvision-Webs")
			fmt.Fprint(w, "<html></html>")
		}))
		defer ts.Close()
		host, port := serverHostPort(t, ts.URL)

		e := testEngine()
		brand, ok := e.probeHTTP(context.Background(), host, port)
		require.True(t, ok)
		assert.Equal(t, "hikvision", brand)
	})

	t.Run("body keyword", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html><title>NetCam Viewer</title></html>")
		}))
		defer ts.Close()
		host, port := serverHostPort(t, ts.URL)

		e := testEngine()
		brand, ok := e.probeHTTP(context.Background(), host, port)
		require.True(t, ok)
		assert.Equal(t, "generic", brand)
	})

	t.Run("unrelated web server", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html><title>Internal Wiki</title></html>")
		}))
		defer ts.Close()
		host, port := serverHostPort(t, ts.URL)

		e := testEngine()
		_, ok := e.probeHTTP(context.Background(), host, port)
		assert.False(t, ok)
	})
}

func TestRunDetectsONVIFCamera(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/onvif/device_service" {
			fmt.Fprint(w, `<Envelope><Body><GetSystemDateAndTimeResponse/></Body></Envelope>`)
			return
		}
		http.NotFound(w, r)
	}))
	defer ts.Close()
	host, port := serverHostPort(t, ts.URL)

	e := testEngine()
	r := Range{StartIP: host, EndIP: host, Ports: []int{port}}

	var lastFraction float64
	res, err := e.Run(context.Background(), "scan-full", r,
		[]Method{MethodPortScan, MethodProtocolDetect},
		func(fraction float64, _ int, _ string) { lastFraction = fraction })
	require.NoError(t, err)

	require.Equal(t, 1, res.CamerasFound)
	cam := res.Cameras[0]
	assert.Equal(t, host, cam.IP)
	assert.True(t, cam.IsCamera)
	assert.Contains(t, cam.Protocols, "onvif")
	assert.Equal(t, strconv.Itoa(port), cam.Details["onvif_port"])
	assert.Equal(t, 1.0, lastFraction)
}

func TestRunMergesDiscoveryEndpoints(t *testing.T) {
	e := testEngine()
	e.discover = func(ctx context.Context, window time.Duration) ([]Endpoint, error) {
		return []Endpoint{{
			Address: "urn:uuid:2419d68a-2dd2-21b2-a205-ec2e4f68d8a8",
			XAddrs:  []string{"http://192.168.1.64:2020/onvif/device_service"},
			Scopes: []string{
				"onvif://www.onvif.org/Profile/Streaming",
				"onvif://www.onvif.org/name/Steren",
				"onvif://www.onvif.org/hardware/CCTV-235",
			},
			IP: "192.168.1.64",
		}}, nil
	}

	r := Range{StartIP: "192.168.1.60", EndIP: "192.168.1.70"}
	res, err := e.Run(context.Background(), "scan-disc", r, []Method{MethodONVIFDiscovery}, nil)
	require.NoError(t, err)

	assert.Len(t, res.Hosts, 11)
	require.Equal(t, 1, res.CamerasFound)
	cam := res.Cameras[0]
	assert.Equal(t, "192.168.1.64", cam.IP)
	assert.True(t, cam.IsCamera)
	assert.Equal(t, []string{"onvif"}, cam.Protocols)
	assert.Equal(t, "steren", cam.Brand)
	assert.Equal(t, "CCTV-235", cam.Model)
	assert.Equal(t, "ws-discovery", cam.Details["source"])
}

func TestRunCancelledReturnsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := testEngine()
	r := Range{StartIP: "127.0.0.1", EndIP: "127.0.0.1"}
	res, err := e.Run(ctx, "scan-cancel", r, DefaultMethods(), nil)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, "scan-cancel", res.ScanID)
}

func TestHeaderValue(t *testing.T) {
	reply := "RTSP/1.0 200 OK\r\nCSeq: 1\r\nServer: Test Server\r\n\r\n"
	assert.Equal(t, "Test Server", headerValue(reply, "Server"))
	assert.Equal(t, "Test Server", headerValue(reply, "server"))
	assert.Equal(t, "", headerValue(reply, "Public"))
}

func TestBrandFromHint(t *testing.T) {
	assert.Equal(t, "dahua", brandFromHint("Dahua Rtsp Server"))
	assert.Equal(t, "amcrest", brandFromHint(`Digest realm="Login to AMC0028V"`))
	assert.Equal(t, "tplink", brandFromHint("TP-LINK Tapo C200"))
	assert.Equal(t, "generic", brandFromHint("GoAhead-Webs"))
	assert.Equal(t, "", brandFromHint("nginx/1.25"))
}

func TestParseProbeMatches(t *testing.T) {
	packet := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope"
                   xmlns:wsa="http://schemas.xmlsoap.org/ws/2004/08/addressing"
                   xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery">
  <SOAP-ENV:Body>
    <d:ProbeMatches>
      <d:ProbeMatch>
        <wsa:EndpointReference><wsa:Address>urn:uuid:2419d68a-2dd2-21b2-a205-ec2e4f68d8a8</wsa:Address></wsa:EndpointReference>
        <d:Types>dn:NetworkVideoTransmitter</d:Types>
        <d:Scopes>onvif://www.onvif.org/Profile/Streaming onvif://www.onvif.org/name/HIKVISION onvif://www.onvif.org/hardware/DS-2CD2043</d:Scopes>
        <d:XAddrs>http://192.168.1.108/onvif/device_service http://[2001:db8::1]/onvif/device_service</d:XAddrs>
      </d:ProbeMatch>
    </d:ProbeMatches>
  </SOAP-ENV:Body>
</SOAP-ENV:Envelope>`)

	endpoints := parseProbeMatches(packet)
	require.Len(t, endpoints, 1)
	ep := endpoints[0]
	assert.Equal(t, "urn:uuid:2419d68a-2dd2-21b2-a205-ec2e4f68d8a8", ep.Address)
	assert.Equal(t, "192.168.1.108", ep.IP)
	assert.Equal(t, "hikvision", ep.Brand())
	assert.Equal(t, "DS-2CD2043", ep.Hardware())
	assert.Equal(t, []string{"profile-s"}, ep.ProfileHints())
	assert.Equal(t, "http://192.168.1.108/onvif/device_service", ep.XAddr())

	assert.Empty(t, parseProbeMatches([]byte("not xml at all")))
}

func TestExtractIPv4(t *testing.T) {
	cases := []struct {
		name   string
		xaddrs []string
		want   string
	}{
		{"plain", []string{"http://192.168.1.10/onvif/device_service"}, "192.168.1.10"},
		{"with port", []string{"http://192.168.1.10:8000/onvif/device_service"}, "192.168.1.10"},
		{"https", []string{"https://10.0.0.5:443/"}, "10.0.0.5"},
		{"skips loopback", []string{"http://127.0.0.1/onvif", "http://172.16.0.9/onvif"}, "172.16.0.9"},
		{"skips ipv6", []string{"http://[2001:db8::1]/onvif"}, ""},
		{"garbage", []string{"nonsense"}, ""},
		{"empty", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractIPv4(tc.xaddrs))
		})
	}
}

func TestBuildProbeMessage(t *testing.T) {
	msg := buildProbeMessage("1234-5678")
	assert.Contains(t, msg, "uuid:1234-5678")
	assert.Contains(t, msg, "dn:NetworkVideoTransmitter")
	assert.Contains(t, msg, "http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe")
}
