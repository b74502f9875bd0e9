// Package onvif implements the ONVIF protocol backend: a hand-rolled
// SOAP client for the device and media services, WS-Security
// UsernameToken authentication, and streaming delegated to the rtsp
// backend once a stream URI is resolved.
package onvif

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/camfleet/camfleet/internal/camerr"
)

// DevicePath is the ONVIF device service endpoint path.
const DevicePath = "/onvif/device_service"

// soapClient issues WS-UsernameToken authenticated SOAP requests to one
// ONVIF endpoint.
type soapClient struct {
	endpoint string
	username string
	password string
	httpc    *http.Client

	// test hooks
	now      func() time.Time
	newNonce func() []byte
}

func newSOAPClient(endpoint, username, password string, timeout time.Duration) *soapClient {
	return &soapClient{
		endpoint: endpoint,
		username: username,
		password: password,
		httpc:    &http.Client{Timeout: timeout},
		now:      time.Now,
		newNonce: func() []byte {
			b := make([]byte, 16)
			rand.Read(b)
			return b
		},
	}
}

// forEndpoint clones the client for a different service address, as
// returned by GetCapabilities for the media service.
func (c *soapClient) forEndpoint(endpoint string) *soapClient {
	if endpoint == "" || endpoint == c.endpoint {
		return c
	}
	cp := *c
	cp.endpoint = endpoint
	return &cp
}

// do wraps the inner body into an envelope with a Security header and
// posts it. Returns the raw response XML.
func (c *soapClient) do(ctx context.Context, inner string) ([]byte, error) {
	const op = "onvif.soap"

	envelope := `<?xml version="1.0" encoding="UTF-8"?>` +
		`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">` +
		`<s:Header>%s</s:Header><s:Body>%s</s:Body></s:Envelope>`
	payload := fmt.Sprintf(envelope, c.securityHeader(), inner)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(payload))
	if err != nil {
		return nil, camerr.Wrap(camerr.Validation, op, "bad endpoint", err)
	}
	req.Header.Set("Content-Type", `application/soap+xml; charset=utf-8; action=""`)

	resp, err := c.httpc.Do(req)
	if err != nil {
		kind := camerr.KindOf(err)
		if kind == "" {
			kind = camerr.Unreachable
		}
		return nil, camerr.Wrap(kind, op, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, camerr.Wrap(camerr.Protocol, op, "read failed", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, camerr.New(camerr.Auth, op, "device rejected credentials")
	case resp.StatusCode != http.StatusOK:
		if isAuthFault(body) {
			return nil, camerr.New(camerr.Auth, op, "device rejected security token")
		}
		return nil, camerr.New(camerr.Protocol, op,
			fmt.Sprintf("onvif error %d: %s", resp.StatusCode, faultSnippet(body)))
	}
	return body, nil
}

// securityHeader renders the WS-UsernameToken header. Digest =
// Base64(SHA1(nonce + created + password)) over the raw nonce bytes.
func (c *soapClient) securityHeader() string {
	if c.username == "" {
		return ""
	}
	nonce := c.newNonce()
	created := c.now().UTC().Format(time.RFC3339)
	digest := passwordDigest(nonce, created, c.password)

	return fmt.Sprintf(`<Security xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">`+
		`<UsernameToken>`+
		`<Username>%s</Username>`+
		`<Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">%s</Password>`+
		`<Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">%s</Nonce>`+
		`<Created xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">%s</Created>`+
		`</UsernameToken>`+
		`</Security>`,
		c.username, digest, base64.StdEncoding.EncodeToString(nonce), created)
}

func passwordDigest(nonce []byte, created, password string) string {
	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// GetSystemDateAndTime is the cheapest liveness probe: devices answer
// it without authentication.
func (c *soapClient) GetSystemDateAndTime(ctx context.Context) error {
	body, err := c.do(ctx, `<tds:GetSystemDateAndTime xmlns:tds="http://www.onvif.org/ver10/device/wsdl"/>`)
	if err != nil {
		return err
	}
	if !strings.Contains(string(body), "SystemDateAndTime") {
		return camerr.New(camerr.Protocol, "onvif.datetime", "unexpected response body")
	}
	return nil
}

// DeviceInfo is the identity block from GetDeviceInformation.
type DeviceInfo struct {
	Manufacturer    string `json:"manufacturer"`
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmware_version"`
	SerialNumber    string `json:"serial_number"`
	HardwareID      string `json:"hardware_id"`
}

func (c *soapClient) GetDeviceInformation(ctx context.Context) (DeviceInfo, error) {
	body, err := c.do(ctx, `<tds:GetDeviceInformation xmlns:tds="http://www.onvif.org/ver10/device/wsdl"/>`)
	if err != nil {
		return DeviceInfo{}, err
	}

	var parsed struct {
		Body struct {
			Response struct {
				Manufacturer    string
				Model           string
				FirmwareVersion string
				SerialNumber    string
				HardwareId      string
			} `xml:"GetDeviceInformationResponse"`
		}
	}
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return DeviceInfo{}, camerr.Wrap(camerr.Protocol, "onvif.device_info", "parse failed", err)
	}
	r := parsed.Body.Response
	return DeviceInfo{
		Manufacturer:    r.Manufacturer,
		Model:           r.Model,
		FirmwareVersion: r.FirmwareVersion,
		SerialNumber:    r.SerialNumber,
		HardwareID:      r.HardwareId,
	}, nil
}

// GetCapabilities returns the media service address, empty when the
// device does not announce one.
func (c *soapClient) GetCapabilities(ctx context.Context) (string, error) {
	body, err := c.do(ctx, `<tds:GetCapabilities xmlns:tds="http://www.onvif.org/ver10/device/wsdl">`+
		`<tds:Category>All</tds:Category></tds:GetCapabilities>`)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Body struct {
			Response struct {
				Capabilities struct {
					Media struct {
						XAddr string `xml:"XAddr"`
					} `xml:"Media"`
				} `xml:"Capabilities"`
			} `xml:"GetCapabilitiesResponse"`
		}
	}
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return "", camerr.Wrap(camerr.Protocol, "onvif.capabilities", "parse failed", err)
	}
	return parsed.Body.Response.Capabilities.Media.XAddr, nil
}

// MediaProfile is one entry from GetProfiles.
type MediaProfile struct {
	Token    string `xml:"token,attr" json:"token"`
	Name     string `xml:"Name" json:"name"`
	Encoding string `json:"encoding"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

func (c *soapClient) GetProfiles(ctx context.Context, mediaXAddr string) ([]MediaProfile, error) {
	body, err := c.forEndpoint(mediaXAddr).do(ctx,
		`<trt:GetProfiles xmlns:trt="http://www.onvif.org/ver10/media/wsdl"/>`)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Body struct {
			Response struct {
				Profiles []struct {
					Token                     string `xml:"token,attr"`
					Name                      string `xml:"Name"`
					VideoEncoderConfiguration struct {
						Encoding   string
						Resolution struct {
							Width  int
							Height int
						}
					}
				} `xml:"Profiles"`
			} `xml:"GetProfilesResponse"`
		}
	}
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, camerr.Wrap(camerr.Protocol, "onvif.profiles", "parse failed", err)
	}

	out := make([]MediaProfile, 0, len(parsed.Body.Response.Profiles))
	for _, p := range parsed.Body.Response.Profiles {
		out = append(out, MediaProfile{
			Token:    p.Token,
			Name:     p.Name,
			Encoding: p.VideoEncoderConfiguration.Encoding,
			Width:    p.VideoEncoderConfiguration.Resolution.Width,
			Height:   p.VideoEncoderConfiguration.Resolution.Height,
		})
	}
	return out, nil
}

// GetStreamUri resolves an RTP-Unicast/RTSP URI for the profile.
func (c *soapClient) GetStreamUri(ctx context.Context, mediaXAddr, token string) (string, error) {
	inner := fmt.Sprintf(`<trt:GetStreamUri xmlns:trt="http://www.onvif.org/ver10/media/wsdl">`+
		`<trt:StreamSetup>`+
		`<trt:Stream xmlns:tt="http://www.onvif.org/ver10/schema">tt:RTP-Unicast</trt:Stream>`+
		`<trt:Transport xmlns:tt="http://www.onvif.org/ver10/schema"><tt:Protocol>tt:RTSP</tt:Protocol></trt:Transport>`+
		`</trt:StreamSetup>`+
		`<trt:ProfileToken>%s</trt:ProfileToken>`+
		`</trt:GetStreamUri>`, token)

	body, err := c.forEndpoint(mediaXAddr).do(ctx, inner)
	if err != nil {
		return "", err
	}
	uri, err := parseMediaURI(body, "GetStreamUriResponse")
	if err != nil {
		return "", err
	}
	return uri, nil
}

// GetSnapshotUri resolves the JPEG snapshot URI for the profile.
func (c *soapClient) GetSnapshotUri(ctx context.Context, mediaXAddr, token string) (string, error) {
	inner := fmt.Sprintf(`<trt:GetSnapshotUri xmlns:trt="http://www.onvif.org/ver10/media/wsdl">`+
		`<trt:ProfileToken>%s</trt:ProfileToken>`+
		`</trt:GetSnapshotUri>`, token)

	body, err := c.forEndpoint(mediaXAddr).do(ctx, inner)
	if err != nil {
		return "", err
	}
	return parseMediaURI(body, "GetSnapshotUriResponse")
}

func parseMediaURI(body []byte, wrapper string) (string, error) {
	var parsed struct {
		Body struct {
			Stream struct {
				MediaUri struct {
					Uri string `xml:"Uri"`
				} `xml:"MediaUri"`
			} `xml:"GetStreamUriResponse"`
			Snapshot struct {
				MediaUri struct {
					Uri string `xml:"Uri"`
				} `xml:"MediaUri"`
			} `xml:"GetSnapshotUriResponse"`
		}
	}
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return "", camerr.Wrap(camerr.Protocol, "onvif.media_uri", "parse failed", err)
	}
	uri := parsed.Body.Stream.MediaUri.Uri
	if wrapper == "GetSnapshotUriResponse" {
		uri = parsed.Body.Snapshot.MediaUri.Uri
	}
	if strings.TrimSpace(uri) == "" {
		return "", camerr.New(camerr.Protocol, "onvif.media_uri", "device returned empty uri")
	}
	return strings.TrimSpace(uri), nil
}

func isAuthFault(body []byte) bool {
	s := string(body)
	return strings.Contains(s, "NotAuthorized") || strings.Contains(s, "FailedAuthentication")
}

// faultSnippet keeps the logged fault body short.
func faultSnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
