package protocols

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/camfleet/camfleet/internal/camerr"
)

// DigestTransport implements HTTP Digest authentication (RFC 2617, MD5,
// qop=auth) as a RoundTripper. Amcrest/Dahua CGI endpoints and most
// ONVIF snapshot URIs refuse Basic auth, so this transport answers the
// 401 challenge and replays the request once. Requests with a body are
// not replayed; camera CGI traffic is GET-only.
type DigestTransport struct {
	Username string
	Password string

	// Base is the underlying transport, http.DefaultTransport if nil.
	Base http.RoundTripper

	mu sync.Mutex
	nc uint32

	// cnonce overrides the random client nonce in tests.
	cnonce func() string
}

func (t *DigestTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip sends the request and, on a digest challenge, retries with
// the computed Authorization header.
func (t *DigestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := resp.Header.Get("WWW-Authenticate")
	if !strings.HasPrefix(strings.ToLower(challenge), "digest ") {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	// Drain the challenge body so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<10))
	resp.Body.Close()

	params := parseChallenge(challenge)
	auth, err := t.authorization(req.Method, req.URL.RequestURI(), params)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", auth)
	return t.base().RoundTrip(retry)
}

func (t *DigestTransport) authorization(method, uri string, p map[string]string) (string, error) {
	realm, nonce := p["realm"], p["nonce"]
	if nonce == "" {
		return "", camerr.New(camerr.Auth, "digest", "challenge missing nonce")
	}
	if alg := strings.ToUpper(p["algorithm"]); alg != "" && alg != "MD5" {
		return "", camerr.New(camerr.Auth, "digest", "unsupported algorithm "+p["algorithm"])
	}

	ha1 := md5hex(t.Username + ":" + realm + ":" + t.Password)
	ha2 := md5hex(method + ":" + uri)

	qop := pickQop(p["qop"])
	var response, ncHex, cnonce string
	if qop == "auth" {
		t.mu.Lock()
		t.nc++
		ncHex = fmt.Sprintf("%08x", t.nc)
		t.mu.Unlock()
		cnonce = t.newCnonce()
		response = md5hex(strings.Join([]string{ha1, nonce, ncHex, cnonce, qop, ha2}, ":"))
	} else {
		response = md5hex(ha1 + ":" + nonce + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q`,
		t.Username, realm, nonce, uri, response)
	if qop == "auth" {
		fmt.Fprintf(&b, `, qop=auth, nc=%s, cnonce=%q`, ncHex, cnonce)
	}
	if opaque := p["opaque"]; opaque != "" {
		fmt.Fprintf(&b, `, opaque=%q`, opaque)
	}
	fmt.Fprintf(&b, `, algorithm=MD5`)
	return b.String(), nil
}

func (t *DigestTransport) newCnonce() string {
	if t.cnonce != nil {
		return t.cnonce()
	}
	buf := make([]byte, 8)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// pickQop returns "auth" when the server offers it, "" otherwise.
// auth-int is not supported; cameras do not use it.
func pickQop(offered string) string {
	for _, q := range strings.Split(offered, ",") {
		if strings.TrimSpace(q) == "auth" {
			return "auth"
		}
	}
	return ""
}

// parseChallenge splits a Digest challenge into its key/value pairs.
func parseChallenge(header string) map[string]string {
	out := make(map[string]string)
	rest := strings.TrimSpace(header[len("Digest "):])
	for _, part := range splitChallenge(rest) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return out
}

// splitChallenge splits on commas outside quoted strings.
func splitChallenge(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ',' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
