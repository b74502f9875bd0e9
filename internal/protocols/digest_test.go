package protocols

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// digestAuthServer answers with a challenge until a valid MD5/qop=auth
// response arrives, then runs next.
func digestAuthServer(t *testing.T, username, password, realm, nonce string, next http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Digest realm=%q, nonce=%q, qop="auth"`, realm, nonce))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.True(t, strings.HasPrefix(auth, "Digest "))
		fields := parseChallenge(auth)
		assert.Equal(t, username, fields["username"])
		assert.Equal(t, realm, fields["realm"])
		assert.Equal(t, r.URL.RequestURI(), fields["uri"])

		ha1 := md5hex(username + ":" + realm + ":" + password)
		ha2 := md5hex(r.Method + ":" + fields["uri"])
		want := md5hex(strings.Join([]string{
			ha1, nonce, fields["nc"], fields["cnonce"], "auth", ha2,
		}, ":"))
		if fields["response"] != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}))
}

func TestDigestTransportAnswersChallenge(t *testing.T) {
	var hits int
	srv := digestAuthServer(t, "admin", "secret", "Login to 4C0FFEE", "abc123",
		func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.Write([]byte("ok"))
		})
	defer srv.Close()

	client := &http.Client{Transport: &DigestTransport{Username: "admin", Password: "secret"}}
	resp, err := client.Get(srv.URL + "/cgi-bin/magicBox.cgi?action=getDeviceType")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, hits)
}

func TestDigestTransportRejectsWrongPassword(t *testing.T) {
	srv := digestAuthServer(t, "admin", "secret", "cam", "n1",
		func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	defer srv.Close()

	client := &http.Client{Transport: &DigestTransport{Username: "admin", Password: "wrong"}}
	resp, err := client.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDigestTransportPassesThroughWithoutChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte("open"))
	}))
	defer srv.Close()

	client := &http.Client{Transport: &DigestTransport{Username: "admin", Password: "x"}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDigestTransportLeavesBasicChallengeAlone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Basic realm="cam"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &DigestTransport{Username: "admin", Password: "x"}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDigestTransportWithoutQop(t *testing.T) {
	// RFC 2069 style challenge: no qop, response = md5(ha1:nonce:ha2).
	const (
		user, pass = "root", "pass"
		realm      = "old-cam"
		nonce      = "deadbeef"
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Digest realm=%q, nonce=%q`, realm, nonce))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fields := parseChallenge(auth)
		ha1 := md5hex(user + ":" + realm + ":" + pass)
		ha2 := md5hex(r.Method + ":" + fields["uri"])
		if fields["response"] != md5hex(ha1+":"+nonce+":"+ha2) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("legacy ok"))
	}))
	defer srv.Close()

	client := &http.Client{Transport: &DigestTransport{Username: user, Password: pass}}
	resp, err := client.Get(srv.URL + "/video")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestParseChallengeQuotedCommas(t *testing.T) {
	got := parseChallenge(`Digest realm="a, b", nonce="n", qop="auth,auth-int"`)
	assert.Equal(t, "a, b", got["realm"])
	assert.Equal(t, "n", got["nonce"])
	assert.Equal(t, "auth", pickQop(got["qop"]))
}
