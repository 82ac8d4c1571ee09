package tlsutil

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/http/cookiejar"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotEmpty(t, cfg.CipherSuites)
}

func TestSecureHTTPClient(t *testing.T) {
	t.Parallel()

	client := SecureHTTPClient(15 * time.Second)
	assert.Equal(t, 15*time.Second, client.Timeout)
	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.True(t, tr.ForceAttemptHTTP2)
}

func TestBrowserClient_SetsUserAgentAndCookies(t *testing.T) {
	t.Parallel()

	var seenUA, seenCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUA = r.UserAgent()
		if c, err := r.Cookie("session"); err == nil {
			seenCookie = c.Value
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
	}))
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := BrowserClient(5*time.Second, "", jar)
	client.Transport.(*UserAgentTransport).Base = srv.Client().Transport

	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, DefaultUserAgent, seenUA)
	assert.Equal(t, "abc", seenCookie)
}
