package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jgrewe/torwart/torwart-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestProxy starts a proxy on an ephemeral port and returns its address
// together with a client configured to use it.
func startTestProxy(t *testing.T, cfg *config.Config) (string, *http.Client) {
	t.Helper()

	if len(cfg.Servers) == 0 {
		cfg.Servers = []config.ServerConfig{
			{ListenAddress: "127.0.0.1:0", Enabled: true},
		}
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 5
	}

	p, err := NewProxy(cfg)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", cfg.Servers[0].ListenAddress)
	require.NoError(t, err)
	proxyAddr := listener.Addr().String()

	go func() {
		if err := p.StartWithListener(listener); err != nil && err != http.ErrServerClosed {
			t.Errorf("Proxy server error: %v", err)
		}
	}()
	t.Cleanup(func() { _ = p.Stop() })

	// Wait for proxy to start
	time.Sleep(100 * time.Millisecond)

	proxyURL, err := url.Parse(fmt.Sprintf("http://%s", proxyAddr))
	require.NoError(t, err)

	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 5 * time.Second,
	}

	return proxyAddr, client
}

func TestForwardRequest(t *testing.T) {
	testContent := "Hello, Proxy!"
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The request line must arrive in origin-form at the target server.
		if r.URL.IsAbs() {
			t.Errorf("Origin server received absolute-form request URI: %s", r.URL.String())
		}
		for k, v := range r.Header {
			if k == "X-Test-Header" {
				w.Header().Set(k, v[0])
			}
		}
		w.Header().Set("X-Request-Method", r.Method)

		switch r.Method {
		case "POST":
			body, err := io.ReadAll(r.Body)
			if err != nil {
				t.Error(err)
			}
			_, _ = w.Write(body)
		default:
			_, _ = w.Write([]byte(testContent))
		}
	}))
	defer testServer.Close()

	_, client := startTestProxy(t, &config.Config{})

	t.Run("GET request", func(t *testing.T) {
		req, err := http.NewRequest("GET", testServer.URL+"/some/path?q=1", http.NoBody)
		require.NoError(t, err)
		req.Header.Set("X-Test-Header", "test-value")

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		assert.Equal(t, testContent, string(body))
		assert.Equal(t, "test-value", resp.Header.Get("X-Test-Header"))
		assert.Equal(t, "GET", resp.Header.Get("X-Request-Method"))
	})

	t.Run("POST request with body", func(t *testing.T) {
		postBody := `{"key":"value"}`

		req, err := http.NewRequest("POST", testServer.URL, strings.NewReader(postBody))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, postBody, string(body))
	})

	t.Run("hop-by-hop headers are stripped", func(t *testing.T) {
		headerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Proxy-Connection") != "" {
				t.Error("Proxy-Connection header leaked to origin server")
			}
			if r.Header.Get("Proxy-Authorization") != "" {
				t.Error("Proxy-Authorization header leaked to origin server")
			}
			_, _ = w.Write([]byte("ok"))
		}))
		defer headerServer.Close()

		req, err := http.NewRequest("GET", headerServer.URL, http.NoBody)
		require.NoError(t, err)
		req.Header.Set("Proxy-Connection", "keep-alive")
		req.Header.Set("Proxy-Authorization", "Basic dXNlcjpwYXNz")

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestBlockedHTTPRequest(t *testing.T) {
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Origin server was reached for a blocked host")
	}))
	defer testServer.Close()

	serverHost, _, err := net.SplitHostPort(strings.TrimPrefix(testServer.URL, "http://"))
	require.NoError(t, err)

	_, client := startTestProxy(t, &config.Config{
		Filter: &config.FilterConfig{
			Mode:    config.FilterModeBlocklist,
			Domains: []string{serverHost},
		},
	})

	resp, err := client.Get(testServer.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	targetHostPort := strings.TrimPrefix(testServer.URL, "http://")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, fmt.Sprintf("Access to %s is blocked by proxy filter rules", targetHostPort), string(body))
}

func TestForwardRequestDoesNotFollowRedirects(t *testing.T) {
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, "/final", http.StatusFound)
		case "/final":
			_, _ = w.Write([]byte("final"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer testServer.Close()

	proxyAddr, _ := startTestProxy(t, &config.Config{})

	proxyURL, err := url.Parse(fmt.Sprintf("http://%s", proxyAddr))
	require.NoError(t, err)

	// Redirect handling is the client's business; the proxy must relay the
	// origin's 302 untouched.
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(testServer.URL + "/start")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/final", resp.Header.Get("Location"))
	assert.NotEqual(t, "final", string(body))
}

func TestBlocklistAllowsUnlistedHost(t *testing.T) {
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not on the list"))
	}))
	defer testServer.Close()

	_, client := startTestProxy(t, &config.Config{
		Filter: &config.FilterConfig{
			Mode:    config.FilterModeBlocklist,
			Domains: []string{"blocked.example"},
		},
	})

	resp, err := client.Get(testServer.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "not on the list", string(body))
}

func TestAllowlistForwarding(t *testing.T) {
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("allowed"))
	}))
	defer testServer.Close()

	serverHost, _, err := net.SplitHostPort(strings.TrimPrefix(testServer.URL, "http://"))
	require.NoError(t, err)

	_, client := startTestProxy(t, &config.Config{
		Filter: &config.FilterConfig{
			Mode:    config.FilterModeAllowlist,
			Domains: []string{serverHost},
		},
	})

	t.Run("listed host is forwarded", func(t *testing.T) {
		resp, err := client.Get(testServer.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "allowed", string(body))
	})

	t.Run("unlisted host is blocked", func(t *testing.T) {
		resp, err := client.Get("http://unlisted.invalid/")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestForwardRequestUpstreamError(t *testing.T) {
	// Dial failures surface as 502 with an error code header.
	_, client := startTestProxy(t, &config.Config{TimeoutSeconds: 2})

	// Reserve a port and close it so nothing is listening there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := l.Addr().String()
	require.NoError(t, l.Close())

	resp, err := client.Get("http://" + deadAddr + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Proxy-Error"))
}

func TestRequestWithoutHost(t *testing.T) {
	proxyAddr, _ := startTestProxy(t, &config.Config{})

	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost:\r\n\r\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	assert.Contains(t, string(buf[:n]), "400")
}

func TestMaxConcurrentConnections(t *testing.T) {
	release := make(chan struct{})
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("done"))
	}))
	defer testServer.Close()
	defer close(release)

	proxyAddr, _ := startTestProxy(t, &config.Config{
		MaxConcurrentConnections: 1,
	})

	// First connection occupies the only slot.
	first, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Write([]byte("GET " + testServer.URL + " HTTP/1.1\r\nHost: " + strings.TrimPrefix(testServer.URL, "http://") + "\r\n\r\n"))
	require.NoError(t, err)

	// Second connection is accepted by the kernel but not serviced until the
	// first one finishes.
	second, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Write([]byte("GET " + testServer.URL + " HTTP/1.1\r\nHost: " + strings.TrimPrefix(testServer.URL, "http://") + "\r\n\r\n"))
	require.NoError(t, err)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	netErr, ok := err.(net.Error)
	require.True(t, ok, "expected a timeout reading from the queued connection, got %v", err)
	assert.True(t, netErr.Timeout())
}
