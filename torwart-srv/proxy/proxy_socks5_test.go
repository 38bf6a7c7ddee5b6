package proxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	socks5 "github.com/armon/go-socks5"
	"github.com/jgrewe/torwart/torwart-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocks5Forward(t *testing.T) {
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("via socks5"))
	}))
	defer testServer.Close()

	srv, err := socks5.New(&socks5.Config{})
	require.NoError(t, err)

	socksListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer socksListener.Close()

	go func() { _ = srv.Serve(socksListener) }()

	_, client := startTestProxy(t, &config.Config{
		Forward: &config.ForwardSocks5{
			Address: socksListener.Addr().String(),
		},
	})

	resp, err := client.Get(testServer.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "via socks5", string(body))
}

func TestSocks5ForwardConnectTunnel(t *testing.T) {
	echoAddr := startEchoServer(t)

	srv, err := socks5.New(&socks5.Config{})
	require.NoError(t, err)

	socksListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer socksListener.Close()

	go func() { _ = srv.Serve(socksListener) }()

	proxyAddr, _ := startTestProxy(t, &config.Config{
		Forward: &config.ForwardSocks5{
			Address: socksListener.Addr().String(),
		},
	})

	conn, reader := connectThroughProxy(t, proxyAddr, echoAddr)
	defer conn.Close()

	payload := "tunneled through socks5"
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	_, err = io.ReadFull(reader, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf))
}

func TestSocks5ForwardUnreachableUpstream(t *testing.T) {
	// Reserve a port and close it so the SOCKS5 upstream is unreachable.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := l.Addr().String()
	require.NoError(t, l.Close())

	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Origin server was reached despite unreachable SOCKS5 upstream")
	}))
	defer testServer.Close()

	_, client := startTestProxy(t, &config.Config{
		TimeoutSeconds: 2,
		Forward: &config.ForwardSocks5{
			Address: deadAddr,
		},
	})

	resp, err := client.Get(testServer.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Proxy-Error"))
}
