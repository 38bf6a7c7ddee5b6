package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jgrewe/torwart/torwart-srv/config"
	"github.com/jgrewe/torwart/torwart-srv/logger"
	"github.com/jgrewe/torwart/torwart-srv/stats"
	"golang.org/x/net/netutil"
)

type contextKey struct {
	name string
}

var clientKey = &contextKey{name: "http-client"}
var clientIPKey = &contextKey{name: "client-ip"}

func WithClient(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

func ClientFromContext(ctx context.Context) (*http.Client, bool) {
	clientVal := ctx.Value(clientKey)
	if clientVal == nil {
		return nil, false
	}
	client, ok := clientVal.(*http.Client)
	return client, ok
}

func WithClientIP(ctx context.Context, clientIP string) context.Context {
	return context.WithValue(ctx, clientIPKey, clientIP)
}

func ClientIPFromContext(ctx context.Context) (string, bool) {
	clientIPVal := ctx.Value(clientIPKey)
	if clientIPVal == nil {
		return "", false
	}
	clientIP, ok := clientIPVal.(string)
	return clientIP, ok
}

// Server is a single listening proxy endpoint.
type Server struct {
	config       *config.Config
	serverConfig config.ServerConfig
	server       *http.Server
	proxy        *Proxy
}

// Proxy holds the shared state of all proxy servers: the filter rules, the
// statistics collector and the configuration.
type Proxy struct {
	config    *config.Config
	servers   []*Server
	filter    *FilterRules
	collector stats.Collector
}

// NewProxy creates a proxy from the given configuration. The filter rules and
// the statistics collector are built once and shared between all servers.
func NewProxy(cfg *config.Config) (*Proxy, error) {
	filter, err := NewFilterFromConfig(cfg.Filter)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		config:  cfg,
		servers: make([]*Server, 0, len(cfg.Servers)),
		filter:  filter,
	}

	factory := stats.NewCollectorFactory()
	p.collector, err = factory.CreateCollector(&cfg.Statistics)
	if err != nil {
		logger.Error("Failed to initialize statistics collector: %v", err)
		p.collector = stats.NewDummyCollector()
	}

	for _, serverCfg := range cfg.Servers {
		if !serverCfg.Enabled {
			logger.Info("Skipping disabled server on %s", serverCfg.ListenAddress)
			continue
		}

		server := &Server{
			config:       cfg,
			serverConfig: serverCfg,
			server:       &http.Server{Addr: serverCfg.ListenAddress},
			proxy:        p,
		}
		p.servers = append(p.servers, server)
	}

	if len(p.servers) == 0 {
		logger.Warn("No enabled proxy servers configured")
	}

	return p, nil
}

// Filter returns the active filter rules.
func (p *Proxy) Filter() *FilterRules {
	return p.filter
}

func (p *Proxy) Start() error {
	if len(p.servers) == 0 {
		return NewProxyError(ErrCodeNoEnabledServers, GetErrorDescription(ErrCodeNoEnabledServers), nil)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var startErrors []error

	for _, server := range p.servers {
		wg.Add(1)
		go func(s *Server) {
			defer wg.Done()
			err := s.Start()
			if err != nil && err != http.ErrServerClosed {
				mu.Lock()
				startErrors = append(startErrors, err)
				mu.Unlock()
			}
		}(server)
	}

	wg.Wait()

	if len(startErrors) > 0 {
		return startErrors[0]
	}
	return nil
}

// StartWithListener serves the first configured server on the given listener.
// Used by tests that need an ephemeral port.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	if len(p.servers) == 0 {
		return NewProxyError(ErrCodeNoEnabledServers, GetErrorDescription(ErrCodeNoEnabledServers), nil)
	}

	return p.servers[0].StartWithListener(listener)
}

// newHTTPServer builds the http.Server shared by Start and StartWithListener.
// Every accepted connection gets its own http.Client whose transport dials
// through the proxy's forwarding logic.
func (p *Server) newHTTPServer() *http.Server {
	return &http.Server{
		Addr:         p.serverConfig.ListenAddress,
		Handler:      http.HandlerFunc(p.handleRequest),
		ReadTimeout:  time.Duration(p.config.TimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(p.config.TimeoutSeconds) * time.Second,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			transport := &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					logger.Debug("DialContext: network=%s addr=%s", network, addr)
					return p.proxy.createForwardTCPClient(ctx, addr)
				},
				DisableKeepAlives:     false,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			}
			client := &http.Client{
				Timeout:   time.Duration(p.config.TimeoutSeconds) * time.Second,
				Transport: transport,
				CheckRedirect: func(req *http.Request, via []*http.Request) error {
					return http.ErrUseLastResponse
				},
			}
			clientIP, _, _ := net.SplitHostPort(c.RemoteAddr().String())
			ctx = WithClient(ctx, client)
			ctx = WithClientIP(ctx, clientIP)
			return ctx
		},
	}
}

func (p *Server) Start() error {
	listener, err := net.Listen("tcp", p.serverConfig.ListenAddress)
	if err != nil {
		return NewProxyError(ErrCodeListenerCreateFailed, GetErrorDescription(ErrCodeListenerCreateFailed), err)
	}

	return p.StartWithListener(listener)
}

func (p *Server) StartWithListener(listener net.Listener) error {
	if p.config.MaxConcurrentConnections > 0 {
		listener = netutil.LimitListener(listener, p.config.MaxConcurrentConnections)
	}

	p.server = p.newHTTPServer()

	logger.Info("Starting proxy server on %s", listener.Addr().String())
	return p.server.Serve(listener)
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// targetHost extracts the destination host from a proxy request. Absolute-form
// requests and CONNECT requests carry it in the URL, origin-form requests fall
// back to the Host header.
func targetHost(r *http.Request) string {
	if r.URL != nil && r.URL.Host != "" {
		return r.URL.Host
	}
	return r.Host
}

// handleRequest dispatches an incoming request: the target host is checked
// against the filter rules first, then CONNECT requests become byte tunnels
// and everything else is forwarded as plain HTTP.
func (p *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host := targetHost(r)

	if host == "" {
		logger.Warn("Request without target host from %s", r.RemoteAddr)
		http.Error(w, GetErrorDescription(ErrCodeMissingTargetHost), http.StatusBadRequest)
		return
	}

	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}

	hostname := stripPort(host)
	var remotePort int
	if _, portStr, err := net.SplitHostPort(host); err == nil {
		remotePort, _ = strconv.Atoi(portStr)
	}

	connectionID, startErr := p.proxy.collector.StartConnection(ctx, clientIP, hostname, remotePort, protocolName(r))
	if startErr != nil {
		logger.Error("Failed to record connection start: %v", startErr)
	}

	if !p.proxy.filter.IsAllowed(host) {
		logger.Warn("Host not allowed: %s", host)
		if err := p.proxy.collector.RecordBlockedRequest(ctx, clientIP, hostname, blockReason(p.config.Filter)); err != nil {
			logger.Error("Failed to record blocked request: %v", err)
		}
		WriteBlockedResponse(w, host)
		if connectionID > 0 {
			_ = p.proxy.collector.EndConnection(ctx, connectionID, 0, 0, 0, "blocked")
		}
		return
	}

	if err := p.proxy.collector.RecordAllowedRequest(ctx, clientIP, hostname); err != nil {
		logger.Error("Failed to record allowed request: %v", err)
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r, connectionID)
		return
	}

	client, ok := ClientFromContext(r.Context())
	if !ok || client == nil {
		logger.Error("No http.Client found in request context")
		http.Error(w, GetErrorDescription(ErrCodeHTTPClientNotFound), http.StatusInternalServerError)
		return
	}

	p.forwardRequest(w, r, client, host, connectionID)
}

func protocolName(r *http.Request) string {
	if r.Method == http.MethodConnect {
		return "connect"
	}
	return "http"
}

func blockReason(cfg *config.FilterConfig) string {
	if cfg != nil && cfg.Mode == config.FilterModeAllowlist {
		return "allowlist_mismatch"
	}
	return "blocklist_match"
}

// forwardRequest rewrites the proxy request into an origin request and relays
// the response back to the client. Absolute-form request URIs keep their URL,
// origin-form URIs are rebuilt from the target host.
func (p *Server) forwardRequest(w http.ResponseWriter, r *http.Request, client *http.Client, host string, connectionID int64) {
	ctx := r.Context()

	var targetURL string
	if r.URL.IsAbs() {
		targetURL = r.URL.String()
	} else {
		targetURL = fmt.Sprintf("http://%s%s", host, r.URL.RequestURI())
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		if connectionID > 0 {
			_ = p.proxy.collector.RecordError(ctx, connectionID, "request_creation_error", err.Error())
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req.ContentLength = r.ContentLength

	// Hop-by-hop headers stay between client and proxy.
	skip := map[string]struct{}{
		"Proxy-Connection":    {},
		"Keep-Alive":          {},
		"Proxy-Authenticate":  {},
		"Proxy-Authorization": {},
		"Te":                  {},
		"Trailer":             {},
		"Transfer-Encoding":   {},
		"Connection":          {},
		"Upgrade":             {},
	}

	for name, values := range r.Header {
		if _, hop := skip[name]; hop {
			continue
		}
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	if connectionID > 0 {
		contentLength := r.ContentLength
		if contentLength < 0 {
			contentLength = 0
		}
		if err := p.proxy.collector.RecordHTTPRequest(ctx, connectionID, r.Method, targetURL, host, r.UserAgent(), contentLength); err != nil {
			logger.Error("Failed to record HTTP request: %v", err)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Error("Failed to forward request to %s: %v", host, err)
		if connectionID > 0 {
			_ = p.proxy.collector.RecordError(ctx, connectionID, "http_forward_error", err.Error())
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			http.Error(w, "Request timeout", http.StatusGatewayTimeout)
		} else {
			writeProxyErrorResponse(w, err, ErrCodeHTTPForwardFailed)
		}
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if connectionID > 0 {
		if err := p.proxy.collector.RecordHTTPResponse(ctx, connectionID, resp.StatusCode, resp.ContentLength); err != nil {
			logger.Error("Failed to record HTTP response: %v", err)
		}
	}

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := copyBuffer(w, resp.Body); err != nil {
		logger.Error("Failed to copy response body: %v", err)
	}
}

// handleConnect establishes a raw byte tunnel for a CONNECT request. The
// connection is hijacked and the 200 line is written before the origin dial,
// so a slow or failing origin shows up to the client as an empty tunnel rather
// than a delayed response.
func (p *Server) handleConnect(w http.ResponseWriter, r *http.Request, connectionID int64) {
	targetAddr := r.URL.Host
	if targetAddr == "" {
		targetAddr = r.Host
	}
	if _, _, err := net.SplitHostPort(targetAddr); err != nil {
		targetAddr = net.JoinHostPort(targetAddr, "443")
	}

	logger.Debug("CONNECT request for %s", targetAddr)

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("HTTP server does not support hijacking")
		http.Error(w, GetErrorDescription(ErrCodeHTTPHijackNotSupported), http.StatusInternalServerError)
		return
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		logger.Error("Failed to hijack connection: %v", err)
		http.Error(w, fmt.Sprintf("Hijack error: %v", err), http.StatusInternalServerError)
		return
	}

	_, err = fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n")
	if err != nil {
		logger.Error("Failed to send 200 response: %v", err)
		if connectionID > 0 {
			_ = p.proxy.collector.EndConnection(r.Context(), connectionID, 0, 0, 0, "error")
		}
		if closeErr := clientConn.Close(); closeErr != nil {
			logger.Error("Error closing client connection: %v", closeErr)
		}
		return
	}

	targetConn, err := p.proxy.createForwardTCPClient(r.Context(), targetAddr)
	if err != nil {
		logger.Error("Failed to establish connection to target %s (via %s): %v", targetAddr, r.RemoteAddr, err)
		if connectionID > 0 {
			_ = p.proxy.collector.RecordError(r.Context(), connectionID, "tunnel_dial_error", err.Error())
			_ = p.proxy.collector.EndConnection(r.Context(), connectionID, 0, 0, 0, "dial_failed")
		}
		if closeErr := clientConn.Close(); closeErr != nil {
			logger.Error("Error closing client connection: %v", closeErr)
		}
		return
	}

	logger.Debug("Hijacked connection for TCP tunnel")

	defer clientConn.Close()
	defer targetConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if clientBuf != nil && clientBuf.Reader != nil && clientBuf.Reader.Buffered() > 0 {
			if _, err := clientBuf.WriteTo(targetConn); err != nil {
				if !isClosedConnError(err) {
					logger.Error("Failed to write buffered data to target: %v", err)
				}
				return
			}
		}
		if _, err := copyBuffer(targetConn, clientConn); err != nil {
			if !isClosedConnError(err) {
				logger.Warn("TCP tunnel copy error (client to target): %v", err)
			}
		}
		closeWrite(targetConn)
	}()

	go func() {
		defer wg.Done()
		if _, err := copyBuffer(clientConn, targetConn); err != nil {
			if !isClosedConnError(err) {
				logger.Warn("TCP tunnel copy error (target to client): %v", err)
			}
		}
		closeWrite(clientConn)
	}()

	wg.Wait()
	logger.Debug("TCP tunnel closed")
}

// closeWrite half-closes the write side so the peer sees EOF while its own
// writes can still drain.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func writeProxyErrorResponse(w http.ResponseWriter, originalErr error, defaultErrorCode string) {
	errorCode := defaultErrorCode
	if proxyErr, ok := originalErr.(*Error); ok {
		errorCode = proxyErr.Code
	}

	if _, exists := ErrorDescriptions[errorCode]; !exists {
		logger.Warn("Error code '%s' not found in ErrorDescriptions. Original error: %v. Default code used: '%s'", errorCode, originalErr, defaultErrorCode)
	}

	badGatewayResp := NewBadGatewayResponse(errorCode)
	defer func() {
		if badGatewayResp.Body != nil {
			badGatewayResp.Body.Close()
		}
	}()

	for key, values := range badGatewayResp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(badGatewayResp.StatusCode)
	if badGatewayResp.Body != nil {
		if _, err := io.Copy(w, badGatewayResp.Body); err != nil {
			logger.Error("Failed to copy bad gateway response body: %v", err)
		}
	}
}

func (p *Proxy) Stop() error {
	var lastErr error

	for _, server := range p.servers {
		err := server.Stop()
		if err != nil {
			lastErr = err
			logger.Error("Failed to stop proxy server on %s: %v", server.serverConfig.ListenAddress, err)
		}
	}

	if err := p.collector.Close(); err != nil {
		lastErr = err
		logger.Error("Failed to close statistics collector: %v", err)
	}

	return lastErr
}

func (p *Server) Stop() error {
	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.server.Shutdown(ctx)
	}
	return nil
}
