package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/jgrewe/torwart/torwart-srv/config"
	"github.com/jgrewe/torwart/torwart-srv/logger"
	"golang.org/x/net/proxy"
)

// createForwardTCPClient establishes a TCP connection to the target address,
// going through the configured SOCKS5 forward when one is set. It returns the
// established connection wrapped for byte accounting, or a *Error on failure.
func (p *Proxy) createForwardTCPClient(ctx context.Context, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidAddress, GetErrorDescription(ErrCodeInvalidAddress), fmt.Errorf("address %s: %w", addr, err))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidAddress, GetErrorDescription(ErrCodeInvalidAddress), fmt.Errorf("port %s: %w", portStr, err))
	}

	clientIP := ""
	if ip, ok := ClientIPFromContext(ctx); ok {
		clientIP = ip
	}

	connectionID, startErr := p.collector.StartConnection(ctx, clientIP, host, port, "tcp")
	if startErr != nil {
		// Proceed anyway, stats may be incomplete.
		logger.Error("Failed to start connection tracking: %v", startErr)
	}

	dialer := &net.Dialer{
		Timeout: time.Duration(p.config.TimeoutSeconds) * time.Second,
	}

	var targetConn net.Conn
	if p.config.Forward != nil {
		logger.Debug("Using SOCKS5 forward (%s) for %s", p.config.Forward.Address, addr)
		targetConn, err = p.dialSocks5(ctx, dialer, p.config.Forward, addr)
	} else {
		logger.Debug("Using direct connection for %s", addr)
		targetConn, err = dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			err = NewProxyError(ErrCodeDialFailed, GetErrorDescription(ErrCodeDialFailed), fmt.Errorf("direct dial to %s: %w", addr, err))
		}
	}

	if err != nil {
		_ = p.collector.RecordError(ctx, connectionID, "connection", err.Error())
		_ = p.collector.EndConnection(ctx, connectionID, 0, 0, 0, err.Error())
		logger.Error("Failed to establish connection to target %s: %v", addr, err)
		return nil, err
	}

	logger.Debug("Successfully established connection to %s", addr)
	return newTrackedConn(ctx, targetConn, p.collector, connectionID), nil
}

// dialSocks5 establishes a connection to the target via a SOCKS5 proxy
func (p *Proxy) dialSocks5(ctx context.Context, dialer *net.Dialer, fwd *config.ForwardSocks5, targetHostPort string) (net.Conn, error) {
	var auth *proxy.Auth
	if fwd.Username != nil && fwd.Password != nil {
		auth = &proxy.Auth{
			User:     *fwd.Username,
			Password: *fwd.Password,
		}
	} else if fwd.Username != nil {
		// Password might be optional depending on SOCKS server config
		auth = &proxy.Auth{User: *fwd.Username}
	}

	socksDialer, err := proxy.SOCKS5("tcp", fwd.Address, auth, dialer)
	if err != nil {
		return nil, NewProxyError(ErrCodeSOCKS5DialerFailed, GetErrorDescription(ErrCodeSOCKS5DialerFailed), fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	type result struct {
		conn net.Conn
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		type contextDialer interface {
			DialContext(ctx context.Context, network, addr string) (net.Conn, error)
		}

		var conn net.Conn
		var err error

		if ctxDialer, ok := socksDialer.(contextDialer); ok {
			conn, err = ctxDialer.DialContext(ctx, "tcp", targetHostPort)
		} else {
			conn, err = socksDialer.Dial("tcp", targetHostPort)
		}

		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, NewProxyError(ErrCodeSOCKS5ConnectFailed, GetErrorDescription(ErrCodeSOCKS5ConnectFailed), fmt.Errorf("target %s via SOCKS5 proxy %s: %w", targetHostPort, fwd.Address, res.err))
		}
		return res.conn, nil
	case <-ctx.Done():
		return nil, NewProxyError(ErrCodeSOCKS5ConnectFailed, GetErrorDescription(ErrCodeSOCKS5ConnectFailed), fmt.Errorf("target %s via SOCKS5 proxy %s: %w", targetHostPort, fwd.Address, ctx.Err()))
	}
}
