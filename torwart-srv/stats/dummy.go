package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector.
// It is used when statistics collection is disabled.
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector.
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

// StartConnection records the start of a connection (no-op).
func (d *DummyCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	return 0, nil
}

// EndConnection records the end of a connection (no-op).
func (d *DummyCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return nil
}

// RecordHTTPRequest records an HTTP request (no-op).
func (d *DummyCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, contentLength int64) error {
	return nil
}

// RecordHTTPResponse records an HTTP response (no-op).
func (d *DummyCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	return nil
}

// RecordError records an error (no-op).
func (d *DummyCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	return nil
}

// RecordDataTransfer records data transfer (no-op).
func (d *DummyCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	return nil
}

// RecordBlockedRequest records a blocked request (no-op).
func (d *DummyCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	return nil
}

// RecordAllowedRequest records an allowed request (no-op).
func (d *DummyCollector) RecordAllowedRequest(ctx context.Context, clientIP, targetHost string) error {
	return nil
}

// HealthCheck always returns healthy for the dummy collector.
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// Close does nothing for the dummy collector.
func (d *DummyCollector) Close() error {
	return nil
}
