package stats

import (
	"context"
	"sync"
	"time"

	"github.com/jgrewe/torwart/torwart-srv/logger"
)

// BufferedCollector wraps another Collector and batches high-volume events.
// Connection start/end need synchronous IDs and pass straight through; request,
// response, transfer, error and filter events are buffered and flushed on an
// interval and on Close.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration

	mu            sync.Mutex
	httpRequests  []httpRequestData
	httpResponses []httpResponseData
	errors        []errorData
	dataTransfers []dataTransferData
	security      []securityEventData

	stopChan chan struct{}
	wg       sync.WaitGroup
}

type httpRequestData struct {
	connectionID  int64
	method        string
	url           string
	host          string
	userAgent     string
	contentLength int64
}

type httpResponseData struct {
	connectionID  int64
	statusCode    int
	contentLength int64
}

type errorData struct {
	connectionID int64
	errorType    string
	errorMessage string
}

type dataTransferData struct {
	connectionID  int64
	bytesSent     int64
	bytesReceived int64
}

type securityEventData struct {
	clientIP   string
	targetHost string
	blocked    bool
	reason     string
}

// NewBufferedCollectorWithInterval creates a buffered collector with a custom
// flush interval.
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}

	bc.wg.Add(1)
	go bc.flusher()

	return bc
}

func (b *BufferedCollector) flusher() {
	defer b.wg.Done()

	logger.Debug("Starting buffered stats flusher, interval %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

// flush drains the buffers into the underlying collector.
func (b *BufferedCollector) flush() {
	b.mu.Lock()
	requests := b.httpRequests
	responses := b.httpResponses
	errs := b.errors
	transfers := b.dataTransfers
	security := b.security
	b.httpRequests = nil
	b.httpResponses = nil
	b.errors = nil
	b.dataTransfers = nil
	b.security = nil
	b.mu.Unlock()

	ctx := context.Background()

	for _, r := range requests {
		if err := b.underlying.RecordHTTPRequest(ctx, r.connectionID, r.method, r.url, r.host, r.userAgent, r.contentLength); err != nil {
			logger.Error("Failed to flush HTTP request record: %v", err)
		}
	}
	for _, r := range responses {
		if err := b.underlying.RecordHTTPResponse(ctx, r.connectionID, r.statusCode, r.contentLength); err != nil {
			logger.Error("Failed to flush HTTP response record: %v", err)
		}
	}
	for _, e := range errs {
		if err := b.underlying.RecordError(ctx, e.connectionID, e.errorType, e.errorMessage); err != nil {
			logger.Error("Failed to flush error record: %v", err)
		}
	}
	for _, d := range transfers {
		if err := b.underlying.RecordDataTransfer(ctx, d.connectionID, d.bytesSent, d.bytesReceived); err != nil {
			logger.Error("Failed to flush data transfer record: %v", err)
		}
	}
	for _, s := range security {
		var err error
		if s.blocked {
			err = b.underlying.RecordBlockedRequest(ctx, s.clientIP, s.targetHost, s.reason)
		} else {
			err = b.underlying.RecordAllowedRequest(ctx, s.clientIP, s.targetHost)
		}
		if err != nil {
			logger.Error("Failed to flush security event record: %v", err)
		}
	}
}

// StartConnection passes through to the underlying collector.
func (b *BufferedCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	return b.underlying.StartConnection(ctx, clientIP, targetHost, targetPort, protocol)
}

// EndConnection passes through to the underlying collector.
func (b *BufferedCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return b.underlying.EndConnection(ctx, connectionID, bytesSent, bytesReceived, duration, closeReason)
}

// RecordHTTPRequest buffers an HTTP request record.
func (b *BufferedCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, contentLength int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.httpRequests = append(b.httpRequests, httpRequestData{connectionID, method, url, host, userAgent, contentLength})
	return nil
}

// RecordHTTPResponse buffers an HTTP response record.
func (b *BufferedCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.httpResponses = append(b.httpResponses, httpResponseData{connectionID, statusCode, contentLength})
	return nil
}

// RecordError buffers an error record.
func (b *BufferedCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors = append(b.errors, errorData{connectionID, errorType, errorMessage})
	return nil
}

// RecordDataTransfer buffers a data transfer record.
func (b *BufferedCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dataTransfers = append(b.dataTransfers, dataTransferData{connectionID, bytesSent, bytesReceived})
	return nil
}

// RecordBlockedRequest buffers a blocked request record.
func (b *BufferedCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.security = append(b.security, securityEventData{clientIP, targetHost, true, reason})
	return nil
}

// RecordAllowedRequest buffers an allowed request record.
func (b *BufferedCollector) RecordAllowedRequest(ctx context.Context, clientIP, targetHost string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.security = append(b.security, securityEventData{clientIP, targetHost, false, ""})
	return nil
}

// HealthCheck passes through to the underlying collector.
func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Close flushes pending records and closes the underlying collector.
func (b *BufferedCollector) Close() error {
	close(b.stopChan)
	b.wg.Wait()
	return b.underlying.Close()
}
