package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeNoEnabledServers     = "E1001"
	ErrCodeListenerCreateFailed = "E1002"
	ErrCodeInvalidServerConfig  = "E1003"
	ErrCodeFilterInitFailed     = "E1004"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionFailed      = "E2001"
	ErrCodeConnectionTimeout     = "E2002"
	ErrCodeConnectionRefused     = "E2003"
	ErrCodeInvalidAddress        = "E2004"
	ErrCodeConnectionClosed      = "E2005"
	ErrCodeDialFailed            = "E2006"
	ErrCodeUpstreamConnectFailed = "E2007"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed   = "E4001"
	ErrCodeHTTPResponseWriteFailed = "E4002"
	ErrCodeHTTPBodyCopyFailed      = "E4003"
	ErrCodeHTTPForwardFailed       = "E4004"
	ErrCodeHTTPHijackFailed        = "E4005"
	ErrCodeHTTPHijackNotSupported  = "E4006"
	ErrCodeHTTPClientNotFound      = "E4007"
	ErrCodeMissingTargetHost       = "E4008"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed  = "E6001"
	ErrCodeSOCKS5ConnectFailed = "E6002"

	// Access Control Errors (E7000-E7999)
	ErrCodeHostNotAllowed    = "E7001"
	ErrCodeBlocklistMatch    = "E7002"
	ErrCodeAllowlistMismatch = "E7003"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError      = "E9901"
	ErrCodePanicRecovered     = "E9902"
	ErrCodeConfigurationError = "E9903"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeNoEnabledServers:     "No enabled proxy servers configured",
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",
	ErrCodeFilterInitFailed:     "Failed to initialize domain filter",

	ErrCodeConnectionFailed:      "Failed to establish network connection",
	ErrCodeConnectionTimeout:     "Connection attempt timed out",
	ErrCodeConnectionRefused:     "Connection refused by target server",
	ErrCodeInvalidAddress:        "Invalid network address format",
	ErrCodeConnectionClosed:      "Connection closed unexpectedly",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",

	ErrCodeHTTPRequestReadFailed:   "Failed to read HTTP request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeHTTPBodyCopyFailed:      "Failed to copy HTTP message body",
	ErrCodeHTTPForwardFailed:       "Failed to forward HTTP request",
	ErrCodeHTTPHijackFailed:        "Failed to hijack HTTP connection",
	ErrCodeHTTPHijackNotSupported:  "HTTP connection hijacking not supported",
	ErrCodeHTTPClientNotFound:      "HTTP client not found in request context",
	ErrCodeMissingTargetHost:       "No target host in request",

	ErrCodeSOCKS5DialerFailed:  "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed: "SOCKS5 connection failed",

	ErrCodeHostNotAllowed:    "Host access denied by policy",
	ErrCodeBlocklistMatch:    "Host matches blocklist entry",
	ErrCodeAllowlistMismatch: "Host not found in allowlist",

	ErrCodeInternalError:      "Internal proxy error",
	ErrCodePanicRecovered:     "Recovered from panic condition",
	ErrCodeConfigurationError: "Configuration error",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E2000" && proxyErr.Code < "E3000"
	}
	return false
}

// IsAccessControlError checks if the error is access control-related
func IsAccessControlError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E7000" && proxyErr.Code < "E8000"
	}
	return false
}

// NewBadGatewayResponse creates an HTTP 502 Bad Gateway response from an error code.
// It populates the response body with the error code and its description in HTML format.
func NewBadGatewayResponse(errorCode string) *http.Response {
	description := GetErrorDescription(errorCode)
	title := "502 Bad Gateway"
	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>%s</title>
</head>
<body>
    <h1>%s</h1>
    <p>The proxy received an invalid response from an upstream server while attempting to fulfill the request.</p>
    <p>Error Code: %s</p>
    <p>Description: %s</p>
</body>
</html>`, title, title, errorCode, description)

	bodyBytes := []byte(htmlBody)

	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Content-Length", fmt.Sprintf("%d", len(bodyBytes)))
	header.Set("X-Proxy-Error", errorCode)

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusBadGateway, http.StatusText(http.StatusBadGateway)),
		StatusCode:    http.StatusBadGateway,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bodyBytes)),
		ContentLength: int64(len(bodyBytes)),
	}
}
