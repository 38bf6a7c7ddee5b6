package proxy

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/jgrewe/torwart/torwart-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocklistMode(t *testing.T) {
	filter := NewBlocklist([]string{"blocked.example.com", "ads.example.net"})

	tests := []struct {
		name    string
		host    string
		allowed bool
	}{
		{"unlisted host", "example.com", true},
		{"listed host", "blocked.example.com", false},
		{"listed host with port", "blocked.example.com:443", false},
		{"second listed host", "ads.example.net", false},
		{"subdomain of listed host", "sub.blocked.example.com", true},
		{"listed host uppercase", "BLOCKED.EXAMPLE.COM", false},
		{"unlisted host with port", "example.com:8080", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, filter.IsAllowed(tt.host))
		})
	}
}

func TestAllowlistMode(t *testing.T) {
	filter := NewAllowlist([]string{"api.example.com"})

	tests := []struct {
		name    string
		host    string
		allowed bool
	}{
		{"listed host", "api.example.com", true},
		{"listed host with port", "api.example.com:443", true},
		{"unlisted host", "example.com", false},
		{"subdomain of listed host", "v2.api.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, filter.IsAllowed(tt.host))
		})
	}
}

func TestFilterDecisionIsDeterministic(t *testing.T) {
	filter := NewBlocklist([]string{"blocked.example.com"})

	for i := 0; i < 100; i++ {
		assert.False(t, filter.IsAllowed("blocked.example.com:443"))
		assert.True(t, filter.IsAllowed("example.com:443"))
	}
}

func TestEmptyBlocklistAllowsEverything(t *testing.T) {
	filter := NewBlocklist(nil)

	assert.True(t, filter.IsAllowed("example.com"))
	assert.True(t, filter.IsAllowed("anything.example.net:443"))
}

func TestEmptyAllowlistBlocksEverything(t *testing.T) {
	filter := NewAllowlist(nil)

	assert.False(t, filter.IsAllowed("example.com"))
	assert.False(t, filter.IsAllowed("anything.example.net:443"))
}

func TestNewFilterFromConfigNil(t *testing.T) {
	filter, err := NewFilterFromConfig(nil)
	require.NoError(t, err)
	assert.True(t, filter.IsAllowed("example.com"))
}

func TestDomainsFileFilter(t *testing.T) {
	content := `# hosts-style blocklist
0.0.0.0 tracker.example.com
0.0.0.0 ads.example.net ; trailing comment
*.wildcard.example.org
plain.example.io # inline comment

; another comment style
`
	path := filepath.Join(t.TempDir(), "domains.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	filter, err := NewFilterFromConfig(&config.FilterConfig{
		Mode:        config.FilterModeBlocklist,
		DomainsFile: path,
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		host    string
		allowed bool
	}{
		{"hosts entry", "tracker.example.com", false},
		{"hosts entry with port", "tracker.example.com:443", false},
		{"entry with trailing comment", "ads.example.net", false},
		{"wildcard base domain", "wildcard.example.org", false},
		{"wildcard subdomain", "cdn.wildcard.example.org", false},
		{"plain entry", "plain.example.io", false},
		{"subdomain of hosts entry", "sub.tracker.example.com", false},
		{"partial suffix is not a match", "nottracker.example.com2", true},
		{"unlisted host", "example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, filter.IsAllowed(tt.host))
		})
	}
}

func TestDomainsFileMissing(t *testing.T) {
	_, err := NewFilterFromConfig(&config.FilterConfig{
		Mode:        config.FilterModeBlocklist,
		DomainsFile: filepath.Join(t.TempDir(), "does-not-exist.txt"),
	})
	require.Error(t, err)

	proxyErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrCodeFilterInitFailed, proxyErr.Code)
}

func TestDomainsFileCombinedWithConfigDomains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domains.txt")
	require.NoError(t, os.WriteFile(path, []byte("file.example.com\n"), 0o644))

	filter, err := NewFilterFromConfig(&config.FilterConfig{
		Mode:        config.FilterModeBlocklist,
		Domains:     []string{"config.example.com"},
		DomainsFile: path,
	})
	require.NoError(t, err)

	assert.False(t, filter.IsAllowed("config.example.com"))
	assert.False(t, filter.IsAllowed("file.example.com"))
	assert.True(t, filter.IsAllowed("example.com"))
}

func TestWriteBlockedResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteBlockedResponse(rec, "blocked.example.com:443")

	resp := rec.Result()
	defer resp.Body.Close()

	assert.Equal(t, 403, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Access to blocked.example.com:443 is blocked by proxy filter rules", rec.Body.String())
}
