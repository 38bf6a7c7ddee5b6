package config

import (
	"bytes"
	"os"

	"github.com/jgrewe/torwart/torwart-srv/logger"
)

// HasChanged returns true if the configuration has changed compared to another
// config. Fields are compared explicitly, without reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}

	if len(a.Servers) != len(b.Servers) {
		return true
	}
	for i := range a.Servers {
		if a.Servers[i].ListenAddress != b.Servers[i].ListenAddress ||
			a.Servers[i].Enabled != b.Servers[i].Enabled {
			return true
		}
	}

	if a.TimeoutSeconds != b.TimeoutSeconds {
		return true
	}
	if a.MaxConcurrentConnections != b.MaxConcurrentConnections {
		return true
	}
	if !filterEqual(a.Filter, b.Filter) {
		return true
	}
	if !forwardEqual(a.Forward, b.Forward) {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}
	return false
}

func filterEqual(a, b *FilterConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Mode != b.Mode {
		return false
	}
	if len(a.Domains) != len(b.Domains) {
		return false
	}
	for i := range a.Domains {
		if a.Domains[i] != b.Domains[i] {
			return false
		}
	}
	if a.DomainsFile != b.DomainsFile {
		aContent, aErr := os.ReadFile(a.DomainsFile)
		bContent, bErr := os.ReadFile(b.DomainsFile)
		if aErr != nil || bErr != nil {
			logger.Warn("Could not compare domains files for reload: %v / %v", aErr, bErr)
			return false
		}
		// Different paths with identical content are still the same rules.
		return bytes.Equal(aContent, bContent)
	}
	if a.DomainsFile != "" && !a.domainsFileStamp.Equal(b.domainsFileStamp) {
		// Same path, edited in place since the other config was loaded.
		return false
	}
	return true
}

func forwardEqual(a, b *ForwardSocks5) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Address == b.Address &&
		strPtrEqual(a.Username, b.Username) &&
		strPtrEqual(a.Password, b.Password)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
