package proxy

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/jgrewe/torwart/torwart-srv/config"
	"github.com/jgrewe/torwart/torwart-srv/logger"
)

var rgComment = regexp.MustCompile(`\A(.*?)[ \t\v]*(?:[#;].*)?\z`)
var rgSplitDomains = regexp.MustCompile(`[ \t\v]+`)

// FilterRules decides whether a target host may be reached through the proxy.
// Domains configured directly are matched exactly against the host with any
// port stripped. Domains loaded from a file additionally match subdomains,
// the way hosts-style blocklists are usually meant.
type FilterRules struct {
	mode config.FilterMode

	domains map[string]struct{}

	trie        *ahocorasick.Trie
	fileDomains []string
}

// NewBlocklist creates filter rules that deny the given domains and allow
// everything else.
func NewBlocklist(domains []string) *FilterRules {
	return newFilterRules(config.FilterModeBlocklist, domains)
}

// NewAllowlist creates filter rules that allow only the given domains.
func NewAllowlist(domains []string) *FilterRules {
	return newFilterRules(config.FilterModeAllowlist, domains)
}

func newFilterRules(mode config.FilterMode, domains []string) *FilterRules {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		set[d] = struct{}{}
	}
	return &FilterRules{
		mode:    mode,
		domains: set,
	}
}

// NewFilterFromConfig builds filter rules from the filter configuration,
// loading the domains file when one is configured.
func NewFilterFromConfig(cfg *config.FilterConfig) (*FilterRules, error) {
	if cfg == nil {
		// No filter configured: an empty blocklist allows everything.
		return NewBlocklist(nil), nil
	}

	rules := newFilterRules(cfg.Mode, cfg.Domains)

	if cfg.DomainsFile != "" {
		fileDomains, err := loadDomainsFile(cfg.DomainsFile)
		if err != nil {
			return nil, NewProxyError(ErrCodeFilterInitFailed, GetErrorDescription(ErrCodeFilterInitFailed), err)
		}
		rules.fileDomains = fileDomains
		if len(fileDomains) > 0 {
			rules.trie = ahocorasick.NewTrieBuilder().AddStrings(fileDomains).Build()
			logger.Info("Created Aho-Corasick trie with %d domains from file: %s", len(fileDomains), cfg.DomainsFile)
		} else {
			logger.Warn("No domains found in file: %s", cfg.DomainsFile)
		}
	}

	return rules, nil
}

// loadDomainsFile reads a hosts-style domains file. Empty lines and comment
// lines starting with '#' or ';' are skipped, trailing comments are stripped,
// a leading "0.0.0.0" address field is ignored and "*." prefixes are reduced
// to their base domain.
func loadDomainsFile(filePath string) ([]string, error) {
	cleanPath := filepath.Clean(filePath)

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open domains file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing domains file: %v", closeErr)
		}
	}()

	var domainList []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		line = rgComment.FindStringSubmatch(line)[1]

		for _, domain := range rgSplitDomains.Split(line, -1) {
			if domain == "0.0.0.0" || domain == "127.0.0.1" {
				continue
			}

			domain = strings.ToLower(domain)

			// We don't support wildcards, but we do support subdomains
			if strings.HasPrefix(domain, "*.") {
				domainList = append(domainList, domain[2:])
				continue
			}

			domainList = append(domainList, domain)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading domains file: %w", err)
	}

	return domainList, nil
}

// stripPort removes a trailing port specification from a host. Everything from
// the first ':' onward is dropped.
func stripPort(host string) string {
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}

// matches reports whether the host (already stripped of its port) is covered
// by the configured domain rules.
func (f *FilterRules) matches(host string) bool {
	if _, ok := f.domains[host]; ok {
		return true
	}

	if f.trie != nil {
		matches := f.trie.MatchString(host)
		for _, match := range matches {
			matchedDomain := f.fileDomains[match.Pattern()]

			hasSuffix := strings.HasSuffix(host, matchedDomain)
			if hasSuffix && len(host) == len(matchedDomain) {
				return true
			}

			// Subdomain match: host ends with ".domain"
			if hasSuffix && len(host) > len(matchedDomain) && host[len(host)-len(matchedDomain)-1] == '.' {
				return true
			}
		}
	}

	return false
}

// IsAllowed reports whether a request for the given host may proceed.
// The host may carry a port, which is ignored for matching. The decision is
// deterministic for a given rule set and host.
func (f *FilterRules) IsAllowed(host string) bool {
	domain := strings.ToLower(stripPort(host))

	switch f.mode {
	case config.FilterModeAllowlist:
		return f.matches(domain)
	default:
		return !f.matches(domain)
	}
}

// WriteBlockedResponse writes the 403 response for a request whose target host
// was denied by the filter rules. The host is reported as received, including
// any port.
func WriteBlockedResponse(w http.ResponseWriter, host string) {
	body := fmt.Sprintf("Access to %s is blocked by proxy filter rules", host)
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(http.StatusForbidden)
	if _, err := w.Write([]byte(body)); err != nil {
		logger.Error("Failed to write blocked response: %v", err)
	}
}
