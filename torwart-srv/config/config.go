package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/jgrewe/torwart/torwart-srv/logger"
)

// FilterMode selects how the domain set is interpreted.
type FilterMode string

const (
	// FilterModeBlocklist allows every host unless its domain is in the set.
	FilterModeBlocklist FilterMode = "blocklist"
	// FilterModeAllowlist blocks every host unless its domain is in the set.
	FilterModeAllowlist FilterMode = "allowlist"
)

// FilterConfig defines the domain filter applied to every proxied request.
type FilterConfig struct {
	Mode        FilterMode // blocklist or allowlist
	Domains     []string   // bare domain names, no ports
	DomainsFile string     // optional hosts-style file with additional domains

	// Modtime of DomainsFile at load time, so a reload notices in-place edits.
	domainsFileStamp time.Time
}

// ServerConfig defines configuration for a single proxy listener.
type ServerConfig struct {
	ListenAddress string // Address to listen on (e.g., 127.0.0.1:8080)
	Enabled       bool   // Whether this listener is enabled
}

// ForwardSocks5 routes all outbound TCP connections through a SOCKS5 upstream.
type ForwardSocks5 struct {
	Address  string
	Username *string
	Password *string
}

// StatisticsConfig defines settings for the statistics collector.
type StatisticsConfig struct {
	Enabled              bool
	Backend              string // sqlite, postgres or dummy
	SQLitePath           string
	PostgresDSN          string
	FlushIntervalSeconds int
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	Servers                  []ServerConfig
	TimeoutSeconds           int // Dial/forward timeout; 0 disables
	MaxConcurrentConnections int // Per-listener connection cap; 0 disables
	Filter                   *FilterConfig
	Forward                  *ForwardSocks5
	Statistics               StatisticsConfig
}

// LoadConfig loads configuration from the specified file path. An empty path
// yields the built-in defaults plus environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		Servers: []ServerConfig{
			{
				ListenAddress: "127.0.0.1:8080",
				Enabled:       true,
			},
		},
		TimeoutSeconds:           30,
		MaxConcurrentConnections: 100,
	}

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	if cfg.Filter != nil && cfg.Filter.DomainsFile != "" {
		if info, err := os.Stat(cfg.Filter.DomainsFile); err == nil {
			cfg.Filter.domainsFileStamp = info.ModTime()
		}
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Filter != nil {
		switch cfg.Filter.Mode {
		case FilterModeBlocklist, FilterModeAllowlist:
		default:
			return fmt.Errorf("invalid filter mode: %q (expected %q or %q)",
				cfg.Filter.Mode, FilterModeBlocklist, FilterModeAllowlist)
		}
	}
	if cfg.Forward != nil && cfg.Forward.Address == "" {
		return fmt.Errorf("socks5 forward requires an address")
	}
	return nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first to handle the hyphenated keys
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	return applyConfigMap(data, cfg)
}

// applyConfigMap maps a decoded configuration document onto cfg. Both the JSON
// and the HCL loader funnel through here.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}

		// Config file replaces the default listener set
		cfg.Servers = []ServerConfig{}

		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("server configuration at index %d must be an object", i)
			}

			server := ServerConfig{Enabled: true}

			if addrVal, exists := serverMap["listen-address"]; exists {
				ptr, err := parseValue[string](addrVal)
				if err != nil {
					return fmt.Errorf("listen-address at index %d must be a string: %w", i, err)
				}
				server.ListenAddress = *ptr
			}

			if enabledVal, exists := serverMap["enabled"]; exists {
				ptr, err := parseValue[bool](enabledVal)
				if err != nil {
					return fmt.Errorf("enabled at index %d must be a boolean: %w", i, err)
				}
				server.Enabled = *ptr
			}

			cfg.Servers = append(cfg.Servers, server)
		}
	}

	// Shorthand: a top-level listen-address configures a single listener
	if val, exists := data["listen-address"]; exists && len(cfg.Servers) == 0 {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("listen-address must be a string")
		}
		cfg.Servers = []ServerConfig{
			{
				ListenAddress: *ptr,
				Enabled:       true,
			},
		}
	}

	if val, exists := data["timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("timeout-seconds must be a number")
		}
		cfg.TimeoutSeconds = *ptr
	}

	if val, exists := data["max-concurrent-connections"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("max-concurrent-connections must be a number")
		}
		cfg.MaxConcurrentConnections = *ptr
	}

	if val, exists := data["filter"]; exists {
		filterMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("filter must be an object")
		}
		filter, err := parseFilter(filterMap)
		if err != nil {
			return err
		}
		cfg.Filter = filter
	}

	if val, exists := data["forward"]; exists {
		forwardMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("forward must be an object")
		}
		forward, err := parseForward(forwardMap)
		if err != nil {
			return err
		}
		cfg.Forward = forward
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if err := parseStatistics(statsMap, &cfg.Statistics); err != nil {
			return err
		}
	}

	return nil
}

func parseFilter(filterMap map[string]any) (*FilterConfig, error) {
	filter := &FilterConfig{}

	modeVal, exists := filterMap["mode"]
	if !exists {
		return nil, fmt.Errorf("filter requires a mode field")
	}
	ptr, err := parseValue[string](modeVal)
	if err != nil {
		return nil, fmt.Errorf("filter mode must be a string: %w", err)
	}
	filter.Mode = FilterMode(*ptr)

	if domainsVal, exists := filterMap["domains"]; exists {
		domainList, ok := domainsVal.([]any)
		if !ok {
			return nil, fmt.Errorf("filter domains must be an array")
		}
		for i, domainVal := range domainList {
			domain, err := parseValue[string](domainVal)
			if err != nil {
				return nil, fmt.Errorf("filter domain at index %d must be a string: %w", i, err)
			}
			filter.Domains = append(filter.Domains, *domain)
		}
	}

	if fileVal, exists := filterMap["domains-file"]; exists {
		file, err := parseValue[string](fileVal)
		if err != nil {
			return nil, fmt.Errorf("filter domains-file must be a string: %w", err)
		}
		filter.DomainsFile = *file
	}

	return filter, nil
}

func parseForward(forwardMap map[string]any) (*ForwardSocks5, error) {
	forward := &ForwardSocks5{}

	if address, err := parseValue[string](forwardMap["address"]); err == nil {
		forward.Address = *address
	} else {
		return nil, fmt.Errorf("socks5 forward requires address field")
	}

	if username, err := parseValue[string](forwardMap["username"]); err == nil {
		forward.Username = username
	}
	if password, err := parseValue[string](forwardMap["password"]); err == nil {
		forward.Password = password
	}

	return forward, nil
}

func parseStatistics(statsMap map[string]any, stats *StatisticsConfig) error {
	if val, exists := statsMap["enabled"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("statistics enabled must be a boolean: %w", err)
		}
		stats.Enabled = *ptr
	}
	if val, exists := statsMap["backend"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("statistics backend must be a string: %w", err)
		}
		stats.Backend = *ptr
	}
	if val, exists := statsMap["sqlite-path"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("statistics sqlite-path must be a string: %w", err)
		}
		stats.SQLitePath = *ptr
	}
	if val, exists := statsMap["postgres-dsn"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("statistics postgres-dsn must be a string: %w", err)
		}
		stats.PostgresDSN = *ptr
	}
	if val, exists := statsMap["flush-interval-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("statistics flush-interval-seconds must be a number: %w", err)
		}
		stats.FlushIntervalSeconds = *ptr
	}
	return nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func loadConfigFromEnv(cfg *Config) {
	if timeoutStr := os.Getenv("TORWART_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for TORWART_TIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	if maxConnStr := os.Getenv("TORWART_MAXCONCURRENTCONNECTIONS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			cfg.MaxConcurrentConnections = maxConn
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for TORWART_MAXCONCURRENTCONNECTIONS: %s\n", maxConnStr)
		}
	}

	if addr := os.Getenv("TORWART_LISTENADDRESS"); addr != "" {
		if len(cfg.Servers) == 0 {
			cfg.Servers = []ServerConfig{
				{
					ListenAddress: addr,
					Enabled:       true,
				},
			}
		} else {
			cfg.Servers[0].ListenAddress = addr
		}
	}

	if mode := os.Getenv("TORWART_FILTERMODE"); mode != "" {
		if cfg.Filter == nil {
			cfg.Filter = &FilterConfig{}
		}
		cfg.Filter.Mode = FilterMode(mode)
	}

	if domains := os.Getenv("TORWART_FILTERDOMAINS"); domains != "" {
		if cfg.Filter == nil {
			cfg.Filter = &FilterConfig{Mode: FilterModeBlocklist}
		}
		for _, domain := range strings.Split(domains, ",") {
			domain = strings.TrimSpace(domain)
			if domain != "" {
				cfg.Filter.Domains = append(cfg.Filter.Domains, domain)
			}
		}
	}

	if file := os.Getenv("TORWART_FILTERDOMAINSFILE"); file != "" {
		if cfg.Filter == nil {
			cfg.Filter = &FilterConfig{Mode: FilterModeBlocklist}
		}
		cfg.Filter.DomainsFile = file
	}

	if addr := os.Getenv("TORWART_SOCKS5FORWARD"); addr != "" {
		cfg.Forward = &ForwardSocks5{Address: addr}
	}
}
