package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gavinshark/gateway/internal/router"
)

// ErrInvalid marks any configuration failure: unreadable file, malformed
// document, or a value rejected by validation. The wrapped message carries
// the detail.
var ErrInvalid = errors.New("invalid configuration")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Load reads, deserialises and validates the configuration document at path.
// The document is JSON; files named *.yaml or *.yml are decoded with the
// YAML codec into the same schema. Unknown keys are ignored.
func Load(path string) (*GatewayConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, invalidf("read config: %v", err)
	}

	var rc rawConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &rc); err != nil {
			return nil, invalidf("yaml: %v", err)
		}
	default:
		if err := json.Unmarshal(b, &rc); err != nil {
			return nil, invalidf("json: %v", err)
		}
	}

	cfg := &GatewayConfig{
		ListenPort:     DefaultListenPort,
		LogLevel:       DefaultLogLevel,
		LogFile:        DefaultLogFile,
		BackendTimeout: DefaultBackendTimeoutMs * time.Millisecond,
		ClientTimeout:  DefaultClientTimeoutMs * time.Millisecond,
	}
	if rc.ListenPort != nil {
		cfg.ListenPort = *rc.ListenPort
	}
	if rc.LogLevel != nil {
		cfg.LogLevel = *rc.LogLevel
	}
	if rc.LogFile != nil {
		cfg.LogFile = *rc.LogFile
	}
	if rc.BackendTimeoutMs != nil {
		cfg.BackendTimeout = time.Duration(*rc.BackendTimeoutMs) * time.Millisecond
	}
	if rc.ClientTimeoutMs != nil {
		cfg.ClientTimeout = time.Duration(*rc.ClientTimeoutMs) * time.Millisecond
	}
	if rc.MetricsAddr != nil {
		cfg.MetricsAddr = strings.TrimSpace(*rc.MetricsAddr)
	}

	for i, rr := range rc.Routes {
		if rr.PathPattern == "" {
			return nil, invalidf("routes[%d]: path_pattern is required", i)
		}
		mt := DefaultMatchType
		if rr.MatchType != nil {
			mt = *rr.MatchType
		}
		matchType, err := parseMatchType(mt)
		if err != nil {
			return nil, invalidf("routes[%d]: %v", i, err)
		}
		prio := DefaultPriority
		if rr.Priority != nil {
			prio = *rr.Priority
		}
		if prio < 0 {
			return nil, invalidf("routes[%d]: priority must be non-negative, got %d", i, prio)
		}
		if len(rr.Backends) == 0 {
			return nil, invalidf("routes[%d]: backends is empty", i)
		}
		for j, b := range rr.Backends {
			if strings.TrimSpace(b) == "" {
				return nil, invalidf("routes[%d].backends[%d]: backend URL is empty", i, j)
			}
		}
		cfg.Routes = append(cfg.Routes, router.Route{
			PathPattern: rr.PathPattern,
			MatchType:   matchType,
			Backends:    rr.Backends,
			Priority:    prio,
		})
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseMatchType(s string) (router.MatchType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact":
		return router.MatchExact, nil
	case "prefix":
		return router.MatchPrefix, nil
	}
	return 0, fmt.Errorf("unknown match_type %q", s)
}

func validate(cfg *GatewayConfig) error {
	if cfg.ListenPort < 1 || cfg.ListenPort > 65535 {
		return invalidf("listen_port must be in 1..65535, got %d", cfg.ListenPort)
	}
	if len(cfg.Routes) == 0 {
		return invalidf("no routes configured")
	}
	if cfg.BackendTimeout <= 0 {
		return invalidf("backend_timeout_ms must be positive")
	}
	if cfg.ClientTimeout <= 0 {
		return invalidf("client_timeout_ms must be positive")
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return invalidf("log_level must be debug, info, warn or error, got %q", cfg.LogLevel)
	}
	return nil
}
