package config

import (
	"time"

	"github.com/gavinshark/gateway/internal/router"
)

// GatewayConfig is the validated runtime configuration. Immutable once
// constructed; reloads build a fresh value.
type GatewayConfig struct {
	ListenPort     int
	Routes         []router.Route
	LogLevel       string
	LogFile        string
	BackendTimeout time.Duration
	ClientTimeout  time.Duration

	// MetricsAddr is an optional listen address for the prometheus
	// endpoint. Empty disables it.
	MetricsAddr string
}

// rawConfig mirrors the on-disk document. Pointer fields distinguish an
// absent key from a zero value so defaults apply only when the key is
// missing.
type rawConfig struct {
	ListenPort       *int       `json:"listen_port" yaml:"listen_port"`
	LogLevel         *string    `json:"log_level" yaml:"log_level"`
	LogFile          *string    `json:"log_file" yaml:"log_file"`
	BackendTimeoutMs *int       `json:"backend_timeout_ms" yaml:"backend_timeout_ms"`
	ClientTimeoutMs  *int       `json:"client_timeout_ms" yaml:"client_timeout_ms"`
	MetricsAddr      *string    `json:"metrics_addr" yaml:"metrics_addr"`
	Routes           []rawRoute `json:"routes" yaml:"routes"`
}

type rawRoute struct {
	PathPattern string   `json:"path_pattern" yaml:"path_pattern"`
	MatchType   *string  `json:"match_type" yaml:"match_type"`
	Priority    *int     `json:"priority" yaml:"priority"`
	Backends    []string `json:"backends" yaml:"backends"`
}

// Defaults applied when the corresponding key is absent.
const (
	DefaultListenPort       = 8080
	DefaultLogLevel         = "info"
	DefaultLogFile          = "gateway.log"
	DefaultBackendTimeoutMs = 5000
	DefaultClientTimeoutMs  = 30000
	DefaultMatchType        = "prefix"
	DefaultPriority         = 1
)
