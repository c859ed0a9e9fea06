// Package config parses client configuration from environment variables and
// command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ClientConfig holds everything the tunnel client needs: where the relay
// control channel lives, which local server to forward to, and the timing
// knobs for heartbeat, forwarding, and reconnection.
type ClientConfig struct {
	EndpointURL          string
	LocalHost            string
	LocalPort            int
	UpstreamTimeout      time.Duration
	PingInterval         time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	HistoryPath          string
	LogLevel             string
}

const defaultLocalHost = "localhost"
const defaultUpstreamTimeout = 30 * time.Second
const defaultPingInterval = 30 * time.Second
const defaultMaxReconnectAttempts = 10
const defaultReconnectBaseDelay = 1 * time.Second

// ParseClientFlags builds a ClientConfig from HOOKLINE_* environment defaults
// overlaid with flags, then validates it.
func ParseClientFlags(args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		EndpointURL:          envOrDefault("HOOKLINE_ENDPOINT", ""),
		LocalHost:            envOrDefault("HOOKLINE_HOST", defaultLocalHost),
		LocalPort:            envIntOrDefault("HOOKLINE_PORT", 0),
		HistoryPath:          envOrDefault("HOOKLINE_HISTORY", ""),
		LogLevel:             envOrDefault("HOOKLINE_LOG_LEVEL", "info"),
		UpstreamTimeout:      defaultUpstreamTimeout,
		PingInterval:         defaultPingInterval,
		MaxReconnectAttempts: defaultMaxReconnectAttempts,
		ReconnectBaseDelay:   defaultReconnectBaseDelay,
	}

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.StringVar(&cfg.EndpointURL, "endpoint", cfg.EndpointURL, "Relay control channel URL (wss://..., token included)")
	fs.StringVar(&cfg.LocalHost, "host", cfg.LocalHost, "Local server host")
	fs.IntVar(&cfg.LocalPort, "port", cfg.LocalPort, "Local server port to forward to")
	fs.StringVar(&cfg.HistoryPath, "history", cfg.HistoryPath, "SQLite request journal path (optional)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if rest := fs.Args(); len(rest) > 0 {
		if len(rest) > 1 {
			return cfg, errors.New("expected a single port, e.g. `hookline http 3000`")
		}
		p, err := strconv.Atoi(strings.TrimSpace(rest[0]))
		if err != nil {
			return cfg, fmt.Errorf("invalid port: %s", rest[0])
		}
		cfg.LocalPort = p
	}

	return cfg, cfg.validate()
}

func (cfg *ClientConfig) validate() error {
	cfg.EndpointURL = strings.TrimSpace(cfg.EndpointURL)
	if cfg.EndpointURL == "" {
		return errors.New("missing --endpoint or HOOKLINE_ENDPOINT")
	}
	normalized, err := normalizeEndpointURL(cfg.EndpointURL)
	if err != nil {
		return err
	}
	cfg.EndpointURL = normalized

	cfg.LocalHost = strings.TrimSpace(cfg.LocalHost)
	if cfg.LocalHost == "" {
		cfg.LocalHost = defaultLocalHost
	}
	if cfg.LocalPort == 0 {
		return errors.New("missing --port or HOOKLINE_PORT")
	}
	if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
		return errors.New("local port must be between 1 and 65535")
	}
	return nil
}

// normalizeEndpointURL accepts ws/wss URLs directly and maps http/https to the
// matching WebSocket scheme.
func normalizeEndpointURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.New("endpoint URL must use ws, wss, http, or https")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("endpoint URL must include host")
	}
	return u.String(), nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
