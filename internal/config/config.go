// Package config resolves server settings from flags, PARLEY_* environment
// variables and an optional YAML seed file describing servers and channels.
package config

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"parley/server/internal/logging"
)

const (
	envAddr            = "PARLEY_ADDR"
	envDBPath          = "PARLEY_DB"
	envBlobsDir        = "PARLEY_BLOBS_DIR"
	envJWTSecret       = "PARLEY_JWT_SECRET"
	envTokenTTL        = "PARLEY_TOKEN_TTL"
	envSeedFile        = "PARLEY_SEED_FILE"
	envHistoryLimit    = "PARLEY_HISTORY_LIMIT"
	envLinkPreviews    = "PARLEY_LINK_PREVIEWS"
	envICEServersJSON  = "PARLEY_ICE_SERVERS_JSON"
	envLogLevel        = "PARLEY_LOG_LEVEL"
	envLogFormat       = "PARLEY_LOG_FORMAT"
	envTLSSelfSigned   = "PARLEY_TLS_SELF_SIGNED"
	envTLSHostname     = "PARLEY_TLS_HOSTNAME"
	envMetricsInterval = "PARLEY_METRICS_INTERVAL"
)

// Defaults.
const (
	DefaultAddr            = ":3001"
	DefaultDBPath          = "parley.db"
	DefaultJWTSecret       = "your-secret-key-change-this-in-production"
	DefaultHistoryLimit    = 100
	MaxHistoryLimit        = 100
	DefaultMetricsInterval = time.Minute
)

// Config is the resolved server configuration.
type Config struct {
	Addr            string
	DBPath          string
	BlobsDir        string
	JWTSecret       string
	TokenTTL        time.Duration
	SeedFile        string
	HistoryLimit    int
	LinkPreviews    bool
	ICEServers      []webrtc.ICEServer
	LogLevel        string
	LogFormat       string
	TLSSelfSigned   bool
	TLSHostname     string
	MetricsInterval time.Duration

	// Args holds positional arguments left after flag parsing (CLI subcommands).
	Args []string
}

// InsecureSecret reports whether the built-in development secret is in use.
func (c Config) InsecureSecret() bool {
	return c.JWTSecret == DefaultJWTSecret
}

// Load parses args (without the program name) on top of defaults taken from
// getenv. Output from the flag package goes to stderr.
func Load(args []string, getenv func(string) string, stderr io.Writer) (Config, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	envDuration := func(key string, fallback time.Duration) (time.Duration, error) {
		raw := strings.TrimSpace(getenv(key))
		if raw == "" {
			return fallback, nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	}
	envInt := func(key string, fallback int) (int, error) {
		raw := strings.TrimSpace(getenv(key))
		if raw == "" {
			return fallback, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	}
	envBool := func(key string, fallback bool) (bool, error) {
		raw := strings.TrimSpace(getenv(key))
		if raw == "" {
			return fallback, nil
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return false, fmt.Errorf("%s: %w", key, err)
		}
		return b, nil
	}
	envString := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	tokenTTL, err := envDuration(envTokenTTL, 24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	metricsInterval, err := envDuration(envMetricsInterval, DefaultMetricsInterval)
	if err != nil {
		return Config{}, err
	}
	historyLimit, err := envInt(envHistoryLimit, DefaultHistoryLimit)
	if err != nil {
		return Config{}, err
	}
	linkPreviews, err := envBool(envLinkPreviews, true)
	if err != nil {
		return Config{}, err
	}
	tlsSelfSigned, err := envBool(envTLSSelfSigned, false)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	var iceJSON string

	fs := flag.NewFlagSet("parley-server", flag.ContinueOnError)
	if stderr != nil {
		fs.SetOutput(stderr)
	}
	fs.StringVar(&cfg.Addr, "addr", envString(envAddr, DefaultAddr), "HTTP/websocket listen address")
	fs.StringVar(&cfg.DBPath, "db", envString(envDBPath, DefaultDBPath), "SQLite database path")
	fs.StringVar(&cfg.BlobsDir, "blobs-dir", envString(envBlobsDir, ""), "Blob directory path (defaults to <db-dir>/blobs)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", envString(envJWTSecret, DefaultJWTSecret), "HS256 secret for bearer tokens")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", tokenTTL, "Lifetime of issued tokens")
	fs.StringVar(&cfg.SeedFile, "seed", envString(envSeedFile, ""), "YAML file with servers and channels to create at startup")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", historyLimit, "Messages returned on channel join (max 100)")
	fs.BoolVar(&cfg.LinkPreviews, "link-previews", linkPreviews, "Fetch OpenGraph previews for URLs posted in chat")
	fs.StringVar(&iceJSON, "ice-servers", envString(envICEServersJSON, ""), "ICE servers handed to clients, as RTCIceServer JSON")
	fs.StringVar(&cfg.LogLevel, "log-level", envString(envLogLevel, "info"), "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", envString(envLogFormat, "text"), "Log format: text or json")
	fs.BoolVar(&cfg.TLSSelfSigned, "tls-self-signed", tlsSelfSigned, "Serve HTTPS with a generated self-signed certificate")
	fs.StringVar(&cfg.TLSHostname, "tls-hostname", envString(envTLSHostname, ""), "Extra DNS name for the self-signed certificate")
	fs.DurationVar(&cfg.MetricsInterval, "metrics-interval", metricsInterval, "Interval between metrics log lines (0 disables)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Args = fs.Args()

	if strings.TrimSpace(iceJSON) != "" {
		servers, err := ParseICEServersJSON(iceJSON)
		if err != nil {
			return Config{}, fmt.Errorf("ice servers: %w", err)
		}
		cfg.ICEServers = servers
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db path is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}
	if c.HistoryLimit <= 0 || c.HistoryLimit > MaxHistoryLimit {
		return fmt.Errorf("history limit must be between 1 and %d", MaxHistoryLimit)
	}
	if c.MetricsInterval < 0 {
		return fmt.Errorf("metrics interval must not be negative")
	}
	return logging.Validate(c.LogLevel, c.LogFormat)
}
