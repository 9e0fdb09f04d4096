// Package config parses station configuration from environment variables
// and command-line flags.  Environment values act as defaults which flags
// may override; a .env file in the working directory is honored when present.
package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the station daemon.
type Config struct {
	ListenAddr   string
	Domain       string // when set, the public listener serves TLS via ACME
	CertCacheDir string
	DataDir      string
	DBPath       string
	LogLevel     string
	PprofAddr    string

	StationName string

	TunnelTimeout   time.Duration
	MaxBodyBytes    int64
	PingTimeout     time.Duration
	JanitorInterval time.Duration

	ReconnectWindow time.Duration
	PresenceTTL     time.Duration
	AuthMaxAge      time.Duration

	TileBudgetBytes  int64
	TileMaxMemZoom   int
	TileFetchTimeout time.Duration
	TileDir          string
}

const defaultListenAddr = ":8080"
const defaultDataDir = "./station-data"
const defaultStationName = "Geogram Station"
const defaultTunnelTimeout = 30 * time.Second
const defaultMaxBodyBytes = 10 * 1024 * 1024
const defaultPingTimeout = 12 * time.Minute
const defaultJanitorInterval = 30 * time.Second
const defaultReconnectWindow = 5 * time.Minute
const defaultPresenceTTL = 90 * time.Second
const defaultAuthMaxAge = 300 * time.Second
const defaultTileBudgetBytes = 8 * 1024 * 1024
const defaultTileMaxMemZoom = 14
const defaultTileFetchTimeout = 10 * time.Second

// ParseFlags builds a [Config] from STATION_* environment variables and the
// given flag arguments.  Flags win over environment values.
func ParseFlags(args []string) (Config, error) {
	// Best-effort: a missing .env is the normal case.
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:       envOrDefault("STATION_LISTEN", defaultListenAddr),
		Domain:           envOrDefault("STATION_DOMAIN", ""),
		CertCacheDir:     envOrDefault("STATION_CERT_CACHE_DIR", ""),
		DataDir:          envOrDefault("STATION_DATA_DIR", defaultDataDir),
		DBPath:           envOrDefault("STATION_DB_PATH", ""),
		LogLevel:         envOrDefault("STATION_LOG_LEVEL", "info"),
		PprofAddr:        envOrDefault("STATION_PPROF_ADDR", ""),
		StationName:      envOrDefault("STATION_NAME", defaultStationName),
		TunnelTimeout:    envDurationOrDefault("STATION_TUNNEL_TIMEOUT", defaultTunnelTimeout),
		MaxBodyBytes:     envInt64OrDefault("STATION_MAX_BODY_BYTES", defaultMaxBodyBytes),
		PingTimeout:      envDurationOrDefault("STATION_PING_TIMEOUT", defaultPingTimeout),
		JanitorInterval:  envDurationOrDefault("STATION_JANITOR_INTERVAL", defaultJanitorInterval),
		ReconnectWindow:  envDurationOrDefault("STATION_RECONNECT_WINDOW", defaultReconnectWindow),
		PresenceTTL:      envDurationOrDefault("STATION_PRESENCE_TTL", defaultPresenceTTL),
		AuthMaxAge:       envDurationOrDefault("STATION_AUTH_MAX_AGE", defaultAuthMaxAge),
		TileBudgetBytes:  envInt64OrDefault("STATION_TILE_BUDGET_BYTES", defaultTileBudgetBytes),
		TileMaxMemZoom:   envIntOrDefault("STATION_TILE_MAX_MEM_ZOOM", defaultTileMaxMemZoom),
		TileFetchTimeout: envDurationOrDefault("STATION_TILE_FETCH_TIMEOUT", defaultTileFetchTimeout),
	}

	fs := flag.NewFlagSet("station", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Public listen address")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Public domain; enables ACME TLS when set")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "TLS cert cache dir")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Data directory (tile cache, database)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.PprofAddr, "pprof-addr", cfg.PprofAddr, "Optional pprof listen address")
	fs.StringVar(&cfg.StationName, "name", cfg.StationName, "Station display name")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Domain = normalizeDomainHost(cfg.Domain)
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "station.db")
	}
	if cfg.CertCacheDir == "" {
		cfg.CertCacheDir = filepath.Join(cfg.DataDir, "cert")
	}
	cfg.TileDir = filepath.Join(cfg.DataDir, "tiles")

	if cfg.TunnelTimeout <= 0 {
		return cfg, errors.New("tunnel timeout must be > 0")
	}
	if cfg.ReconnectWindow <= 0 {
		return cfg, errors.New("reconnect window must be > 0")
	}
	if cfg.PresenceTTL <= 0 {
		return cfg, errors.New("presence TTL must be > 0")
	}
	if cfg.AuthMaxAge <= 0 {
		return cfg, errors.New("auth max age must be > 0")
	}
	if cfg.TileBudgetBytes <= 0 {
		return cfg, errors.New("tile cache budget must be > 0")
	}
	if cfg.JanitorInterval <= 0 {
		return cfg, errors.New("janitor interval must be > 0")
	}

	return cfg, nil
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

func envInt64OrDefault(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
