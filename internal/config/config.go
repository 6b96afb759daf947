package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/paulmach/orb"
)

// Config is the root service configuration
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Logging LoggingConfig `toml:"logging"`
	HERE    HEREConfig    `toml:"here"`
	Region  RegionConfig  `toml:"region"`
	Roads   RoadsConfig   `toml:"roads"`
	Refresh RefreshConfig `toml:"refresh"`
	Storage StorageConfig `toml:"storage"`
}

// ServerConfig configures the HTTP query surface
type ServerConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
	MaxConnections     int      `toml:"max_connections"`
	ReadTimeoutSeconds int      `toml:"read_timeout_seconds"`
	// Writes may wait on a refresh run, so this is larger than the fetch timeout
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
}

// LoggingConfig configures pkg/logger
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// HEREConfig configures the traffic provider client
type HEREConfig struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	RetryCount     int    `toml:"retry_count"`
	RetryWaitMs    int    `toml:"retry_wait_ms"`
	UserAgent      string `toml:"user_agent"`
}

// RegionConfig describes the single served region
type RegionConfig struct {
	Name string `toml:"name"`
	BBox string `toml:"bbox"` // west,south,east,north
}

// RoadsConfig configures the road network and matching
type RoadsConfig struct {
	DatasetPath     string  `toml:"dataset_path"`
	CandidateCount  int     `toml:"candidate_count"`
	SearchRadiusDeg float64 `toml:"search_radius_deg"`
	ExtendPoints    int     `toml:"extend_points"`
}

// RefreshConfig configures staleness windows and sweeper ticks
type RefreshConfig struct {
	CacheWindowMinutes  int `toml:"cache_window_minutes"`
	FallbackWindowHours int `toml:"fallback_window_hours"`
	CleanupWindowHours  int `toml:"cleanup_window_hours"`
	TickSeconds         int `toml:"tick_seconds"`
}

// StorageConfig selects and configures the record store
type StorageConfig struct {
	Driver      string `toml:"driver"` // sqlite, postgres
	SQLitePath  string `toml:"sqlite_path"`
	PostgresURL string `toml:"postgres_url"`
}

// Default returns the configuration used when a key is absent from the file
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8000,
			CORSAllowedOrigins:  []string{"*"},
			MaxConnections:      256,
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		HERE: HEREConfig{
			BaseURL:        "https://data.traffic.hereapi.com/v7",
			TimeoutSeconds: 20,
			RetryCount:     2,
			RetryWaitMs:    500,
			UserAgent:      "Floficient/1.0",
		},
		Region: RegionConfig{
			Name: "San Francisco",
			BBox: "-122.52,37.70,-122.35,37.83",
		},
		Roads: RoadsConfig{
			DatasetPath:     "data/sf_roads.json",
			CandidateCount:  5,
			SearchRadiusDeg: 0.01,
			ExtendPoints:    3,
		},
		Refresh: RefreshConfig{
			CacheWindowMinutes:  30,
			FallbackWindowHours: 5,
			CleanupWindowHours:  24,
			TickSeconds:         60,
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "traffic.db",
		},
	}
}

// Load reads the TOML file at path on top of the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	// A missing .env file is normal outside development
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HERE_API_KEY"); v != "" {
		c.HERE.APIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.PostgresURL = v
	}
	if v := os.Getenv("TRAFFICD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRAFFICD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

// Validate checks values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	if _, err := ParseBBox(c.Region.BBox); err != nil {
		return fmt.Errorf("invalid region.bbox: %w", err)
	}
	if c.Refresh.CacheWindowMinutes <= 0 {
		return errors.New("refresh.cache_window_minutes must be positive")
	}
	if c.Refresh.FallbackWindowHours <= 0 {
		return errors.New("refresh.fallback_window_hours must be positive")
	}
	if c.Refresh.CleanupWindowHours <= 0 {
		return errors.New("refresh.cleanup_window_hours must be positive")
	}
	if c.Refresh.TickSeconds <= 0 {
		return errors.New("refresh.tick_seconds must be positive")
	}
	if c.Roads.CandidateCount <= 0 {
		return errors.New("roads.candidate_count must be positive")
	}
	if c.Roads.ExtendPoints < 0 {
		return errors.New("roads.extend_points must not be negative")
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return errors.New("storage.postgres_url (or DATABASE_URL) is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	return nil
}

// ParseBBox parses a "west,south,east,north" string
func ParseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("expected 4 comma-separated values, got %d", len(parts))
	}

	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("failed to parse bbox value %q: %w", p, err)
		}
		v[i] = f
	}

	west, south, east, north := v[0], v[1], v[2], v[3]
	if west >= east || south >= north {
		return orb.Bound{}, fmt.Errorf("bbox %q is empty or inverted", s)
	}

	return orb.Bound{Min: orb.Point{west, south}, Max: orb.Point{east, north}}, nil
}

// Durations

func (r RefreshConfig) CacheWindow() time.Duration {
	return time.Duration(r.CacheWindowMinutes) * time.Minute
}

func (r RefreshConfig) FallbackWindow() time.Duration {
	return time.Duration(r.FallbackWindowHours) * time.Hour
}

func (r RefreshConfig) CleanupWindow() time.Duration {
	return time.Duration(r.CleanupWindowHours) * time.Hour
}

func (r RefreshConfig) Tick() time.Duration {
	return time.Duration(r.TickSeconds) * time.Second
}

func (h HEREConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

func (h HEREConfig) RetryWait() time.Duration {
	return time.Duration(h.RetryWaitMs) * time.Millisecond
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
