// Package config loads petalrules configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalrules/store"
)

const (
	projectConfigName = "petalrules.yaml"
	homeConfigName    = "config.yaml"
	homeDirName       = ".petalrules"
	defaultDBName     = "petalrules.db"
	defaultEventsName = "events.db"
)

// Event store drivers.
const (
	EventsMemory = "memory"
	EventsSQLite = "sqlite"
)

// Config is the full petalrules configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Events    EventsConfig    `yaml:"events"`
	Parser    ParserConfig    `yaml:"parser"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	CORSOrigin   string        `yaml:"cors_origin"`
	MaxBody      int64         `yaml:"max_body"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// StoreConfig selects the rule store backend.
type StoreConfig struct {
	Driver string      `yaml:"driver"`
	DSN    string      `yaml:"dsn"`
	Path   string      `yaml:"path"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// EventsConfig selects where lifecycle events are kept for replay.
type EventsConfig struct {
	Driver       string        `yaml:"driver"`
	Path         string        `yaml:"path"`
	Retention    int           `yaml:"retention"`
	RetentionAge time.Duration `yaml:"retention_age"`

	// Coalesce merges rule.evaluated events per rule over this interval.
	// Zero publishes every evaluation.
	Coalesce time.Duration `yaml:"coalesce"`
}

// ParserConfig tunes the rule parser.
type ParserConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the configuration used when no file is found: a sqlite
// rule store under ~/.petalrules.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return DefaultFrom(home)
}

// DefaultFrom is a testable variant of Default.
func DefaultFrom(homeDir string) Config {
	dir := filepath.Join(homeDir, homeDirName)
	return Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			MaxBody:      1 << 20,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0,
		},
		Store: StoreConfig{
			Driver: store.DriverSQLite,
			Path:   filepath.Join(dir, defaultDBName),
			Redis:  RedisConfig{Addr: "localhost:6379"},
		},
		Events: EventsConfig{
			Driver:    EventsMemory,
			Path:      filepath.Join(dir, defaultEventsName),
			Retention: 10000,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Telemetry: TelemetryConfig{
			ServiceName: "petalrules",
		},
	}
}

// DiscoverPath resolves the config location with first-match semantics:
// the explicit path, then ./petalrules.yaml, then ~/.petalrules/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeDirName, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found: %w", candidate, os.ErrNotExist)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load discovers, reads and validates the configuration. It returns the file
// that was used, or "" when defaults were used.
func Load(explicitPath string) (Config, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, "", fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Config{}, "", fmt.Errorf("resolve user home: %w", err)
	}
	return LoadFrom(explicitPath, cwd, homeDir, os.LookupEnv)
}

// LoadFrom is a testable variant of Load.
func LoadFrom(explicitPath, cwd, homeDir string, lookupEnv func(string) (string, bool)) (Config, string, error) {
	cfg := DefaultFrom(homeDir)

	path, found, err := DiscoverPathFrom(explicitPath, cwd, homeDir)
	if err != nil {
		return Config{}, "", err
	}
	if found {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, "", err
		}
		cfg.resolvePaths(filepath.Dir(path))
	}

	if lookupEnv != nil {
		applyEnv(&cfg, lookupEnv)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, path, nil
}

func readFile(path string, cfg *Config) error {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return fmt.Errorf("parsing config %q: %w", path, err)
	}
	return nil
}

func (c *Config) resolvePaths(baseDir string) {
	if c.Store.Path != "" {
		c.Store.Path = resolveConfigRelative(baseDir, c.Store.Path)
	}
	if c.Events.Path != "" {
		c.Events.Path = resolveConfigRelative(baseDir, c.Events.Path)
	}
}

func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("PETALRULES_STORE_DRIVER", &cfg.Store.Driver)
	set("PETALRULES_STORE_DSN", &cfg.Store.DSN)
	set("PETALRULES_SQLITE_PATH", &cfg.Store.Path)
	set("PETALRULES_REDIS_ADDR", &cfg.Store.Redis.Addr)
	set("PETALRULES_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
}

// Validate checks field values.
func (c Config) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", store.DriverMemory, store.DriverFile:
	case store.DriverSQLite:
		if c.Store.DSN == "" && c.Store.Path == "" {
			errs = append(errs, errors.New("store: sqlite requires dsn or path"))
		}
	case store.DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store: postgres requires dsn"))
		}
	case store.DriverRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store: redis requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}
	if strings.EqualFold(c.Store.Driver, store.DriverFile) && c.Store.Path == "" {
		errs = append(errs, errors.New("store: file requires path"))
	}

	switch strings.ToLower(c.Events.Driver) {
	case "", EventsMemory:
	case EventsSQLite:
		if c.Events.Path == "" {
			errs = append(errs, errors.New("events: sqlite requires path"))
		}
	default:
		errs = append(errs, fmt.Errorf("events: unknown driver %q", c.Events.Driver))
	}
	if c.Events.Retention < 0 {
		errs = append(errs, errors.New("events: retention must not be negative"))
	}
	if c.Events.Coalesce < 0 {
		errs = append(errs, errors.New("events: coalesce must not be negative"))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server: port %d out of range", c.Server.Port))
	}
	if c.Server.MaxBody < 0 {
		errs = append(errs, errors.New("server: max_body must not be negative"))
	}
	if c.Parser.MaxDepth < 0 {
		errs = append(errs, errors.New("parser: max_depth must not be negative"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log: unknown level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// StoreConfig converts the store section into the backend configuration.
// A sqlite store without a DSN opens its path.
func (c Config) StoreConfig() store.Config {
	dsn := c.Store.DSN
	if dsn == "" && strings.EqualFold(c.Store.Driver, store.DriverSQLite) {
		dsn = c.Store.Path
	}
	return store.Config{
		Driver: c.Store.Driver,
		DSN:    dsn,
		Path:   c.Store.Path,
		Redis: store.RedisConfig{
			Addr:     c.Store.Redis.Addr,
			Password: c.Store.Redis.Password,
			DB:       c.Store.Redis.DB,
			Prefix:   c.Store.Redis.Prefix,
		},
	}
}

// EnsureDirs creates parent directories of the file-backed stores in use.
func (c Config) EnsureDirs() error {
	var paths []string
	switch strings.ToLower(c.Store.Driver) {
	case store.DriverSQLite:
		if c.Store.DSN == "" {
			paths = append(paths, c.Store.Path)
		}
	case store.DriverFile:
		paths = append(paths, c.Store.Path)
	}
	if strings.EqualFold(c.Events.Driver, EventsSQLite) {
		paths = append(paths, c.Events.Path)
	}

	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return fmt.Errorf("create directory for %q: %w", p, err)
		}
	}
	return nil
}

func resolveConfigRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
