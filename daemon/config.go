package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/toolrelay/coord"
	"github.com/petal-labs/toolrelay/tool"
)

const (
	projectConfigName = "toolrelay.yaml"
	homeConfigDir     = ".toolrelay"
	homeConfigName    = "config.yaml"

	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	defaultAppID  = "toolrelay"
	defaultListen = ":8080"
)

// Config is the relay process configuration, loaded from toolrelay.yaml and
// overridden by TOOLRELAY_* environment variables.
type Config struct {
	AppID      string `yaml:"app_id"`
	Listen     string `yaml:"listen"`
	LogLevel   string `yaml:"log_level"`
	AdminToken string `yaml:"admin_token"`
	RedisURL   string `yaml:"redis_url"`

	Store     StoreConfig     `yaml:"store"`
	Bus       BusConfig       `yaml:"bus"`
	Conductor ConductorConfig `yaml:"conductor"`
	Worker    WorkerConfig    `yaml:"worker"`
	Cron      CronConfig      `yaml:"cron"`
	HTTP      HTTPConfig      `yaml:"http"`
	Tracing   TracingConfig   `yaml:"tracing"`

	// Sources are manifests or OpenAPI documents reconciled on every sync
	// tick in addition to the servers already persisted.
	Sources []tool.ServerDescriptor `yaml:"sources"`
	// Owner stamps ownership onto definitions created from Sources.
	Owner OwnerConfig `yaml:"owner"`
}

// StoreConfig selects the registry store.
type StoreConfig struct {
	// Driver is sqlite, postgres or memory. Inferred from DSN when empty.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// BusConfig selects the message bus driver.
type BusConfig struct {
	Driver  string `yaml:"driver"`
	NATSURL string `yaml:"nats_url"`
}

// ConductorConfig locates the workflow engine task queue.
type ConductorConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// WorkerConfig tunes the task pool. The pool only runs when a conductor
// base URL is configured.
type WorkerConfig struct {
	ID                 string        `yaml:"id"`
	TaskPrefix         string        `yaml:"task_prefix"`
	Concurrency        int           `yaml:"concurrency"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	TaskTimeoutSeconds int64         `yaml:"task_timeout_seconds"`
}

// CronConfig tunes the reconciliation scheduler.
type CronConfig struct {
	Enabled        *bool         `yaml:"enabled"`
	SyncSchedule   string        `yaml:"sync_schedule"`
	HealthSchedule string        `yaml:"health_schedule"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

// HTTPConfig bounds outbound HTTP calls.
type HTTPConfig struct {
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	FetchRate     float64       `yaml:"fetch_rate"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRatio float64           `yaml:"sample_ratio"`
	Headers     map[string]string `yaml:"headers"`
}

// OwnerConfig is the RegisterOptions applied to configured sources.
type OwnerConfig struct {
	CreatorUserID string `yaml:"creator_user_id"`
	TeamID        string `yaml:"team_id"`
	Private       bool   `yaml:"private"`
}

// CronEnabled reports whether the scheduler runs (default: true).
func (c Config) CronEnabled() bool {
	return c.Cron.Enabled == nil || *c.Cron.Enabled
}

// WorkerEnabled reports whether the task pool runs.
func (c Config) WorkerEnabled() bool {
	return strings.TrimSpace(c.Conductor.BaseURL) != ""
}

// RegisterOptions returns the ownership stamped onto configured sources.
func (c Config) RegisterOptions() tool.RegisterOptions {
	return tool.RegisterOptions{
		CreatorUserID: c.Owner.CreatorUserID,
		TeamID:        c.Owner.TeamID,
		Private:       c.Owner.Private,
	}
}

// DiscoverConfigPath resolves the config location with first-match semantics.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// An explicit path must exist.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig discovers and loads the config, applies environment overrides
// and defaults. No file found is not an error.
func LoadConfig(explicitPath string) (Config, string, error) {
	path, found, err := DiscoverConfigPath(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	var cfg Config
	if found {
		cfg, err = ReadConfigFile(path)
		if err != nil {
			return Config{}, "", err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.ApplyDefaults(); err != nil {
		return Config{}, "", err
	}
	return cfg, path, nil
}

// ReadConfigFile parses one YAML config file. ${VAR} references are
// expanded before parsing; relative sqlite paths resolve against the file.
func ReadConfigFile(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if cfg.Store.DSN != "" && cfg.storeDriver() == StoreSQLite && !strings.HasPrefix(cfg.Store.DSN, "file:") {
		cfg.Store.DSN = resolveConfigRelative(filepath.Dir(path), cfg.Store.DSN)
	}
	return cfg, nil
}

// ParseConfig decodes YAML config bytes. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expandEnvValue(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays TOOLRELAY_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("TOOLRELAY_APP_ID", &c.AppID)
	str("TOOLRELAY_LISTEN", &c.Listen)
	str("TOOLRELAY_LOG_LEVEL", &c.LogLevel)
	str("TOOLRELAY_ADMIN_TOKEN", &c.AdminToken)
	str("TOOLRELAY_REDIS_URL", &c.RedisURL)
	str("TOOLRELAY_STORE_DRIVER", &c.Store.Driver)
	str("TOOLRELAY_DATABASE_DSN", &c.Store.DSN)
	str("TOOLRELAY_BUS_DRIVER", &c.Bus.Driver)
	str("TOOLRELAY_NATS_URL", &c.Bus.NATSURL)
	str("TOOLRELAY_CONDUCTOR_BASE_URL", &c.Conductor.BaseURL)
	str("TOOLRELAY_CONDUCTOR_USERNAME", &c.Conductor.Username)
	str("TOOLRELAY_CONDUCTOR_PASSWORD", &c.Conductor.Password)
	str("TOOLRELAY_WORKER_ID", &c.Worker.ID)
	str("TOOLRELAY_OTLP_ENDPOINT", &c.Tracing.Endpoint)

	if v, ok := lookup("TOOLRELAY_WORKER_CONCURRENCY"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.Worker.Concurrency = n
		}
	}
	if v, ok := lookup("TOOLRELAY_CRON_ENABLED"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.Cron.Enabled = &b
		}
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() error {
	if strings.TrimSpace(c.AppID) == "" {
		c.AppID = defaultAppID
	}
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Store.Driver = c.storeDriver()
	if c.Store.Driver == StoreSQLite && c.Store.DSN == "" {
		path, err := tool.DefaultSQLitePath()
		if err != nil {
			return err
		}
		c.Store.DSN = path
	}
	if c.Cron.SyncSchedule == "" {
		c.Cron.SyncSchedule = tool.DefaultSyncSchedule
	}
	if c.Cron.HealthSchedule == "" {
		c.Cron.HealthSchedule = tool.DefaultHealthSchedule
	}
	return nil
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	if c.AppID == "" || strings.ContainsAny(c.AppID, ": \t") {
		return fmt.Errorf("app_id: %q must be non-empty without colons or spaces", c.AppID)
	}
	switch c.storeDriver() {
	case StoreSQLite, StoreMemory:
	case StorePostgres:
		if c.Store.DSN == "" {
			return errors.New("store: postgres requires dsn")
		}
	default:
		return fmt.Errorf("store: unsupported driver %q", c.Store.Driver)
	}
	switch strings.ToLower(c.Bus.Driver) {
	case "", coord.BusMemory, coord.BusRedis:
		if strings.EqualFold(c.Bus.Driver, coord.BusRedis) && c.RedisURL == "" {
			return errors.New("bus: redis driver requires redis_url")
		}
	case coord.BusNATS:
		if c.Bus.NATSURL == "" {
			return errors.New("bus: nats driver requires nats_url")
		}
	default:
		return fmt.Errorf("bus: unsupported driver %q", c.Bus.Driver)
	}
	if c.Worker.Concurrency < 0 {
		return errors.New("worker: concurrency must not be negative")
	}
	if c.CronEnabled() {
		if _, err := tool.ParseSchedule(c.Cron.SyncSchedule); err != nil {
			return fmt.Errorf("cron: sync_schedule: %w", err)
		}
		if _, err := tool.ParseSchedule(c.Cron.HealthSchedule); err != nil {
			return fmt.Errorf("cron: health_schedule: %w", err)
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New("tracing: sample_ratio must be within [0,1]")
	}
	return nil
}

// Warnings lists settings that are valid but only safe on a single node.
func (c Config) Warnings() []string {
	var out []string
	if c.RedisURL == "" {
		out = append(out, "redis_url is empty: locks, cache and rate limits are process-local (single node only)")
	}
	if c.storeDriver() != StorePostgres && c.RedisURL != "" {
		out = append(out, "redis_url is set but the store is not postgres: replicas will not share registry state")
	}
	if c.AdminToken == "" {
		out = append(out, "admin_token is empty: /api routes are unauthenticated")
	}
	return out
}

func (c Config) storeDriver() string {
	driver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if driver != "" {
		return driver
	}
	if strings.HasPrefix(c.Store.DSN, "postgres://") || strings.HasPrefix(c.Store.DSN, "postgresql://") {
		return StorePostgres
	}
	return StoreSQLite
}

func expandEnvValue(value string) string {
	return os.ExpandEnv(value)
}

func resolveConfigRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
