// Package config holds the runtime settings of the reconciler: which files it
// tracks, how often it scans and where it writes its trails.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/picnotebook/configwatch/internal/finding"
	"github.com/picnotebook/configwatch/internal/utils"
)

const (
	DefaultConfigFile = "configwatch.yaml"

	CacheModeWindow   = "window"
	CacheModePerEntry = "per_entry"
)

// DefaultRequiredVars lists the frontend variables that must point at the API.
var DefaultRequiredVars = []string{
	"NEXT_PUBLIC_API_URL",
	"NEXT_PUBLIC_API_BASE_URL",
	"NEXT_PUBLIC_BACKEND_URL",
	"NEXT_PUBLIC_EXPERIMENT_API_URL",
	"NEXT_PUBLIC_FILES_API_URL",
}

// Duration is a time.Duration that reads and writes "30s" style strings in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full runtime configuration.
type Config struct {
	ProjectRoot      string `yaml:"project_root"`
	DesiredStatePath string `yaml:"desired_state_path"`

	BackendCORSFile string   `yaml:"backend_cors_file"`
	FrontendEnvFile string   `yaml:"frontend_env_file"`
	FrontendSrcDir  string   `yaml:"frontend_src_dir"`
	ReloadTargets   []string `yaml:"reload_targets"`

	RequiredVars        []string `yaml:"required_vars"`
	LegacyFrontendPorts []int    `yaml:"legacy_frontend_ports"`
	ScanExcludes        []string `yaml:"scan_excludes,omitempty"`

	Interval      Duration            `yaml:"interval"`
	Debounce      Duration            `yaml:"debounce"`
	WarmUp        Duration            `yaml:"warm_up"`
	HealthTimeout Duration            `yaml:"health_timeout"`
	CacheTTL      Duration            `yaml:"cache_ttl"`
	CacheMode     string              `yaml:"cache_mode"`
	KindTTLs      map[string]Duration `yaml:"kind_ttls,omitempty"`

	AuditLogPath  string `yaml:"audit_log"`
	HistoryDBPath string `yaml:"history_db"`
	MetricsAddr   string `yaml:"metrics_addr"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file,omitempty"`

	DryRun bool `yaml:"dry_run"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		ProjectRoot:         ".",
		DesiredStatePath:    "config/desired_state.json",
		BackendCORSFile:     "mock_experiment_api.py",
		FrontendEnvFile:     "frontend/.env.local",
		FrontendSrcDir:      "frontend/src",
		ReloadTargets:       []string{"frontend/next.config.js"},
		RequiredVars:        append([]string(nil), DefaultRequiredVars...),
		LegacyFrontendPorts: []int{3000},
		Interval:            Duration(30 * time.Second),
		Debounce:            Duration(2 * time.Second),
		WarmUp:              Duration(5 * time.Second),
		HealthTimeout:       Duration(2 * time.Second),
		CacheTTL:            Duration(30 * time.Second),
		CacheMode:           CacheModeWindow,
		AuditLogPath:        "logs/configwatch.log",
		HistoryDBPath:       "data/configwatch.db",
		MetricsAddr:         "127.0.0.1:9465",
		LogLevel:            "info",
		LogFormat:           "auto",
	}
}

// Load builds a Config from defaults, the YAML file at path (when present) and
// CONFIGWATCH_* environment variables, in that order of increasing priority.
// Command-line flags are layered on top by the caller.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			log.Debug().Str("config_file", path).Msg("Loaded configuration from file")
		case errors.Is(err, os.ErrNotExist):
			log.Debug().Str("config_file", path).Msg("Config file not found; using defaults")
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = utils.SplitList(v)
		}
	}
	dur := func(key string, dst *Duration) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
		}
		*dst = Duration(d)
		return nil
	}

	str("CONFIGWATCH_PROJECT_ROOT", &c.ProjectRoot)
	str("CONFIGWATCH_DESIRED_STATE", &c.DesiredStatePath)
	str("CONFIGWATCH_CORS_FILE", &c.BackendCORSFile)
	str("CONFIGWATCH_ENV_FILE", &c.FrontendEnvFile)
	str("CONFIGWATCH_SRC_DIR", &c.FrontendSrcDir)
	list("CONFIGWATCH_RELOAD_TARGETS", &c.ReloadTargets)
	list("CONFIGWATCH_REQUIRED_VARS", &c.RequiredVars)
	list("CONFIGWATCH_SCAN_EXCLUDES", &c.ScanExcludes)
	str("CONFIGWATCH_CACHE_MODE", &c.CacheMode)
	str("CONFIGWATCH_AUDIT_LOG", &c.AuditLogPath)
	str("CONFIGWATCH_HISTORY_DB", &c.HistoryDBPath)
	str("CONFIGWATCH_LOG_LEVEL", &c.LogLevel)
	str("CONFIGWATCH_LOG_FORMAT", &c.LogFormat)
	str("CONFIGWATCH_LOG_FILE", &c.LogFile)

	str("CONFIGWATCH_METRICS_ADDR", &c.MetricsAddr)
	if strings.EqualFold(c.MetricsAddr, "off") {
		c.MetricsAddr = ""
	}

	if v := strings.TrimSpace(getenv("CONFIGWATCH_LEGACY_PORTS")); v != "" {
		ports, err := utils.ParseIntList(v)
		if err != nil {
			return fmt.Errorf("CONFIGWATCH_LEGACY_PORTS: %w", err)
		}
		c.LegacyFrontendPorts = ports
	}
	if v := strings.TrimSpace(getenv("CONFIGWATCH_DRY_RUN")); v != "" {
		c.DryRun = utils.ParseBool(v)
	}

	for key, dst := range map[string]*Duration{
		"CONFIGWATCH_INTERVAL":       &c.Interval,
		"CONFIGWATCH_DEBOUNCE":       &c.Debounce,
		"CONFIGWATCH_WARMUP":         &c.WarmUp,
		"CONFIGWATCH_HEALTH_TIMEOUT": &c.HealthTimeout,
		"CONFIGWATCH_CACHE_TTL":      &c.CacheTTL,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings the reconciler cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Interval <= 0 {
		problems = append(problems, "interval must be positive")
	}
	if c.Debounce < 0 {
		problems = append(problems, "debounce must not be negative")
	}
	if c.WarmUp < 0 {
		problems = append(problems, "warm_up must not be negative")
	}
	if c.HealthTimeout <= 0 {
		problems = append(problems, "health_timeout must be positive")
	}
	if c.CacheTTL <= 0 {
		problems = append(problems, "cache_ttl must be positive")
	}
	switch c.CacheMode {
	case CacheModeWindow, CacheModePerEntry:
	default:
		problems = append(problems, fmt.Sprintf("cache_mode %q must be %q or %q", c.CacheMode, CacheModeWindow, CacheModePerEntry))
	}
	for kind, ttl := range c.KindTTLs {
		if !finding.Kind(kind).Valid() {
			problems = append(problems, fmt.Sprintf("kind_ttls: unknown finding kind %q", kind))
		}
		if ttl <= 0 {
			problems = append(problems, fmt.Sprintf("kind_ttls.%s must be positive", kind))
		}
	}
	for _, p := range c.LegacyFrontendPorts {
		if p < 1 || p > 65535 {
			problems = append(problems, fmt.Sprintf("legacy frontend port %d out of range", p))
		}
	}
	if len(c.RequiredVars) == 0 {
		problems = append(problems, "required_vars must not be empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Resolve anchors every relative path at ProjectRoot and makes the root
// absolute.
func (c *Config) Resolve() error {
	root, err := filepath.Abs(c.ProjectRoot)
	if err != nil {
		return fmt.Errorf("resolve project root: %w", err)
	}
	c.ProjectRoot = root

	for _, p := range []*string{
		&c.DesiredStatePath,
		&c.BackendCORSFile,
		&c.FrontendEnvFile,
		&c.FrontendSrcDir,
		&c.AuditLogPath,
		&c.HistoryDBPath,
	} {
		*p = c.path(*p)
	}
	if c.LogFile != "" {
		c.LogFile = c.path(c.LogFile)
	}
	for i, target := range c.ReloadTargets {
		c.ReloadTargets[i] = c.path(target)
	}
	return nil
}

func (c *Config) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectRoot, p)
}

// Rel renders path relative to the project root when possible, for logs.
func (c *Config) Rel(path string) string {
	if rel, err := filepath.Rel(c.ProjectRoot, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

// KindTTLDurations converts the per-kind overrides to plain durations.
func (c *Config) KindTTLDurations() map[string]time.Duration {
	if len(c.KindTTLs) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.KindTTLs))
	for kind, ttl := range c.KindTTLs {
		out[kind] = ttl.Std()
	}
	return out
}

// SampleYAML renders the defaults as a commented starting point for `init`.
func SampleYAML() ([]byte, error) {
	body, err := yaml.Marshal(Defaults())
	if err != nil {
		return nil, err
	}
	header := "# configwatch runtime configuration.\n" +
		"# Relative paths are resolved against project_root.\n" +
		"# Every key can be overridden with a CONFIGWATCH_* environment variable or a flag.\n"
	return append([]byte(header), body...), nil
}
