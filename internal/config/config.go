// Package config loads the vulnsync YAML configuration, overlays values from
// a .env file and the environment, and validates the result.
package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	synerr "github.com/rcourtman/vulnsync/internal/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the configuration omits a value.
const (
	DefaultMaxWorkers    = 4
	DefaultPageSize      = 100
	DefaultCachePath     = "vulnsync-cache.db"
	DefaultTimeout       = 60 * time.Second
	DefaultClosed        = "Done"
	DefaultClosedMessage = "Tenable identified the issue as resolved."
	DefaultAPIVersion    = "3"
)

// DefaultClosedStatuses are the workflow statuses treated as closed.
var DefaultClosedStatuses = []string{"Closed", "Done", "Resolved"}

// Platforms understood by the source normalizers.
const (
	PlatformTVM = "tvm"
	PlatformTSC = "tsc"
)

// DefaultPlatforms names each platform for fields flagged platform_id.
var DefaultPlatforms = map[string]string{
	PlatformTVM: "Tenable Vulnerability Management",
	PlatformTSC: "Tenable Security Center",
}

// Ticket types a field can be attached to.
const (
	TaskTypeTask    = "task"
	TaskTypeSubTask = "subtask"
)

// Config is the root configuration document.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Source SourceConfig `yaml:"source"`
	Jira   JiraConfig   `yaml:"jira"`
	Cache  CacheConfig  `yaml:"cache"`

	// path is the file the configuration was read from, used by SaveLastRun.
	path string
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console, json or auto
	File   string `yaml:"file"`
}

// SourceConfig describes where findings come from.
type SourceConfig struct {
	Platform       string `yaml:"platform"`
	FindingsPath   string `yaml:"findings_path"`
	AssetsPath     string `yaml:"assets_path"`
	DeadAssetsPath string `yaml:"dead_assets_path"`
	// SourceType is the analysis source for tsc exports (cumulative or patched).
	SourceType    string `yaml:"source_type"`
	CloseAccepted bool   `yaml:"close_accepted_risks"`
	// Platforms maps a platform to the value written into platform_id fields.
	Platforms map[string]string `yaml:"platforms"`
	// LastRun is the unix time the last successful sync started.
	LastRun int64 `yaml:"last_run"`
}

// JiraConfig holds the remote connection and ticket model.
type JiraConfig struct {
	URL         string        `yaml:"url"`
	User        string        `yaml:"api_username"`
	APIToken    string        `yaml:"api_token"`
	BearerToken string        `yaml:"bearer_token"`
	APIVersion  string        `yaml:"api_version"`
	VerifySSL   *bool         `yaml:"verify_ssl"`
	Fingerprint string        `yaml:"fingerprint"`
	Timeout     time.Duration `yaml:"timeout"`
	// DNSCacheTTL is how often cached lookups of the Jira host are refreshed.
	DNSCacheTTL time.Duration `yaml:"dns_cache_ttl"`

	MaxWorkers   int  `yaml:"max_workers"`
	PageSize     int  `yaml:"page_size"`
	MaxPages     int  `yaml:"max_pages"`
	IgnoreErrors bool `yaml:"ignore_errors"`

	Closed        string   `yaml:"closed"`
	ClosedID      string   `yaml:"closed_id"`
	ClosedMessage string   `yaml:"closed_message"`
	ClosedMap     []string `yaml:"closed_map"`

	SeverityMap   map[string]string `yaml:"severity_map"`
	PriorityBands []PriorityBand    `yaml:"priority_bands"`
	StateMap      map[string]bool   `yaml:"state_map"`

	Project  ProjectConfig  `yaml:"project"`
	Task     TaskConfig     `yaml:"task"`
	SubTask  TaskConfig     `yaml:"subtask"`
	Fields   []FieldConfig  `yaml:"fields"`
	Identity IdentityConfig `yaml:"identity"`
}

type ProjectConfig struct {
	Key string `yaml:"key"`
}

type PriorityBand struct {
	LowerBound float64 `yaml:"lower_bound"`
	Priority   string  `yaml:"priority"`
}

// TaskConfig describes one ticket type.
type TaskConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Search      []string          `yaml:"search"`
	Summary     string            `yaml:"summary"`
	Description []ParagraphConfig `yaml:"description"`
}

type ParagraphConfig struct {
	Name string `yaml:"name"`
	Attr string `yaml:"attr"`
}

// FieldConfig declares one finding attribute mapped onto a ticket field.
type FieldConfig struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Type          string   `yaml:"type"`
	Searcher      string   `yaml:"searcher"`
	ScreenTab     string   `yaml:"screen_tab"`
	Description   string   `yaml:"description"`
	Attr          string   `yaml:"attr"`
	StaticValue   string   `yaml:"static_value"`
	PlatformID    bool     `yaml:"platform_id"`
	TaskTypes     []string `yaml:"task_types"`
	MapToPriority bool     `yaml:"map_to_priority"`
	MapToState    bool     `yaml:"map_to_state"`
}

// IdentityConfig names the fields carrying the identity keys.
type IdentityConfig struct {
	RootCauseField   string `yaml:"root_cause_field"`
	InstanceKeyField string `yaml:"instance_field"`
	AssetKeyField    string `yaml:"asset_field"`
}

type CacheConfig struct {
	Path string `yaml:"path"`
}

// PlatformName returns the configured name of the source platform.
func (c *Config) PlatformName() string {
	return c.Source.Platforms[c.Source.Platform]
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// LastRunTime returns source.last_run as a time.
func (c *Config) LastRunTime() time.Time {
	if c.Source.LastRun <= 0 {
		return time.Unix(0, 0).UTC()
	}
	return time.Unix(c.Source.LastRun, 0).UTC()
}

// VerifyTLS reports whether TLS certificates are verified, defaulting to true.
func (j *JiraConfig) VerifyTLS() bool {
	return j.VerifySSL == nil || *j.VerifySSL
}

// Load reads the configuration at path. A .env file next to the config, or in
// the working directory, is loaded first so environment overrides can come
// from it.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, synerr.WrapConfigError("load_config", path, fmt.Errorf("read config file: %w", err))
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, synerr.WrapConfigError("load_config", path, err)
	}
	cfg.path = path

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, synerr.WrapConfigError("load_config", path, err)
	}

	log.Info().
		Str("config_file", path).
		Str("platform", cfg.Source.Platform).
		Str("project", cfg.Jira.Project.Key).
		Int("fields", len(cfg.Jira.Fields)).
		Msg("Loaded configuration from file")
	return cfg, nil
}

// Parse decodes a YAML document and applies defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
	if c.Source.Platform == "" {
		c.Source.Platform = PlatformTVM
	}
	c.Source.Platform = strings.ToLower(c.Source.Platform)
	if len(c.Source.Platforms) == 0 {
		c.Source.Platforms = maps.Clone(DefaultPlatforms)
	}

	j := &c.Jira
	if j.APIVersion == "" {
		j.APIVersion = DefaultAPIVersion
	}
	if j.Timeout <= 0 {
		j.Timeout = DefaultTimeout
	}
	if j.MaxWorkers <= 0 {
		j.MaxWorkers = DefaultMaxWorkers
	}
	if j.PageSize <= 0 {
		j.PageSize = DefaultPageSize
	}
	if j.Closed == "" {
		j.Closed = DefaultClosed
	}
	if j.ClosedMessage == "" {
		j.ClosedMessage = DefaultClosedMessage
	}
	if len(j.ClosedMap) == 0 {
		j.ClosedMap = append([]string(nil), DefaultClosedStatuses...)
	}
	if j.Task.Name == "" {
		j.Task.Name = "Task"
	}
	if j.SubTask.Name == "" {
		j.SubTask.Name = "Sub-task"
	}
	j.SeverityMap = lowerKeys(j.SeverityMap)
	j.StateMap = lowerKeysBool(j.StateMap)

	if c.Cache.Path == "" {
		c.Cache.Path = DefaultCachePath
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("VULNSYNC_JIRA_URL"); v != "" {
		cfg.Jira.URL = v
		log.Info().Str("url", v).Msg("Jira URL set from environment")
	}
	if v := os.Getenv("VULNSYNC_JIRA_USER"); v != "" {
		cfg.Jira.User = v
	}
	if v := os.Getenv("VULNSYNC_JIRA_TOKEN"); v != "" {
		cfg.Jira.APIToken = v
		log.Info().Msg("Jira API token set from environment")
	}
	if v := os.Getenv("VULNSYNC_JIRA_BEARER_TOKEN"); v != "" {
		cfg.Jira.BearerToken = v
		log.Info().Msg("Jira bearer token set from environment")
	}
	if v := os.Getenv("VULNSYNC_MAX_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid VULNSYNC_MAX_WORKERS %q", v)
		}
		cfg.Jira.MaxWorkers = n
		log.Info().Int("max_workers", n).Msg("Max workers set from environment")
	}
	if v := os.Getenv("VULNSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("VULNSYNC_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
		log.Info().Str("path", v).Msg("Cache path set from environment")
	}
	return nil
}

func loadDotEnv(configPath string) {
	if configPath != "" {
		envFile := filepath.Join(filepath.Dir(configPath), ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
			} else {
				log.Info().Str("file", envFile).Msg("Loaded .env file for overrides")
			}
			return
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}
}

func lowerKeys(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func lowerKeysBool(in map[string]bool) map[string]bool {
	if in == nil {
		return nil
	}
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}
