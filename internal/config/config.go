package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HOMEOSTAT"

const (
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Config models homeostat.yml.
type Config struct {
	Regulator RegulatorConfig `yaml:"regulator" json:"regulator"`
	Allowlist AllowlistConfig `yaml:"allowlist" json:"allowlist"`
	GitHub    GitHubConfig    `yaml:"github" json:"github"`
	Ledger    LedgerConfig    `yaml:"ledger" json:"ledger"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Server    ServerConfig    `yaml:"server" json:"server"`
}

type RegulatorConfig struct {
	// BoundaryOrganismIDs empty means every composition parent is a boundary.
	BoundaryOrganismIDs    []string `yaml:"boundary_organism_ids" json:"boundary_organism_ids"`
	RunnerUserID           string   `yaml:"runner_user_id" json:"runner_user_id"`
	Workers                int      `yaml:"workers" json:"workers"`
	ActionConcurrency      int      `yaml:"action_concurrency" json:"action_concurrency"`
	DefaultCooldownSeconds int      `yaml:"default_cooldown_seconds" json:"default_cooldown_seconds"`
	Schedule               string   `yaml:"schedule" json:"schedule"`
}

type AllowlistConfig struct {
	Repositories    []string `yaml:"repositories" json:"repositories"`
	BaseBranches    []string `yaml:"base_branches" json:"base_branches"`
	TargetOrganisms []string `yaml:"target_organisms" json:"target_organisms"`
}

type GitHubConfig struct {
	APIURL string `yaml:"api_url" json:"api_url"`
	Token  string `yaml:"token" json:"-"`
}

type LedgerConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace" json:"namespace"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr" json:"addr"`
	JWTSecret   string   `yaml:"jwt_secret" json:"-"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "homeostat.yml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads homeostat.yml from workspace over the defaults. A missing file
// yields the defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Resolve loads the workspace config, applies environment overrides from v,
// and validates the result.
func Resolve(workspace string, v *viper.Viper) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		return nil, err
	}
	if v != nil {
		ApplyEnv(cfg, v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses raw YAML over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env maps config keys to the variables that override them.
var env = map[string]string{
	"regulator.boundary_organism_ids":    "HOMEOSTAT_REGULATOR_BOUNDARY_ORGANISM_IDS",
	"regulator.runner_user_id":           "HOMEOSTAT_REGULATOR_RUNNER_USER_ID",
	"regulator.workers":                  "HOMEOSTAT_REGULATOR_WORKERS",
	"regulator.action_concurrency":       "HOMEOSTAT_REGULATOR_ACTION_CONCURRENCY",
	"regulator.default_cooldown_seconds": "HOMEOSTAT_REGULATOR_DEFAULT_COOLDOWN_SECONDS",
	"regulator.schedule":                 "HOMEOSTAT_REGULATOR_SCHEDULE",
	"allowlist.repositories":             "HOMEOSTAT_ALLOWLIST_REPOSITORIES",
	"allowlist.base_branches":            "HOMEOSTAT_ALLOWLIST_BASE_BRANCHES",
	"allowlist.target_organisms":         "HOMEOSTAT_ALLOWLIST_TARGET_ORGANISMS",
	"github.api_url":                     "HOMEOSTAT_GITHUB_API_URL",
	"github.token":                       "HOMEOSTAT_GITHUB_TOKEN",
	"ledger.driver":                      "HOMEOSTAT_LEDGER_DRIVER",
	"ledger.dsn":                         "HOMEOSTAT_LEDGER_DSN",
	"metrics.namespace":                  "HOMEOSTAT_METRICS_NAMESPACE",
	"server.addr":                        "HOMEOSTAT_SERVER_ADDR",
	"server.jwt_secret":                  "HOMEOSTAT_JWT_SECRET",
	"server.cors_origins":                "HOMEOSTAT_SERVER_CORS_ORIGINS",
}

// BindEnv registers every override variable on v.
func BindEnv(v *viper.Viper) {
	for key, name := range env {
		_ = v.BindEnv(key, name)
	}
}

// ApplyEnv copies every override set on v into cfg. List values are
// comma-separated.
func ApplyEnv(cfg *Config, v *viper.Viper) {
	BindEnv(v)
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = strings.TrimSpace(v.GetString(key))
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	list := func(key string, dst *[]string) {
		if v.IsSet(key) {
			*dst = SplitList(v.GetString(key))
		}
	}
	list("regulator.boundary_organism_ids", &cfg.Regulator.BoundaryOrganismIDs)
	str("regulator.runner_user_id", &cfg.Regulator.RunnerUserID)
	num("regulator.workers", &cfg.Regulator.Workers)
	num("regulator.action_concurrency", &cfg.Regulator.ActionConcurrency)
	num("regulator.default_cooldown_seconds", &cfg.Regulator.DefaultCooldownSeconds)
	str("regulator.schedule", &cfg.Regulator.Schedule)
	list("allowlist.repositories", &cfg.Allowlist.Repositories)
	list("allowlist.base_branches", &cfg.Allowlist.BaseBranches)
	list("allowlist.target_organisms", &cfg.Allowlist.TargetOrganisms)
	str("github.api_url", &cfg.GitHub.APIURL)
	str("github.token", &cfg.GitHub.Token)
	str("ledger.driver", &cfg.Ledger.Driver)
	str("ledger.dsn", &cfg.Ledger.DSN)
	str("metrics.namespace", &cfg.Metrics.Namespace)
	str("server.addr", &cfg.Server.Addr)
	str("server.jwt_secret", &cfg.Server.JWTSecret)
	list("server.cors_origins", &cfg.Server.CORSOrigins)
}

// SplitList splits a comma-separated value, dropping blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	r := c.Regulator
	if strings.TrimSpace(r.RunnerUserID) == "" {
		return fmt.Errorf("config.regulator.runner_user_id is required")
	}
	if r.Workers < 1 {
		return fmt.Errorf("config.regulator.workers must be at least 1")
	}
	if r.ActionConcurrency < 1 {
		return fmt.Errorf("config.regulator.action_concurrency must be at least 1")
	}
	if r.DefaultCooldownSeconds < 0 {
		return fmt.Errorf("config.regulator.default_cooldown_seconds must not be negative")
	}
	if r.Schedule != "" {
		if _, err := cron.ParseStandard(r.Schedule); err != nil {
			return fmt.Errorf("config.regulator.schedule %q: %w", r.Schedule, err)
		}
	}
	for _, id := range r.BoundaryOrganismIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("config.regulator.boundary_organism_ids contains an empty id")
		}
	}
	for _, repo := range c.Allowlist.Repositories {
		if repo != "*" && strings.Count(repo, "/") != 1 {
			return fmt.Errorf("allowlisted repository %q must be owner/name", repo)
		}
	}
	if c.GitHub.APIURL != "" {
		u, err := url.Parse(c.GitHub.APIURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.github.api_url %q is not an absolute url", c.GitHub.APIURL)
		}
	}
	switch c.Ledger.Driver {
	case LedgerSQLite:
	case LedgerPostgres:
		if c.Ledger.DSN == "" {
			return fmt.Errorf("config.ledger.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config.ledger.driver must be sqlite or postgres")
	}
	if strings.TrimSpace(c.Metrics.Namespace) == "" {
		return fmt.Errorf("config.metrics.namespace is required")
	}
	return nil
}

const defaultTemplate = `regulator:
  # empty: every organism with composed children is a boundary
  boundary_organism_ids: []
  runner_user_id: system:regulator
  workers: 4
  action_concurrency: 1
  default_cooldown_seconds: 300
  # standard cron expression; empty disables scheduled cycles
  schedule: ""

# direct side effects are denied unless listed; "*" allows everything
allowlist:
  repositories: []
  base_branches: []
  target_organisms: []

github:
  api_url: https://api.github.com
  token: ""

ledger:
  driver: sqlite
  dsn: ""

metrics:
  namespace: homeostat

server:
  addr: ":8080"
  jwt_secret: ""
  cors_origins: []
`
