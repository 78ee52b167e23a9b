package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jinzhu/inflection"
	"gopkg.in/yaml.v3"
)

// PathEnv names the environment variable pointing at an optional YAML config file.
const PathEnv = "ACTIVITYLOG_CONFIG_PATH"

// Config defines server configuration.
// Values come from an optional YAML file; environment variables override them.
// Secrets are only read from the environment.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	DB        DBConfig             `yaml:"db"`
	Log       LogConfig            `yaml:"log"`
	Auth      AuthConfig           `yaml:"auth"`
	Activity  ActivityLoggerConfig `yaml:"activity"`
	Blueprint BlueprintConfig      `yaml:"blueprint"`
	MCP       MCPConfig            `yaml:"mcp"`
}

type ServerConfig struct {
	Host string `yaml:"host" env:"ACTIVITYLOG_SERVER_HOST" env-default:"0.0.0.0"`
	Port int    `yaml:"port" env:"ACTIVITYLOG_SERVER_PORT" env-default:"8080"`
}

type DBConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" env:"ACTIVITYLOG_DB_DRIVER" env-default:"sqlite"`
	Path   string `yaml:"path" env:"ACTIVITYLOG_DB_PATH" env-default:"activitylog.db"`
	// DSN is the Postgres connection string; it may carry a password.
	DSN string `yaml:"-" env:"ACTIVITYLOG_DB_DSN"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"ACTIVITYLOG_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"ACTIVITYLOG_LOG_FORMAT" env-default:"json"`
	// Path enables a size-capped log file instead of stdout.
	Path string `yaml:"path" env:"ACTIVITYLOG_LOG_PATH"`
}

type AuthConfig struct {
	// APIKeys enables the X-Api-Key principal middleware.
	APIKeys bool `yaml:"api_keys" env:"ACTIVITYLOG_AUTH_API_KEYS"`

	// TokenSecret enables HMAC bearer token verification.
	TokenSecret string `yaml:"-" env:"ACTIVITYLOG_AUTH_TOKEN_SECRET"`
	TokenIssuer string `yaml:"token_issuer" env:"ACTIVITYLOG_AUTH_TOKEN_ISSUER"`
	// JWKSURL enables bearer token verification against a remote key set.
	JWKSURL string `yaml:"jwks_url" env:"ACTIVITYLOG_AUTH_JWKS_URL"`

	SessionSecret string `yaml:"-" env:"ACTIVITYLOG_AUTH_SESSION_SECRET"`
	SessionCookie string `yaml:"session_cookie" env:"ACTIVITYLOG_AUTH_SESSION_COOKIE" env-default:"activitylog_session"`
	// SessionSecure marks the session cookie Secure. Enable it behind TLS only:
	// clients do not return Secure cookies over plain HTTP.
	SessionSecure bool `yaml:"session_secure" env:"ACTIVITYLOG_AUTH_SESSION_SECURE"`
}

// ActivityLoggerConfig controls which mutations are audited.
type ActivityLoggerConfig struct {
	// Models is the allow-list of audited entity types. Empty means nothing is tracked.
	Models []string `yaml:"models" env:"ACTIVITYLOG_ACTIVITY_MODELS" env-separator:","`
	// TrackData controls whether before/after snapshots are captured.
	TrackData bool `yaml:"track_data" env:"ACTIVITYLOG_ACTIVITY_TRACK_DATA"`
	// InterceptGenericCRUD installs the interceptor on the blueprint layer.
	InterceptGenericCRUD bool `yaml:"include_blueprints" env:"ACTIVITYLOG_ACTIVITY_INCLUDE_BLUEPRINTS"`
	// ExcludeFields are never diffed.
	ExcludeFields []string `yaml:"exclude_fields" env:"ACTIVITYLOG_ACTIVITY_EXCLUDE_FIELDS" env-separator:"," env-default:"updated_at"`
}

// BlueprintConfig lists the entity types served by the generic CRUD layer.
type BlueprintConfig struct {
	Models []string `yaml:"models" env:"ACTIVITYLOG_BLUEPRINT_MODELS" env-separator:"," env-default:"user"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled" env:"ACTIVITYLOG_MCP_ENABLED"`
}

// Load reads configuration from the file named by ACTIVITYLOG_CONFIG_PATH, if any,
// and environment variables.
func Load() (Config, error) {
	return LoadFile(os.Getenv(PathEnv))
}

// LoadFile reads configuration from path (skipped when empty) with environment overrides.
func LoadFile(path string) (Config, error) {
	// Booleans that default to true are seeded here: env-default would also
	// overwrite an explicit false from the file.
	cfg := Config{
		Auth:     AuthConfig{APIKeys: true},
		Activity: ActivityLoggerConfig{TrackData: true, InterceptGenericCRUD: true},
		MCP:      MCPConfig{Enabled: true},
	}
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read config env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Activity.Models = entityTypes(c.Activity.Models)
	c.Activity.ExcludeFields = trimAll(c.Activity.ExcludeFields)
	c.Blueprint.Models = entityTypes(c.Blueprint.Models)
}

// entityTypes lowercases and singularises model names the way the CRUD layer
// names entity types, so "Posts" in either list matches the "post" route.
func entityTypes(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range trimAll(values) {
		name := inflection.Singular(strings.ToLower(v))
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate checks the configuration for values the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			errs = append(errs, errors.New("db.path is required for sqlite"))
		}
	case "postgres":
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("ACTIVITYLOG_DB_DSN is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("db.driver %q must be sqlite or postgres", c.DB.Driver))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if c.Auth.TokenSecret != "" && c.Auth.JWKSURL != "" {
		errs = append(errs, errors.New("auth: configure either a token secret or a JWKS URL, not both"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WriteYAML writes the effective configuration. Secrets are omitted.
func (c Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
