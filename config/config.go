// Package config loads the didauthd configuration.
//
// Values come from an optional YAML file and are then overridden by
// DIDAUTH_* environment variables. Secrets have no defaults: a missing
// token, internal or instance secret fails validation.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"gopkg.in/yaml.v3"

	didauth "github.com/goliatone/go-didauth"
)

// EnvConfigPath names the config file when --config is not given
const EnvConfigPath = "DIDAUTH_CONFIG"

// Config is the daemon configuration
type Config struct {
	Auth         AuthConfig         `yaml:"auth"`
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Trace        TraceConfig        `yaml:"trace"`
	Log          LogConfig          `yaml:"log"`
}

type AuthConfig struct {
	TokenSecret       string        `yaml:"token_secret"`
	InternalSecret    string        `yaml:"internal_secret"`
	InstanceSecret    string        `yaml:"instance_secret"`
	AdminClaimCode    string        `yaml:"admin_claim_code"`
	ClaimCodeReusable bool          `yaml:"claim_code_reusable"`
	Issuer            string        `yaml:"issuer"`
	AccessTokenTTL    time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `yaml:"refresh_token_ttl"`
	FreshnessWindow   time.Duration `yaml:"freshness_window"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	CallbackURL     string        `yaml:"callback_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Debug           bool          `yaml:"debug"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig enables the shared token and nonce stores when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type ProvisioningConfig struct {
	ProvisionScript   string        `yaml:"provision_script"`
	DeprovisionScript string        `yaml:"deprovision_script"`
	Shell             string        `yaml:"shell"`
	WorkDir           string        `yaml:"work_dir"`
	LogDir            string        `yaml:"log_dir"`
	OutputGrace       time.Duration `yaml:"output_grace"`
}

type TraceConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

var _ didauth.Config = (*Config)(nil)

// Default returns a config with every non-secret value set
func Default() *Config {
	return &Config{
		Auth: AuthConfig{
			Issuer:          didauth.DefaultIssuer,
			AccessTokenTTL:  didauth.DefaultAccessTokenTTL,
			RefreshTokenTTL: didauth.DefaultRefreshTokenTTL,
			FreshnessWindow: didauth.DefaultFreshnessWindow,
		},
		Server: ServerConfig{
			Listen:          ":8080",
			CallbackURL:     "http://localhost:8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "file:didauth.db?cache=shared",
		},
		Redis: RedisConfig{
			Prefix: "didauth:",
		},
		Provisioning: ProvisioningConfig{
			Shell:       "sh",
			OutputGrace: 2 * time.Second,
		},
		Trace: TraceConfig{
			ServiceName: "didauthd",
			SampleRatio: 1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path when given, applies environment overrides and validates
// the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(c)
}

// ApplyEnv overrides values from lookup, normally os.LookupEnv
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DIDAUTH_TOKEN_SECRET":       &c.Auth.TokenSecret,
		"DIDAUTH_INTERNAL_SECRET":    &c.Auth.InternalSecret,
		"DIDAUTH_INSTANCE_SECRET":    &c.Auth.InstanceSecret,
		"DIDAUTH_ADMIN_CLAIM_CODE":   &c.Auth.AdminClaimCode,
		"DIDAUTH_ISSUER":             &c.Auth.Issuer,
		"DIDAUTH_LISTEN":             &c.Server.Listen,
		"DIDAUTH_CALLBACK_URL":       &c.Server.CallbackURL,
		"DIDAUTH_DSN":                &c.Database.DSN,
		"DIDAUTH_REDIS_ADDR":         &c.Redis.Addr,
		"DIDAUTH_REDIS_PASSWORD":     &c.Redis.Password,
		"DIDAUTH_PROVISION_SCRIPT":   &c.Provisioning.ProvisionScript,
		"DIDAUTH_DEPROVISION_SCRIPT": &c.Provisioning.DeprovisionScript,
		"DIDAUTH_PROVISION_LOG_DIR":  &c.Provisioning.LogDir,
		"DIDAUTH_TRACE_ENDPOINT":     &c.Trace.Endpoint,
		"DIDAUTH_LOG_LEVEL":          &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"DIDAUTH_ACCESS_TOKEN_TTL":  &c.Auth.AccessTokenTTL,
		"DIDAUTH_REFRESH_TOKEN_TTL": &c.Auth.RefreshTokenTTL,
		"DIDAUTH_FRESHNESS_WINDOW":  &c.Auth.FreshnessWindow,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	bools := map[string]*bool{
		"DIDAUTH_CLAIM_CODE_REUSABLE": &c.Auth.ClaimCodeReusable,
		"DIDAUTH_TRACE_ENABLED":       &c.Trace.Enabled,
		"DIDAUTH_DEBUG":               &c.Server.Debug,
	}
	for key, dst := range bools {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
	}

	if v, ok := lookup("DIDAUTH_REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DIDAUTH_REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}

	return nil
}

// Validate implements validation.Validatable
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Auth),
		validation.Field(&c.Server),
		validation.Field(&c.Database),
		validation.Field(&c.Trace),
		validation.Field(&c.Log),
	)
}

func (a AuthConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.TokenSecret, validation.Required, validation.Length(16, 0)),
		validation.Field(&a.InternalSecret, validation.Required),
		validation.Field(&a.InstanceSecret, validation.Required),
		validation.Field(&a.Issuer, validation.Required),
		validation.Field(&a.AccessTokenTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&a.RefreshTokenTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&a.FreshnessWindow, validation.Required, validation.Min(time.Second)),
	)
}

func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Listen, validation.Required),
		validation.Field(&s.CallbackURL, validation.Required),
	)
}

func (d DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.DSN, validation.Required),
	)
}

func (t TraceConfig) Validate() error {
	rules := []validation.Rule{}
	if t.Enabled {
		rules = append(rules, validation.Required)
	}
	return validation.ValidateStruct(&t,
		validation.Field(&t.Endpoint, rules...),
		validation.Field(&t.SampleRatio, validation.Min(0.0), validation.Max(1.0)),
	)
}

func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("trace", "debug", "info", "warn", "error", "fatal")),
	)
}

func (c *Config) GetTokenSecret() string {
	return c.Auth.TokenSecret
}

func (c *Config) GetInternalSecret() string {
	return c.Auth.InternalSecret
}

func (c *Config) GetAdminClaimCode() string {
	return c.Auth.AdminClaimCode
}

func (c *Config) GetInstanceSecret() string {
	return c.Auth.InstanceSecret
}

func (c *Config) GetIssuer() string {
	return c.Auth.Issuer
}

func (c *Config) GetAccessTokenTTL() time.Duration {
	return c.Auth.AccessTokenTTL
}

func (c *Config) GetRefreshTokenTTL() time.Duration {
	return c.Auth.RefreshTokenTTL
}

func (c *Config) GetFreshnessWindow() time.Duration {
	return c.Auth.FreshnessWindow
}

func (c *Config) GetCallbackURL() string {
	return c.Server.CallbackURL
}

func (c *Config) GetClaimCodeReusable() bool {
	return c.Auth.ClaimCodeReusable
}
