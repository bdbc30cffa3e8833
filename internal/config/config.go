// Package config loads server settings.
//
// Sources are applied in order, later ones winning: built-in defaults, an
// optional YAML file (--config or OUTPASS_CONFIG), a .env file, OUTPASS_*
// environment variables and finally command-line flags.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "OUTPASS_"

// Limiter backends.
const (
	LimiterPostgres = "postgres"
	LimiterRedis    = "redis"
	LimiterNone     = "none"
)

// Config is the server configuration.
type Config struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"` // empty disables the HTTP gateway

	// DSN of the PostgreSQL database. Empty runs on the in-memory store.
	DSN string `yaml:"dsn"`

	JWTKey           string `yaml:"jwt_key"`
	CredentialSecret string `yaml:"credential_secret"` // 32 bytes, hex or base64

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	LateWindow   time.Duration `yaml:"late_window"`
	MonthlyQuota int           `yaml:"monthly_quota"` // 0 disables

	Limiter LimiterConfig `yaml:"limiter"`

	// Dev allows plaintext gRPC and enables development logging.
	Dev bool `yaml:"dev"`
}

// LimiterConfig configures scan lockouts.
type LimiterConfig struct {
	Backend  string        `yaml:"backend"` // empty picks postgres with a DSN, none without
	RedisURL string        `yaml:"redis_url"`
	Window   time.Duration `yaml:"window"`
	MaxFails int           `yaml:"max_fails"`
	BlockFor time.Duration `yaml:"block_for"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		GRPCAddr:     ":8443",
		HTTPAddr:     ":8080",
		LateWindow:   time.Hour,
		MonthlyQuota: 6,
		Limiter: LimiterConfig{
			Window:   15 * time.Minute,
			MaxFails: 5,
			BlockFor: 15 * time.Minute,
		},
	}
}

type field struct {
	name  string
	usage string
	ptr   any
}

func (c *Config) fields() []field {
	return []field{
		{"grpc-addr", "gRPC listen address", &c.GRPCAddr},
		{"http-addr", "HTTP gateway listen address (empty disables)", &c.HTTPAddr},
		{"dsn", "PostgreSQL DSN (empty uses the in-memory store)", &c.DSN},
		{"jwt-key", "HS256 key shared with the identity provider", &c.JWTKey},
		{"credential-secret", "32-byte credential sealing secret, hex or base64", &c.CredentialSecret},
		{"tls-cert", "TLS certificate (PEM)", &c.TLSCert},
		{"tls-key", "TLS private key (PEM)", &c.TLSKey},
		{"late-window", "departure window granted by a late re-issue", &c.LateWindow},
		{"monthly-quota", "approved passes per student per month (0 disables)", &c.MonthlyQuota},
		{"limiter-backend", "scan limiter backend (postgres|redis|none)", &c.Limiter.Backend},
		{"redis-url", "Redis URL for the redis limiter", &c.Limiter.RedisURL},
		{"limiter-window", "failed scan counting window", &c.Limiter.Window},
		{"limiter-max-fails", "failed scans before a lockout", &c.Limiter.MaxFails},
		{"limiter-block", "lockout duration", &c.Limiter.BlockFor},
		{"dev", "development mode", &c.Dev},
	}
}

// EnvName returns the environment variable bound to a flag name.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// Load builds the configuration from args (without the program name) and
// lookup, typically os.LookupEnv.
func Load(args []string, lookup func(string) (string, bool)) (Config, error) {
	var fl Config
	fs := pflag.NewFlagSet("outpass-server", pflag.ContinueOnError)
	cfgPath := fs.String("config", "", "YAML config file")
	envFile := fs.String("env-file", ".env", "dotenv file, ignored when missing")
	def := Default()
	defFields := def.fields()
	for i, f := range fl.fields() {
		switch p := f.ptr.(type) {
		case *string:
			fs.StringVar(p, f.name, *defFields[i].ptr.(*string), f.usage)
		case *int:
			fs.IntVar(p, f.name, *defFields[i].ptr.(*int), f.usage)
		case *bool:
			fs.BoolVar(p, f.name, *defFields[i].ptr.(*bool), f.usage)
		case *time.Duration:
			fs.DurationVar(p, f.name, *defFields[i].ptr.(*time.Duration), f.usage)
		}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	dotenv, err := readDotenv(*envFile)
	if err != nil {
		return Config{}, err
	}
	get := func(name string) (string, bool) {
		if v, ok := lookup(name); ok {
			return v, true
		}
		v, ok := dotenv[name]
		return v, ok
	}

	cfg := Default()
	path := *cfgPath
	if path == "" {
		path, _ = get(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	for _, f := range cfg.fields() {
		v, ok := get(EnvName(f.name))
		if !ok {
			continue
		}
		if err := set(f.ptr, v); err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvName(f.name), err)
		}
	}

	flagged := fl.fields()
	for i, f := range cfg.fields() {
		if fs.Changed(f.name) {
			copyValue(f.ptr, flagged[i].ptr)
		}
	}
	if cfg.Limiter.Backend == "" {
		cfg.Limiter.Backend = LimiterNone
		if cfg.DSN != "" {
			cfg.Limiter.Backend = LimiterPostgres
		}
	}
	return cfg, cfg.Validate()
}

func readDotenv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	m, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return m, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func set(ptr any, v string) error {
	switch p := ptr.(type) {
	case *string:
		*p = v
	case *int:
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
	case *bool:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
	case *time.Duration:
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
	}
	return nil
}

func copyValue(dst, src any) {
	switch d := dst.(type) {
	case *string:
		*d = *src.(*string)
	case *int:
		*d = *src.(*int)
	case *bool:
		*d = *src.(*bool)
	case *time.Duration:
		*d = *src.(*time.Duration)
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var problems []error
	if c.GRPCAddr == "" {
		problems = append(problems, errors.New("grpc-addr is required"))
	}
	if c.JWTKey == "" {
		problems = append(problems, errors.New("jwt-key is required"))
	}
	if _, err := c.Secret(); err != nil {
		problems = append(problems, err)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		problems = append(problems, errors.New("tls-cert and tls-key go together"))
	}
	if c.TLSCert == "" && !c.Dev {
		problems = append(problems, errors.New("tls-cert/tls-key are required outside dev mode"))
	}
	if c.LateWindow <= 0 {
		problems = append(problems, errors.New("late-window must be positive"))
	}
	if c.MonthlyQuota < 0 {
		problems = append(problems, errors.New("monthly-quota must not be negative"))
	}
	switch c.Limiter.Backend {
	case LimiterPostgres:
		if c.DSN == "" {
			problems = append(problems, errors.New("postgres limiter needs a dsn"))
		}
	case LimiterRedis:
		if c.Limiter.RedisURL == "" {
			problems = append(problems, errors.New("redis limiter needs redis-url"))
		}
	case LimiterNone:
	default:
		problems = append(problems, fmt.Errorf("unknown limiter backend %q", c.Limiter.Backend))
	}
	if c.Limiter.Backend != LimiterNone &&
		(c.Limiter.Window <= 0 || c.Limiter.MaxFails <= 0 || c.Limiter.BlockFor <= 0) {
		problems = append(problems, errors.New("limiter settings must be positive"))
	}
	return errors.Join(problems...)
}

// Secret decodes CredentialSecret.
func (c Config) Secret() ([]byte, error) {
	return DecodeSecret(c.CredentialSecret)
}

// DecodeSecret accepts 32 bytes encoded as hex or base64 (std or URL, padded or not).
func DecodeSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("credential-secret is required")
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == 32 {
			return b, nil
		}
	}
	return nil, errors.New("credential-secret must be 32 bytes, hex or base64")
}
