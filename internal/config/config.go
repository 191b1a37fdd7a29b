// Package config loads the nss-keycloak configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"nsskeycloak/internal/keycloak"
)

const (
	// PathEnv names the environment variable holding the config file path.
	PathEnv = "NSSKEYCLOAK_CONFIG_FILE"
	// DefaultPath is used when PathEnv is unset.
	DefaultPath = "/etc/nss-keycloak/config.toml"

	defaultAddr           = "127.0.0.1:8089"
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100

	// minRequestTimeout rejects bare integers, which decode as nanoseconds.
	minRequestTimeout = 100 * time.Millisecond
)

// Config is the complete configuration file.
type Config struct {
	Keycloak Keycloak `toml:"keycloak" yaml:"keycloak"`
	Mapping  Mapping  `toml:"mapping" yaml:"mapping"`
	Server   Server   `toml:"server" yaml:"server"`
}

// Keycloak holds the provider connection settings.
type Keycloak struct {
	URL            string        `toml:"url" yaml:"url"`
	Realm          string        `toml:"realm" yaml:"realm"`
	ClientID       string        `toml:"client_id" yaml:"client_id"`
	ClientSecret   string        `toml:"client_secret" yaml:"client_secret"`
	Username       string        `toml:"username" yaml:"username"`
	Password       string        `toml:"password" yaml:"password"`
	RequestTimeout time.Duration `toml:"request_timeout" yaml:"request_timeout"`
	Discovery      bool          `toml:"discovery" yaml:"discovery"`
}

// Mapping names the provider attributes for each mapped field.
type Mapping struct {
	UserHome  string `toml:"user_home" yaml:"user_home"`
	UserShell string `toml:"user_shell" yaml:"user_shell"`
	UserGecos string `toml:"user_gecos" yaml:"user_gecos"`
	UserUID   string `toml:"user_uid" yaml:"user_uid"`
	UserGID   string `toml:"user_gid" yaml:"user_gid"`
	GroupGID  string `toml:"group_gid" yaml:"group_gid"`
}

// Server configures the lookup HTTP service.
type Server struct {
	Addr           string  `toml:"addr" yaml:"addr"`
	RateLimitRPS   float64 `toml:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// Path returns the config file path from PathEnv, or DefaultPath.
func Path() string {
	if v := os.Getenv(PathEnv); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the file at path, applies environment overrides and validates
// the result. Files ending in .yaml or .yml are YAML, anything else TOML.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Keycloak: Keycloak{RequestTimeout: keycloak.DefaultRequestTimeout},
		Server: Server{
			Addr:           defaultAddr,
			RateLimitRPS:   defaultRateLimitRPS,
			RateLimitBurst: defaultRateLimitBurst,
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		_, err := toml.Decode(string(data), cfg)
		return err
	}
}

// applyEnv overrides file values with NSSKEYCLOAK_* environment variables.
func (c *Config) applyEnv() error {
	for env, field := range map[string]*string{
		"NSSKEYCLOAK_URL":           &c.Keycloak.URL,
		"NSSKEYCLOAK_REALM":         &c.Keycloak.Realm,
		"NSSKEYCLOAK_CLIENT_ID":     &c.Keycloak.ClientID,
		"NSSKEYCLOAK_CLIENT_SECRET": &c.Keycloak.ClientSecret,
		"NSSKEYCLOAK_USERNAME":      &c.Keycloak.Username,
		"NSSKEYCLOAK_PASSWORD":      &c.Keycloak.Password,
		"NSSKEYCLOAK_ADDR":          &c.Server.Addr,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
	if v := os.Getenv("NSSKEYCLOAK_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("NSSKEYCLOAK_REQUEST_TIMEOUT: %w", err)
		}
		c.Keycloak.RequestTimeout = d
	}
	return nil
}

// Validate checks that required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	required := []struct {
		name  string
		value string
	}{
		{"keycloak.url", c.Keycloak.URL},
		{"keycloak.realm", c.Keycloak.Realm},
		{"keycloak.client_id", c.Keycloak.ClientID},
		{"mapping.user_home", c.Mapping.UserHome},
		{"mapping.user_shell", c.Mapping.UserShell},
		{"mapping.user_gecos", c.Mapping.UserGecos},
		{"mapping.user_uid", c.Mapping.UserUID},
		{"mapping.user_gid", c.Mapping.UserGID},
		{"mapping.group_gid", c.Mapping.GroupGID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}
	if (c.Keycloak.Username == "") != (c.Keycloak.Password == "") {
		errs = append(errs, errors.New("keycloak.username and keycloak.password must be set together"))
	}
	if c.Keycloak.RequestTimeout < minRequestTimeout {
		errs = append(errs, fmt.Errorf("keycloak.request_timeout %s is below %s; use a duration string such as \"10s\"",
			c.Keycloak.RequestTimeout, minRequestTimeout))
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, errors.New("server rate limits must not be negative"))
	}
	return errors.Join(errs...)
}

// Provider converts the [keycloak] table.
func (c *Config) Provider() keycloak.ProviderConfig {
	return keycloak.ProviderConfig{
		URL:            c.Keycloak.URL,
		Realm:          c.Keycloak.Realm,
		ClientID:       c.Keycloak.ClientID,
		ClientSecret:   c.Keycloak.ClientSecret,
		Username:       c.Keycloak.Username,
		Password:       c.Keycloak.Password,
		RequestTimeout: c.Keycloak.RequestTimeout,
		Discovery:      c.Keycloak.Discovery,
	}
}

// AttributeMapping converts the [mapping] table.
func (c *Config) AttributeMapping() keycloak.AttributeMapping {
	return keycloak.AttributeMapping{
		UserHome:  c.Mapping.UserHome,
		UserShell: c.Mapping.UserShell,
		UserGecos: c.Mapping.UserGecos,
		UserUID:   c.Mapping.UserUID,
		UserGID:   c.Mapping.UserGID,
		GroupGID:  c.Mapping.GroupGID,
	}
}
