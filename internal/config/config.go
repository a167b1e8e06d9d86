package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SecretKeySentinel is the placeholder shipped in the example config. The
// bridge refuses to start while the secret key still holds this value,
// because the OAuth state HMAC would be forgeable.
const SecretKeySentinel = "change this before running"

const (
	defaultConfigPath   = "settings.yaml"
	defaultDatabasePath = "database.sqlite3"
)

type Config struct {
	UniqueSecretKey string       `yaml:"unique_secret_key"`
	DatabasePath    string       `yaml:"database_path"`
	Debug           bool         `yaml:"debug"`
	Matrix          MatrixConfig `yaml:"matrix"`
	Gitter          GitterConfig `yaml:"gitter"`
}

type MatrixConfig struct {
	HomeserverURL   string `yaml:"homeserver_url"`
	Domain          string `yaml:"domain"`
	Botname         string `yaml:"botname"`
	AppservicePort  int    `yaml:"appservice_port"`
	AppserviceToken string `yaml:"appservice_token"`
	HomeserverToken string `yaml:"homeserver_token"`
}

type GitterConfig struct {
	LoginPort   int    `yaml:"login_port"`
	LoginURL    string `yaml:"login_url"`
	OAuthKey    string `yaml:"oauth_key"`
	OAuthSecret string `yaml:"oauth_secret"`
}

// BotFullname is the fully qualified Matrix ID of the bridge bot.
func (c Config) BotFullname() string {
	return "@" + c.Matrix.Botname + ":" + c.Matrix.Domain
}

// DefaultConfigPath returns the config file looked up when -config is not
// given. The bridge runs out of its working directory.
func DefaultConfigPath() string {
	return defaultConfigPath
}

// ResolveCredential resolves a config value that may reference an
// environment variable ("$NAME" or "${NAME}") instead of holding the secret
// inline.
func ResolveCredential(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", errors.New("credential value cannot be empty")
	}

	if strings.HasPrefix(trimmed, "$") {
		envName := strings.TrimPrefix(trimmed, "$")
		envName = strings.TrimPrefix(envName, "{")
		envName = strings.TrimSuffix(envName, "}")
		envName = strings.TrimSpace(envName)
		if envName == "" {
			return "", errors.New("credential env reference is invalid")
		}

		resolved := strings.TrimSpace(os.Getenv(envName))
		if resolved == "" {
			return "", fmt.Errorf("environment variable %q is not set", envName)
		}

		return resolved, nil
	}

	return trimmed, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return resolve(cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaultDatabasePath
	}

	if cfg.Matrix.HomeserverURL != "" && !strings.HasSuffix(cfg.Matrix.HomeserverURL, "/") {
		cfg.Matrix.HomeserverURL += "/"
	}

	if cfg.Gitter.LoginURL != "" && !strings.HasSuffix(cfg.Gitter.LoginURL, "/") {
		cfg.Gitter.LoginURL += "/"
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.UniqueSecretKey) == "" {
		return errors.New("unique_secret_key is required")
	}
	if cfg.UniqueSecretKey == SecretKeySentinel {
		return errors.New("unique_secret_key still holds the placeholder value; change it before running")
	}

	if cfg.Matrix.HomeserverURL == "" {
		return errors.New("matrix.homeserver_url is required")
	}
	if cfg.Matrix.Domain == "" {
		return errors.New("matrix.domain is required")
	}
	if cfg.Matrix.Botname == "" {
		return errors.New("matrix.botname is required")
	}
	if strings.ContainsAny(cfg.Matrix.Botname, "@:") {
		return fmt.Errorf("matrix.botname must be a bare localpart, got %q", cfg.Matrix.Botname)
	}
	if cfg.Matrix.AppservicePort <= 0 || cfg.Matrix.AppservicePort > 65535 {
		return fmt.Errorf("matrix.appservice_port %d is out of range", cfg.Matrix.AppservicePort)
	}
	if cfg.Matrix.AppserviceToken == "" {
		return errors.New("matrix.appservice_token is required")
	}
	if cfg.Matrix.HomeserverToken == "" {
		return errors.New("matrix.homeserver_token is required")
	}

	if cfg.Gitter.LoginPort <= 0 || cfg.Gitter.LoginPort > 65535 {
		return fmt.Errorf("gitter.login_port %d is out of range", cfg.Gitter.LoginPort)
	}
	if cfg.Gitter.LoginURL == "" {
		return errors.New("gitter.login_url is required")
	}
	if cfg.Gitter.OAuthKey == "" {
		return errors.New("gitter.oauth_key is required")
	}
	if cfg.Gitter.OAuthSecret == "" {
		return errors.New("gitter.oauth_secret is required")
	}

	return nil
}

// resolve expands $ENV references in the secret-bearing fields.
func resolve(cfg Config) (Config, error) {
	fields := []struct {
		name  string
		value *string
	}{
		{"unique_secret_key", &cfg.UniqueSecretKey},
		{"matrix.appservice_token", &cfg.Matrix.AppserviceToken},
		{"matrix.homeserver_token", &cfg.Matrix.HomeserverToken},
		{"gitter.oauth_key", &cfg.Gitter.OAuthKey},
		{"gitter.oauth_secret", &cfg.Gitter.OAuthSecret},
	}

	for _, f := range fields {
		resolved, err := ResolveCredential(*f.value)
		if err != nil {
			return Config{}, fmt.Errorf("resolve %s: %w", f.name, err)
		}
		*f.value = resolved
	}

	return cfg, nil
}
