package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
unique_secret_key: s3cret
matrix:
  homeserver_url: http://localhost:8008
  domain: example.org
  botname: gitter
  appservice_port: 8445
  appservice_token: as-token
  homeserver_token: hs-token
gitter:
  login_port: 8446
  login_url: https://bridge.example.org
  oauth_key: key
  oauth_secret: secret
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Matrix.HomeserverURL != "http://localhost:8008/" {
		t.Errorf("homeserver url not normalized: %q", cfg.Matrix.HomeserverURL)
	}
	if cfg.Gitter.LoginURL != "https://bridge.example.org/" {
		t.Errorf("login url not normalized: %q", cfg.Gitter.LoginURL)
	}
	if cfg.DatabasePath != "database.sqlite3" {
		t.Errorf("database path default not applied: %q", cfg.DatabasePath)
	}
	if got := cfg.BotFullname(); got != "@gitter:example.org" {
		t.Errorf("bot fullname = %q", got)
	}
}

func TestLoadRejectsSentinelSecret(t *testing.T) {
	content := strings.Replace(validConfig, "s3cret", SecretKeySentinel, 1)
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("expected error for sentinel secret key")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+"\nsurprise: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(string) string
	}{
		{"no secret key", func(s string) string { return strings.Replace(s, "unique_secret_key: s3cret", "unique_secret_key: \"\"", 1) }},
		{"no homeserver token", func(s string) string { return strings.Replace(s, "homeserver_token: hs-token", "homeserver_token: \"\"", 1) }},
		{"bad appservice port", func(s string) string { return strings.Replace(s, "appservice_port: 8445", "appservice_port: 0", 1) }},
		{"qualified botname", func(s string) string { return strings.Replace(s, "botname: gitter", "botname: \"@gitter:example.org\"", 1) }},
		{"no oauth secret", func(s string) string { return strings.Replace(s, "oauth_secret: secret", "oauth_secret: \"\"", 1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.mangle(validConfig)))
			if err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestResolveCredential(t *testing.T) {
	t.Setenv("BRIDGE_TEST_TOKEN", "resolved-value")

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"literal", "literal", false},
		{"$BRIDGE_TEST_TOKEN", "resolved-value", false},
		{"${BRIDGE_TEST_TOKEN}", "resolved-value", false},
		{"$BRIDGE_TEST_UNSET", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ResolveCredential(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ResolveCredential(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ResolveCredential(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolveCredential(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadResolvesEnvCredentials(t *testing.T) {
	t.Setenv("BRIDGE_HS_TOKEN", "from-env")
	content := strings.Replace(validConfig, "homeserver_token: hs-token", "homeserver_token: $BRIDGE_HS_TOKEN", 1)

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Matrix.HomeserverToken != "from-env" {
		t.Errorf("homeserver token = %q, want from-env", cfg.Matrix.HomeserverToken)
	}
}
