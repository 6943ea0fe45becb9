package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
  host: "0.0.0.0"
  allowed_origins:
    - "https://app.example.com"
client:
  api_url: "https://inventory.example.com/api/v1"
  reconnect:
    attempts: 8
    max_delay: 10s
database:
  path: "/var/lib/stockpilot/inventory.db"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Client.Reconnect.Attempts != 8 {
		t.Errorf("Reconnect.Attempts = %d, want 8", cfg.Client.Reconnect.Attempts)
	}
	if cfg.Client.Reconnect.MaxDelay != 10*time.Second {
		t.Errorf("Reconnect.MaxDelay = %v, want 10s", cfg.Client.Reconnect.MaxDelay)
	}
	if cfg.Database.Path != "/var/lib/stockpilot/inventory.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Client.Reconnect.InitialDelay != time.Second {
		t.Errorf("Reconnect.InitialDelay = %v, want default 1s", cfg.Client.Reconnect.InitialDelay)
	}
	if cfg.Client.Reconnect.HandshakeTimeout != 20*time.Second {
		t.Errorf("HandshakeTimeout = %v, want default 20s", cfg.Client.Reconnect.HandshakeTimeout)
	}
	if cfg.Hub.SendBuffer != 64 {
		t.Errorf("Hub.SendBuffer = %d, want default 64", cfg.Hub.SendBuffer)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Client.Reconnect.Attempts != 5 {
		t.Errorf("Reconnect.Attempts = %d, want default 5", cfg.Client.Reconnect.Attempts)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := defaultConfig()
	env := map[string]string{
		EnvWSURL:     "wss://push.example.com/ws",
		EnvJWTSecret: "s3cret",
		EnvLogLevel:  "debug",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	if cfg.Client.WSURL != "wss://push.example.com/ws" {
		t.Errorf("WSURL = %q", cfg.Client.WSURL)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Client.APIURL != "http://127.0.0.1:8080/api" {
		t.Errorf("APIURL changed without override: %q", cfg.Client.APIURL)
	}
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		client  ClientConfig
		want    string
		wantErr bool
	}{
		{
			name:   "override wins",
			client: ClientConfig{WSURL: "wss://rt.example.com/ws", APIURL: "http://other/api"},
			want:   "wss://rt.example.com/ws",
		},
		{
			name:   "https api derives wss",
			client: ClientConfig{APIURL: "https://inventory.example.com/api/v1"},
			want:   "wss://inventory.example.com/ws",
		},
		{
			name:   "http api derives ws with port",
			client: ClientConfig{APIURL: "http://localhost:5000/api"},
			want:   "ws://localhost:5000/ws",
		},
		{
			name:   "query and fragment dropped",
			client: ClientConfig{APIURL: "http://localhost:5000/api?x=1#frag"},
			want:   "ws://localhost:5000/ws",
		},
		{
			name:    "missing host",
			client:  ClientConfig{APIURL: "/api"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.client.Endpoint()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Endpoint() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Endpoint() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Endpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPBase(t *testing.T) {
	if got := HTTPBase("wss://a.example.com/ws"); got != "https://a.example.com" {
		t.Errorf("HTTPBase(wss) = %q", got)
	}
	if got := HTTPBase("ws://127.0.0.1:9000/ws"); got != "http://127.0.0.1:9000" {
		t.Errorf("HTTPBase(ws) = %q", got)
	}
}

func TestRESTBase(t *testing.T) {
	tests := []struct {
		name   string
		client ClientConfig
		want   string
	}{
		{
			name:   "api url host wins over channel override",
			client: ClientConfig{WSURL: "wss://rt.example.com/ws", APIURL: "https://inventory.example.com/api"},
			want:   "https://inventory.example.com",
		},
		{
			name:   "port kept",
			client: ClientConfig{APIURL: "http://localhost:5000/api/v1"},
			want:   "http://localhost:5000",
		},
		{
			name:   "falls back to channel origin",
			client: ClientConfig{WSURL: "wss://rt.example.com/ws"},
			want:   "https://rt.example.com",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.client.RESTBase()
			if err != nil {
				t.Fatalf("RESTBase() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("RESTBase() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := (ClientConfig{APIURL: "/api"}).RESTBase(); err == nil {
		t.Error("expected error without any host")
	}
}

func TestValidate(t *testing.T) {
	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg := defaultConfig()
	cfg.Client.Reconnect.MaxDelay = 100 * time.Millisecond
	cfg.Client.Reconnect.Jitter = 2
	cfg.Auth.Required = true
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"max_delay", "jitter", "jwt_secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("token length = %d, want 64", len(tok))
	}
	tok2, _ := GenerateToken()
	if tok == tok2 {
		t.Error("two generated tokens should not be identical")
	}
}
