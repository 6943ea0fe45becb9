package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file configuration.
const (
	EnvWSURL     = "STOCKPILOT_WS_URL"
	EnvAPIURL    = "STOCKPILOT_API_URL"
	EnvJWTSecret = "STOCKPILOT_JWT_SECRET"
	EnvLogLevel  = "STOCKPILOT_LOG_LEVEL"
	EnvRedisAddr = "STOCKPILOT_REDIS_ADDR"
)

// WSPath is the channel endpoint path appended to the API host.
const WSPath = "/ws"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Hub      HubConfig      `yaml:"hub"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Client   ClientConfig   `yaml:"client"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type HubConfig struct {
	MaxConnections    int           `yaml:"max_connections"`
	SendBuffer        int           `yaml:"send_buffer"`
	DashboardThrottle time.Duration `yaml:"dashboard_throttle"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	PollSessionTTL    time.Duration `yaml:"poll_session_ttl"`
	MessageRate       float64       `yaml:"message_rate"`
	MessageBurst      int           `yaml:"message_burst"`
	MaxSubscriptions  int           `yaml:"max_subscriptions"`
	LowStockThreshold int           `yaml:"low_stock_threshold"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	Required  bool          `yaml:"required"`
}

type DatabaseConfig struct {
	// Path of the SQLite file; empty keeps inventory in memory.
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type ClientConfig struct {
	APIURL          string          `yaml:"api_url"`
	WSURL           string          `yaml:"ws_url"`
	RefreshInterval time.Duration   `yaml:"refresh_interval"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	Attempts         int           `yaml:"attempts"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	Jitter           float64       `yaml:"jitter"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Hub: HubConfig{
			MaxConnections:    1000,
			SendBuffer:        64,
			DashboardThrottle: 250 * time.Millisecond,
			PollTimeout:       25 * time.Second,
			PollSessionTTL:    60 * time.Second,
			MessageRate:       20,
			MessageBurst:      40,
			MaxSubscriptions:  1000,
			LowStockThreshold: 10,
		},
		Auth: AuthConfig{
			TokenTTL: 12 * time.Hour,
		},
		Redis: RedisConfig{
			Channel: "stockpilot:events",
		},
		Client: ClientConfig{
			APIURL:          "http://127.0.0.1:8080/api",
			RefreshInterval: 30 * time.Second,
			Reconnect: ReconnectConfig{
				Attempts:         5,
				InitialDelay:     time.Second,
				MaxDelay:         30 * time.Second,
				Jitter:           0.5,
				HandshakeTimeout: 20 * time.Second,
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// ApplyEnv overlays environment overrides. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvWSURL); ok && v != "" {
		c.Client.WSURL = v
	}
	if v, ok := lookup(EnvAPIURL); ok && v != "" {
		c.Client.APIURL = v
	}
	if v, ok := lookup(EnvJWTSecret); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Redis.Addr = v
	}
}

// Validate reports settings that would make the hub or client misbehave.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	r := c.Client.Reconnect
	if r.InitialDelay <= 0 {
		errs = append(errs, errors.New("client.reconnect.initial_delay must be positive"))
	}
	if r.MaxDelay < r.InitialDelay {
		errs = append(errs, errors.New("client.reconnect.max_delay must be >= initial_delay"))
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, fmt.Errorf("client.reconnect.jitter %.2f not in [0,1]", r.Jitter))
	}
	if r.Attempts < 0 {
		errs = append(errs, errors.New("client.reconnect.attempts must be >= 0"))
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.required needs auth.jwt_secret"))
	}
	return errors.Join(errs...)
}

// Endpoint resolves the channel URL: the explicit ws_url override wins,
// otherwise it is derived from api_url by dropping the path and switching
// the scheme.
func (c ClientConfig) Endpoint() (string, error) {
	if c.WSURL != "" {
		return c.WSURL, nil
	}
	return DeriveEndpoint(c.APIURL)
}

// DeriveEndpoint converts http://host:port/api → ws://host:port/ws.
func DeriveEndpoint(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api url %q has no host", apiURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = WSPath
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// RESTBase is the origin REST calls go to: the scheme and host of api_url,
// or the channel endpoint's origin when api_url has no host.
func (c ClientConfig) RESTBase() (string, error) {
	if u, err := url.Parse(c.APIURL); err == nil && u.Host != "" {
		scheme := "http"
		if strings.EqualFold(u.Scheme, "https") {
			scheme = "https"
		}
		return scheme + "://" + u.Host, nil
	}
	endpoint, err := c.Endpoint()
	if err != nil {
		return "", err
	}
	return HTTPBase(endpoint), nil
}

// HTTPBase converts a ws(s) endpoint back to the http(s) origin.
func HTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil || u.Host == "" {
		return "http://127.0.0.1:8080"
	}
	scheme := "http"
	if strings.HasPrefix(u.Scheme, "wss") || u.Scheme == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GenerateToken returns a random hex secret suitable for development JWT
// signing.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
