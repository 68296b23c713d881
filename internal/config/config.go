// Package config loads the clawlink TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/openclaw/clawlink/internal/auth"
	"github.com/openclaw/clawlink/internal/client"
	"github.com/openclaw/clawlink/internal/transport"
)

const (
	EnvAddress = "CLAWLINK_ADDR"
	EnvToken   = "CLAWLINK_TOKEN"
)

// Config is everything the core consumes: gateway address, credentials,
// reconnect policy, and the session descriptor.
type Config struct {
	Address          string
	Token            string
	KeystorePath     string
	Reconnect        bool
	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
	ReadIdleTimeout  time.Duration
	Backoff          transport.Backoff
	TLS              transport.TLSConfig
	Session          auth.SessionDescriptor
}

func Default() Config {
	tcfg := transport.DefaultConfig()
	return Config{
		Address:          "localhost:18789",
		KeystorePath:     defaultKeystorePath(),
		Reconnect:        true,
		HandshakeTimeout: 30 * time.Second,
		ConnectTimeout:   tcfg.ConnectTimeout,
		ReadIdleTimeout:  tcfg.ReadIdleTimeout,
		Backoff:          tcfg.Backoff,
		Session: auth.SessionDescriptor{
			ClientID:      "clawlink",
			ClientVersion: "dev",
			Platform:      "linux",
			ClientMode:    "cli",
			Role:          "operator",
			Scopes:        []string{"chat", "sessions"},
			MinProtocol:   3,
			MaxProtocol:   3,
		},
	}
}

func defaultKeystorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "clawlink-keystore.json"
	}
	return filepath.Join(home, ".clawlink", "keystore.json")
}

type fileConfig struct {
	Address          string   `toml:"address"`
	Token            string   `toml:"token"`
	Keystore         string   `toml:"keystore"`
	Reconnect        bool     `toml:"reconnect"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	ConnectTimeout   string   `toml:"connect_timeout"`
	ReadIdleTimeout  string   `toml:"read_idle_timeout"`
	BackoffMin       string   `toml:"backoff_min"`
	BackoffMax       string   `toml:"backoff_max"`
	BackoffJitter    float64  `toml:"backoff_jitter"`
	ClientID         string   `toml:"client_id"`
	ClientVersion    string   `toml:"client_version"`
	Platform         string   `toml:"platform"`
	ClientMode       string   `toml:"client_mode"`
	Role             string   `toml:"role"`
	Scopes           []string `toml:"scopes"`

	TLS struct {
		Enabled            bool   `toml:"enabled"`
		ServerName         string `toml:"server_name"`
		CAFile             string `toml:"ca_file"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	} `toml:"tls"`
}

// Load overlays the TOML file at path onto the defaults. Only keys present
// in the file override.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("token") {
		cfg.Token = raw.Token
	}
	if meta.IsDefined("keystore") {
		cfg.KeystorePath = strings.TrimSpace(raw.Keystore)
	}
	if meta.IsDefined("reconnect") {
		cfg.Reconnect = raw.Reconnect
	}
	if meta.IsDefined("handshake_timeout") {
		if cfg.HandshakeTimeout, err = parseDuration("handshake_timeout", raw.HandshakeTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("connect_timeout") {
		if cfg.ConnectTimeout, err = parseDuration("connect_timeout", raw.ConnectTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("read_idle_timeout") {
		if cfg.ReadIdleTimeout, err = parseDuration("read_idle_timeout", raw.ReadIdleTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("backoff_min") {
		if cfg.Backoff.Min, err = parseDuration("backoff_min", raw.BackoffMin); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("backoff_max") {
		if cfg.Backoff.Max, err = parseDuration("backoff_max", raw.BackoffMax); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Backoff.Jitter = raw.BackoffJitter
	}
	if meta.IsDefined("client_id") {
		cfg.Session.ClientID = strings.TrimSpace(raw.ClientID)
	}
	if meta.IsDefined("client_version") {
		cfg.Session.ClientVersion = strings.TrimSpace(raw.ClientVersion)
	}
	if meta.IsDefined("platform") {
		cfg.Session.Platform = strings.TrimSpace(raw.Platform)
	}
	if meta.IsDefined("client_mode") {
		cfg.Session.ClientMode = strings.TrimSpace(raw.ClientMode)
	}
	if meta.IsDefined("role") {
		cfg.Session.Role = strings.TrimSpace(raw.Role)
	}
	if meta.IsDefined("scopes") {
		cfg.Session.Scopes = normalizeScopes(raw.Scopes)
	}
	if meta.IsDefined("tls", "enabled") {
		cfg.TLS.Enabled = raw.TLS.Enabled
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("tls", "ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}

	return cfg, nil
}

// ApplyEnv overlays the environment on top of file/default values. The
// original display client loaded env before CLI flags; the same order holds
// here.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAddress)); v != "" {
		c.Address = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("config missing address")
	}
	if strings.TrimSpace(c.KeystorePath) == "" {
		return fmt.Errorf("config missing keystore path")
	}
	if c.Backoff.Min <= 0 || c.Backoff.Max < c.Backoff.Min {
		return fmt.Errorf("config backoff range invalid: %v..%v", c.Backoff.Min, c.Backoff.Max)
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		return fmt.Errorf("config backoff jitter out of range: %v", c.Backoff.Jitter)
	}
	return c.Session.Validate()
}

// ClientConfig assembles the state-machine configuration.
func (c Config) ClientConfig() client.Config {
	tcfg := transport.DefaultConfig()
	tcfg.ConnectTimeout = c.ConnectTimeout
	tcfg.ReadIdleTimeout = c.ReadIdleTimeout
	tcfg.Reconnect = c.Reconnect
	tcfg.Backoff = c.Backoff
	tcfg.TLS = c.TLS
	return client.Config{
		Address:          c.Address,
		Token:            c.Token,
		Session:          c.Session,
		HandshakeTimeout: c.HandshakeTimeout,
		Transport:        tcfg,
	}
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeScopes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, scope := range in {
		v := strings.TrimSpace(scope)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
