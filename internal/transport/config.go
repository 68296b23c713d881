package transport

import "time"

// TLSConfig controls optional TLS on the gateway socket.
type TLSConfig struct {
	Enabled            bool
	ServerName         string
	CAFile             string
	InsecureSkipVerify bool
}

// Config defines transport reliability defaults.
type Config struct {
	ConnectTimeout  time.Duration
	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	Reconnect       bool
	Backoff         Backoff
	TLS             TLSConfig
}

// DefaultConfig mirrors the original display client's connection behavior:
// reconnect on, 1s..60s backoff.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  5 * time.Second,
		WriteTimeout:    15 * time.Second,
		ReadIdleTimeout: 90 * time.Second,
		Reconnect:       true,
		Backoff: Backoff{
			Min:    time.Second,
			Max:    60 * time.Second,
			Factor: 2.0,
			Jitter: 0.3,
		},
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.Backoff.Min <= 0 {
		c.Backoff.Min = def.Backoff.Min
	}
	if c.Backoff.Max < c.Backoff.Min {
		c.Backoff.Max = def.Backoff.Max
	}
	if c.Backoff.Factor < 1.0 {
		c.Backoff.Factor = def.Backoff.Factor
	}
	return c
}
