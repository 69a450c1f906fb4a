package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Session modes.
const (
	// ModePush combines push events with periodic refresh.
	ModePush = "push"
	// ModePoll is the degraded poll-only mode.
	ModePoll = "poll"
)

// Duration is a time.Duration that reads "5s"-style strings from YAML and TOML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText implements encoding.TextUnmarshaler (used by go-toml).
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// ServerConfig locates the backend.
type ServerConfig struct {
	// BaseURL is the backend origin, e.g. https://builder.example.com.
	BaseURL string `yaml:"base_url" toml:"base_url"`
	// APIPrefix is prepended to every REST path. Defaults to /api.
	APIPrefix string `yaml:"api_prefix,omitempty" toml:"api_prefix,omitempty"`
	// WSPath is the websocket endpoint path. Defaults to /ws.
	WSPath string `yaml:"ws_path,omitempty" toml:"ws_path,omitempty"`
	// Token is sent as a bearer token on REST and websocket requests.
	Token string `yaml:"token,omitempty" toml:"token,omitempty"`
}

// BackoffConfig configures an exponential backoff.
type BackoffConfig struct {
	InitialInterval Duration `yaml:"initial_interval,omitempty" toml:"initial_interval,omitempty"`
	MaxInterval     Duration `yaml:"max_interval,omitempty" toml:"max_interval,omitempty"`
	// MaxElapsedTime of zero retries forever.
	MaxElapsedTime Duration `yaml:"max_elapsed_time,omitempty" toml:"max_elapsed_time,omitempty"`
}

// SessionConfig configures the session controller.
type SessionConfig struct {
	Mode            string        `yaml:"mode,omitempty" toml:"mode,omitempty"`
	RefreshInterval Duration      `yaml:"refresh_interval,omitempty" toml:"refresh_interval,omitempty"`
	RequestTimeout  Duration      `yaml:"request_timeout,omitempty" toml:"request_timeout,omitempty"`
	LogLimit        int           `yaml:"log_limit,omitempty" toml:"log_limit,omitempty"`
	Retry           BackoffConfig `yaml:"retry,omitempty" toml:"retry,omitempty"`
}

// ChannelConfig configures the push channel.
type ChannelConfig struct {
	Reconnect        BackoffConfig `yaml:"reconnect,omitempty" toml:"reconnect,omitempty"`
	HandshakeTimeout Duration      `yaml:"handshake_timeout,omitempty" toml:"handshake_timeout,omitempty"`
	PingInterval     Duration      `yaml:"ping_interval,omitempty" toml:"ping_interval,omitempty"`
}

// Config is the pipewatch configuration file.
type Config struct {
	Version string        `yaml:"version" toml:"version"`
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Session SessionConfig `yaml:"session" toml:"session"`
	Channel ChannelConfig `yaml:"channel" toml:"channel"`

	// Extensions captures all other top-level keys (e.g. "logging").
	Extensions map[string]interface{} `yaml:",inline" toml:"-"`
}

// SetDefaults fills every unset value.
func (c *Config) SetDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Server.APIPrefix == "" {
		c.Server.APIPrefix = "/api"
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}

	if c.Session.Mode == "" {
		c.Session.Mode = ModePush
	}
	if c.Session.RefreshInterval == 0 {
		c.Session.RefreshInterval = Duration(5 * time.Second)
	}
	if c.Session.RequestTimeout == 0 {
		c.Session.RequestTimeout = Duration(10 * time.Second)
	}
	if c.Session.LogLimit == 0 {
		c.Session.LogLimit = 100
	}
	if c.Session.Retry.InitialInterval == 0 {
		c.Session.Retry.InitialInterval = Duration(500 * time.Millisecond)
	}
	if c.Session.Retry.MaxInterval == 0 {
		c.Session.Retry.MaxInterval = Duration(30 * time.Second)
	}

	if c.Channel.Reconnect.InitialInterval == 0 {
		c.Channel.Reconnect.InitialInterval = Duration(time.Second)
	}
	if c.Channel.Reconnect.MaxInterval == 0 {
		c.Channel.Reconnect.MaxInterval = Duration(30 * time.Second)
	}
	if c.Channel.HandshakeTimeout == 0 {
		c.Channel.HandshakeTimeout = Duration(10 * time.Second)
	}
	if c.Channel.PingInterval == 0 {
		c.Channel.PingInterval = Duration(25 * time.Second)
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// UnmarshalExtension decodes a specific extension's configuration from the
// loaded pipewatch.yml into the provided target struct. The target must be a pointer.
//
// Example:
//
//	var logCfg logging.Config
//	err := cfg.UnmarshalExtension("logging", &logCfg)
func (c *Config) UnmarshalExtension(key string, target interface{}) error {
	extensionConfig, ok := c.Extensions[key]
	if !ok {
		// It's not an error if the key doesn't exist.
		// The target struct will simply remain zero-valued.
		return nil
	}

	// Use mapstructure to decode the generic map[string]interface{}
	// into the strongly-typed target struct. We configure it to use
	// `yaml` tags for consistency.
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "yaml",
	})
	if err != nil {
		return fmt.Errorf("failed to create mapstructure decoder: %w", err)
	}

	if err := decoder.Decode(extensionConfig); err != nil {
		return fmt.Errorf("failed to decode extension config for '%s': %w", key, err)
	}

	return nil
}
