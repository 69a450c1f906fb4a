package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/grovetools/pipewatch/errors"
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.BaseURL != "" {
		u, err := url.Parse(c.Server.BaseURL)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigValidation, "server.base_url is not a valid URL").
				WithDetail("base_url", c.Server.BaseURL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New(errors.ErrCodeConfigValidation, fmt.Sprintf("server.base_url must use http or https, got %q", u.Scheme)).
				WithDetail("base_url", c.Server.BaseURL)
		}
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return errors.New(errors.ErrCodeConfigValidation, "server.ws_path must start with '/'").
			WithDetail("ws_path", c.Server.WSPath)
	}

	switch c.Session.Mode {
	case ModePush, ModePoll:
	default:
		return errors.New(errors.ErrCodeConfigValidation, fmt.Sprintf("session.mode must be %q or %q", ModePush, ModePoll)).
			WithDetail("mode", c.Session.Mode)
	}
	if c.Session.RefreshInterval < 0 || c.Session.RequestTimeout < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "session intervals cannot be negative")
	}
	if c.Session.LogLimit < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "session.log_limit cannot be negative").
			WithDetail("log_limit", c.Session.LogLimit)
	}

	if err := validateBackoff("session.retry", c.Session.Retry); err != nil {
		return err
	}
	return validateBackoff("channel.reconnect", c.Channel.Reconnect)
}

func validateBackoff(field string, b BackoffConfig) error {
	if b.InitialInterval < 0 || b.MaxInterval < 0 || b.MaxElapsedTime < 0 {
		return errors.New(errors.ErrCodeConfigValidation, fmt.Sprintf("%s intervals cannot be negative", field))
	}
	if b.MaxInterval != 0 && b.InitialInterval > b.MaxInterval {
		return errors.New(errors.ErrCodeConfigValidation, fmt.Sprintf("%s.initial_interval exceeds max_interval", field)).
			WithDetail("initial_interval", b.InitialInterval.String()).
			WithDetail("max_interval", b.MaxInterval.String())
	}
	return nil
}
