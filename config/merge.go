package config

// mergeConfigs merges override configuration into base
func mergeConfigs(base, override *Config) *Config {
	result := *base

	// Merge version
	if override.Version != "" {
		result.Version = override.Version
	}

	result.Server = mergeServer(base.Server, override.Server)
	result.Session = mergeSession(base.Session, override.Session)
	result.Channel = mergeChannel(base.Channel, override.Channel)

	// Merge extensions key by key
	if len(override.Extensions) > 0 {
		merged := make(map[string]interface{}, len(base.Extensions)+len(override.Extensions))
		for k, v := range base.Extensions {
			merged[k] = v
		}
		for k, v := range override.Extensions {
			merged[k] = v
		}
		result.Extensions = merged
	}

	return &result
}

func mergeServer(base, override ServerConfig) ServerConfig {
	if override.BaseURL != "" {
		base.BaseURL = override.BaseURL
	}
	if override.APIPrefix != "" {
		base.APIPrefix = override.APIPrefix
	}
	if override.WSPath != "" {
		base.WSPath = override.WSPath
	}
	if override.Token != "" {
		base.Token = override.Token
	}
	return base
}

func mergeSession(base, override SessionConfig) SessionConfig {
	if override.Mode != "" {
		base.Mode = override.Mode
	}
	if override.RefreshInterval != 0 {
		base.RefreshInterval = override.RefreshInterval
	}
	if override.RequestTimeout != 0 {
		base.RequestTimeout = override.RequestTimeout
	}
	if override.LogLimit != 0 {
		base.LogLimit = override.LogLimit
	}
	base.Retry = mergeBackoff(base.Retry, override.Retry)
	return base
}

func mergeChannel(base, override ChannelConfig) ChannelConfig {
	base.Reconnect = mergeBackoff(base.Reconnect, override.Reconnect)
	if override.HandshakeTimeout != 0 {
		base.HandshakeTimeout = override.HandshakeTimeout
	}
	if override.PingInterval != 0 {
		base.PingInterval = override.PingInterval
	}
	return base
}

func mergeBackoff(base, override BackoffConfig) BackoffConfig {
	if override.InitialInterval != 0 {
		base.InitialInterval = override.InitialInterval
	}
	if override.MaxInterval != 0 {
		base.MaxInterval = override.MaxInterval
	}
	if override.MaxElapsedTime != 0 {
		base.MaxElapsedTime = override.MaxElapsedTime
	}
	return base
}
