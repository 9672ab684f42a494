package config

import (
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

// ErrConfiguration marks a boot-time configuration failure. The process
// must not accept traffic when Validate returns an error wrapping it.
var ErrConfiguration = errors.New("configuration error")

const minSecretLen = 32

var validEnvironments = map[string]bool{
	"development": true,
	"staging":     true,
	"production":  true,
}

// Validate checks the loaded configuration before the gateway starts.
// Required values missing or malformed are fatal; recommended upstreams
// missing are logged as warnings only.
func Validate(c *AppConfig) error {
	if c == nil {
		return fmt.Errorf("%w: config not loaded", ErrConfiguration)
	}
	if !validEnvironments[c.Environment] {
		return fmt.Errorf("%w: environment must be one of development/staging/production, got %q", ErrConfiguration, c.Environment)
	}
	if c.AuthConfig == nil || c.AuthConfig.Secret == "" {
		return fmt.Errorf("%w: auth.secret is required", ErrConfiguration)
	}
	if len(c.AuthConfig.Secret) < minSecretLen {
		return fmt.Errorf("%w: auth.secret must be at least %d characters", ErrConfiguration, minSecretLen)
	}
	if c.AuthConfig.ServiceID == "" {
		return fmt.Errorf("%w: auth.service_id is required", ErrConfiguration)
	}
	if c.RedisConfig == nil || c.RedisConfig.Host == "" {
		return fmt.Errorf("%w: redis.host is required (shared state store)", ErrConfiguration)
	}
	if c.UpstreamConfig == nil || len(c.UpstreamConfig.Services) == 0 {
		return fmt.Errorf("%w: upstreams.services must configure at least one upstream", ErrConfiguration)
	}
	for name, base := range c.UpstreamConfig.Services {
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: upstream %q has invalid base URL %q", ErrConfiguration, name, base)
		}
	}
	if c.AuditConfig != nil && c.AuditConfig.Enabled {
		if c.MySQLConfig == nil || c.MySQLConfig.Host == "" {
			return fmt.Errorf("%w: audit.enabled requires mysql configuration", ErrConfiguration)
		}
	}
	if c.RateLimitConfig != nil {
		rl := c.RateLimitConfig
		if rl.DDoSBlockAt != 0 && rl.DDoSBlockAt <= rl.DDoSChallengeAt {
			return fmt.Errorf("%w: ratelimit.ddos_block_at must be above ddos_challenge_at", ErrConfiguration)
		}
	}

	if c.UpstreamConfig != nil {
		for _, name := range c.UpstreamConfig.Recommended {
			if _, ok := c.UpstreamConfig.Services[name]; !ok {
				zap.L().Warn("recommended upstream not configured", zap.String("upstream", name))
			}
		}
	}
	return nil
}
