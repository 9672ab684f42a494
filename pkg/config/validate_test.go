package config

import (
	"errors"
	"strings"
	"testing"
)

func validConfig() *AppConfig {
	return &AppConfig{
		Environment: "development",
		AuthConfig: &AuthConfig{
			ServiceID: "meshgate",
			Secret:    strings.Repeat("s", 32),
		},
		RedisConfig: &RedisConfig{Host: "127.0.0.1", Port: 6379},
		UpstreamConfig: &UpstreamConfig{
			Services: map[string]string{"credit-bureau": "http://credit-bureau:8080"},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *AppConfig)
	}{
		{"nil config", nil},
		{"bad environment", func(c *AppConfig) { c.Environment = "prod" }},
		{"missing secret", func(c *AppConfig) { c.AuthConfig.Secret = "" }},
		{"short secret", func(c *AppConfig) { c.AuthConfig.Secret = "too-short" }},
		{"missing service id", func(c *AppConfig) { c.AuthConfig.ServiceID = "" }},
		{"missing redis host", func(c *AppConfig) { c.RedisConfig.Host = "" }},
		{"no upstreams", func(c *AppConfig) { c.UpstreamConfig.Services = nil }},
		{"bad upstream url", func(c *AppConfig) {
			c.UpstreamConfig.Services["credit-bureau"] = "not a url"
		}},
		{"ftp upstream url", func(c *AppConfig) {
			c.UpstreamConfig.Services["credit-bureau"] = "ftp://host/path"
		}},
		{"audit without mysql", func(c *AppConfig) {
			c.AuditConfig = &AuditConfig{Enabled: true}
		}},
		{"block threshold below challenge", func(c *AppConfig) {
			c.RateLimitConfig = &RateLimitConfig{DDoSChallengeAt: 100, DDoSBlockAt: 50}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var c *AppConfig
			if tc.mutate != nil {
				c = validConfig()
				tc.mutate(c)
			}
			err := Validate(c)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("error %v does not wrap ErrConfiguration", err)
			}
		})
	}
}

func TestValidateRecommendedUpstreamsWarnOnly(t *testing.T) {
	c := validConfig()
	c.UpstreamConfig.Recommended = []string{"payments", "documents"}

	if err := Validate(c); err != nil {
		t.Fatalf("missing recommended upstreams must not fail validation: %v", err)
	}
}
