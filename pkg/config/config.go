package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var Conf = new(AppConfig)

type AppConfig struct {
	Port        int    `mapstructure:"port"`
	Name        string `mapstructure:"name"`
	Mode        string `mapstructure:"mode"`
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`
	MachineID   int64  `mapstructure:"machine_id"`

	*LogConfig       `mapstructure:"log"`
	*RedisConfig     `mapstructure:"redis"`
	*MySQLConfig     `mapstructure:"mysql"`
	*AuthConfig      `mapstructure:"auth"`
	*RateLimitConfig `mapstructure:"ratelimit"`
	*BreakerConfig   `mapstructure:"breaker"`
	*UpstreamConfig  `mapstructure:"upstreams"`
	*MetricsConfig   `mapstructure:"metrics"`
	*AuditConfig     `mapstructure:"audit"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// AuthConfig is the zero-trust identity configuration of this gateway
// instance. Immutable after boot.
type AuthConfig struct {
	ServiceID       string   `mapstructure:"service_id"`
	Secret          string   `mapstructure:"secret"`
	RequireMTLS     bool     `mapstructure:"require_mtls"`
	AllowedServices []string `mapstructure:"allowed_services"`
}

type RateLimitConfig struct {
	WindowSeconds   int            `mapstructure:"window_seconds"`
	TierLimits      map[string]int `mapstructure:"tier_limits"`
	ServiceLimits   map[string]int `mapstructure:"service_limits"`
	GlobalPerWindow int            `mapstructure:"global_per_window"`
	DDoSChallengeAt int            `mapstructure:"ddos_challenge_at"`
	DDoSBlockAt     int            `mapstructure:"ddos_block_at"`
	LocalRPS        float64        `mapstructure:"local_rps"`
	LocalBurst      int            `mapstructure:"local_burst"`
}

type BreakerSettings struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	ResetTimeoutSec  int `mapstructure:"reset_timeout_seconds"`
	HalfOpenRequests int `mapstructure:"half_open_requests"`
	TimeoutSec       int `mapstructure:"timeout_seconds"`
}

type BreakerConfig struct {
	Defaults  BreakerSettings            `mapstructure:"defaults"`
	Overrides map[string]BreakerSettings `mapstructure:"overrides"`
}

type UpstreamConfig struct {
	// Services maps upstream service name to its base URL.
	Services map[string]string `mapstructure:"services"`
	// Policies maps upstream service name to a retry policy preset
	// name (external_api, read_only, idempotent,
	// financial_transaction), overriding the per-method default.
	Policies map[string]string `mapstructure:"policies"`
	// Recommended lists upstream names expected in a full deployment;
	// missing entries warn at boot instead of failing.
	Recommended []string `mapstructure:"recommended"`
	Prefix      string   `mapstructure:"prefix"`
}

type MetricsConfig struct {
	SampleSize          int `mapstructure:"sample_size"`
	SnapshotIntervalSec int `mapstructure:"snapshot_interval_seconds"`
	RetentionSeconds    int `mapstructure:"retention_seconds"`
}

type AuditConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	QueueKey      string `mapstructure:"queue_key"`
	FlushInterval int    `mapstructure:"flush_interval_seconds"`
	BatchSize     int    `mapstructure:"batch_size"`
}

func Init() (err error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("meshgate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	err = viper.ReadInConfig()
	if err != nil {
		fmt.Printf("viper.ReadInConfig() failed, err:%v\n", err)
		return
	}
	if err = viper.Unmarshal(Conf); err != nil {
		fmt.Printf("viper.Unmarshal failed, err:%v\n", err)
		return
	}
	watch()
	return
}

func InitFromFile(path string) (err error) {
	viper.SetConfigFile(path)
	viper.SetEnvPrefix("meshgate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if err = viper.ReadInConfig(); err != nil {
		return err
	}
	if err = viper.Unmarshal(Conf); err != nil {
		return err
	}
	watch()
	return nil
}

// watch re-unmarshals on config file changes. Only tunables (limits,
// upstream URLs) take effect at runtime; the auth secret and store
// handles are read once at boot by their owners.
func watch() {
	viper.WatchConfig()
	viper.OnConfigChange(func(in fsnotify.Event) {
		if err := viper.Unmarshal(Conf); err != nil {
			fmt.Printf("viper.Unmarshal on reload failed, err:%v\n", err)
		}
	})
}
