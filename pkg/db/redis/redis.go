package redis

import (
	"context"
	"fmt"
	"time"

	"MeshGate/pkg/config"
	"MeshGate/pkg/monitor"

	"github.com/redis/go-redis/v9"
)

var Rdb *redis.Client
var Monitor *monitor.Monitor

// Init connects the shared state store client and attaches the latency
// monitor hook.
func Init(cfg *config.RedisConfig) (err error) {
	Monitor = monitor.NewMonitor("redis", 1024, 60000)
	Rdb = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	Rdb.AddHook(&redisMonitorHook{mon: Monitor})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Rdb.Ping(ctx).Result()
	return
}

func Close() {
	_ = Rdb.Close()
}
