package redis

import (
	"context"
	"net"

	"MeshGate/pkg/monitor"

	"github.com/redis/go-redis/v9"
)

type redisMonitorHook struct {
	mon *monitor.Monitor
}

func (h *redisMonitorHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *redisMonitorHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		task := monitor.NewTask()
		err := next(ctx, cmd)
		h.mon.CompleteTask(task, err == nil || err == redis.Nil)
		return err
	}
}

func (h *redisMonitorHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		task := monitor.NewTask()
		err := next(ctx, cmds)
		h.mon.CompleteTask(task, err == nil)
		return err
	}
}
