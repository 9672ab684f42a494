package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"MeshGate/pkg/config"
	"MeshGate/pkg/monitor"

	"github.com/qustavo/sqlhooks/v2"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

var DB *sqlx.DB
var Monitor *monitor.Monitor

type ctxKey string

const taskKey ctxKey = "monitor_task"

type monitorHook struct {
	monitor *monitor.Monitor
}

func (h *monitorHook) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	t := monitor.NewTask()
	return context.WithValue(ctx, taskKey, t), nil
}

func (h *monitorHook) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if t, ok := ctx.Value(taskKey).(*monitor.Task); ok && h.monitor != nil {
		h.monitor.CompleteTask(t, true)
	}
	return ctx, nil
}

func (h *monitorHook) OnError(ctx context.Context, err error, query string, args ...interface{}) error {
	if t, ok := ctx.Value(taskKey).(*monitor.Task); ok && h.monitor != nil {
		h.monitor.CompleteTask(t, false)
	}
	return err
}

func Init(cfg *config.MySQLConfig) (err error) {
	Monitor = monitor.NewMonitor("mysql", 100, 60000)
	sql.Register("monitor_hook_mysql", sqlhooks.Wrap(&mysqldriver.MySQLDriver{}, &monitorHook{monitor: Monitor}))
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	t := monitor.NewTask()
	DB, err = sqlx.Connect("monitor_hook_mysql", dsn)
	Monitor.CompleteTask(t, err == nil)
	if err != nil {
		return err
	}
	DB.SetMaxOpenConns(cfg.MaxOpenConns)
	DB.SetMaxIdleConns(cfg.MaxIdleConns)
	return nil
}

func Close() {
	if DB != nil {
		_ = DB.Close()
	}
}
