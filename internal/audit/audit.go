package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	snowflake "github.com/bwmarrin/snowflake"
	"github.com/jmoiron/sqlx"
	Redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultQueueKey = "audit:gateway:requests"

// Entry is one proxied request, spooled to Redis and batch-written to
// MySQL. Only request metadata is recorded, never the payload.
type Entry struct {
	ID            int64     `json:"id" db:"id"`
	RequestID     string    `json:"request_id" db:"request_id"`
	CallerService string    `json:"caller_service" db:"caller_service"`
	Upstream      string    `json:"upstream" db:"upstream"`
	Method        string    `json:"method" db:"method"`
	Path          string    `json:"path" db:"path"`
	Status        int       `json:"status" db:"status"`
	DurationMS    int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Logger enqueues audit entries; a background flusher drains them.
type Logger struct {
	rdb      *Redis.Client
	db       *sqlx.DB
	queueKey string
	sfNode   *snowflake.Node
}

func NewLogger(rdb *Redis.Client, db *sqlx.DB, queueKey string, machineID int64) (*Logger, error) {
	if queueKey == "" {
		queueKey = defaultQueueKey
	}
	if machineID <= 0 {
		machineID = 1
	}
	node, err := snowflake.NewNode(machineID)
	if err != nil {
		return nil, err
	}
	return &Logger{rdb: rdb, db: db, queueKey: queueKey, sfNode: node}, nil
}

// Record enqueues one entry. Failures are logged and dropped; audit
// must never fail a request.
func (l *Logger) Record(ctx context.Context, e Entry) {
	e.ID = l.sfNode.Generate().Int64()
	e.CreatedAt = time.Now()
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := l.rdb.RPush(ctx, l.queueKey, raw).Err(); err != nil {
		zap.L().Warn("failed to enqueue audit entry", zap.Error(err))
	}
}

// StartFlusher drains the queue into MySQL on an interval until ctx is
// done, then flushes one final batch.
func (l *Logger) StartFlusher(ctx context.Context, interval time.Duration, batchSize int) {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				l.flushOnce(context.Background(), batchSize)
				zap.L().Info("audit flusher exiting")
				return
			case <-ticker.C:
				l.flushOnce(ctx, batchSize)
			}
		}
	}()
}

// flushOnce pops up to batchSize entries and batch-inserts them.
// On insert failure the batch is requeued so nothing is lost.
func (l *Logger) flushOnce(ctx context.Context, batchSize int) {
	var entries []Entry
	for i := 0; i < batchSize; i++ {
		s, err := l.rdb.LPop(ctx, l.queueKey).Result()
		if err != nil {
			if err != Redis.Nil {
				zap.L().Warn("audit queue pop failed", zap.Error(err))
			}
			break
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return
	}

	if err := l.insertBatch(entries); err != nil {
		zap.L().Error("audit batch insert failed, requeueing", zap.Int("count", len(entries)), zap.Error(err))
		for i := len(entries) - 1; i >= 0; i-- {
			raw, _ := json.Marshal(entries[i])
			_ = l.rdb.LPush(ctx, l.queueKey, raw).Err()
		}
	}
}

func (l *Logger) insertBatch(entries []Entry) error {
	query := "INSERT INTO gateway_audit_log (id, request_id, caller_service, upstream, method, path, status, duration_ms, created_at) VALUES "
	vals := make([]interface{}, 0, len(entries)*9)
	placeholders := make([]string, 0, len(entries))
	for _, e := range entries {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		vals = append(vals, e.ID, e.RequestID, e.CallerService, e.Upstream, e.Method, e.Path, e.Status, e.DurationMS, e.CreatedAt)
	}
	query += strings.Join(placeholders, ",")

	_, err := l.db.Exec(query, vals...)
	return err
}
