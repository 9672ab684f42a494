package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one timed operation observed by a Monitor.
type Task struct {
	sTime   int64
	lTime   int64
	success bool
}

// Monitor keeps a sliding window of task outcomes for one dependency
// (redis, mysql, upstream) and answers avg latency / success rate.
type Monitor struct {
	name           string
	tasks          []Task
	count          int
	headindex      int
	tailindex      int
	maxLen         int
	windowdur      int64
	totalTimeCount int64
	successCount   int64
	rwmu           sync.RWMutex
	insertChan     chan *Task
}

// NewMonitor creates a monitor with a ring buffer of maxLen samples and
// a window of windowdur milliseconds, and registers it for export.
func NewMonitor(name string, maxLen int, windowdur int64) *Monitor {
	m := &Monitor{
		name:       name,
		tasks:      make([]Task, maxLen),
		maxLen:     maxLen,
		windowdur:  windowdur,
		insertChan: make(chan *Task, maxLen),
	}
	registerMonitor(m)
	return m
}

func NewTask() *Task {
	return &Task{sTime: time.Now().UnixMilli()}
}

func (m *Monitor) CompleteTask(t *Task, success bool) {
	t.lTime = time.Now().UnixMilli()
	t.success = success
	select {
	case m.insertChan <- t:
	default:
		// window accounting is advisory; dropping beats blocking the caller
	}
}

func (m *Monitor) GetStats() (avgTime float64, successRate float64, count int) {
	m.rwmu.RLock()
	defer m.rwmu.RUnlock()
	if m.count == 0 {
		return 0, 0, 0
	}
	avgTime = float64(m.totalTimeCount) / float64(m.count)
	successRate = float64(m.successCount) / float64(m.count)
	count = m.count
	return
}

// Run consumes completed tasks until ctx is canceled. The context comes
// from the composition root; there is no package-level lifecycle.
func (m *Monitor) Run(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				zap.L().Info("monitor exiting", zap.String("monitor", m.name))
				return
			case t := <-m.insertChan:
				m.insert(t)
			}
		}
	}()
}

func (m *Monitor) insert(t *Task) {
	m.rwmu.Lock()
	defer m.rwmu.Unlock()

	// evict tasks that fell out of the window
	now := time.Now().UnixMilli()
	for m.headindex != m.tailindex {
		oldTask := &m.tasks[m.headindex]
		if oldTask.lTime == 0 || now-oldTask.lTime < m.windowdur {
			break
		}
		m.evictHead(oldTask)
	}

	// full ring: overwrite the oldest entry
	if m.count == m.maxLen {
		m.evictHead(&m.tasks[m.headindex])
	}

	m.tasks[m.tailindex] = *t
	m.tailindex = (m.tailindex + 1) % m.maxLen
	m.count++
	m.totalTimeCount += t.lTime - t.sTime
	if t.success {
		m.successCount++
	}
}

func (m *Monitor) evictHead(old *Task) {
	m.headindex = (m.headindex + 1) % m.maxLen
	if m.count > 0 {
		m.count--
	}
	m.totalTimeCount -= old.lTime - old.sTime
	if old.success && m.successCount > 0 {
		m.successCount--
	}
}
