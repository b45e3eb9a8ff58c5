package services

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"policy-adjudicator/internal/logger"
	"policy-adjudicator/internal/telemetry"
	"policy-adjudicator/internal/vectorindex"
)

const indexMonitorTag = "index-monitor"

// IndexMonitor periodically reports the size of the vector index.
type IndexMonitor struct {
	index     vectorindex.Index
	scheduler *gocron.Scheduler
	interval  time.Duration
	timeout   time.Duration

	mu   sync.RWMutex
	last vectorindex.Info
	err  error
}

func NewIndexMonitor(index vectorindex.Index, interval time.Duration) *IndexMonitor {
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	s.SingletonModeAll()

	return &IndexMonitor{
		index:     index,
		scheduler: s,
		interval:  interval,
		timeout:   30 * time.Second,
	}
}

// Start schedules the check and runs it once immediately.
func (m *IndexMonitor) Start() error {
	if m.interval <= 0 {
		logger.Info("Index monitor disabled")
		return nil
	}
	_, err := m.scheduler.Every(m.interval).Tag(indexMonitorTag).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		m.Check(ctx)
	})
	if err != nil {
		return err
	}
	m.scheduler.StartAsync()
	logger.Info("Index monitor started", "interval", m.interval.String())
	return nil
}

func (m *IndexMonitor) Stop() {
	m.scheduler.Stop()
}

// Check describes the index once and records the entry count.
func (m *IndexMonitor) Check(ctx context.Context) {
	info, err := m.index.Describe(ctx)

	m.mu.Lock()
	m.err = err
	if err == nil {
		m.last = info
	}
	m.mu.Unlock()

	if err != nil {
		logger.Warn("Index check failed", "error", err)
		return
	}
	telemetry.Default().RecordIndexEntries(ctx, info.Name, info.Entries)
	logger.Debug("Index check", "index", info.Name, "backend", info.Backend, "entries", info.Entries)
}

// Last returns the most recent successful description and the error of the
// latest check, if any.
func (m *IndexMonitor) Last() (vectorindex.Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.err
}
