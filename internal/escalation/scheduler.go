package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/untibullet/pr-router/internal/models"
	"go.uber.org/zap"
)

// Trigger общий вход для периодического и ручного запуска прохода.
// Одновременно в процессе выполняется не больше одного прохода.
type Trigger struct {
	processor *Processor
	clock     func() time.Time
	logger    *zap.Logger

	mu sync.Mutex
}

// NewTrigger создает Trigger с системными часами
func NewTrigger(processor *Processor, logger *zap.Logger) *Trigger {
	return &Trigger{
		processor: processor,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Run запускает проход на момент at; нулевое at означает текущее время
func (t *Trigger) Run(ctx context.Context, at time.Time) (models.SweepStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if at.IsZero() {
		at = t.clock()
	}
	return t.processor.ProcessEscalations(ctx, at)
}

// Schedule запускает проход каждые interval до отмены ctx
func (t *Trigger) Schedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info("escalation scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("escalation scheduler stopped")
			return
		case <-ticker.C:
			if _, err := t.Run(ctx, time.Time{}); err != nil {
				t.logger.Error("scheduled escalation sweep failed", zap.Error(err))
			}
		}
	}
}
