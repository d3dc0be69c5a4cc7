package service

import (
	"context"
	"time"

	apprepository "github.com/sifan077/RoomGate/internal/app/repository"
	"go.uber.org/zap"
)

const defaultSweepInterval = 30 * time.Second

// AuditExpirySweeper periodically marks audit rows of links whose storage ttl
// has passed as expired. The token store expires keys on its own; this only
// keeps the audit trail in step.
type AuditExpirySweeper struct {
	logger   *zap.Logger
	repo     apprepository.LinkAuditRepository
	interval time.Duration
	now      func() time.Time
	stopChan chan struct{}
	done     chan struct{}
}

// NewAuditExpirySweeper creates a sweeper; a non-positive interval selects the default.
func NewAuditExpirySweeper(logger *zap.Logger, repo apprepository.LinkAuditRepository, interval time.Duration) *AuditExpirySweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &AuditExpirySweeper{
		logger:   logger,
		repo:     repo,
		interval: interval,
		now:      time.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins sweeping in the background.
func (s *AuditExpirySweeper) Start() {
	go s.run()
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
func (s *AuditExpirySweeper) Stop() {
	close(s.stopChan)
	<-s.done
}

func (s *AuditExpirySweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(context.Background())
		case <-s.stopChan:
			s.logger.Info("audit expiry sweeper stopped")
			return
		}
	}
}

func (s *AuditExpirySweeper) sweep(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	expiredBefore := s.now().UTC()
	affected, err := s.repo.MarkExpired(ctx, expiredBefore)
	if err != nil {
		s.logger.Error("failed to mark expired link audits", zap.Error(err))
		return 0
	}

	if affected > 0 {
		s.logger.Info("marked link audits expired",
			zap.Int64("count", affected),
			zap.Time("expired_before", expiredBefore),
		)
	}
	return affected
}
