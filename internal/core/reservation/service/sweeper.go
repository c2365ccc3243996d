package service

import (
	"context"
	"sync"
	"time"

	"github.com/fanlume/pointscore/pkg/logger"
)

// SweeperConfig tunes the expiry sweep loop
type SweeperConfig struct {
	Interval   time.Duration
	BatchSize  int
	EvictAfter time.Duration // terminal rows older than this are dropped
}

// Sweeper periodically expires overdue reservations and evicts long-dead
// rows. Shutdown is cooperative: Stop waits for the current sweep to finish.
type Sweeper struct {
	service *ReservationService
	cfg     SweeperConfig
	logger  *logger.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper creates the reservation expiry sweeper
func NewSweeper(service *ReservationService, cfg SweeperConfig, log *logger.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = 30 * 24 * time.Hour
	}

	return &Sweeper{
		service: service,
		cfg:     cfg,
		logger:  log.WithField("component", "reservation_sweeper"),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the sweep loop
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to complete
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.service.ExpireOverdue(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("reservation expiry sweep failed", "error", err)
		return
	}
	if expired > 0 {
		s.logger.Info("expired overdue reservations", "count", expired)
	}

	cutoff := time.Now().UTC().Add(-s.cfg.EvictAfter)
	if _, err := s.service.EvictDead(ctx, cutoff); err != nil {
		s.logger.Error("reservation eviction failed", "error", err)
	}
}
