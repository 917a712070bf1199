package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/port"
)

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	// Retention is how long committed, released and expired reservations are
	// kept. Zero keeps them forever.
	Retention time.Duration
}

// Sweeper periodically expires reservations whose hold has run out. Each
// expiry goes through the manager and therefore takes the variant lock, so
// it never races a concurrent commit or extend.
type Sweeper struct {
	manager *ReservationManager
	repo    port.StockRepository
	cfg     SweeperConfig
	logger  *zap.Logger
	now     func() time.Time
}

func NewSweeper(manager *ReservationManager, repo port.StockRepository, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		manager: manager,
		repo:    repo,
		cfg:     cfg,
		logger:  logger.Named("sweeper"),
		now:     manager.now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
			if _, err := s.Purge(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("purge failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce expires every reservation that is past its expiry now and
// returns how many were released. A failure on one reservation is logged
// and does not stop the sweep. Reservations that fail or are left unchanged
// are skipped for the rest of the pass, so they never hide the ones behind
// them in expiry order.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	skip := make(map[string]struct{})
	expired := 0

	for {
		limit := s.cfg.BatchSize + len(skip)
		batch, err := s.repo.ListExpired(ctx, now, limit)
		if err != nil {
			return expired, fmt.Errorf("list expired: %w", err)
		}

		fresh := 0
		for _, r := range batch {
			if _, seen := skip[r.ID]; seen {
				continue
			}
			fresh++

			ok, err := s.manager.Expire(ctx, r.ID)
			if err != nil {
				if ctx.Err() != nil {
					return expired, ctx.Err()
				}
				s.logger.Warn("failed to expire reservation",
					zap.String("reservation_id", r.ID),
					zap.String("variant_id", r.VariantID),
					zap.Error(err))
				skip[r.ID] = struct{}{}
				continue
			}
			if ok {
				expired++
			} else {
				skip[r.ID] = struct{}{}
			}
		}

		if len(batch) < limit || fresh == 0 {
			break
		}
	}

	if len(skip) > 0 {
		s.logger.Debug("reservations skipped this sweep", zap.Int("count", len(skip)))
	}
	if expired > 0 {
		s.logger.Info("expired reservations released", zap.Int("count", expired))
	}
	return expired, nil
}

// Purge deletes terminal reservations older than the retention period.
func (s *Sweeper) Purge(ctx context.Context) (int, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := s.repo.PurgeTerminal(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("purge terminal reservations: %w", err)
	}
	if n > 0 {
		s.logger.Debug("purged terminal reservations", zap.Int("count", n))
	}
	return n, nil
}
