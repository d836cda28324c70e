package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampsync/internal/config"
	"github.com/dokzlo13/lampsync/internal/ledger"
)

// LedgerCleanupService periodically trims the command ledger.
type LedgerCleanupService struct {
	retention time.Duration
	interval  time.Duration
	ledger    *ledger.Ledger
}

// NewLedgerCleanupService creates a new LedgerCleanupService.
func NewLedgerCleanupService(cfg *config.Config, l *ledger.Ledger) *LedgerCleanupService {
	return &LedgerCleanupService{
		retention: cfg.Ledger.RetentionPeriod.Duration(),
		interval:  cfg.Ledger.RetentionInterval.Duration(),
		ledger:    l,
	}
}

// Start runs the cleanup loop in the background.
func (s *LedgerCleanupService) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *LedgerCleanupService) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *LedgerCleanupService) cleanup() {
	deleted, err := s.ledger.DeleteOlderThan(s.retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", s.retention).Msg("Cleaned up old ledger entries")
	}
}
