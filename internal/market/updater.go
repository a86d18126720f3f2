package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/portfolio-analysis/internal/logging"
	"github.com/portfolio-analysis/internal/models"
	"github.com/portfolio-analysis/internal/storage"
)

// Repository is the portfolio persistence surface the updater needs
type Repository interface {
	ActiveSessions(ctx context.Context) ([]string, error)
	GetPortfolio(ctx context.Context, sessionID string) (*models.PortfolioState, error)
	UpdateMarketValues(ctx context.Context, sessionID string, prices map[string]float64) error
}

// UpdaterConfig holds market updater dependencies
type UpdaterConfig struct {
	Repository Repository
	Prices     *PriceBook
	Interval   time.Duration
	Logger     *logging.Logger
}

// Updater is the single process-wide task that periodically recomputes
// total_value for every live session. It never touches current_analysis or
// analysis_results, so a tick landing mid-run is invisible to that run's
// snapshot.
type Updater struct {
	repo     Repository
	prices   *PriceBook
	interval time.Duration
	logger   *logging.Logger
}

// NewUpdater creates a market updater
func NewUpdater(cfg *UpdaterConfig) (*Updater, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if cfg.Repository == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	if cfg.Prices == nil {
		return nil, fmt.Errorf("price book cannot be nil")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", cfg.Interval)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Updater{
		repo:     cfg.Repository,
		prices:   cfg.Prices,
		interval: cfg.Interval,
		logger:   logger,
	}, nil
}

// Run executes the update loop until ctx is cancelled
func (u *Updater) Run(ctx context.Context) {
	u.logger.WithField("interval", u.interval.String()).Info("Market updater started")

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			u.logger.Info("Market updater stopped")
			return
		case <-ticker.C:
			u.tick(ctx)
		}
	}
}

// tick updates every live session once. Per-session failures are logged and
// skipped; the loop stays on schedule.
func (u *Updater) tick(ctx context.Context) {
	sessionIDs, err := u.repo.ActiveSessions(ctx)
	if err != nil {
		u.logger.WithError(err).Error("Failed to enumerate sessions")
		return
	}

	for _, sessionID := range sessionIDs {
		if ctx.Err() != nil {
			return
		}
		if err := u.updateSession(ctx, sessionID); err != nil {
			if errors.Is(err, storage.ErrSessionNotFound) {
				// Expired between enumeration and update
				u.logger.WithField("session", sessionID).Debug("Session vanished, skipping")
				continue
			}
			u.logger.WithField("session", sessionID).WithError(err).Warn("Market update failed for session")
		}
	}
}

func (u *Updater) updateSession(ctx context.Context, sessionID string) error {
	state, err := u.repo.GetPortfolio(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(state.Holdings) == 0 {
		return nil
	}

	tickers := make([]string, 0, len(state.Holdings))
	for ticker := range state.Holdings {
		tickers = append(tickers, ticker)
	}

	return u.repo.UpdateMarketValues(ctx, sessionID, u.prices.Next(tickers))
}
