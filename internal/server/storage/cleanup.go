package storage

import (
	"context"
	"log/slog"
	"time"

	"squeeze/internal/server/database"
)

// CleanupService periodically removes expired share links. Artifacts are
// kept until deleted explicitly.
type CleanupService struct {
	repo     database.ShareRepository
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(repo database.ShareRepository, interval time.Duration) *CleanupService {
	return &CleanupService{
		repo:     repo,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.runCleanup(ctx)

		for {
			select {
			case <-ticker.C:
				cs.runCleanup(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

func (cs *CleanupService) runCleanup(ctx context.Context) {
	removed, err := cs.repo.DeleteExpiredShares(ctx, cs.now())
	if err != nil {
		slog.Error("failed to delete expired shares", "error", err)
		return
	}
	if removed == 0 {
		slog.Debug("no expired shares to clean up")
		return
	}
	slog.Info("cleanup cycle complete", "expired_shares", removed)
}
