package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/cache"
	log "github.com/sirupsen/logrus"
)

const (
	defaultCleanupInterval = 24 * time.Hour
	// CleanupLockKey guards the cleanup job across instances.
	CleanupLockKey = "quota:cleanup:lock"
	cleanupLockTTL = 10 * time.Minute
)

// CleanupResult summarizes one cleanup run.
type CleanupResult struct {
	RunID   string    `json:"run_id"`
	Cutoff  time.Time `json:"cutoff"`
	Deleted int64     `json:"deleted"`
	Skipped bool      `json:"skipped"`
}

// Cleaner deletes usage older than the retention window.
type Cleaner struct {
	ledger   *Ledger
	config   ConfigProvider
	locker   cache.Locker
	metrics  *Metrics
	interval time.Duration
	now      func() time.Time
}

// NewCleaner constructs a Cleaner. locker may be nil for single-instance deployments.
func NewCleaner(ledger *Ledger, config ConfigProvider, locker cache.Locker, metrics *Metrics) *Cleaner {
	if ledger == nil {
		return nil
	}
	return &Cleaner{
		ledger:   ledger,
		config:   config,
		locker:   locker,
		metrics:  metrics,
		interval: defaultCleanupInterval,
		now:      time.Now,
	}
}

// Cutoff returns the timestamp before which usage is deleted.
func (c *Cleaner) Cutoff() time.Time {
	days := c.config.get().RetentionDays()
	return c.now().Add(-time.Duration(days) * 24 * time.Hour)
}

// Start runs cleanup once and then on every interval until ctx is done.
func (c *Cleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go c.run(ctx)
	log.Infof("quota cleanup started (interval=%s)", c.interval)
}

func (c *Cleaner) run(ctx context.Context) {
	interval := c.interval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}

	if _, err := c.RunOnce(ctx); err != nil {
		log.WithError(err).Warn("quota cleanup: initial run failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				log.WithError(err).Warn("quota cleanup: run failed")
			}
		}
	}
}

// RunOnce deletes expired usage. When another instance holds the lock the run
// is skipped.
func (c *Cleaner) RunOnce(ctx context.Context) (CleanupResult, error) {
	if c == nil || c.ledger == nil {
		return CleanupResult{}, fmt.Errorf("quota cleanup: not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	result := CleanupResult{RunID: uuid.NewString(), Cutoff: c.Cutoff()}
	logger := log.WithField("run_id", result.RunID)

	if c.locker != nil {
		token, acquired, errLock := c.locker.TryLock(ctx, CleanupLockKey, cleanupLockTTL)
		if errLock != nil {
			return result, fmt.Errorf("quota cleanup: acquire lock: %w", errLock)
		}
		if !acquired {
			result.Skipped = true
			logger.Debug("quota cleanup: lock held elsewhere, skipping")
			return result, nil
		}
		defer func() {
			if errRelease := c.locker.Release(context.WithoutCancel(ctx), CleanupLockKey, token); errRelease != nil {
				logger.WithError(errRelease).Warn("quota cleanup: release lock failed")
			}
		}()
	}

	deleted, errDelete := c.ledger.DeleteBefore(ctx, result.Cutoff)
	if errDelete != nil {
		return result, errDelete
	}
	result.Deleted = deleted
	c.metrics.observeCleanup(deleted)
	logger.WithFields(log.Fields{
		"cutoff":  result.Cutoff.UTC().Format(time.RFC3339),
		"deleted": deleted,
	}).Info("quota cleanup: completed")
	return result, nil
}
