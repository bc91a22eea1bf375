package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	"gorm.io/gorm"
)

const secondsPerDay = int64(24 * time.Hour / time.Second)

// Ledger appends and aggregates usage events.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLedger constructs a Ledger. now defaults to time.Now.
func NewLedger(db *gorm.DB, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{db: db, now: now}
}

// windowStart returns the unix second at which a trailing window of periodDays begins.
func (l *Ledger) windowStart(periodDays int) int64 {
	if l == nil {
		return 0
	}
	if periodDays < 1 {
		periodDays = 1
	}
	return l.now().Unix() - int64(periodDays)*secondsPerDay
}

// Append stores one usage event stamped with the current time.
func (l *Ledger) Append(ctx context.Context, identity string, t models.QuotaType, units int64, poolID *uint64) (*models.QuotaUsage, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("quota: append usage: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	identity = strings.TrimSpace(identity)
	switch {
	case identity == "":
		return nil, fmt.Errorf("%w: empty identity", ErrInvalidUsage)
	case !t.Valid():
		return nil, fmt.Errorf("%w: unknown type %s", ErrInvalidUsage, t)
	case units < 0:
		return nil, fmt.Errorf("%w: negative units %d", ErrInvalidUsage, units)
	}
	if poolID != nil && *poolID == 0 {
		poolID = nil
	}
	row := models.QuotaUsage{
		UserID:    identity,
		Type:      t,
		Units:     units,
		Timestamp: l.now().Unix(),
		PoolID:    poolID,
	}
	if errCreate := l.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("quota: append usage: %w", errCreate)
	}
	return &row, nil
}

func (l *Ledger) sum(ctx context.Context, op string, scope func(*gorm.DB) *gorm.DB) (int64, error) {
	if l == nil || l.db == nil {
		return 0, usageUnavailable(op, fmt.Errorf("nil db"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var total int64
	q := scope(l.db.WithContext(ctx).Model(&models.QuotaUsage{}))
	if errSum := q.Select("COALESCE(SUM(units), 0)").Scan(&total).Error; errSum != nil {
		return 0, usageUnavailable(op, errSum)
	}
	return total, nil
}

// SumForIdentity sums every event of identity and type in the trailing window,
// pooled or not.
func (l *Ledger) SumForIdentity(ctx context.Context, identity string, t models.QuotaType, periodDays int) (int64, error) {
	since := l.windowStart(periodDays)
	return l.sum(ctx, "sum identity", func(q *gorm.DB) *gorm.DB {
		return q.Where("user_id = ? AND type = ? AND timestamp >= ?", identity, t, since)
	})
}

// SumForPool sums every event attributed to poolID and type in the trailing window.
func (l *Ledger) SumForPool(ctx context.Context, poolID uint64, t models.QuotaType, periodDays int) (int64, error) {
	since := l.windowStart(periodDays)
	return l.sum(ctx, "sum pool", func(q *gorm.DB) *gorm.DB {
		return q.Where("pool_id = ? AND type = ? AND timestamp >= ?", poolID, t, since)
	})
}

// SumForType sums every event of type t in the trailing window.
func (l *Ledger) SumForType(ctx context.Context, t models.QuotaType, periodDays int) (int64, error) {
	since := l.windowStart(periodDays)
	return l.sum(ctx, "sum type", func(q *gorm.DB) *gorm.DB {
		return q.Where("type = ? AND timestamp >= ?", t, since)
	})
}

func (l *Ledger) purge(ctx context.Context, op string, scope func(*gorm.DB) *gorm.DB) (int64, error) {
	if l == nil || l.db == nil {
		return 0, fmt.Errorf("quota: %s: nil db", op)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res := scope(l.db.WithContext(ctx)).Delete(&models.QuotaUsage{})
	if res.Error != nil {
		return 0, fmt.Errorf("quota: %s: %w", op, res.Error)
	}
	return res.RowsAffected, nil
}

// PurgeIdentity deletes every event recorded for identity.
func (l *Ledger) PurgeIdentity(ctx context.Context, identity string) (int64, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return 0, fmt.Errorf("%w: empty identity", ErrInvalidUsage)
	}
	return l.purge(ctx, "purge identity", func(q *gorm.DB) *gorm.DB {
		return q.Where("user_id = ?", identity)
	})
}

// PurgeType deletes every event of type t.
func (l *Ledger) PurgeType(ctx context.Context, t models.QuotaType) (int64, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("%w: unknown type %s", ErrInvalidUsage, t)
	}
	return l.purge(ctx, "purge type", func(q *gorm.DB) *gorm.DB {
		return q.Where("type = ?", t)
	})
}

// DeleteBefore deletes every event stamped strictly before cutoff.
func (l *Ledger) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return l.purge(ctx, "delete expired usage", func(q *gorm.DB) *gorm.DB {
		return q.Where("timestamp < ?", cutoff.Unix())
	})
}
