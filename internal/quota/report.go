package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Reporter builds usage reports from the ledger.
type Reporter struct {
	db    *gorm.DB
	names DisplayNameResolver
}

// NewReporter constructs a Reporter. names may be nil.
func NewReporter(db *gorm.DB, names DisplayNameResolver) *Reporter {
	return &Reporter{db: db, names: names}
}

type identityUsage struct {
	UserID string
	Total  int64
}

type poolUsage struct {
	PoolID uint64
	Total  int64
}

// Report lists usage of type t between start (inclusive) and end (exclusive),
// sorted by usage descending. Individual usage and pooled usage appear as
// separate rows; pooled events count only toward their pool row.
func (r *Reporter) Report(ctx context.Context, start, end time.Time, t models.QuotaType) ([]ReportRow, error) {
	if r == nil || r.db == nil {
		return nil, usageUnavailable("report", fmt.Errorf("nil db"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown type %s", ErrInvalidUsage, t)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: report end must be after start", ErrInvalidUsage)
	}
	from, to := start.Unix(), end.Unix()

	var identities []identityUsage
	var pools []poolUsage
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return r.db.WithContext(groupCtx).
			Model(&models.QuotaUsage{}).
			Select("user_id, COALESCE(SUM(units), 0) AS total").
			Where("type = ? AND timestamp >= ? AND timestamp < ? AND pool_id IS NULL", t, from, to).
			Group("user_id").
			Order("total DESC, user_id ASC").
			Scan(&identities).Error
	})
	group.Go(func() error {
		return r.db.WithContext(groupCtx).
			Model(&models.QuotaUsage{}).
			Select("pool_id, COALESCE(SUM(units), 0) AS total").
			Where("type = ? AND timestamp >= ? AND timestamp < ? AND pool_id IS NOT NULL", t, from, to).
			Group("pool_id").
			Order("total DESC, pool_id ASC").
			Scan(&pools).Error
	})
	if errWait := group.Wait(); errWait != nil {
		return nil, usageUnavailable("report", errWait)
	}

	userRows := make([]ReportRow, 0, len(identities))
	keys := make([]string, 0, len(identities))
	for _, row := range identities {
		keys = append(keys, row.UserID)
	}
	labels := r.displayNames(ctx, keys)
	for _, row := range identities {
		label := row.UserID
		if name, ok := labels[row.UserID]; ok {
			label = name
		}
		userRows = append(userRows, ReportRow{Kind: ReportRowUser, Key: row.UserID, Label: label, Usage: row.Total})
	}
	poolRows := make([]ReportRow, 0, len(pools))
	for _, row := range pools {
		key := strconv.FormatUint(row.PoolID, 10)
		poolRows = append(poolRows, ReportRow{Kind: ReportRowPool, Key: key, Label: "Pool #" + key, Usage: row.Total})
	}
	return mergeReportRows(userRows, poolRows), nil
}

func (r *Reporter) displayNames(ctx context.Context, identities []string) map[string]string {
	if r.names == nil || len(identities) == 0 {
		return nil
	}
	labels, errNames := r.names.DisplayNames(ctx, identities)
	if errNames != nil {
		log.WithError(errNames).Warn("quota: report display names failed")
		return nil
	}
	return labels
}

// mergeReportRows merges two lists sorted by usage descending into one. On
// equal usage the identity row comes first.
func mergeReportRows(users, pools []ReportRow) []ReportRow {
	out := make([]ReportRow, 0, len(users)+len(pools))
	i, j := 0, 0
	for i < len(users) && j < len(pools) {
		if users[i].Usage >= pools[j].Usage {
			out = append(out, users[i])
			i++
		} else {
			out = append(out, pools[j])
			j++
		}
	}
	out = append(out, users[i:]...)
	return append(out, pools[j:]...)
}
