package quota

import (
	"context"
	"fmt"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	log "github.com/sirupsen/logrus"
)

// Recorder appends usage after a metered action completes.
type Recorder struct {
	ledger   *Ledger
	resolver *Resolver
	metrics  *Metrics
}

// NewRecorder constructs a Recorder. resolver is only needed by Meter.
func NewRecorder(ledger *Ledger, resolver *Resolver, metrics *Metrics) *Recorder {
	return &Recorder{ledger: ledger, resolver: resolver, metrics: metrics}
}

// RecordUsage appends one event. It performs no deduplication: call it exactly
// once per completed action. poolID attributes the event to a pooled rule.
func (r *Recorder) RecordUsage(ctx context.Context, identity string, t models.QuotaType, units int64, poolID *uint64) error {
	if r == nil || r.ledger == nil {
		return fmt.Errorf("quota: recorder not configured")
	}
	if _, errAppend := r.ledger.Append(ctx, identity, t, units, poolID); errAppend != nil {
		return errAppend
	}
	r.metrics.observeUnits(t, units)
	return nil
}

// Meter resolves the identity's rule and records units against its pool when
// the rule is pooled.
func (r *Recorder) Meter(ctx context.Context, identity string, t models.QuotaType, units int64) error {
	if r == nil || r.resolver == nil {
		return fmt.Errorf("quota: recorder not configured")
	}
	var poolID *uint64
	rule, errResolve := r.resolver.Resolve(ctx, t, identity)
	if errResolve != nil {
		// The usage still happened; record it unattributed rather than lose it.
		log.WithError(errResolve).WithField("identity", identity).Warn("quota: meter could not resolve rule")
	} else if rule.Pool && rule.RuleID != 0 {
		id := rule.RuleID
		poolID = &id
	}
	return r.RecordUsage(ctx, identity, t, units, poolID)
}
