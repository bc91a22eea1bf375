package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/cache"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	log "github.com/sirupsen/logrus"
)

const (
	// NotifiedCachePrefix is the cache namespace of exceeded-notification flags.
	NotifiedCachePrefix = "quota:notified:"
	// SubjectQuotaExceeded is the notification subject sent on first crossing.
	SubjectQuotaExceeded = "quota_exceeded"
)

func notifiedCacheKey(t models.QuotaType, identity string) string {
	return NotifiedCachePrefix + strconv.Itoa(int(t)) + ":" + identity
}

// Gate decides whether an identity has used up its quota.
type Gate struct {
	resolver    *Resolver
	ledger      *Ledger
	credentials CredentialChecker
	cache       cache.Cache
	notifier    Notifier
	config      ConfigProvider
	metrics     *Metrics
}

// GateOptions wires the optional Gate collaborators.
type GateOptions struct {
	Credentials CredentialChecker
	Cache       cache.Cache
	Notifier    Notifier
	Metrics     *Metrics
}

// NewGate constructs a Gate.
func NewGate(resolver *Resolver, ledger *Ledger, config ConfigProvider, opts GateOptions) *Gate {
	return &Gate{
		resolver:    resolver,
		ledger:      ledger,
		credentials: opts.Credentials,
		cache:       opts.Cache,
		notifier:    opts.Notifier,
		config:      config,
		metrics:     opts.Metrics,
	}
}

// IsQuotaExceeded reports whether identity has reached its ceiling for t.
// Storage failures are returned wrapping ErrUsageUnavailable; the caller
// decides whether to fail open or closed.
func (g *Gate) IsQuotaExceeded(ctx context.Context, identity string, t models.QuotaType) (bool, error) {
	status, errCheck := g.Check(ctx, identity, t)
	if errCheck != nil {
		g.metrics.observeCheck(t, "error")
		return false, errCheck
	}
	switch {
	case status.Bypassed:
		g.metrics.observeCheck(t, "bypass")
	case status.Unlimited:
		g.metrics.observeCheck(t, "unlimited")
	case status.Exceeded:
		g.metrics.observeCheck(t, "exceeded")
		g.notifyExceeded(ctx, identity, status)
	default:
		g.metrics.observeCheck(t, "allowed")
	}
	return status.Exceeded, nil
}

// Check computes the consumption status of identity for t without side effects.
func (g *Gate) Check(ctx context.Context, identity string, t models.QuotaType) (Status, error) {
	if g == nil || g.resolver == nil || g.ledger == nil {
		return Status{}, fmt.Errorf("quota: gate not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !t.Valid() {
		return Status{}, fmt.Errorf("quota: check: unknown type %s", t)
	}
	identity = strings.TrimSpace(identity)
	cfg := g.config.get()
	status := Status{
		Type:       t,
		TypeName:   t.String(),
		Unit:       t.Unit(),
		PeriodDays: cfg.Period(),
	}

	if g.credentials != nil && !routedOnSharedCredentials(ctx) {
		own, errOwn := g.credentials.UsesOwnCredential(ctx, identity)
		if errOwn != nil {
			return Status{}, usageUnavailable("credential check", errOwn)
		}
		if own {
			status.Bypassed = true
			status.Unlimited = true
			return status, nil
		}
	}

	rule, errResolve := g.resolver.Resolve(ctx, t, identity)
	if errResolve != nil {
		return Status{}, usageUnavailable("resolve", errResolve)
	}
	status.RuleID = rule.RuleID
	status.Pool = rule.Pool
	status.Amount = rule.Amount
	if rule.Amount == 0 {
		status.Unlimited = true
		return status, nil
	}

	var used int64
	var errSum error
	if rule.Pool {
		used, errSum = g.ledger.SumForPool(ctx, rule.RuleID, t, status.PeriodDays)
	} else {
		used, errSum = g.ledger.SumForIdentity(ctx, identity, t, status.PeriodDays)
	}
	if errSum != nil {
		return Status{}, errSum
	}
	status.Used = used
	status.Exceeded = used >= rule.Amount
	if remaining := rule.Amount - used; remaining > 0 {
		status.Remaining = remaining
	}
	return status, nil
}

// Overview returns the status of every quota type for identity.
func (g *Gate) Overview(ctx context.Context, identity string) ([]Status, error) {
	types := models.AllQuotaTypes()
	out := make([]Status, 0, len(types))
	for _, t := range types {
		status, errCheck := g.Check(ctx, identity, t)
		if errCheck != nil {
			return nil, errCheck
		}
		out = append(out, status)
	}
	return out, nil
}

// notifyExceeded sends one notification per (type, identity) within the
// configured window. The flag lives in the cache; losing it may repeat a message.
func (g *Gate) notifyExceeded(ctx context.Context, identity string, status Status) {
	if g.notifier == nil || identity == "" {
		return
	}
	key := notifiedCacheKey(status.Type, identity)
	if g.cache != nil {
		_, seen, errGet := g.cache.Get(ctx, key)
		if errGet != nil {
			log.WithError(errGet).WithField("key", key).Warn("quota: notification flag read failed")
		}
		if seen {
			g.metrics.observeNotification(status.Type, "suppressed")
			return
		}
	}

	params := map[string]any{
		"type":        int(status.Type),
		"type_name":   status.TypeName,
		"unit":        status.Unit,
		"amount":      status.Amount,
		"used":        status.Used,
		"period_days": status.PeriodDays,
		"pool":        status.Pool,
		"rule_id":     status.RuleID,
	}
	if errNotify := g.notifier.Notify(ctx, identity, SubjectQuotaExceeded, params); errNotify != nil {
		g.metrics.observeNotification(status.Type, "failed")
		log.WithError(errNotify).WithFields(log.Fields{
			"identity": identity,
			"type":     status.TypeName,
		}).Warn("quota: exceeded notification failed")
		return
	}
	g.metrics.observeNotification(status.Type, "sent")

	if g.cache == nil {
		return
	}
	window := g.config.get().Window()
	if errSet := g.cache.Set(ctx, key, strconv.FormatInt(time.Now().Unix(), 10), window); errSet != nil {
		log.WithError(errSet).WithField("key", key).Warn("quota: notification flag write failed")
	}
}
