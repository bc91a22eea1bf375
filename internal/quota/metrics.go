package quota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
)

// Metrics records engine activity. A nil *Metrics records nothing.
type Metrics struct {
	checks        *prometheus.CounterVec
	units         *prometheus.CounterVec
	resolveCache  *prometheus.CounterVec
	notifications *prometheus.CounterVec
	cleanupRows   prometheus.Counter
}

// NewMetrics registers the quota collectors on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_checks_total",
			Help: "Quota enforcement decisions by type and result.",
		}, []string{"type", "result"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_usage_units_total",
			Help: "Units recorded in the usage ledger by type.",
		}, []string{"type"}),
		resolveCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_resolve_cache_total",
			Help: "Rule resolver cache lookups by outcome.",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_notifications_total",
			Help: "Exceeded notifications by type and delivery outcome.",
		}, []string{"type", "outcome"}),
		cleanupRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quota_cleanup_deleted_rows_total",
			Help: "Usage rows deleted by retention cleanup.",
		}),
	}
	registerer.MustRegister(m.checks, m.units, m.resolveCache, m.notifications, m.cleanupRows)
	return m
}

func (m *Metrics) observeCheck(t models.QuotaType, result string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(t.String(), result).Inc()
}

func (m *Metrics) observeUnits(t models.QuotaType, units int64) {
	if m == nil || units <= 0 {
		return
	}
	m.units.WithLabelValues(t.String()).Add(float64(units))
}

func (m *Metrics) observeResolve(outcome string) {
	if m == nil {
		return
	}
	m.resolveCache.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeNotification(t models.QuotaType, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(t.String(), outcome).Inc()
}

func (m *Metrics) observeCleanup(rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.cleanupRows.Add(float64(rows))
}
