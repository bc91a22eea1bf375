// Package quota meters usage of costly operations and enforces per-identity
// and pooled ceilings over a rolling window of days.
package quota

import (
	"time"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/cache"
	"gorm.io/gorm"
)

// Options wires an Engine's collaborators. Only DB is required.
type Options struct {
	DB          *gorm.DB
	Cache       cache.Cache
	Locker      cache.Locker
	Config      ConfigProvider
	Groups      GroupMembership
	Names       DisplayNameResolver
	Credentials CredentialChecker
	Notifier    Notifier
	Metrics     *Metrics
	Now         func() time.Time
}

// Engine groups the quota components sharing one store and cache.
type Engine struct {
	Resolver *Resolver
	Gate     *Gate
	Recorder *Recorder
	Ledger   *Ledger
	Admin    *Admin
	Reporter *Reporter
	Cleaner  *Cleaner
}

// New builds an Engine from opts.
func New(opts Options) *Engine {
	ledger := NewLedger(opts.DB, opts.Now)
	resolver := NewResolver(opts.DB, opts.Cache, opts.Groups, opts.Config, opts.Metrics)
	cleaner := NewCleaner(ledger, opts.Config, opts.Locker, opts.Metrics)
	if cleaner != nil && opts.Now != nil {
		cleaner.now = opts.Now
	}
	return &Engine{
		Resolver: resolver,
		Gate: NewGate(resolver, ledger, opts.Config, GateOptions{
			Credentials: opts.Credentials,
			Cache:       opts.Cache,
			Notifier:    opts.Notifier,
			Metrics:     opts.Metrics,
		}),
		Recorder: NewRecorder(ledger, resolver, opts.Metrics),
		Ledger:   ledger,
		Admin:    NewAdmin(opts.DB, resolver, opts.Names),
		Reporter: NewReporter(opts.DB, opts.Names),
		Cleaner:  cleaner,
	}
}
