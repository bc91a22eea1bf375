package quota

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/cache"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeGroups map[string][]string

func (g fakeGroups) GroupsOf(_ context.Context, identity string) ([]string, error) {
	return g[identity], nil
}

type fakeCredentials map[string]bool

func (c fakeCredentials) UsesOwnCredential(_ context.Context, identity string) (bool, error) {
	return c[identity], nil
}

type sentNotification struct {
	identity string
	subject  string
	params   map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, identity, subject string, params map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{identity: identity, subject: subject, params: params})
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fixture struct {
	db       *gorm.DB
	clock    *testClock
	cache    *cache.MemoryCache
	groups   fakeGroups
	creds    fakeCredentials
	notifier *recordingNotifier
	cfg      *Config
	metrics  *Metrics
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open("file:"+filepath.Join(t.TempDir(), "quota.db")), &gorm.Config{})
	require.NoError(t, errOpen)
	require.NoError(t, conn.AutoMigrate(
		&models.QuotaRule{},
		&models.QuotaRuleEntity{},
		&models.QuotaUsage{},
		&models.Notification{},
	))

	f := &fixture{
		db:       conn,
		clock:    &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		groups:   fakeGroups{},
		creds:    fakeCredentials{},
		notifier: &recordingNotifier{},
		cfg: &Config{
			DefaultAmounts: map[models.QuotaType]int64{
				models.QuotaTypeText:  1000,
				models.QuotaTypeImage: 5,
			},
			PeriodDays:         1,
			NotificationWindow: time.Hour,
		},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.cache = cache.NewMemoryCache(f.clock.Now)
	f.engine = New(Options{
		DB:          conn,
		Cache:       f.cache,
		Locker:      f.cache,
		Config:      func() Config { return *f.cfg },
		Groups:      f.groups,
		Credentials: f.creds,
		Notifier:    f.notifier,
		Metrics:     f.metrics,
		Now:         f.clock.Now,
	})
	return f
}

// rule creates and configures a rule through the admin surface.
func (f *fixture) rule(t *testing.T, in RuleInput) uint64 {
	t.Helper()
	ctx := context.Background()
	created, errAdd := f.engine.Admin.AddRule(ctx)
	require.NoError(t, errAdd)
	_, errUpdate := f.engine.Admin.UpdateRule(ctx, created.ID, in)
	require.NoError(t, errUpdate)
	return created.ID
}

func (f *fixture) record(t *testing.T, identity string, qt models.QuotaType, units int64, poolID *uint64) {
	t.Helper()
	require.NoError(t, f.engine.Recorder.RecordUsage(context.Background(), identity, qt, units, poolID))
}

func user(id string) EntityRef {
	return EntityRef{EntityType: models.EntityTypeUser, EntityID: id}
}

func group(id string) EntityRef {
	return EntityRef{EntityType: models.EntityTypeGroup, EntityID: id}
}

func ptr(v uint64) *uint64 { return &v }
