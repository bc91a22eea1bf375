package quota

import (
	"context"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
)

// GroupMembership lists the groups an identity belongs to.
type GroupMembership interface {
	GroupsOf(ctx context.Context, identity string) ([]string, error)
}

// DisplayNameResolver turns identities and group names into labels for reports.
type DisplayNameResolver interface {
	DisplayNames(ctx context.Context, identities []string) (map[string]string, error)
	GroupDisplayNames(ctx context.Context, groups []string) (map[string]string, error)
}

// CredentialChecker reports whether an identity relays with its own upstream key.
type CredentialChecker interface {
	UsesOwnCredential(ctx context.Context, identity string) (bool, error)
}

// Notifier delivers a structured message to an identity.
type Notifier interface {
	Notify(ctx context.Context, identity, subject string, params map[string]any) error
}

// ResolvedRule is the rule that applies to one (type, identity) pair.
// RuleID is zero for the virtual default rule.
type ResolvedRule struct {
	RuleID   uint64           `json:"rule_id"`
	Type     models.QuotaType `json:"type"`
	Amount   int64            `json:"amount"`
	Pool     bool             `json:"pool"`
	Priority int              `json:"priority"`
}

// IsDefault reports whether no stored rule matched.
func (r ResolvedRule) IsDefault() bool {
	return r.RuleID == 0
}

// Status is the consumption view for one identity and type.
type Status struct {
	Type       models.QuotaType `json:"type"`
	TypeName   string           `json:"type_name"`
	Unit       string           `json:"unit"`
	RuleID     uint64           `json:"rule_id"`
	Pool       bool             `json:"pool"`
	Amount     int64            `json:"amount"`
	Used       int64            `json:"used"`
	Remaining  int64            `json:"remaining"`
	Unlimited  bool             `json:"unlimited"`
	Exceeded   bool             `json:"exceeded"`
	Bypassed   bool             `json:"bypassed"`
	PeriodDays int              `json:"period_days"`
}

// EntityRef identifies an assignment target.
type EntityRef struct {
	EntityType models.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
}

// RuleInput carries the fields accepted by UpdateRule.
type RuleInput struct {
	Type     models.QuotaType `json:"type"`
	Amount   int64            `json:"amount"`
	Priority int              `json:"priority"`
	Pool     bool             `json:"pool"`
	Entities []EntityRef      `json:"entities"`
}

// RuleEntityView is an assignment with its display label.
type RuleEntityView struct {
	EntityRef
	DisplayName string `json:"display_name"`
}

// RuleView is a rule with its labelled assignments.
type RuleView struct {
	ID       uint64           `json:"id"`
	Type     models.QuotaType `json:"type"`
	TypeName string           `json:"type_name"`
	Amount   int64            `json:"amount"`
	Priority int              `json:"priority"`
	Pool     bool             `json:"pool"`
	Entities []RuleEntityView `json:"entities"`
}

// ReportRowKind distinguishes identity rows from pool rows in a report.
type ReportRowKind string

// ReportRowKind values.
const (
	ReportRowUser ReportRowKind = "user"
	ReportRowPool ReportRowKind = "pool"
)

// ReportRow is one line of a usage report.
type ReportRow struct {
	Kind  ReportRowKind `json:"kind"`
	Key   string        `json:"key"`
	Label string        `json:"label"`
	Usage int64         `json:"usage"`
}
