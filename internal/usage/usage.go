// Package usage feeds completed relay calls into the quota ledger.
package usage

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	coreusage "github.com/router-for-me/CLIProxyAPI/v6/sdk/cliproxy/usage"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	log "github.com/sirupsen/logrus"
)

// IdentityMetadataKey is the accessMetadata entry carrying the metered identity.
const IdentityMetadataKey = "identity"

// recordTimeout bounds ledger writes made on behalf of a finished request.
const recordTimeout = 5 * time.Second

// Meter records units for an identity, attributing pooled rules.
type Meter interface {
	Meter(ctx context.Context, identity string, t models.QuotaType, units int64) error
}

// QuotaUsagePlugin records text tokens for every successful relay call.
type QuotaUsagePlugin struct {
	meter Meter
}

// NewQuotaUsagePlugin constructs a QuotaUsagePlugin.
func NewQuotaUsagePlugin(meter Meter) *QuotaUsagePlugin { return &QuotaUsagePlugin{meter: meter} }

// HandleUsage meters the record against the identity attached to the request.
func (p *QuotaUsagePlugin) HandleUsage(ctx context.Context, record coreusage.Record) {
	if p == nil || p.meter == nil {
		return
	}
	if record.Failed {
		return
	}

	identity := strings.TrimSpace(accessMetadataFromContext(ctx)[IdentityMetadataKey])
	if identity == "" {
		return
	}

	units := record.Detail.TotalTokens
	if units == 0 {
		units = record.Detail.InputTokens + record.Detail.OutputTokens + record.Detail.ReasoningTokens
	}
	if units <= 0 {
		return
	}

	dbCtx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if errMeter := p.meter.Meter(dbCtx, identity, models.QuotaTypeText, units); errMeter != nil {
		log.WithError(errMeter).WithFields(log.Fields{
			"identity": identity,
			"provider": strings.TrimSpace(record.Provider),
			"model":    strings.TrimSpace(record.Model),
			"units":    units,
		}).Warn("usage plugin: failed to record quota usage")
	}
}

// accessMetadataFromContext extracts access metadata from the gin context.
func accessMetadataFromContext(ctx context.Context) map[string]string {
	if ctx == nil {
		return nil
	}
	ginCtx, ok := ctx.Value("gin").(*gin.Context)
	if !ok || ginCtx == nil {
		return nil
	}
	v, exists := ginCtx.Get("accessMetadata")
	if !exists {
		return nil
	}
	meta, ok := v.(map[string]string)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, val := range meta {
		out[k] = val
	}
	return out
}
