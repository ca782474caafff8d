// Package usage resolves which external resources reference a RuleSet.
// The analyzer feeds both risk weighting (collector) and safety vetoes
// before destructive steps (planner, executor).
package usage

import (
	"context"

	"go.uber.org/zap"

	"github.com/buffnerd/sg-sentinel/internal/models"
	"github.com/buffnerd/sg-sentinel/internal/providers"
)

// Analyzer wraps an AttachmentProvider with the engine's conservative
// degradation policy: a failed lookup yields "unknown, assume attached"
// so an error can never wrongly permit deletion.
type Analyzer struct {
	provider providers.AttachmentProvider
	log      *zap.Logger
}

// NewAnalyzer constructs an Analyzer. A nil logger disables logging.
func NewAnalyzer(provider providers.AttachmentProvider, log *zap.Logger) *Analyzer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Analyzer{provider: provider, log: log}
}

// Attachments returns the RuleSet's current attachment set. The second
// result is false when the set could not be determined; callers must then
// treat the RuleSet as attached.
func (a *Analyzer) Attachments(ctx context.Context, region, ruleSetID string) ([]models.AttachmentRef, bool) {
	refs, err := a.provider.ListAttachments(ctx, region, ruleSetID)
	if err != nil {
		a.log.Warn("attachment lookup failed; assuming attached",
			zap.String("rule_set_id", ruleSetID),
			zap.String("region", region),
			zap.Error(err),
		)
		return nil, false
	}
	return refs, true
}

// DeletionSafe reports whether rs may be considered for deletion: its
// attachment state is known and empty.
func DeletionSafe(rs models.RuleSet) bool {
	return rs.AttachmentsKnown && len(rs.Attachments) == 0
}
