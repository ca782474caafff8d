// Package providers defines the narrow collaborator interfaces the engine
// consumes: rule storage, attachment lookup, and health probing. The engine
// depends only on these interfaces; the AWS implementation lives in the
// aws subpackage and tests supply in-memory fakes.
package providers

import (
	"context"

	"github.com/buffnerd/sg-sentinel/internal/models"
)

// RuleProvider is the external mutable rule storage. All calls are
// per-region. Implementations must fully drain pagination in ListRuleSets
// and must return a tagged *Error so callers can distinguish throttled
// from denied from not-found failures.
type RuleProvider interface {
	// ListRuleSets returns every RuleSet in the region with its rules
	// populated. Attachments are resolved separately by the
	// AttachmentProvider.
	ListRuleSets(ctx context.Context, region string) ([]models.RuleSet, error)

	// GetRuleSet returns a single RuleSet by ID. Used by the executor's
	// drift check so one action does not require draining a whole region.
	GetRuleSet(ctx context.Context, region, ruleSetID string) (*models.RuleSet, error)

	// AddRule adds rule to the identified RuleSet. Additive and safe to
	// apply immediately.
	AddRule(ctx context.Context, region, ruleSetID string, rule models.Rule) error

	// RemoveRule removes the rule content-equal to rule from the
	// identified RuleSet.
	RemoveRule(ctx context.Context, region, ruleSetID string, rule models.Rule) error

	// DeleteRuleSet deletes the identified RuleSet outright. Callers must
	// verify the RuleSet is unattached first.
	DeleteRuleSet(ctx context.Context, region, ruleSetID string) error
}

// AttachmentProvider enumerates the resources currently using a RuleSet.
type AttachmentProvider interface {
	// ListAttachments returns every known attachment of the RuleSet.
	// An error means the attachment state is unknown; callers must treat
	// unknown as attached.
	ListAttachments(ctx context.Context, region, ruleSetID string) ([]models.AttachmentRef, error)
}

// HealthChecker is the opaque application/network health probe consulted
// after the settle interval. The engine attaches no meaning to the probe
// beyond healthy / not healthy.
type HealthChecker interface {
	// IsHealthy returns true when the probed system is healthy. An error
	// is treated the same as unhealthy by the executor.
	IsHealthy(ctx context.Context) (bool, error)
}
