// Package policy screens inbound briefs against tenant policy settings and
// gates transactional tools on tenant setup completeness.
package policy

import (
	"strings"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// Policy check outcomes.
const (
	StatusApproved   = "APPROVED"
	StatusRestricted = "RESTRICTED"
	StatusBlocked    = "BLOCKED"
)

// Result is the outcome of screening one brief.
type Result struct {
	Status string
	// Reason names the term or category that triggered a non-approved status.
	Reason string
}

// Checker screens brief text against a tenant's prohibited and restricted
// term lists.
type Checker struct {
	logger *zap.Logger
}

// NewChecker builds a Checker.
func NewChecker(logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.L()
	}
	return &Checker{logger: logger}
}

// Check screens the brief and promoted offering for the tenant. Prohibited
// terms block outright; restricted terms flag for review. Tenants without
// policies approve everything.
func (c *Checker) Check(tenant *models.Tenant, brief, promotedOffering string) Result {
	pol := tenant.Policies
	if pol == nil {
		return Result{Status: StatusApproved}
	}
	text := strings.ToLower(brief + " " + promotedOffering)

	for _, term := range pol.ProhibitedTerms {
		if term != "" && strings.Contains(text, strings.ToLower(term)) {
			c.logger.Warn("brief blocked by policy",
				zap.String("tenant_id", tenant.TenantID),
				zap.String("term", term))
			return Result{Status: StatusBlocked, Reason: term}
		}
	}
	for _, cat := range pol.ProhibitedCategories {
		if cat != "" && strings.Contains(text, strings.ToLower(cat)) {
			c.logger.Warn("brief blocked by policy category",
				zap.String("tenant_id", tenant.TenantID),
				zap.String("category", cat))
			return Result{Status: StatusBlocked, Reason: cat}
		}
	}
	for _, term := range pol.RestrictedTerms {
		if term != "" && strings.Contains(text, strings.ToLower(term)) {
			return Result{Status: StatusRestricted, Reason: term}
		}
	}
	return Result{Status: StatusApproved}
}

// RequiresReview reports whether a RESTRICTED outcome must go through a
// human policy_review step for this tenant.
func RequiresReview(tenant *models.Tenant, res Result) bool {
	return res.Status == StatusRestricted &&
		tenant.Policies != nil && tenant.Policies.RequireManualReview
}

// Violation converts a BLOCKED result into the protocol error returned to
// the caller.
func Violation(res Result) error {
	return models.NewAdCPError(models.CodePolicyViolation,
		"brief violates publisher policy (%s)", res.Reason)
}
