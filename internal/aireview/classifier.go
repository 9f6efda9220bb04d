package aireview

import (
	"context"
	"fmt"
	"strings"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// PolicyClassifier screens creative text against the tenant's policy terms.
// It stands in for an external model when no API key is configured and acts
// as a pre-filter in front of one: prohibited terms reject outright,
// restricted terms escalate, everything else approves.
type PolicyClassifier struct{}

// NewPolicyClassifier returns the term-screening classifier.
func NewPolicyClassifier() *PolicyClassifier { return &PolicyClassifier{} }

// Review implements Classifier.
func (PolicyClassifier) Review(_ context.Context, tenant *models.Tenant, c *models.Creative) (Decision, error) {
	text := strings.ToLower(strings.Join([]string{
		c.Name,
		c.Payload.URL,
		c.Payload.ClickURL,
		c.Payload.Snippet,
		strings.Join(c.Tags, " "),
	}, " "))

	pol := tenant.Policies
	if pol == nil {
		return Decision{Verdict: VerdictApprove, Confidence: 0.95, Reason: "no tenant policies configured"}, nil
	}
	for _, term := range pol.ProhibitedTerms {
		if term != "" && strings.Contains(text, strings.ToLower(term)) {
			return Decision{
				Verdict:    VerdictReject,
				Confidence: 0.99,
				Reason:     fmt.Sprintf("creative contains prohibited term %q", term),
			}, nil
		}
	}
	for _, term := range pol.RestrictedTerms {
		if term != "" && strings.Contains(text, strings.ToLower(term)) {
			return Decision{
				Verdict:    VerdictEscalate,
				Confidence: 0.5,
				Reason:     fmt.Sprintf("creative contains restricted term %q", term),
			}, nil
		}
	}
	return Decision{Verdict: VerdictApprove, Confidence: 0.9, Reason: "no policy terms matched"}, nil
}
