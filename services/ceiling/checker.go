package ceiling

import (
	"errors"
	"fmt"

	"github.com/upb/agent-governance/internal/observability"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/services"
)

// Checker enforces the sensitivity ceiling: a hard cap on which principal
// types may hold access per memory sensitivity tier. The rules are fixed in
// code, not policy-authorable, so no policy can lower the floor. A rejection
// here is terminal for the request regardless of what the policy evaluator
// decided.
type Checker struct {
	metrics *observability.Metrics
}

// NewChecker creates a ceiling checker
func NewChecker(metrics *observability.Metrics) *Checker {
	return &Checker{metrics: metrics}
}

// Check validates a principal/grant-type combination against the memory's
// sensitivity tier. Returns nil on pass, or a ceiling-violation domain error
// whose message propagates unchanged to the audit trail and the caller.
func (c *Checker) Check(sensitivity models.Sensitivity, principalType models.PrincipalType, grantType models.GrantType) error {
	switch sensitivity {
	case models.SensitivityRestricted:
		if principalType != models.PrincipalUser && principalType != models.PrincipalAgent {
			return c.reject(sensitivity, principalType, grantType,
				fmt.Sprintf("Restricted: %s-based grants not permitted, only individual users and agents", principalType))
		}
	case models.SensitivityConfidential:
		if principalType == models.PrincipalRole {
			return c.reject(sensitivity, principalType, grantType,
				"Confidential: role-based grants not permitted")
		}
	}
	// public and internal carry no ceiling beyond the policy evaluator outcome
	return nil
}

func (c *Checker) reject(sensitivity models.Sensitivity, principalType models.PrincipalType, grantType models.GrantType, reason string) error {
	c.metrics.IncrementCeilingRejection(string(sensitivity))
	return services.NewDomainError(services.ErrorTypeCeilingViolation, reason, nil).
		WithDetail("sensitivity", string(sensitivity)).
		WithDetail("principal_type", string(principalType)).
		WithDetail("grant_type", string(grantType))
}

// Reason extracts the human-readable rejection reason from a ceiling error,
// or an empty string when err is not a ceiling violation.
func Reason(err error) string {
	if !services.IsCeilingViolation(err) {
		return ""
	}
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return ""
}
