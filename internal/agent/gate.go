package agent

import (
	"context"

	"github.com/stationops/quartermaster/pkg/models"
)

// ShouldAutoExecute decides whether a plan of the given aggregate risk may
// execute without human approval at the session's autonomy level.
//
// Pure decision table, no side effects:
//
//	level 0 (read-only)       never auto-execute
//	level 1 (recommendations) auto iff max risk is read-only
//	level 2 (assisted)        auto iff max risk is at most low-risk-write
//	level 3 (supervised)      always auto-execute
//
// Unknown levels never auto-execute.
func ShouldAutoExecute(maxRisk models.RiskLevel, level models.AutonomyLevel) bool {
	switch level {
	case models.AutonomyReadOnly:
		return false
	case models.AutonomyRecommend:
		return maxRisk == models.RiskReadOnly
	case models.AutonomyAssisted:
		return maxRisk <= models.RiskLowWrite
	case models.AutonomySupervised:
		return true
	default:
		return false
	}
}

// Authorizer is the per-call policy check applied synchronously immediately
// before every tool invocation, whether reached via auto-execution or
// post-approval execution. Plan approval does not bypass it.
//
// Implementations must be side-effect-free and must not block.
type Authorizer interface {
	// Authorize returns nil to allow the call or an *AuthorizationError to
	// deny it. Any other error is treated as a denial with an unknown reason.
	Authorize(ctx context.Context, principal string, toolName string) error
}

// AllowAll is an Authorizer that permits every call.
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(context.Context, string, string) error { return nil }

// Denylist is an Authorizer that rejects calls to the listed tools for every
// principal.
type Denylist map[string]string

// Authorize implements Authorizer. The map value is the stated reason.
func (d Denylist) Authorize(_ context.Context, principal, toolName string) error {
	if reason, ok := d[toolName]; ok {
		return &AuthorizationError{Principal: principal, ToolName: toolName, Reason: reason}
	}
	return nil
}
