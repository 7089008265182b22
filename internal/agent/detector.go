package agent

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stationops/quartermaster/pkg/models"
)

// PlanThreshold is the tool-call count at which a model turn becomes a plan.
// Below it, calls execute directly without plan ceremony: one or two calls
// are common exploratory steps and do not warrant approval overhead.
const PlanThreshold = 3

// DefaultPurpose is used when the triggering turn carried no text.
const DefaultPurpose = "Execute the requested tool operations"

// IsPlan reports whether a turn with the given tool-call count is a plan.
func IsPlan(toolCallCount int) bool {
	return toolCallCount >= PlanThreshold
}

// ExtractPlan builds a Plan from one fully-drained model turn.
//
// Purpose is the turn's concatenated text, falling back to a generic phrase
// when empty. Steps preserve encounter order, each annotated with the
// registry's risk level for its tool; an unknown tool is critical. MaxRisk is
// the maximum over steps, and an empty step list is critical, never a weaker
// default. Generation records the session's message count at detection so a
// later approval can be fenced against superseding input.
func ExtractPlan(text string, calls []models.ToolCall, sessionID string, registry *Registry, generation int) *models.Plan {
	purpose := strings.TrimSpace(text)
	if purpose == "" {
		purpose = DefaultPurpose
	}

	maxRisk := models.RiskCritical
	steps := make([]models.Step, 0, len(calls))
	for i, call := range calls {
		risk := registry.RiskOf(call.Name)
		steps = append(steps, models.Step{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Args:       call.Input,
			Risk:       risk,
			Status:     models.StepPending,
		})
		if i == 0 {
			maxRisk = risk
		} else {
			maxRisk = models.MaxRisk(maxRisk, risk)
		}
	}

	return &models.Plan{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Purpose:    purpose,
		Steps:      steps,
		MaxRisk:    maxRisk,
		Status:     models.PlanProposed,
		Generation: generation,
		CreatedAt:  time.Now().UTC(),
	}
}
