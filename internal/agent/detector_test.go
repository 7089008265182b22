package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stationops/quartermaster/pkg/models"
)

type stubTool struct {
	name   string
	risk   models.RiskLevel
	schema json.RawMessage
	run    func(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}

func (s *stubTool) Name() string            { return s.name }
func (s *stubTool) Description() string     { return "stub " + s.name }
func (s *stubTool) Schema() json.RawMessage { return s.schema }
func (s *stubTool) Risk() models.RiskLevel  { return s.risk }

func (s *stubTool) Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	if s.run != nil {
		return s.run(ctx, args)
	}
	return &ToolResult{Content: "ok"}, nil
}

func registryWith(t *testing.T, tools ...*stubTool) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.name, err)
		}
	}
	return r
}

func TestIsPlanThreshold(t *testing.T) {
	for n, want := range map[int]bool{0: false, 1: false, 2: false, 3: true, 4: true, 10: true} {
		if got := IsPlan(n); got != want {
			t.Errorf("IsPlan(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestExtractPlanStepOrderAndRisk(t *testing.T) {
	reg := registryWith(t,
		&stubTool{name: "read_file", risk: models.RiskReadOnly},
		&stubTool{name: "write_file", risk: models.RiskLowWrite},
		&stubTool{name: "deploy", risk: models.RiskHighWrite},
	)
	calls := []models.ToolCall{
		{ID: "c1", Name: "read_file", Input: json.RawMessage(`{"path":"a"}`)},
		{ID: "c2", Name: "deploy", Input: json.RawMessage(`{}`)},
		{ID: "c3", Name: "write_file", Input: json.RawMessage(`{"path":"b"}`)},
	}

	plan := ExtractPlan("Roll out the config change.", calls, "sess-1", reg, 4)

	if plan.Purpose != "Roll out the config change." {
		t.Errorf("purpose = %q", plan.Purpose)
	}
	if plan.SessionID != "sess-1" || plan.Generation != 4 {
		t.Errorf("session/generation = %s/%d", plan.SessionID, plan.Generation)
	}
	if plan.Status != models.PlanProposed {
		t.Errorf("status = %s", plan.Status)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("steps = %d", len(plan.Steps))
	}
	for i, wantID := range []string{"c1", "c2", "c3"} {
		if plan.Steps[i].ToolCallID != wantID {
			t.Errorf("step %d id = %s, want %s", i, plan.Steps[i].ToolCallID, wantID)
		}
		if plan.Steps[i].Status != models.StepPending {
			t.Errorf("step %d status = %s", i, plan.Steps[i].Status)
		}
	}
	if plan.Steps[1].Risk != models.RiskHighWrite {
		t.Errorf("deploy risk = %s", plan.Steps[1].Risk)
	}
	if plan.MaxRisk != models.RiskHighWrite {
		t.Errorf("max risk = %s", plan.MaxRisk)
	}
}

func TestExtractPlanUnknownToolIsCritical(t *testing.T) {
	reg := registryWith(t, &stubTool{name: "read_file", risk: models.RiskReadOnly})
	calls := []models.ToolCall{
		{ID: "c1", Name: "read_file"},
		{ID: "c2", Name: "vanished_tool"},
	}
	plan := ExtractPlan("", calls, "sess-1", reg, 0)
	if plan.Steps[1].Risk != models.RiskCritical {
		t.Errorf("unknown tool risk = %s", plan.Steps[1].Risk)
	}
	if plan.MaxRisk != models.RiskCritical {
		t.Errorf("max risk = %s", plan.MaxRisk)
	}
}

func TestExtractPlanEmptyStepsAreCritical(t *testing.T) {
	plan := ExtractPlan("nothing to do", nil, "sess-1", NewRegistry(), 0)
	if plan.MaxRisk != models.RiskCritical {
		t.Errorf("empty plan max risk = %s", plan.MaxRisk)
	}
}

func TestExtractPlanPurposeFallback(t *testing.T) {
	plan := ExtractPlan("   \n ", nil, "sess-1", NewRegistry(), 0)
	if plan.Purpose != DefaultPurpose {
		t.Errorf("purpose = %q", plan.Purpose)
	}
}
