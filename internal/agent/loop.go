package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stationops/quartermaster/internal/agent/stream"
	"github.com/stationops/quartermaster/internal/observability"
	"github.com/stationops/quartermaster/internal/retry"
	"github.com/stationops/quartermaster/internal/sessions"
	"github.com/stationops/quartermaster/pkg/models"
)

// EventSink receives lifecycle events. The loop persists every state
// transition before publishing it, so observers can always reconstruct from
// the store.
type EventSink interface {
	Publish(event models.Event)
}

// nopSink discards events.
type nopSink struct{}

func (nopSink) Publish(models.Event) {}

// LoopConfig configures the execution loop.
type LoopConfig struct {
	// MaxIterations caps model-call iterations per run.
	// Default: 5
	MaxIterations int

	// MaxTokens is the max tokens for model responses.
	// Default: 4096
	MaxTokens int

	// Model is the provider model identifier. Empty uses the provider default.
	Model string

	// System is the system prompt for every turn.
	System string

	// HistoryLimit bounds how many stored messages are loaded into context.
	// Default: 50
	HistoryLimit int

	// StreamRetries is how many additional times a failed model stream is
	// retried before the run is marked error.
	// Default: 2
	StreamRetries int

	// StreamRetryDelay is the pause between model stream retries.
	// Default: 2s
	StreamRetryDelay time.Duration

	// StreamTimeout bounds one model-call attempt. A timed-out attempt
	// counts against StreamRetries.
	// Default: 2m
	StreamTimeout time.Duration

	// ToolTimeout bounds one tool invocation attempt. A timed-out attempt
	// is retryable and counts against ToolRetry.
	// Default: 1m
	ToolTimeout time.Duration

	// ToolRetry configures per-step retry of tool invocations.
	ToolRetry retry.Config
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:    5,
		MaxTokens:        4096,
		HistoryLimit:     50,
		StreamRetries:    2,
		StreamRetryDelay: 2 * time.Second,
		StreamTimeout:    2 * time.Minute,
		ToolTimeout:      time.Minute,
		ToolRetry:        retry.DefaultConfig(),
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}
	if cfg.StreamRetries < 0 {
		cfg.StreamRetries = 0
	}
	if cfg.StreamRetryDelay <= 0 {
		cfg.StreamRetryDelay = defaults.StreamRetryDelay
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaults.StreamTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaults.ToolTimeout
	}
	return &cfg
}

// Outcome summarizes how one loop run ended.
type Outcome struct {
	// Status is the session status the run ended in.
	Status models.SessionStatus

	// PlanID is set when the run suspended waiting for approval of a plan.
	PlanID string

	// Text is the final answer text, when the run produced one.
	Text string
}

// Loop drives iterative model calls for one session: stream a turn through
// the extractor, detect plans, consult the autonomy gate, execute or suspend,
// retry step failures, fold results back into conversation state, and emit
// events, until a final answer, an approval pause, an interruption, or the
// iteration cap.
//
// A Loop instance is stateless across runs; all durable state lives in the
// store. The caller holds the session lease for the duration of a run.
type Loop struct {
	provider   LLMProvider
	registry   *Registry
	authorizer Authorizer
	store      sessions.Store
	events     EventSink
	config     *LoopConfig
	log        *slog.Logger
	metrics    *observability.Metrics
}

// NewLoop creates an execution loop. A nil config uses DefaultLoopConfig,
// a nil authorizer allows every call, and a nil sink discards events.
func NewLoop(provider LLMProvider, registry *Registry, store sessions.Store, events EventSink, config *LoopConfig, log *slog.Logger, metrics *observability.Metrics) *Loop {
	if registry == nil {
		registry = NewRegistry()
	}
	if events == nil {
		events = nopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		provider:   provider,
		registry:   registry,
		authorizer: AllowAll{},
		store:      store,
		events:     events,
		config:     sanitizeLoopConfig(config),
		log:        log,
		metrics:    metrics,
	}
}

// SetAuthorizer replaces the per-call authorization policy.
func (l *Loop) SetAuthorizer(a Authorizer) {
	if a != nil {
		l.authorizer = a
	}
}

// Run executes the loop for one inbound user message. It persists the
// message, then iterates until the run reaches a terminal status or suspends
// for approval. The returned Outcome mirrors the session's final status for
// this run; the error is non-nil only for loop-level failures (the Outcome
// still reflects the recorded terminal status in that case).
func (l *Loop) Run(ctx context.Context, session *models.Session, msg *models.Message) (*Outcome, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if session == nil {
		return nil, errors.New("session is nil")
	}
	if msg == nil {
		return nil, errors.New("message is nil")
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.SessionID = session.ID
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		return nil, &LoopError{Phase: PhaseInit, Cause: err}
	}

	if err := l.transition(ctx, session, models.SessionPlanning, models.EventSessionPlanning, nil); err != nil {
		return nil, &LoopError{Phase: PhaseInit, Cause: err}
	}

	history, err := l.store.GetHistory(ctx, session.ID, l.config.HistoryLimit)
	if err != nil {
		return nil, &LoopError{Phase: PhaseInit, Cause: fmt.Errorf("load history: %w", err)}
	}
	msgs := make([]models.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, *m)
	}

	return l.iterate(ctx, session, msgs, 0, false)
}

// iterate runs model-call iterations until a terminal state or suspension.
// hadErrors carries forward whether any prior step in this run failed.
func (l *Loop) iterate(ctx context.Context, session *models.Session, msgs []models.Message, startIter int, hadErrors bool) (*Outcome, error) {
	for iteration := startIter; iteration < l.config.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return l.interrupted(ctx, session)
		}

		calls, text, failures, err := l.streamTurn(ctx, session, msgs)
		if err != nil {
			if ctx.Err() != nil {
				return l.interrupted(ctx, session)
			}
			lerr := &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
			out, ferr := l.fail(ctx, session, lerr)
			if ferr != nil {
				return nil, ferr
			}
			return out, lerr
		}

		for _, f := range failures {
			hadErrors = true
			l.log.Warn("dropping malformed tool call",
				"session_id", session.ID,
				"tool_call_id", f.CallID,
				"tool", f.ToolName,
				"error", f.Err,
			)
			l.events.Publish(models.Event{
				Type:      models.EventToolDropped,
				SessionID: session.ID,
				Payload: map[string]any{
					"tool_call_id": f.CallID,
					"tool":         f.ToolName,
					"error":        f.Error(),
				},
				Timestamp: time.Now().UTC(),
			})
		}

		assistant := models.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
			CreatedAt: time.Now().UTC(),
		}
		if err := l.store.AppendMessage(ctx, &assistant); err != nil {
			return nil, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
		}
		msgs = append(msgs, assistant)

		if len(calls) == 0 {
			return l.complete(ctx, session, text, hadErrors)
		}

		if IsPlan(len(calls)) {
			generation, err := l.store.MessageCount(ctx, session.ID)
			if err != nil {
				return nil, &LoopError{Phase: PhaseDetect, Iteration: iteration, Cause: err}
			}
			plan := ExtractPlan(text, calls, session.ID, l.registry, generation)
			plan.AutoExecuting = ShouldAutoExecute(plan.MaxRisk, session.Autonomy)
			l.metrics.PlanDecision(plan.AutoExecuting)

			if !plan.AutoExecuting {
				if err := l.store.SavePlan(ctx, plan); err != nil {
					return nil, &LoopError{Phase: PhaseDetect, Iteration: iteration, Cause: err}
				}
				l.events.Publish(planEvent(models.EventPlanProposed, plan, map[string]any{
					"purpose":  plan.Purpose,
					"steps":    len(plan.Steps),
					"max_risk": plan.MaxRisk.String(),
				}))
				session.PendingPlanID = plan.ID
				if err := l.transition(ctx, session, models.SessionWaitingApproval, models.EventSessionWaiting, map[string]any{"plan_id": plan.ID}); err != nil {
					return nil, &LoopError{Phase: PhaseDetect, Iteration: iteration, Cause: err}
				}
				return &Outcome{Status: models.SessionWaitingApproval, PlanID: plan.ID, Text: text}, nil
			}

			now := time.Now().UTC()
			plan.Status = models.PlanExecuting
			plan.ApprovedAt = now
			plan.ExecutedAt = now
			if err := l.store.SavePlan(ctx, plan); err != nil {
				return nil, &LoopError{Phase: PhaseDetect, Iteration: iteration, Cause: err}
			}
			l.events.Publish(planEvent(models.EventPlanProposed, plan, map[string]any{
				"purpose":        plan.Purpose,
				"steps":          len(plan.Steps),
				"max_risk":       plan.MaxRisk.String(),
				"auto_executing": true,
			}))
			l.events.Publish(planEvent(models.EventPlanExecuting, plan, nil))
			if err := l.transition(ctx, session, models.SessionExecuting, models.EventSessionExecuting, map[string]any{"plan_id": plan.ID}); err != nil {
				return nil, &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Cause: err}
			}

			results, stepErrors, err := l.ExecutePlan(ctx, session, plan)
			if err != nil {
				if errors.Is(err, ErrInterrupted) {
					return l.interrupted(ctx, session)
				}
				return nil, err
			}
			hadErrors = hadErrors || stepErrors

			toolMsg, err := l.appendToolResults(ctx, session, calls, results)
			if err != nil {
				return nil, &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Cause: err}
			}
			msgs = append(msgs, *toolMsg)
			continue
		}

		// Direct execution, no plan ceremony.
		if err := l.transition(ctx, session, models.SessionExecuting, models.EventSessionExecuting, nil); err != nil {
			return nil, &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Cause: err}
		}
		results := make([]models.ToolResult, 0, len(calls))
		for _, call := range calls {
			if ctx.Err() != nil {
				return l.interrupted(ctx, session)
			}
			res, status := l.executeCall(ctx, session, call, "")
			if status != models.StepSucceeded {
				hadErrors = true
			}
			results = append(results, res)
		}
		toolMsg, err := l.appendToolResults(ctx, session, calls, results)
		if err != nil {
			return nil, &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Cause: err}
		}
		msgs = append(msgs, *toolMsg)
	}

	lerr := &LoopError{
		Phase:     PhaseComplete,
		Iteration: l.config.MaxIterations,
		Cause:     ErrMaxIterations,
		Message:   fmt.Sprintf("reached max iterations: %d", l.config.MaxIterations),
	}
	out, err := l.fail(ctx, session, lerr)
	if err != nil {
		return nil, err
	}
	return out, lerr
}

// ResumeApproved continues a run after a human approved the plan. The plan
// must already be marked approved and persisted. Steps execute sequentially,
// results fold into the conversation, and the loop resumes model iterations.
func (l *Loop) ResumeApproved(ctx context.Context, session *models.Session, plan *models.Plan) (*Outcome, error) {
	now := time.Now().UTC()
	plan.Status = models.PlanExecuting
	plan.ExecutedAt = now
	if err := l.store.SavePlan(ctx, plan); err != nil {
		return nil, &LoopError{Phase: PhaseExecuteTools, Cause: err}
	}
	l.events.Publish(planEvent(models.EventPlanExecuting, plan, nil))

	session.PendingPlanID = ""
	if err := l.transition(ctx, session, models.SessionExecuting, models.EventSessionExecuting, map[string]any{"plan_id": plan.ID}); err != nil {
		return nil, &LoopError{Phase: PhaseExecuteTools, Cause: err}
	}

	calls := make([]models.ToolCall, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		calls = append(calls, models.ToolCall{ID: s.ToolCallID, Name: s.ToolName, Input: s.Args})
	}

	results, stepErrors, err := l.ExecutePlan(ctx, session, plan)
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			return l.interrupted(ctx, session)
		}
		return nil, err
	}

	if _, err := l.appendToolResults(ctx, session, calls, results); err != nil {
		return nil, &LoopError{Phase: PhaseExecuteTools, Cause: err}
	}

	history, err := l.store.GetHistory(ctx, session.ID, l.config.HistoryLimit)
	if err != nil {
		return nil, &LoopError{Phase: PhaseExecuteTools, Cause: fmt.Errorf("load history: %w", err)}
	}
	msgs := make([]models.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, *m)
	}

	// The approved plan consumed one iteration's worth of tool work.
	return l.iterate(ctx, session, msgs, 1, stepErrors)
}

// ExecutePlan runs a plan's steps sequentially, recording per-step outcomes
// on the plan and persisting it on completion. It returns the tool results in
// step order and whether any step failed. Remaining steps continue after a
// step failure; only interruption stops execution early.
func (l *Loop) ExecutePlan(ctx context.Context, session *models.Session, plan *models.Plan) ([]models.ToolResult, bool, error) {
	start := time.Now()
	results := make([]models.ToolResult, 0, len(plan.Steps))
	anyFailed := false

	for i := range plan.Steps {
		step := &plan.Steps[i]
		if ctx.Err() != nil {
			// Committed steps stay committed; the in-flight one is abandoned.
			plan.Duration = time.Since(start)
			if err := l.store.SavePlan(context.WithoutCancel(ctx), plan); err != nil {
				l.log.Error("persist plan after interrupt", "plan_id", plan.ID, "error", err)
			}
			return results, anyFailed, ErrInterrupted
		}

		call := models.ToolCall{ID: step.ToolCallID, Name: step.ToolName, Input: step.Args}
		res, status := l.executeCall(ctx, session, call, plan.ID)
		results = append(results, res)

		step.Status = status
		if status == models.StepSucceeded {
			step.Result = res.Content
		} else {
			step.Error = res.Content
			anyFailed = true
		}
	}

	now := time.Now().UTC()
	plan.CompletedAt = now
	plan.Duration = time.Since(start)
	if anyFailed {
		plan.Status = models.PlanFailed
	} else {
		plan.Status = models.PlanCompleted
	}
	if err := l.store.SavePlan(ctx, plan); err != nil {
		return results, anyFailed, &LoopError{Phase: PhaseExecuteTools, Cause: err}
	}
	if anyFailed {
		l.events.Publish(planEvent(models.EventPlanFailed, plan, map[string]any{
			"failed_steps": len(plan.FailedSteps()),
		}))
	} else {
		l.events.Publish(planEvent(models.EventPlanCompleted, plan, map[string]any{
			"duration_ms": plan.Duration.Milliseconds(),
		}))
	}
	return results, anyFailed, nil
}

// executeCall runs one tool call through the authorization check and retry
// handler. It always returns a ToolResult the model can consume, plus the
// step status recording how the call ended. When planID is non-empty the
// matching plan step's execution record is updated by the caller.
func (l *Loop) executeCall(ctx context.Context, session *models.Session, call models.ToolCall, planID string) (models.ToolResult, models.StepStatus) {
	now := time.Now().UTC()
	if err := l.authorizer.Authorize(ctx, session.OwnerID, call.Name); err != nil {
		var authErr *AuthorizationError
		if !errors.As(err, &authErr) {
			authErr = &AuthorizationError{Principal: session.OwnerID, ToolName: call.Name}
		}
		l.log.Info("tool call denied",
			"session_id", session.ID,
			"tool", call.Name,
			"reason", authErr.Reason,
		)
		l.events.Publish(models.Event{
			Type:      models.EventToolDenied,
			SessionID: session.ID,
			PlanID:    planID,
			Payload: map[string]any{
				"tool_call_id": call.ID,
				"tool":         call.Name,
				"reason":       authErr.Reason,
			},
			Timestamp: now,
		})
		l.metrics.ToolExecution(call.Name, "denied", 0)
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    authErr.Error(),
			IsError:    true,
		}, models.StepDenied
	}

	l.events.Publish(models.Event{
		Type:      models.EventToolStarted,
		SessionID: session.ID,
		PlanID:    planID,
		Payload:   map[string]any{"tool_call_id": call.ID, "tool": call.Name},
		Timestamp: now,
	})

	start := time.Now()
	var result *ToolResult
	err := retry.Do(ctx, l.config.ToolRetry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, l.config.ToolTimeout)
		defer cancel()
		var err error
		result, err = l.registry.Execute(callCtx, call.Name, call.Input)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				err = &ToolError{
					Type:       ToolErrorTimeout,
					ToolName:   call.Name,
					ToolCallID: call.ID,
					Message:    fmt.Sprintf("exceeded %s", l.config.ToolTimeout),
					Cause:      ErrToolTimeout,
				}
			}
			l.metrics.RetryAttempt(call.Name)
		}
		return err
	})
	elapsed := time.Since(start)

	if err != nil {
		l.log.Warn("tool call failed",
			"session_id", session.ID,
			"tool", call.Name,
			"duration", elapsed,
			"error", err,
		)
		l.events.Publish(models.Event{
			Type:      models.EventToolFailed,
			SessionID: session.ID,
			PlanID:    planID,
			Payload: map[string]any{
				"tool_call_id": call.ID,
				"tool":         call.Name,
				"error":        err.Error(),
			},
			Timestamp: time.Now().UTC(),
		})
		l.metrics.ToolExecution(call.Name, "failed", elapsed)
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    err.Error(),
			IsError:    true,
		}, models.StepFailed
	}

	status := models.StepSucceeded
	outcome := "succeeded"
	eventType := models.EventToolSucceeded
	if result.IsError {
		status = models.StepFailed
		outcome = "failed"
		eventType = models.EventToolFailed
	}
	l.events.Publish(models.Event{
		Type:      eventType,
		SessionID: session.ID,
		PlanID:    planID,
		Payload:   map[string]any{"tool_call_id": call.ID, "tool": call.Name},
		Timestamp: time.Now().UTC(),
	})
	l.metrics.ToolExecution(call.Name, outcome, elapsed)
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    result.Content,
		IsError:    result.IsError,
	}, status
}

// streamTurn performs one model call, feeding native chunks through the
// extractor. Provider failures are retried a small bounded number of times;
// exhaustion surfaces as a ProviderStreamError.
func (l *Loop) streamTurn(ctx context.Context, session *models.Session, msgs []models.Message) ([]models.ToolCall, string, []*stream.ParseError, error) {
	req := &CompletionRequest{
		Model:     l.config.Model,
		System:    l.config.System,
		Messages:  msgs,
		Tools:     l.registry.Definitions(),
		MaxTokens: l.config.MaxTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= l.config.StreamRetries; attempt++ {
		if attempt > 0 {
			l.log.Info("retrying model stream",
				"session_id", session.ID,
				"attempt", attempt,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, "", nil, ctx.Err()
			case <-time.After(l.config.StreamRetryDelay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, l.config.StreamTimeout)
		calls, text, failures, err := l.streamOnce(attemptCtx, session, req)
		cancel()
		if err == nil {
			l.metrics.ModelCall(l.provider.Name(), true)
			return calls, text, failures, nil
		}
		l.metrics.ModelCall(l.provider.Name(), false)
		if ctx.Err() != nil {
			return nil, "", nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, "", nil, &ProviderStreamError{Provider: l.provider.Name(), Cause: lastErr}
}

func (l *Loop) streamOnce(ctx context.Context, session *models.Session, req *CompletionRequest) ([]models.ToolCall, string, []*stream.ParseError, error) {
	x, err := stream.New(l.provider.WireShape())
	if err != nil {
		return nil, "", nil, err
	}

	ch, err := l.provider.Stream(ctx, req)
	if err != nil {
		return nil, "", nil, err
	}

	for {
		var chunk StreamChunk
		var ok bool
		select {
		case <-ctx.Done():
			// A provider that ignores cancellation must not hang the turn.
			return nil, "", nil, ctx.Err()
		case chunk, ok = <-ch:
		}
		if !ok {
			break
		}
		if chunk.Err != nil {
			return nil, "", nil, chunk.Err
		}

		var evs []stream.Event
		switch {
		case chunk.Anthropic != nil:
			evs, err = x.ProcessAnthropic(*chunk.Anthropic)
		case chunk.OpenAI != nil:
			evs, err = x.ProcessOpenAI(*chunk.OpenAI)
		default:
			continue
		}
		if err != nil {
			return nil, "", nil, err
		}

		for _, ev := range evs {
			if ev.Kind == stream.EventTextDelta && ev.Text != "" {
				l.events.Publish(models.Event{
					Type:      models.EventTextDelta,
					SessionID: session.ID,
					Payload:   map[string]any{"text": ev.Text},
					Timestamp: time.Now().UTC(),
				})
			}
		}
	}

	calls, text, failures := x.Drain()
	return calls, text, failures, nil
}

// appendToolResults persists a tool-role message carrying the results of one
// batch of calls and returns it for folding into the in-memory context.
func (l *Loop) appendToolResults(ctx context.Context, session *models.Session, calls []models.ToolCall, results []models.ToolResult) (*models.Message, error) {
	msg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		Role:        models.RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// transition persists a session status change, then publishes it.
func (l *Loop) transition(ctx context.Context, session *models.Session, status models.SessionStatus, eventType models.EventType, payload map[string]any) error {
	session.Status = status
	session.Touch(time.Now().UTC())
	if err := l.store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	l.events.Publish(models.Event{
		Type:      eventType,
		SessionID: session.ID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (l *Loop) complete(ctx context.Context, session *models.Session, text string, hadErrors bool) (*Outcome, error) {
	status := models.SessionCompleted
	if hadErrors {
		status = models.SessionCompletedErrors
	}
	if err := l.transition(ctx, session, status, models.EventSessionCompleted, map[string]any{"status": string(status)}); err != nil {
		return nil, &LoopError{Phase: PhaseComplete, Cause: err}
	}
	return &Outcome{Status: status, Text: text}, nil
}

func (l *Loop) fail(ctx context.Context, session *models.Session, cause error) (*Outcome, error) {
	if err := l.transition(context.WithoutCancel(ctx), session, models.SessionError, models.EventSessionError, map[string]any{"error": cause.Error()}); err != nil {
		return nil, err
	}
	return &Outcome{Status: models.SessionError}, nil
}

func (l *Loop) interrupted(ctx context.Context, session *models.Session) (*Outcome, error) {
	if err := l.transition(context.WithoutCancel(ctx), session, models.SessionInterrupted, models.EventSessionInterrupted, nil); err != nil {
		return nil, err
	}
	return &Outcome{Status: models.SessionInterrupted}, ErrInterrupted
}

func planEvent(t models.EventType, plan *models.Plan, payload map[string]any) models.Event {
	return models.Event{
		Type:      t,
		SessionID: plan.SessionID,
		PlanID:    plan.ID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
