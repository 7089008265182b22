// Package service is the transport-agnostic surface over the agent runtime:
// message submission, plan approval and rejection, interruption, session
// snapshots, and event subscription. It owns the per-session execution lease
// and the background goroutines that drive loop runs.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stationops/quartermaster/internal/agent"
	"github.com/stationops/quartermaster/internal/events"
	"github.com/stationops/quartermaster/internal/observability"
	"github.com/stationops/quartermaster/internal/sessions"
	"github.com/stationops/quartermaster/pkg/models"
)

var (
	// ErrSessionBusy indicates the session's executor lease is held and the
	// requested operation cannot run concurrently with it.
	ErrSessionBusy = errors.New("session is busy")

	// ErrPlanNotApprovable indicates the plan is in a state that cannot
	// accept the requested transition.
	ErrPlanNotApprovable = errors.New("plan cannot be approved in its current state")
)

// SubmitRequest carries one inbound user message. SessionID empty creates a
// new session with the given owner and autonomy level.
type SubmitRequest struct {
	SessionID string
	OwnerID   string
	Autonomy  models.AutonomyLevel
	Content   string
}

// Snapshot is a point-in-time view of a session and its plans.
type Snapshot struct {
	Session *models.Session   `json:"session"`
	Plans   []*models.Plan    `json:"plans"`
	History []*models.Message `json:"history,omitempty"`
}

// AgentService coordinates loop runs over sessions. Each session executes
// under an exclusive TTL lease; submissions that arrive while the lease is
// held land in the session's single queued-message slot and are picked up
// when the running loop fully exits.
type AgentService struct {
	store   sessions.Store
	locker  sessions.Locker
	bus     *events.Bus
	loop    *agent.Loop
	log     *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	mu          sync.Mutex
	running     map[string]*activeRun
	droppedSeen uint64
	wg          sync.WaitGroup
	closed      bool
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAgentService wires the service. All collaborators are required except
// log and metrics, which may be nil.
func NewAgentService(store sessions.Store, locker sessions.Locker, bus *events.Bus, loop *agent.Loop, log *slog.Logger, metrics *observability.Metrics) *AgentService {
	if log == nil {
		log = slog.Default()
	}
	return &AgentService{
		store:   store,
		locker:  locker,
		bus:     bus,
		loop:    loop,
		log:     log,
		metrics: metrics,
		tracer:  otel.Tracer("quartermaster/service"),
		running: make(map[string]*activeRun),
	}
}

// SubmitMessage accepts one user message. A new session is created when
// SessionID is empty. When the session's executor lease is held, the message
// lands in the queued slot (last write wins) and the session reports
// executing_queued; otherwise a loop run starts in the background. The
// returned session reflects the state at acceptance, not run completion.
func (s *AgentService) SubmitMessage(ctx context.Context, req SubmitRequest) (*models.Session, error) {
	if req.Content == "" {
		return nil, errors.New("message content is empty")
	}

	session, err := s.resolveSession(ctx, &req)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
	}

	lease, err := s.locker.TryAcquire(session.ID)
	if errors.Is(err, sessions.ErrSessionLocked) {
		return s.queueMessage(ctx, session, msg)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire session lease: %w", err)
	}

	if err := s.supersedePending(ctx, session); err != nil {
		lease.Release()
		return nil, err
	}

	if err := s.startRun(session, lease, func(runCtx context.Context) error {
		_, err := s.loop.Run(runCtx, session, msg)
		return err
	}); err != nil {
		lease.Release()
		if errors.Is(err, ErrSessionBusy) {
			// The lease expired under a still-active run and was reacquired
			// here; the message belongs in the queued slot, not in an error.
			return s.queueMessage(ctx, session, msg)
		}
		return nil, err
	}

	out := *session
	return &out, nil
}

// ApprovePlan approves a proposed plan and resumes its run in the background.
// Approval is idempotent: a plan already executing or finished returns its
// current state. An approval that arrives after a newer user message
// superseded the plan's context is rejected as stale.
func (s *AgentService) ApprovePlan(ctx context.Context, sessionID, planID string) (*models.Plan, error) {
	plan, session, err := s.planForSession(ctx, sessionID, planID)
	if err != nil {
		return nil, err
	}

	switch plan.Status {
	case models.PlanApproved, models.PlanExecuting, models.PlanCompleted, models.PlanFailed:
		return plan, nil
	case models.PlanProposed:
	default:
		return nil, fmt.Errorf("%w: plan %s is %s", ErrPlanNotApprovable, planID, plan.Status)
	}

	count, err := s.store.MessageCount(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("message count: %w", err)
	}
	if count > plan.Generation {
		// The conversation moved on; this approval answers a stale question.
		if err := s.reject(ctx, session, plan, "superseded by newer message"); err != nil {
			return nil, err
		}
		return nil, agent.ErrStaleApproval
	}

	lease, err := s.locker.TryAcquire(sessionID)
	if errors.Is(err, sessions.ErrSessionLocked) {
		return nil, ErrSessionBusy
	}
	if err != nil {
		return nil, fmt.Errorf("acquire session lease: %w", err)
	}

	now := time.Now().UTC()
	plan.Status = models.PlanApproved
	plan.ApprovedAt = now
	if err := s.store.SavePlan(ctx, plan); err != nil {
		lease.Release()
		return nil, fmt.Errorf("save plan: %w", err)
	}
	s.bus.Publish(models.Event{
		Type:      models.EventPlanApproved,
		SessionID: sessionID,
		PlanID:    plan.ID,
		Timestamp: now,
	})

	approved := *plan
	if err := s.startRun(session, lease, func(runCtx context.Context) error {
		_, err := s.loop.ResumeApproved(runCtx, session, plan)
		return err
	}); err != nil {
		lease.Release()
		return nil, err
	}
	return &approved, nil
}

// RejectPlan rejects a proposed plan and returns the session to idle.
// Rejecting an already rejected plan is a no-op.
func (s *AgentService) RejectPlan(ctx context.Context, sessionID, planID string) error {
	plan, session, err := s.planForSession(ctx, sessionID, planID)
	if err != nil {
		return err
	}

	switch plan.Status {
	case models.PlanRejected:
		return nil
	case models.PlanProposed:
		return s.reject(ctx, session, plan, "rejected by user")
	default:
		return fmt.Errorf("%w: plan %s is %s", ErrPlanNotApprovable, planID, plan.Status)
	}
}

// Interrupt cancels the session's running loop, if any, and waits for it to
// release the lease. Interrupting an idle session is a no-op.
func (s *AgentService) Interrupt(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	run, ok := s.running[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	run.cancel()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetSnapshot returns the session with its plans in chronological order and
// up to historyLimit most recent messages.
func (s *AgentService) GetSnapshot(ctx context.Context, sessionID string, historyLimit int) (*Snapshot, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	plans, err := s.store.ListPlansBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	snap := &Snapshot{Session: session, Plans: plans}
	if historyLimit > 0 {
		history, err := s.store.GetHistory(ctx, sessionID, historyLimit)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		snap.History = history
	}
	return snap, nil
}

// SubscribeEvents returns a live ordered event feed for one session. The
// cancel function must be called when the subscriber is done.
func (s *AgentService) SubscribeEvents(ctx context.Context, sessionID string) (<-chan models.Event, func()) {
	return s.bus.Subscribe(ctx, sessionID)
}

// Close cancels every running loop and waits for them to exit.
func (s *AgentService) Close() {
	s.mu.Lock()
	s.closed = true
	for _, run := range s.running {
		run.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *AgentService) resolveSession(ctx context.Context, req *SubmitRequest) (*models.Session, error) {
	if req.SessionID != "" {
		return s.store.GetSession(ctx, req.SessionID)
	}

	if !req.Autonomy.Valid() {
		return nil, fmt.Errorf("invalid autonomy level: %d", req.Autonomy)
	}
	now := time.Now().UTC()
	session := &models.Session{
		ID:           uuid.NewString(),
		OwnerID:      req.OwnerID,
		Autonomy:     req.Autonomy,
		Status:       models.SessionIdle,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.bus.Publish(models.Event{
		Type:      models.EventSessionCreated,
		SessionID: session.ID,
		Payload:   map[string]any{"autonomy": int(session.Autonomy)},
		Timestamp: now,
	})
	return session, nil
}

// queueMessage overwrites the session's single queued slot. Last write wins.
func (s *AgentService) queueMessage(ctx context.Context, session *models.Session, msg *models.Message) (*models.Session, error) {
	if err := s.store.SetQueuedMessage(ctx, session.ID, msg); err != nil {
		return nil, fmt.Errorf("queue message: %w", err)
	}
	session.QueuedMessage = msg
	session.Status = models.SessionExecutingQueued
	session.Touch(time.Now().UTC())
	if err := s.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("queue message: %w", err)
	}
	s.bus.Publish(models.Event{
		Type:      models.EventSessionQueued,
		SessionID: session.ID,
		Payload:   map[string]any{"message_id": msg.ID},
		Timestamp: time.Now().UTC(),
	})
	s.log.Debug("message queued behind running loop", "session_id", session.ID, "message_id", msg.ID)
	out := *session
	return &out, nil
}

// supersedePending rejects a plan still awaiting approval when a newer
// message takes over the session. The caller holds the lease; the session is
// saved by the run that follows, with PendingPlanID already cleared.
func (s *AgentService) supersedePending(ctx context.Context, session *models.Session) error {
	if session.PendingPlanID == "" {
		return nil
	}
	plan, err := s.store.GetPlan(ctx, session.PendingPlanID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			session.PendingPlanID = ""
			return nil
		}
		return fmt.Errorf("load pending plan: %w", err)
	}
	if plan.Status == models.PlanProposed {
		if err := s.rejectPlanOnly(ctx, session.ID, plan, "superseded by newer message"); err != nil {
			return err
		}
	}
	session.PendingPlanID = ""
	return nil
}

// rejectPlanOnly marks the plan rejected and publishes the event, leaving
// session state to the caller.
func (s *AgentService) rejectPlanOnly(ctx context.Context, sessionID string, plan *models.Plan, reason string) error {
	now := time.Now().UTC()
	plan.Status = models.PlanRejected
	plan.CompletedAt = now
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	s.bus.Publish(models.Event{
		Type:      models.EventPlanRejected,
		SessionID: sessionID,
		PlanID:    plan.ID,
		Payload:   map[string]any{"reason": reason},
		Timestamp: now,
	})
	return nil
}

func (s *AgentService) reject(ctx context.Context, session *models.Session, plan *models.Plan, reason string) error {
	if err := s.rejectPlanOnly(ctx, session.ID, plan, reason); err != nil {
		return err
	}

	// Session state belongs to the lease holder. When a run is mid-flight
	// the plan rejection alone suffices; that run already owns the session
	// and took over its pending-plan state.
	s.mu.Lock()
	_, active := s.running[session.ID]
	s.mu.Unlock()
	if active {
		return nil
	}
	lease, err := s.locker.TryAcquire(session.ID)
	if errors.Is(err, sessions.ErrSessionLocked) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire session lease: %w", err)
	}
	defer lease.Release()

	session.PendingPlanID = ""
	session.Status = models.SessionIdle
	session.Touch(time.Now().UTC())
	if err := s.store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *AgentService) planForSession(ctx context.Context, sessionID, planID string) (*models.Plan, *models.Session, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, nil, err
	}
	if plan.SessionID != sessionID {
		return nil, nil, fmt.Errorf("%w: plan %s belongs to session %s", agent.ErrPlanMismatch, planID, plan.SessionID)
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return plan, session, nil
}

// startRun launches a loop run in the background, holding the lease until
// the run and any queued-message pickups fully exit.
func (s *AgentService) startRun(session *models.Session, lease *sessions.Lease, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("service is shutting down")
	}
	if _, exists := s.running[session.ID]; exists {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{cancel: cancel, done: make(chan struct{})}
	s.running[session.ID] = run
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.SessionStarted()

	go func() {
		defer s.wg.Done()
		defer close(run.done)
		defer func() {
			s.mu.Lock()
			delete(s.running, session.ID)
			s.mu.Unlock()
			s.metrics.SessionEnded()
			s.flushDroppedEvents()
			lease.Release()
		}()
		defer cancel()

		go s.keepLeaseAlive(runCtx, lease)

		spanCtx, span := s.tracer.Start(runCtx, "agent.run",
			trace.WithAttributes(attribute.String("session.id", session.ID)))
		err := fn(spanCtx)
		span.End()
		if err != nil && !errors.Is(err, agent.ErrInterrupted) {
			s.log.Error("loop run ended with error", "session_id", session.ID, "error", err)
		}

		s.drainQueued(context.WithoutCancel(spanCtx), runCtx, session.ID)
	}()
	return nil
}

// keepLeaseAlive extends the lease while the run outlives the TTL, so a slow
// plan does not lose session ownership to a concurrent submission.
func (s *AgentService) keepLeaseAlive(ctx context.Context, lease *sessions.Lease) {
	interval := lease.TTL() / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !lease.Extend() {
				s.log.Warn("session lease lost mid-run", "session_id", lease.SessionID())
				return
			}
		}
	}
}

// flushDroppedEvents moves the bus's cumulative drop count into the metrics
// counter as a delta.
func (s *AgentService) flushDroppedEvents() {
	s.mu.Lock()
	total := s.bus.Dropped()
	delta := total - s.droppedSeen
	s.droppedSeen = total
	s.mu.Unlock()
	s.metrics.EventsDropped(delta)
}

// drainQueued picks up messages that landed in the queued slot while the
// loop was running. Each pickup is one more full run; a message queued
// during a pickup run is drained in turn. Store access survives run
// cancellation; the runs themselves stay cancelable.
func (s *AgentService) drainQueued(storeCtx, runCtx context.Context, sessionID string) {
	for {
		session, err := s.store.GetSession(storeCtx, sessionID)
		if err != nil {
			s.log.Error("reload session for queued pickup", "session_id", sessionID, "error", err)
			return
		}
		msg := session.QueuedMessage
		if msg == nil {
			return
		}
		if runCtx.Err() != nil {
			// Interrupted before pickup; the message stays in the slot for
			// the next submission cycle.
			return
		}

		if err := s.supersedePending(storeCtx, session); err != nil {
			s.log.Error("supersede pending plan", "session_id", sessionID, "error", err)
			return
		}
		if err := s.store.SetQueuedMessage(storeCtx, sessionID, nil); err != nil {
			s.log.Error("clear queued slot", "session_id", sessionID, "error", err)
			return
		}
		session.QueuedMessage = nil
		if _, err := s.loop.Run(runCtx, session, msg); err != nil && !errors.Is(err, agent.ErrInterrupted) {
			s.log.Error("queued run ended with error", "session_id", sessionID, "error", err)
		}
	}
}
