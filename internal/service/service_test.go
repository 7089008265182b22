package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/stationops/quartermaster/internal/agent"
	"github.com/stationops/quartermaster/internal/agent/stream"
	"github.com/stationops/quartermaster/internal/events"
	"github.com/stationops/quartermaster/internal/retry"
	"github.com/stationops/quartermaster/internal/sessions"
	"github.com/stationops/quartermaster/pkg/models"
)

// fakeProvider replays canned anthropic wire events, one scripted turn per
// Stream call. An optional gate channel delays the turn until released.
type fakeProvider struct {
	mu    sync.Mutex
	turns [][]string
	gates []chan struct{}
	calls int
}

func (p *fakeProvider) Name() string               { return "fake" }
func (p *fakeProvider) WireShape() stream.Provider { return stream.ProviderAnthropic }

func (p *fakeProvider) Stream(ctx context.Context, _ *agent.CompletionRequest) (<-chan agent.StreamChunk, error) {
	p.mu.Lock()
	if p.calls >= len(p.turns) {
		p.mu.Unlock()
		return nil, fmt.Errorf("no scripted turn %d", p.calls)
	}
	turn := p.turns[p.calls]
	var gate chan struct{}
	if p.calls < len(p.gates) {
		gate = p.gates[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ch := make(chan agent.StreamChunk, len(turn))
	for _, raw := range turn {
		var ev anthropic.MessageStreamEventUnion
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("bad scripted event: %w", err)
		}
		ch <- agent.StreamChunk{Anthropic: &ev}
	}
	close(ch)
	return ch, nil
}

func textTurn(text string) []string {
	return []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text),
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_stop"}`,
	}
}

func planTurn(text string, toolName string, n int) []string {
	raw := []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text),
		`{"type":"content_block_stop","index":0}`,
	}
	for i := 0; i < n; i++ {
		idx := i + 1
		raw = append(raw,
			fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"tool_use","id":"c%d","name":%q,"input":{}}}`, idx, idx, toolName),
			fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":"{}"}}`, idx),
			fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, idx),
		)
	}
	return append(raw, `{"type":"message_stop"}`)
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	plans    map[string]models.Plan
	messages map[string][]models.Message
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]models.Session),
		plans:    make(map[string]models.Plan),
		messages: make(map[string][]models.Message),
	}
}

func (s *memStore) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *memStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, sessions.ErrNotFound
	}
	out := sess
	return &out, nil
}

func (s *memStore) SaveSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	if cur, ok := s.sessions[sess.ID]; ok {
		cp.QueuedMessage = cur.QueuedMessage
	}
	s.sessions[sess.ID] = cp
	return nil
}

func (s *memStore) SetQueuedMessage(_ context.Context, sessionID string, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return sessions.ErrNotFound
	}
	sess.QueuedMessage = msg
	s.sessions[sessionID] = sess
	return nil
}

func (s *memStore) SavePlan(_ context.Context, plan *models.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *plan
	cp.Steps = append([]models.Step(nil), plan.Steps...)
	s.plans[plan.ID] = cp
	return nil
}

func (s *memStore) GetPlan(_ context.Context, id string) (*models.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[id]
	if !ok {
		return nil, sessions.ErrNotFound
	}
	out := plan
	return &out, nil
}

func (s *memStore) ListPlansBySession(_ context.Context, sessionID string) ([]*models.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Plan
	for id := range s.plans {
		if s.plans[id].SessionID == sessionID {
			p := s.plans[id]
			out = append(out, &p)
		}
	}
	return out, nil
}

func (s *memStore) AppendMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], *msg)
	return nil
}

func (s *memStore) GetHistory(_ context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		out = append(out, &m)
	}
	return out, nil
}

func (s *memStore) MessageCount(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[sessionID]), nil
}

func (s *memStore) ExpireSessions(context.Context, time.Time) (int, error) { return 0, nil }
func (s *memStore) Close() error                                           { return nil }

type readTool struct {
	name string
	risk models.RiskLevel
}

func (t *readTool) Name() string            { return t.name }
func (t *readTool) Description() string     { return "test tool" }
func (t *readTool) Schema() json.RawMessage { return nil }
func (t *readTool) Risk() models.RiskLevel  { return t.risk }
func (t *readTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "ok"}, nil
}

func newTestService(t *testing.T, provider *fakeProvider, tools ...*readTool) (*AgentService, *memStore) {
	t.Helper()
	store := newMemStore()
	bus := events.NewBus(events.DefaultBuffer)
	reg := agent.NewRegistry()
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	cfg := agent.DefaultLoopConfig()
	cfg.StreamRetryDelay = time.Millisecond
	cfg.ToolRetry = retry.Config{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	loop := agent.NewLoop(provider, reg, store, bus, cfg, nil, nil)
	svc := NewAgentService(store, sessions.NewLeaseLocker(time.Minute), bus, loop, nil, nil)
	t.Cleanup(svc.Close)
	return svc, store
}

// waitFor drains the subscription until an event of the wanted type arrives.
func waitFor(t *testing.T, ch <-chan models.Event, want models.EventType) models.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestSubmitMessageRunsToCompletion(t *testing.T) {
	svc, store := newTestService(t, &fakeProvider{turns: [][]string{textTurn("Done.")}})

	sess, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Autonomy: models.AutonomySupervised,
		Content:  "hello",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("no session id assigned")
	}

	ch, cancel := svc.SubscribeEvents(context.Background(), sess.ID)
	defer cancel()
	waitFor(t, ch, models.EventSessionCompleted)

	stored, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Status != models.SessionCompleted {
		t.Errorf("status = %s", stored.Status)
	}
}

func TestSubmitMessageQueuesBehindRunningLoop(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{
		turns: [][]string{textTurn("First."), textTurn("Second.")},
		gates: []chan struct{}{gate},
	}
	svc, store := newTestService(t, provider)

	sess, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Autonomy: models.AutonomySupervised,
		Content:  "first",
	})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}

	ch, cancel := svc.SubscribeEvents(context.Background(), sess.ID)
	defer cancel()

	// The first run is parked on the gate; this one must queue.
	queued, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		SessionID: sess.ID,
		Content:   "second",
	})
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if queued.Status != models.SessionExecutingQueued {
		t.Errorf("status = %s, want executing_queued", queued.Status)
	}
	if queued.QueuedMessage == nil || queued.QueuedMessage.Content != "second" {
		t.Errorf("queued slot = %+v", queued.QueuedMessage)
	}
	waitFor(t, ch, models.EventSessionQueued)

	close(gate)

	// Both runs complete: the first, then the queued pickup.
	waitFor(t, ch, models.EventSessionCompleted)
	waitFor(t, ch, models.EventSessionCompleted)

	stored, _ := store.GetSession(context.Background(), sess.ID)
	if stored.QueuedMessage != nil {
		t.Error("queued slot not cleared after pickup")
	}
	count, _ := store.MessageCount(context.Background(), sess.ID)
	// 2 user messages + 2 assistant replies
	if count != 4 {
		t.Errorf("message count = %d", count)
	}
}

func TestApprovePlanResumesRun(t *testing.T) {
	provider := &fakeProvider{turns: [][]string{
		planTurn("Update holdings.", "adjust_orders", 3),
		textTurn("All adjusted."),
	}}
	svc, store := newTestService(t, provider, &readTool{name: "adjust_orders", risk: models.RiskLowWrite})

	sess, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Autonomy: models.AutonomyRecommend,
		Content:  "adjust my orders",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ch, cancel := svc.SubscribeEvents(context.Background(), sess.ID)
	defer cancel()
	proposed := waitFor(t, ch, models.EventPlanProposed)
	waitFor(t, ch, models.EventSessionWaiting)

	plan, err := svc.ApprovePlan(context.Background(), sess.ID, proposed.PlanID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if plan.Status != models.PlanApproved {
		t.Errorf("returned plan status = %s", plan.Status)
	}

	waitFor(t, ch, models.EventPlanCompleted)
	waitFor(t, ch, models.EventSessionCompleted)

	stored, _ := store.GetPlan(context.Background(), proposed.PlanID)
	if stored.Status != models.PlanCompleted {
		t.Errorf("final plan status = %s", stored.Status)
	}
	sessAfter, _ := store.GetSession(context.Background(), sess.ID)
	if sessAfter.PendingPlanID != "" {
		t.Error("pending plan id not cleared")
	}

	// Idempotent: approving a completed plan returns current state.
	again, err := svc.ApprovePlan(context.Background(), sess.ID, proposed.PlanID)
	if err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if again.Status != models.PlanCompleted {
		t.Errorf("re-approve status = %s", again.Status)
	}
}

func TestApprovePlanStaleGeneration(t *testing.T) {
	provider := &fakeProvider{turns: [][]string{
		planTurn("Update holdings.", "adjust_orders", 3),
	}}
	svc, store := newTestService(t, provider, &readTool{name: "adjust_orders", risk: models.RiskLowWrite})

	sess, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Autonomy: models.AutonomyRecommend,
		Content:  "adjust my orders",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ch, cancel := svc.SubscribeEvents(context.Background(), sess.ID)
	defer cancel()
	proposed := waitFor(t, ch, models.EventPlanProposed)
	waitFor(t, ch, models.EventSessionWaiting)

	// A newer user message supersedes the plan's context.
	if err := store.AppendMessage(context.Background(), &models.Message{
		ID: "m-new", SessionID: sess.ID, Role: models.RoleUser, Content: "actually, cancel that",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err = svc.ApprovePlan(context.Background(), sess.ID, proposed.PlanID)
	if !errors.Is(err, agent.ErrStaleApproval) {
		t.Fatalf("err = %v, want ErrStaleApproval", err)
	}
	plan, _ := store.GetPlan(context.Background(), proposed.PlanID)
	if plan.Status != models.PlanRejected {
		t.Errorf("stale plan status = %s", plan.Status)
	}
}

func TestApprovePlanWrongSession(t *testing.T) {
	svc, store := newTestService(t, &fakeProvider{})
	store.plans["p1"] = models.Plan{ID: "p1", SessionID: "other", Status: models.PlanProposed}
	store.sessions["mine"] = models.Session{ID: "mine"}

	_, err := svc.ApprovePlan(context.Background(), "mine", "p1")
	if !errors.Is(err, agent.ErrPlanMismatch) {
		t.Fatalf("err = %v, want ErrPlanMismatch", err)
	}
}

func TestRejectPlanIdempotent(t *testing.T) {
	provider := &fakeProvider{turns: [][]string{
		planTurn("Update holdings.", "adjust_orders", 3),
	}}
	svc, store := newTestService(t, provider, &readTool{name: "adjust_orders", risk: models.RiskLowWrite})

	sess, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Autonomy: models.AutonomyRecommend,
		Content:  "adjust my orders",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ch, cancel := svc.SubscribeEvents(context.Background(), sess.ID)
	defer cancel()
	proposed := waitFor(t, ch, models.EventPlanProposed)
	waitFor(t, ch, models.EventSessionWaiting)

	if err := svc.RejectPlan(context.Background(), sess.ID, proposed.PlanID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	stored, _ := store.GetSession(context.Background(), sess.ID)
	if stored.Status != models.SessionIdle || stored.PendingPlanID != "" {
		t.Errorf("session after reject = %s pending=%q", stored.Status, stored.PendingPlanID)
	}
	plan, _ := store.GetPlan(context.Background(), proposed.PlanID)
	if plan.Status != models.PlanRejected {
		t.Errorf("plan status = %s", plan.Status)
	}

	if err := svc.RejectPlan(context.Background(), sess.ID, proposed.PlanID); err != nil {
		t.Errorf("second reject not idempotent: %v", err)
	}
}

func TestInterruptIdleSessionIsNoop(t *testing.T) {
	svc, _ := newTestService(t, &fakeProvider{})
	if err := svc.Interrupt(context.Background(), "no-such-session"); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
}

func TestInterruptCancelsRunningLoop(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{
		turns: [][]string{textTurn("never delivered")},
		gates: []chan struct{}{gate},
	}
	svc, store := newTestService(t, provider)

	sess, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Autonomy: models.AutonomySupervised,
		Content:  "start",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Interrupt(context.Background(), sess.ID); err != nil {
		t.Fatalf("interrupt: %v", err)
	}

	stored, _ := store.GetSession(context.Background(), sess.ID)
	if stored.Status != models.SessionInterrupted {
		t.Errorf("status = %s, want interrupted", stored.Status)
	}

	// Lease released; a new submission can run.
	if _, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		SessionID: sess.ID,
		Content:   "again",
	}); err != nil {
		t.Fatalf("resubmit after interrupt: %v", err)
	}
}

// waitStatus polls the store until the session reaches the wanted status.
func waitStatus(t *testing.T, store *memStore, id string, want models.SessionStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := store.GetSession(context.Background(), id)
		if err == nil && sess.Status == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session %s never reached %s", id, want)
}

func TestSubmitSupersedesPendingPlan(t *testing.T) {
	provider := &fakeProvider{turns: [][]string{
		planTurn("Update holdings.", "adjust_orders", 3),
		textTurn("Summary instead."),
	}}
	svc, store := newTestService(t, provider, &readTool{name: "adjust_orders", risk: models.RiskLowWrite})

	sess, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Autonomy: models.AutonomyRecommend,
		Content:  "adjust my orders",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ch, cancel := svc.SubscribeEvents(context.Background(), sess.ID)
	defer cancel()
	proposed := waitFor(t, ch, models.EventPlanProposed)
	waitFor(t, ch, models.EventSessionWaiting)

	// A newer message takes over the session; the pending plan must not
	// survive as approvable.
	if _, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		SessionID: sess.ID,
		Content:   "never mind, just summarize",
	}); err != nil {
		t.Fatalf("submit second: %v", err)
	}

	waitFor(t, ch, models.EventPlanRejected)
	waitFor(t, ch, models.EventSessionCompleted)

	plan, _ := store.GetPlan(context.Background(), proposed.PlanID)
	if plan.Status != models.PlanRejected {
		t.Errorf("superseded plan status = %s, want rejected", plan.Status)
	}
	stored, _ := store.GetSession(context.Background(), sess.ID)
	if stored.PendingPlanID != "" {
		t.Errorf("pending plan id = %q after completion", stored.PendingPlanID)
	}
	if stored.Status != models.SessionCompleted {
		t.Errorf("status = %s", stored.Status)
	}

	if _, err := svc.ApprovePlan(context.Background(), sess.ID, proposed.PlanID); !errors.Is(err, ErrPlanNotApprovable) {
		t.Errorf("approve superseded plan: err = %v, want ErrPlanNotApprovable", err)
	}
}

func TestRejectPlanLeavesRunningSessionAlone(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{
		turns: [][]string{textTurn("eventually")},
		gates: []chan struct{}{gate},
	}
	svc, store := newTestService(t, provider)

	sess, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Autonomy: models.AutonomySupervised,
		Content:  "work",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ch, cancel := svc.SubscribeEvents(context.Background(), sess.ID)
	defer cancel()
	waitStatus(t, store, sess.ID, models.SessionPlanning)

	// A leftover proposed plan rejected while the run is parked mid-stream.
	store.plans["p-old"] = models.Plan{
		ID: "p-old", SessionID: sess.ID, Status: models.PlanProposed, Generation: 99,
	}
	if err := svc.RejectPlan(context.Background(), sess.ID, "p-old"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	plan, _ := store.GetPlan(context.Background(), "p-old")
	if plan.Status != models.PlanRejected {
		t.Errorf("plan status = %s", plan.Status)
	}
	stored, _ := store.GetSession(context.Background(), sess.ID)
	if stored.Status == models.SessionIdle {
		t.Error("running session written to idle by reject")
	}

	close(gate)
	waitFor(t, ch, models.EventSessionCompleted)
}

// grantLocker hands out a fresh lease on every call, simulating a TTL that
// expired under a still-active run.
type grantLocker struct {
	mu    sync.Mutex
	inner *sessions.LeaseLocker
	n     int
}

func (g *grantLocker) TryAcquire(sessionID string) (*sessions.Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.inner.TryAcquire(fmt.Sprintf("%s#%d", sessionID, g.n))
}

func TestSubmitQueuesWhenLeaseExpiredMidRun(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{
		turns: [][]string{textTurn("First."), textTurn("Second.")},
		gates: []chan struct{}{gate},
	}
	store := newMemStore()
	bus := events.NewBus(events.DefaultBuffer)
	cfg := agent.DefaultLoopConfig()
	cfg.StreamRetryDelay = time.Millisecond
	loop := agent.NewLoop(provider, agent.NewRegistry(), store, bus, cfg, nil, nil)
	svc := NewAgentService(store, &grantLocker{inner: sessions.NewLeaseLocker(time.Minute)}, bus, loop, nil, nil)
	t.Cleanup(svc.Close)

	sess, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Autonomy: models.AutonomySupervised,
		Content:  "first",
	})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	ch, cancel := svc.SubscribeEvents(context.Background(), sess.ID)
	defer cancel()

	// The locker grants a lease even though the first run is still active;
	// the message must land in the queued slot, not surface as busy.
	queued, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		SessionID: sess.ID,
		Content:   "second",
	})
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if queued.Status != models.SessionExecutingQueued {
		t.Errorf("status = %s, want executing_queued", queued.Status)
	}
	waitFor(t, ch, models.EventSessionQueued)

	close(gate)
	waitFor(t, ch, models.EventSessionCompleted)
	waitFor(t, ch, models.EventSessionCompleted)

	stored, _ := store.GetSession(context.Background(), sess.ID)
	if stored.QueuedMessage != nil {
		t.Error("queued slot not cleared after pickup")
	}
}

func TestRunExtendsLeaseBeyondTTL(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{
		turns: [][]string{textTurn("Done.")},
		gates: []chan struct{}{gate},
	}
	store := newMemStore()
	bus := events.NewBus(events.DefaultBuffer)
	locker := sessions.NewLeaseLocker(100 * time.Millisecond)
	cfg := agent.DefaultLoopConfig()
	cfg.StreamRetryDelay = time.Millisecond
	loop := agent.NewLoop(provider, agent.NewRegistry(), store, bus, cfg, nil, nil)
	svc := NewAgentService(store, locker, bus, loop, nil, nil)
	t.Cleanup(svc.Close)

	sess, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Autonomy: models.AutonomySupervised,
		Content:  "slow work",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ch, cancel := svc.SubscribeEvents(context.Background(), sess.ID)
	defer cancel()

	time.Sleep(300 * time.Millisecond)
	if !locker.Held(sess.ID) {
		t.Error("lease expired while the run was still active")
	}

	close(gate)
	waitFor(t, ch, models.EventSessionCompleted)
}

func TestDroppedEventsFlushedAfterRun(t *testing.T) {
	provider := &fakeProvider{turns: [][]string{textTurn("First."), textTurn("Second.")}}
	store := newMemStore()
	// A one-slot subscriber buffer guarantees overflow during a run.
	bus := events.NewBus(1)
	cfg := agent.DefaultLoopConfig()
	cfg.StreamRetryDelay = time.Millisecond
	loop := agent.NewLoop(provider, agent.NewRegistry(), store, bus, cfg, nil, nil)
	svc := NewAgentService(store, sessions.NewLeaseLocker(time.Minute), bus, loop, nil, nil)
	t.Cleanup(svc.Close)

	sess, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Autonomy: models.AutonomySupervised,
		Content:  "first",
	})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	waitStatus(t, store, sess.ID, models.SessionCompleted)

	// Never read from this subscription; the next run's events overflow it.
	_, cancel := svc.SubscribeEvents(context.Background(), sess.ID)
	defer cancel()

	if _, err := svc.SubmitMessage(context.Background(), SubmitRequest{
		SessionID: sess.ID,
		Content:   "second",
	}); err != nil {
		t.Fatalf("submit second: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		svc.mu.Lock()
		seen := svc.droppedSeen
		svc.mu.Unlock()
		if seen > 0 {
			if seen != bus.Dropped() {
				t.Errorf("flushed %d drops, bus reports %d", seen, bus.Dropped())
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("dropped events never flushed after run")
}
