package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/stationops/quartermaster/pkg/models"
)

// CachedStore decorates a Store with a read-through memory cache for
// sessions and plans. The cache is never authoritative: every write goes to
// the durable store first and only refreshes the cache on success, and a
// miss repopulates from durable truth. Message history is not cached.
type CachedStore struct {
	inner Store

	mu       sync.RWMutex
	sessions map[string]models.Session
	plans    map[string]models.Plan
}

// NewCachedStore wraps a durable store with the fast-path cache.
func NewCachedStore(inner Store) *CachedStore {
	return &CachedStore{
		inner:    inner,
		sessions: make(map[string]models.Session),
		plans:    make(map[string]models.Plan),
	}
}

// CreateSession writes through and seeds the cache.
func (c *CachedStore) CreateSession(ctx context.Context, session *models.Session) error {
	if err := c.inner.CreateSession(ctx, session); err != nil {
		return err
	}
	c.putSession(session)
	return nil
}

// GetSession checks the cache first and falls back to the durable store,
// repopulating on miss.
func (c *CachedStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	c.mu.RLock()
	if cached, ok := c.sessions[id]; ok {
		c.mu.RUnlock()
		out := cloneSession(cached)
		return &out, nil
	}
	c.mu.RUnlock()

	session, err := c.inner.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	c.putSession(session)
	return session, nil
}

// SaveSession writes through and refreshes the cache. The cached entry keeps
// its queued-message slot; SaveSession does not own that field.
func (c *CachedStore) SaveSession(ctx context.Context, session *models.Session) error {
	if err := c.inner.SaveSession(ctx, session); err != nil {
		// Durable failure: drop any stale cached copy rather than diverge.
		c.mu.Lock()
		delete(c.sessions, session.ID)
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	cur, ok := c.sessions[session.ID]
	if !ok {
		// Unknown slot state; the next read repopulates from durable truth.
		delete(c.sessions, session.ID)
		c.mu.Unlock()
		return nil
	}
	cp := cloneSession(*session)
	cp.QueuedMessage = cur.QueuedMessage
	c.sessions[session.ID] = cp
	c.mu.Unlock()
	return nil
}

// SetQueuedMessage writes the slot through and updates the cached entry.
func (c *CachedStore) SetQueuedMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if err := c.inner.SetQueuedMessage(ctx, sessionID, msg); err != nil {
		c.mu.Lock()
		delete(c.sessions, sessionID)
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	if cur, ok := c.sessions[sessionID]; ok {
		if msg != nil {
			m := *msg
			cur.QueuedMessage = &m
		} else {
			cur.QueuedMessage = nil
		}
		c.sessions[sessionID] = cur
	}
	c.mu.Unlock()
	return nil
}

// SavePlan writes through and refreshes the cache.
func (c *CachedStore) SavePlan(ctx context.Context, plan *models.Plan) error {
	if err := c.inner.SavePlan(ctx, plan); err != nil {
		c.mu.Lock()
		delete(c.plans, plan.ID)
		c.mu.Unlock()
		return err
	}
	c.putPlan(plan)
	return nil
}

// GetPlan checks the cache first, repopulating from the durable store on miss.
func (c *CachedStore) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	c.mu.RLock()
	if cached, ok := c.plans[id]; ok {
		c.mu.RUnlock()
		out := clonePlan(cached)
		return &out, nil
	}
	c.mu.RUnlock()

	plan, err := c.inner.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	c.putPlan(plan)
	return plan, nil
}

// ListPlansBySession always reads the durable store; chronological listing
// is not a fast-path operation.
func (c *CachedStore) ListPlansBySession(ctx context.Context, sessionID string) ([]*models.Plan, error) {
	return c.inner.ListPlansBySession(ctx, sessionID)
}

// AppendMessage passes through to the durable store.
func (c *CachedStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	return c.inner.AppendMessage(ctx, msg)
}

// GetHistory passes through to the durable store.
func (c *CachedStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	return c.inner.GetHistory(ctx, sessionID, limit)
}

// MessageCount passes through to the durable store.
func (c *CachedStore) MessageCount(ctx context.Context, sessionID string) (int, error) {
	return c.inner.MessageCount(ctx, sessionID)
}

// ExpireSessions passes through, then invalidates the session cache so
// expired entries cannot be served.
func (c *CachedStore) ExpireSessions(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := c.inner.ExpireSessions(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if n > 0 {
		c.mu.Lock()
		c.sessions = make(map[string]models.Session)
		c.mu.Unlock()
	}
	return n, nil
}

// Close closes the underlying store.
func (c *CachedStore) Close() error {
	return c.inner.Close()
}

func (c *CachedStore) putSession(session *models.Session) {
	c.mu.Lock()
	c.sessions[session.ID] = cloneSession(*session)
	c.mu.Unlock()
}

func (c *CachedStore) putPlan(plan *models.Plan) {
	c.mu.Lock()
	c.plans[plan.ID] = clonePlan(*plan)
	c.mu.Unlock()
}

func cloneSession(s models.Session) models.Session {
	if s.QueuedMessage != nil {
		msg := *s.QueuedMessage
		s.QueuedMessage = &msg
	}
	return s
}

func clonePlan(p models.Plan) models.Plan {
	steps := make([]models.Step, len(p.Steps))
	copy(steps, p.Steps)
	p.Steps = steps
	return p
}
