// Package sessions provides the durable system of record for sessions,
// plans, and message history, plus the fast-path cache, the per-session
// execution lease, and inactivity expiry.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/stationops/quartermaster/pkg/models"
)

// ErrNotFound indicates the requested session or plan does not exist.
var ErrNotFound = errors.New("not found")

// ErrSessionLocked indicates the session's execution lease is held.
var ErrSessionLocked = errors.New("session is locked by a running executor")

// Store is the interface for session and plan persistence. Save operations
// are upserts, idempotent by primary key. Durable-store unavailability is
// fatal to the operation in progress; implementations never fall back to
// cache-only writes.
type Store interface {
	// Session persistence. SaveSession never touches the queued-message
	// slot; the slot has its own op so a run's status saves cannot wipe a
	// message queued concurrently.
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error

	// SetQueuedMessage overwrites the session's single queued slot; nil
	// clears it. Last write wins.
	SetQueuedMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// Plan persistence. Plans are never deleted; they are the audit trail.
	SavePlan(ctx context.Context, plan *models.Plan) error
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	ListPlansBySession(ctx context.Context, sessionID string) ([]*models.Plan, error)

	// Message history
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	MessageCount(ctx context.Context, sessionID string) (int, error)

	// ExpireSessions removes sessions inactive since before cutoff that are
	// not referenced by any plan, together with their messages. It returns
	// how many sessions were removed.
	ExpireSessions(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
