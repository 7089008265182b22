package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stationops/quartermaster/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	autonomy_level  INTEGER NOT NULL,
	status          TEXT NOT NULL,
	queued_message  TEXT,
	pending_plan_id TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	last_activity   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS plans (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	purpose        TEXT NOT NULL,
	steps          TEXT NOT NULL,
	max_risk       TEXT NOT NULL,
	status         TEXT NOT NULL,
	auto_executing INTEGER NOT NULL,
	generation     INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	approved_at    INTEGER NOT NULL DEFAULT 0,
	executed_at    INTEGER NOT NULL DEFAULT 0,
	completed_at   INTEGER NOT NULL DEFAULT 0,
	duration_ns    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_plans_session ON plans(session_id, created_at);

CREATE TABLE IF NOT EXISTS messages (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	session_id   TEXT NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	tool_calls   TEXT,
	tool_results TEXT,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`

// SQLiteStore implements Store on an embedded SQLite database. The schema is
// applied at connect time; timestamps are stored as Unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig holds connection settings for the embedded database.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" gives an ephemeral store.
	Path string

	// BusyTimeout bounds how long writers wait on a locked database.
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns default settings.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:        "quartermaster.db",
		BusyTimeout: 5 * time.Second,
	}
}

// NewSQLiteStore opens the database, applies the schema, and verifies the
// connection.
func NewSQLiteStore(ctx context.Context, config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}
	if config.Path == "" {
		return nil, errors.New("database path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		config.Path, config.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent sessions.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session. An existing id is an error.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
	queued, err := marshalNullable(session.QueuedMessage)
	if err != nil {
		return fmt.Errorf("encode queued message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, autonomy_level, status, queued_message, pending_plan_id, created_at, updated_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.OwnerID, int(session.Autonomy), string(session.Status),
		queued, session.PendingPlanID,
		session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(), session.LastActivity.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, autonomy_level, status, queued_message, pending_plan_id, created_at, updated_at, last_activity
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// SaveSession upserts a session by id. The queued-message slot is not
// written here; SetQueuedMessage owns that column.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *models.Session) error {
	queued, err := marshalNullable(session.QueuedMessage)
	if err != nil {
		return fmt.Errorf("encode queued message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, autonomy_level, status, queued_message, pending_plan_id, created_at, updated_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			autonomy_level = excluded.autonomy_level,
			status = excluded.status,
			pending_plan_id = excluded.pending_plan_id,
			updated_at = excluded.updated_at,
			last_activity = excluded.last_activity`,
		session.ID, session.OwnerID, int(session.Autonomy), string(session.Status),
		queued, session.PendingPlanID,
		session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(), session.LastActivity.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// SetQueuedMessage overwrites the single queued slot. Nil clears it.
func (s *SQLiteStore) SetQueuedMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	queued, err := marshalNullable(msg)
	if err != nil {
		return fmt.Errorf("encode queued message: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET queued_message = ?, updated_at = ? WHERE id = ?`,
		queued, time.Now().UTC().UnixNano(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("set queued message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set queued message: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SavePlan upserts a plan by id. Steps are stored as a JSON column; the step
// list is fixed at detection so only execution records change between saves.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *models.Plan) error {
	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, session_id, purpose, steps, max_risk, status, auto_executing, generation, created_at, approved_at, executed_at, completed_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			steps = excluded.steps,
			status = excluded.status,
			approved_at = excluded.approved_at,
			executed_at = excluded.executed_at,
			completed_at = excluded.completed_at,
			duration_ns = excluded.duration_ns`,
		plan.ID, plan.SessionID, plan.Purpose, string(steps),
		plan.MaxRisk.String(), string(plan.Status), boolInt(plan.AutoExecuting), plan.Generation,
		plan.CreatedAt.UnixNano(), nanoOrZero(plan.ApprovedAt), nanoOrZero(plan.ExecutedAt),
		nanoOrZero(plan.CompletedAt), int64(plan.Duration),
	)
	if err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}

// GetPlan loads a plan by id.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, purpose, steps, max_risk, status, auto_executing, generation, created_at, approved_at, executed_at, completed_at, duration_ns
		FROM plans WHERE id = ?`, id)
	return scanPlan(row)
}

// ListPlansBySession returns a session's plans in chronological order.
func (s *SQLiteStore) ListPlansBySession(ctx context.Context, sessionID string) ([]*models.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, purpose, steps, max_risk, status, auto_executing, generation, created_at, approved_at, executed_at, completed_at, duration_ns
		FROM plans WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*models.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// AppendMessage appends one message to a session's history.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	calls, err := marshalNullable(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("encode tool calls: %w", err)
	}
	results, err := marshalNullable(msg.ToolResults)
	if err != nil {
		return fmt.Errorf("encode tool results: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, tool_calls, tool_results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, calls, results, msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// GetHistory returns the most recent limit messages in chronological order.
// A non-positive limit returns the full history.
func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_calls, tool_results, created_at
		FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var (
			m              models.Message
			role           string
			calls, results sql.NullString
			created        int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &calls, &results, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		m.CreatedAt = time.Unix(0, created).UTC()
		if err := unmarshalNullable(calls, &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
		if err := unmarshalNullable(results, &m.ToolResults); err != nil {
			return nil, fmt.Errorf("decode tool results: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessageCount returns how many messages a session's history holds.
func (s *SQLiteStore) MessageCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ExpireSessions removes sessions last active before cutoff, skipping any
// session referenced by a plan. Audit trails survive expiry.
func (s *SQLiteStore) ExpireSessions(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin expiry: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE session_id IN (
			SELECT id FROM sessions
			WHERE last_activity < ? AND id NOT IN (SELECT DISTINCT session_id FROM plans)
		)`, cutoff.UnixNano()); err != nil {
		return 0, fmt.Errorf("expire messages: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE last_activity < ? AND id NOT IN (SELECT DISTINCT session_id FROM plans)`,
		cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit expiry: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess                       models.Session
		autonomy                   int
		status                     string
		queued                     sql.NullString
		created, updated, activity int64
	)
	err := row.Scan(&sess.ID, &sess.OwnerID, &autonomy, &status, &queued, &sess.PendingPlanID, &created, &updated, &activity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Autonomy = models.AutonomyLevel(autonomy)
	sess.Status = models.SessionStatus(status)
	sess.CreatedAt = time.Unix(0, created).UTC()
	sess.UpdatedAt = time.Unix(0, updated).UTC()
	sess.LastActivity = time.Unix(0, activity).UTC()
	if queued.Valid && queued.String != "" {
		var msg models.Message
		if err := json.Unmarshal([]byte(queued.String), &msg); err != nil {
			return nil, fmt.Errorf("decode queued message: %w", err)
		}
		sess.QueuedMessage = &msg
	}
	return &sess, nil
}

func scanPlan(row rowScanner) (*models.Plan, error) {
	var (
		plan                                   models.Plan
		steps, maxRisk, status                 string
		auto                                   int
		created, approved, executed, completed int64
		duration                               int64
	)
	err := row.Scan(&plan.ID, &plan.SessionID, &plan.Purpose, &steps, &maxRisk, &status,
		&auto, &plan.Generation, &created, &approved, &executed, &completed, &duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &plan.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	plan.MaxRisk = models.ParseRiskLevel(maxRisk)
	plan.Status = models.PlanStatus(status)
	plan.AutoExecuting = auto != 0
	plan.CreatedAt = time.Unix(0, created).UTC()
	plan.ApprovedAt = timeOrZero(approved)
	plan.ExecutedAt = timeOrZero(executed)
	plan.CompletedAt = timeOrZero(completed)
	plan.Duration = time.Duration(duration)
	return &plan, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case *models.Message:
		if x == nil {
			return sql.NullString{}, nil
		}
	case []models.ToolCall:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case []models.ToolResult:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalNullable[T any](s sql.NullString, dst *T) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeOrZero(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
