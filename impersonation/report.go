package impersonation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chapterhq/chapterd/database"
	"github.com/chapterhq/chapterd/types"
	"github.com/google/uuid"
)

// SessionSort names the supported audit listing orders. Unknown values fall
// back to newest first.
type SessionSort string

const (
	SortStartedDesc  SessionSort = "started_desc"
	SortStartedAsc   SessionSort = "started_asc"
	SortDurationDesc SessionSort = "duration_desc"
	SortActionsDesc  SessionSort = "actions_desc"
)

var sessionSortClauses = map[SessionSort]string{
	SortStartedDesc:  "s.started_at DESC, s.id",
	SortStartedAsc:   "s.started_at ASC, s.id",
	SortDurationDesc: "s.duration_minutes IS NOT NULL, s.duration_minutes DESC, s.id",
	SortActionsDesc:  "action_count DESC, s.id",
}

// Reporter answers the audit queries: the paginated session listing and the
// on-demand per-session action log.
type Reporter struct {
	db *database.Database
}

// NewReporter creates an audit reporter.
func NewReporter(db *database.Database) *Reporter {
	return &Reporter{db: db}
}

// auditSessionRow is the raw join row behind the rendered view.
type auditSessionRow struct {
	ID              uuid.UUID      `db:"id"`
	AdminName       string         `db:"admin_name"`
	AdminEmail      string         `db:"admin_email"`
	TargetName      string         `db:"target_name"`
	TargetEmail     string         `db:"target_email"`
	TargetRole      string         `db:"target_role"`
	StartedAt       time.Time      `db:"started_at"`
	EndedAt         sql.NullTime   `db:"ended_at"`
	EndReason       sql.NullString `db:"end_reason"`
	DurationMinutes sql.NullInt64  `db:"duration_minutes"`
	ActionCount     int            `db:"action_count"`
}

// ListSessions returns one page of audit session rows with admin and target
// identity, rendered duration and the per-session action count. The action
// logs themselves are not loaded here; expand a session with SessionActions.
func (r *Reporter) ListSessions(ctx context.Context, page, pageSize int, sort SessionSort) ([]types.AuditSessionView, int, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	orderBy, ok := sessionSortClauses[sort]
	if !ok {
		orderBy = sessionSortClauses[SortStartedDesc]
	}

	var total int
	err := r.db.DB().GetContext(ctx, &total,
		"SELECT COUNT(*) FROM impersonation_sessions")
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}

	rows := []auditSessionRow{}
	err = r.db.DB().SelectContext(ctx, &rows, `
		SELECT s.id, s.started_at, s.ended_at, s.end_reason, s.duration_minutes,
			a.display_name AS admin_name,
			a.email AS admin_email,
			t.display_name AS target_name,
			t.email AS target_email,
			t.role AS target_role,
			(SELECT COUNT(*) FROM impersonation_actions x WHERE x.session_id = s.id) AS action_count
		FROM impersonation_sessions s
		JOIN users a ON a.id = s.admin_id
		JOIN users t ON t.id = s.target_id
		ORDER BY `+orderBy+`
		LIMIT ? OFFSET ?`, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}

	views := make([]types.AuditSessionView, len(rows))
	for i, row := range rows {
		views[i] = row.render()
	}

	pageCount := (total + pageSize - 1) / pageSize
	return views, total, pageCount, nil
}

// render applies the display rules: an open session always reads "active",
// an ended one renders minutes under an hour and hours+minutes above.
func (row auditSessionRow) render() types.AuditSessionView {
	view := types.AuditSessionView{
		ID:          row.ID,
		AdminName:   row.AdminName,
		AdminEmail:  row.AdminEmail,
		TargetName:  row.TargetName,
		TargetEmail: row.TargetEmail,
		TargetRole:  row.TargetRole,
		StartedAt:   row.StartedAt,
		Duration:    "active",
		EndReason:   "active",
		ActionCount: row.ActionCount,
	}
	if row.EndedAt.Valid {
		view.Duration = types.FormatDurationMinutes(row.DurationMinutes.Int64)
		view.EndReason = row.EndReason.String
	}
	return view
}

// SessionActions returns the full ordered action log for one session,
// loaded on demand. Ordering is executed_at with the autoincrement id
// breaking ties in insertion order.
func (r *Reporter) SessionActions(ctx context.Context, sessionID uuid.UUID) ([]types.ActionLog, error) {
	var exists int
	err := r.db.DB().GetContext(ctx, &exists,
		"SELECT COUNT(*) FROM impersonation_sessions WHERE id = ?", sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
	}

	actions := []types.ActionLog{}
	err = r.db.DB().SelectContext(ctx, &actions, `
		SELECT * FROM impersonation_actions
		WHERE session_id = ?
		ORDER BY executed_at, id`, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	return actions, nil
}
