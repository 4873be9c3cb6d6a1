package impersonation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chapterhq/chapterd/database"
	"github.com/chapterhq/chapterd/types"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// Manager is the session lifecycle state machine. Per admin the state is
// either none or one active session; Start and End are the only transitions
// and both are single transactions against the durable store.
type Manager struct {
	db       *database.Database
	resolver *Resolver

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(db *database.Database, resolver *Resolver) *Manager {
	return &Manager{db: db, resolver: resolver, now: time.Now}
}

// Start begins impersonating target on behalf of admin. If the admin already
// has an active session it is force-ended with reason new_session inside the
// same transaction, so at no instant do two active rows coexist. The partial
// unique index on (admin_id) WHERE ended_at IS NULL backstops the sequence
// against a concurrent Start from another process; the loser retries once as
// a forced end.
func (m *Manager) Start(ctx context.Context, adminID, targetID uuid.UUID, reason string, timeoutMinutes int) (*types.ImpersonationSession, error) {
	if !types.IsAllowedTimeout(timeoutMinutes) {
		return nil, fmt.Errorf("%w: timeout %d not in allowed set %v",
			types.ErrBadRequest, timeoutMinutes, types.AllowedTimeoutMinutes)
	}

	admin, target, err := m.resolver.Authorize(ctx, adminID, targetID)
	if err != nil {
		return nil, err
	}

	var session *types.ImpersonationSession
	for attempt := 0; attempt < 2; attempt++ {
		session, err = m.startTx(ctx, adminID, targetID, reason, timeoutMinutes)
		if err == nil || !isActiveSessionConflict(err) {
			break
		}
		log.Debug().
			Str("admin_id", adminID.String()).
			Msg("Concurrent impersonation start detected, retrying as forced end")
	}
	if err != nil {
		if isActiveSessionConflict(err) {
			return nil, fmt.Errorf("%w: concurrent impersonation start", types.ErrStoreUnavailable)
		}
		return nil, err
	}

	log.Info().
		Str("session_id", session.ID.String()).
		Str("admin_id", admin.ID.String()).
		Str("admin_email", admin.Email).
		Str("target_user_id", target.ID.String()).
		Str("target_user_email", target.Email).
		Str("reason", reason).
		Int("timeout_minutes", timeoutMinutes).
		Msg("Impersonation started")

	sessionsStartedTotal.Inc()
	return session, nil
}

func (m *Manager) startTx(ctx context.Context, adminID, targetID uuid.UUID, reason string, timeoutMinutes int) (*types.ImpersonationSession, error) {
	now := m.now().UTC()
	session := &types.ImpersonationSession{
		ID:             uuid.New(),
		AdminID:        adminID,
		TargetID:       targetID,
		StartedAt:      now,
		TimeoutMinutes: timeoutMinutes,
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		session.Reason = sql.NullString{String: reason, Valid: true}
	}

	var superseded *types.ImpersonationSession
	err := m.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var current types.ImpersonationSession
		err := tx.GetContext(ctx, &current, `
			SELECT * FROM impersonation_sessions
			WHERE admin_id = ? AND ended_at IS NULL`, adminID.String())
		switch {
		case err == nil:
			ended, err := endInTx(ctx, tx, &current, types.EndReasonNewSession, now)
			if err != nil {
				return err
			}
			if ended {
				superseded = &current
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO impersonation_sessions
				(id, admin_id, target_id, started_at, timeout_minutes, reason)
			VALUES (?, ?, ?, ?, ?, ?)`,
			session.ID.String(), adminID.String(), targetID.String(),
			session.StartedAt, timeoutMinutes, session.Reason)
		if err != nil {
			if isActiveSessionConflict(err) {
				return err
			}
			return fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if superseded != nil {
		emitSessionEnded(superseded, types.EndReasonNewSession)
		log.Info().
			Str("session_id", superseded.ID.String()).
			Str("admin_id", adminID.String()).
			Msg("Superseded previous impersonation session")
	}
	return session, nil
}

// End transitions a session to its terminal state. Ending an already-ended
// session is a no-op that returns the existing terminal row, so callers
// never need to guard against double-cancellation.
func (m *Manager) End(ctx context.Context, sessionID uuid.UUID, reason types.EndReason) (*types.ImpersonationSession, error) {
	if !reason.IsValid() {
		return nil, fmt.Errorf("%w: unknown end reason %q", types.ErrBadRequest, reason)
	}

	now := m.now().UTC()
	var session types.ImpersonationSession
	var ended bool
	err := m.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &session, `
			SELECT * FROM impersonation_sessions WHERE id = ?`, sessionID.String())
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
		}
		if err != nil {
			return fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
		}
		if !session.Active() {
			return nil
		}
		ended, err = endInTx(ctx, tx, &session, reason, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ended {
		emitSessionEnded(&session, reason)
	}
	return &session, nil
}

// endInTx writes the terminal state for an active session and updates the
// caller's copy. The WHERE ended_at IS NULL guard keeps ended rows immutable.
// It reports whether this call wrote the terminal row; metrics and logging
// are the caller's job once the transaction has committed, since the write
// can still roll back with the enclosing transaction.
func endInTx(ctx context.Context, tx *sqlx.Tx, session *types.ImpersonationSession, reason types.EndReason, now time.Time) (bool, error) {
	duration := types.ComputeDurationMinutes(session.StartedAt, now)
	res, err := tx.ExecContext(ctx, `
		UPDATE impersonation_sessions
		SET ended_at = ?, end_reason = ?, duration_minutes = ?
		WHERE id = ? AND ended_at IS NULL`,
		now, string(reason), duration, session.ID.String())
	if err != nil {
		return false, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race against another End; the row is already terminal.
		if err := tx.GetContext(ctx, session,
			`SELECT * FROM impersonation_sessions WHERE id = ?`, session.ID.String()); err != nil {
			return false, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
		}
		return false, nil
	}

	session.EndedAt = sql.NullTime{Time: now, Valid: true}
	session.EndReason = sql.NullString{String: string(reason), Valid: true}
	session.DurationMinutes = sql.NullInt64{Int64: duration, Valid: true}
	return true, nil
}

// emitSessionEnded records the metrics and log line for a session end that
// has been durably committed.
func emitSessionEnded(session *types.ImpersonationSession, reason types.EndReason) {
	sessionsEndedTotal.WithLabelValues(string(reason)).Inc()
	log.Info().
		Str("session_id", session.ID.String()).
		Str("admin_id", session.AdminID.String()).
		Str("end_reason", string(reason)).
		Int64("duration_minutes", session.DurationMinutes.Int64).
		Msg("Impersonation ended")
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, sessionID uuid.UUID) (*types.ImpersonationSession, error) {
	var session types.ImpersonationSession
	err := m.db.DB().GetContext(ctx, &session, `
		SELECT * FROM impersonation_sessions WHERE id = ?`, sessionID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	return &session, nil
}

// ActiveSession returns the admin's active session, or nil when there is
// none. Expiry is evaluated here, lazily: a session past its deadline is
// ended with reason timeout before nil is returned, so a timed-out session
// closes on the next access rather than via a mandatory background sweep.
func (m *Manager) ActiveSession(ctx context.Context, adminID uuid.UUID) (*types.ImpersonationSession, error) {
	var session types.ImpersonationSession
	err := m.db.DB().GetContext(ctx, &session, `
		SELECT * FROM impersonation_sessions
		WHERE admin_id = ? AND ended_at IS NULL`, adminID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}

	if session.IsExpired(m.now()) {
		if _, err := m.End(ctx, session.ID, types.EndReasonTimeout); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &session, nil
}

// EndActive ends the admin's active session with the given reason. It is a
// no-op returning nil when the admin has no active session.
func (m *Manager) EndActive(ctx context.Context, adminID uuid.UUID, reason types.EndReason) (*types.ImpersonationSession, error) {
	session, err := m.ActiveSession(ctx, adminID)
	if err != nil || session == nil {
		return nil, err
	}
	return m.End(ctx, session.ID, reason)
}

// SweepExpired closes every active session past its deadline with reason
// timeout and returns how many it closed. Run periodically from the task
// server to keep the audit dashboard accurate; lazy per-request expiry
// remains the correctness mechanism.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	sessions := []types.ImpersonationSession{}
	err := m.db.DB().SelectContext(ctx, &sessions, `
		SELECT * FROM impersonation_sessions WHERE ended_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}

	now := m.now()
	closed := 0
	for i := range sessions {
		if !sessions[i].IsExpired(now) {
			continue
		}
		if _, err := m.End(ctx, sessions[i].ID, types.EndReasonTimeout); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// isActiveSessionConflict reports whether err is the partial unique index
// rejecting a second active session for the same admin.
func isActiveSessionConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") &&
		strings.Contains(err.Error(), "impersonation_sessions")
}
