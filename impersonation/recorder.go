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

// Recorder durably logs every mutating action attributed to an active
// impersonation session. Validation and insert run in one transaction, so a
// log entry can never reference a session that was not active at write time
// and a failed write is surfaced to the caller instead of silently dropped.
type Recorder struct {
	db  *database.Database
	now func() time.Time
}

// NewRecorder creates an audit recorder.
func NewRecorder(db *database.Database) *Recorder {
	return &Recorder{db: db, now: time.Now}
}

// Record appends one audit entry for a state-changing action taken under
// sessionID. The payload is stored as a bounded, redacted summary, never
// raw. It returns types.ErrSessionNotFound for an unknown session and
// types.ErrSessionNotActive when the session has ended or timed out.
func (r *Recorder) Record(ctx context.Context, sessionID uuid.UUID, actionType types.ActionType, tableName, recordID string, payload map[string]any) (*types.ActionLog, error) {
	if !actionType.IsValid() {
		return nil, fmt.Errorf("%w: unknown action type %q", types.ErrBadRequest, actionType)
	}
	tableName = strings.TrimSpace(tableName)
	if tableName == "" || strings.TrimSpace(recordID) == "" {
		return nil, fmt.Errorf("%w: table name and record id are required", types.ErrBadRequest)
	}

	now := r.now().UTC()
	entry := &types.ActionLog{
		SessionID:      sessionID,
		ExecutedAt:     now,
		ActionType:     actionType,
		TableName:      tableName,
		RecordID:       recordID,
		PayloadSummary: types.SummarizePayload(payload),
	}

	var expired *types.ImpersonationSession
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var session types.ImpersonationSession
		err := tx.GetContext(ctx, &session, `
			SELECT * FROM impersonation_sessions WHERE id = ?`, sessionID.String())
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
		}
		if err != nil {
			return fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
		}
		if !session.Active() {
			return fmt.Errorf("%w: ended at %s", types.ErrSessionNotActive,
				session.EndedAt.Time.Format(time.RFC3339))
		}
		if session.IsExpired(now) {
			// Returning the error rolls this transaction back, so the
			// timeout close has to happen in its own transaction below.
			expired = &session
			return fmt.Errorf("%w: timed out", types.ErrSessionNotActive)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO impersonation_actions
				(session_id, executed_at, action_type, table_name, record_id, payload_summary)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID.String(), entry.ExecutedAt, string(actionType),
			tableName, recordID, entry.PayloadSummary)
		if err != nil {
			return fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
		}
		entry.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if expired != nil {
			r.endExpired(ctx, expired, now)
		}
		return nil, err
	}

	actionsRecordedTotal.Inc()
	log.Debug().
		Str("session_id", sessionID.String()).
		Str("action_type", string(actionType)).
		Str("table", tableName).
		Str("record_id", recordID).
		Msg("Impersonated action recorded")
	return entry, nil
}

// endExpired closes a timed-out session encountered during Record. The
// rejected write already rolled back, so the close needs its own
// transaction to be durable.
func (r *Recorder) endExpired(ctx context.Context, session *types.ImpersonationSession, now time.Time) {
	var ended bool
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		ended, err = endInTx(ctx, tx, session, types.EndReasonTimeout, now)
		return err
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("session_id", session.ID.String()).
			Msg("Failed to close timed-out impersonation session")
		return
	}
	if ended {
		emitSessionEnded(session, types.EndReasonTimeout)
	}
}
