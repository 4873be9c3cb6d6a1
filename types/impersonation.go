package types

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EndReason is the enumerated cause for an impersonation session's
// termination.
type EndReason string

const (
	// EndReasonManual means the operator stopped the session explicitly.
	EndReasonManual EndReason = "manual"
	// EndReasonTimeout means the session outlived its timeout and was
	// closed lazily on the next access (or by the sweep task).
	EndReasonTimeout EndReason = "timeout"
	// EndReasonNewSession means the session was force-ended because the
	// same operator started a new one.
	EndReasonNewSession EndReason = "new_session"
	// EndReasonLogout means the operator logged out of the application.
	EndReasonLogout EndReason = "logout"
)

// IsValid returns true for a known end reason.
func (r EndReason) IsValid() bool {
	switch r {
	case EndReasonManual, EndReasonTimeout, EndReasonNewSession, EndReasonLogout:
		return true
	default:
		return false
	}
}

// AllowedTimeoutMinutes are the selectable session timeouts.
var AllowedTimeoutMinutes = []int{15, 30, 60, 480}

// IsAllowedTimeout reports whether m is one of the selectable timeouts.
func IsAllowedTimeout(m int) bool {
	for _, allowed := range AllowedTimeoutMinutes {
		if m == allowed {
			return true
		}
	}
	return false
}

// ImpersonationSession is a durable record of one operator acting as another
// user. A row with a null ended_at is the operator's single active session;
// once ended_at is set the row is terminal and never changes again.
type ImpersonationSession struct {
	ID              uuid.UUID      `db:"id" json:"id"`
	AdminID         uuid.UUID      `db:"admin_id" json:"admin_id"`
	TargetID        uuid.UUID      `db:"target_id" json:"target_id"`
	StartedAt       time.Time      `db:"started_at" json:"started_at"`
	EndedAt         sql.NullTime   `db:"ended_at" json:"ended_at,omitempty"`
	EndReason       sql.NullString `db:"end_reason" json:"end_reason,omitempty"`
	Reason          sql.NullString `db:"reason" json:"reason,omitempty"`
	TimeoutMinutes  int            `db:"timeout_minutes" json:"timeout_minutes"`
	DurationMinutes sql.NullInt64  `db:"duration_minutes" json:"duration_minutes,omitempty"`
}

// Active returns true while the session has not ended.
func (s *ImpersonationSession) Active() bool {
	return !s.EndedAt.Valid
}

// Deadline returns the instant the session times out.
func (s *ImpersonationSession) Deadline() time.Time {
	return s.StartedAt.Add(time.Duration(s.TimeoutMinutes) * time.Minute)
}

// IsExpired reports whether now is past the session's timeout deadline.
func (s *ImpersonationSession) IsExpired(now time.Time) bool {
	return now.After(s.Deadline())
}

// ComputeDurationMinutes returns the whole minutes between start and end,
// rounded down.
func ComputeDurationMinutes(start, end time.Time) int64 {
	if end.Before(start) {
		return 0
	}
	return int64(end.Sub(start) / time.Minute)
}

// FormatDurationMinutes renders a completed duration for display: plain
// minutes under an hour, hours and minutes above.
func FormatDurationMinutes(m int64) string {
	if m < 60 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %dm", m/60, m%60)
}

// RecentImpersonation aggregates an operator's prior sessions against one
// target, for the quick-reselect list. Derived from session history, not
// separately persisted.
type RecentImpersonation struct {
	TargetID           uuid.UUID `db:"target_id" json:"target_id"`
	TargetName         string    `db:"target_name" json:"target_name"`
	TargetEmail        string    `db:"target_email" json:"target_email"`
	Role               string    `db:"role" json:"role"`
	Chapter            string    `db:"chapter" json:"chapter"`
	LastImpersonatedAt time.Time `db:"last_impersonated_at" json:"last_impersonated_at"`
	SessionCount       int       `db:"session_count" json:"session_count"`
}

// ImpersonationStartRequest is the request body for starting impersonation.
type ImpersonationStartRequest struct {
	TargetUserID   string `json:"target_user_id"`
	Reason         string `json:"reason,omitempty"`
	TimeoutMinutes int    `json:"timeout_minutes"`
}

// ImpersonationStatus describes an active session for API responses.
type ImpersonationStatus struct {
	SessionID      uuid.UUID `json:"session_id"`
	TargetUserID   uuid.UUID `json:"target_user_id"`
	TargetName     string    `json:"target_name"`
	TargetEmail    string    `json:"target_email"`
	Reason         string    `json:"reason,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	TimeoutMinutes int       `json:"timeout_minutes"`
}

// ImpersonationStartResponse is the response for starting impersonation.
type ImpersonationStartResponse struct {
	Message       string               `json:"message"`
	Impersonation *ImpersonationStatus `json:"impersonation"`
}

// ImpersonationStopResponse is the response for stopping impersonation.
type ImpersonationStopResponse struct {
	Message string                `json:"message"`
	Session *ImpersonationSession `json:"session,omitempty"`
}

// ImpersonationStatusResponse is the response for the status endpoint.
type ImpersonationStatusResponse struct {
	Active        bool                 `json:"active"`
	Impersonation *ImpersonationStatus `json:"impersonation,omitempty"`
}

// UserListResponse is the response for the impersonatable-user listing.
type UserListResponse struct {
	Users []User `json:"users"`
	Total int    `json:"total"`
}

// AuditSessionView is one row of the audit session listing, rendered for
// display. Duration and EndReason read "active" while the session is open.
type AuditSessionView struct {
	ID          uuid.UUID `json:"id"`
	AdminName   string    `json:"admin_name"`
	AdminEmail  string    `json:"admin_email"`
	TargetName  string    `json:"target_name"`
	TargetEmail string    `json:"target_email"`
	TargetRole  string    `json:"target_role"`
	StartedAt   time.Time `json:"started_at"`
	Duration    string    `json:"duration"`
	EndReason   string    `json:"end_reason"`
	ActionCount int       `json:"action_count"`
}

// AuditSessionListResponse is the paginated audit session listing.
type AuditSessionListResponse struct {
	Sessions  []AuditSessionView `json:"sessions"`
	Total     int                `json:"total"`
	PageCount int                `json:"page_count"`
}
