package impersonation

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/chapterhq/chapterd/auth"
	"github.com/chapterhq/chapterd/directory"
	"github.com/chapterhq/chapterd/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Handlers provides the HTTP surface for impersonation and its audit trail.
type Handlers struct {
	resolver *Resolver
	manager  *Manager
	reporter *Reporter
	dir      Directory

	defaultTimeoutMinutes int
}

// NewHandlers creates the impersonation handlers.
func NewHandlers(resolver *Resolver, manager *Manager, reporter *Reporter, dir Directory, defaultTimeoutMinutes int) *Handlers {
	if !types.IsAllowedTimeout(defaultTimeoutMinutes) {
		defaultTimeoutMinutes = 30
	}
	return &Handlers{
		resolver:              resolver,
		manager:               manager,
		reporter:              reporter,
		dir:                   dir,
		defaultTimeoutMinutes: defaultTimeoutMinutes,
	}
}

// RegisterRoutes mounts the impersonation API on the router. mw gates every
// route on authentication; the hierarchy threshold itself is enforced by the
// resolver's policy, so an ineligible operator receives the typed
// authorization failure rather than a bare 404.
func (h *Handlers) RegisterRoutes(r *mux.Router, mw *auth.SessionMiddleware) {
	r.HandleFunc("/impersonate/start", mw.RequireAuth(h.StartHandler)).Methods(http.MethodPost)
	r.HandleFunc("/impersonate/stop", mw.RequireAuth(h.StopHandler)).Methods(http.MethodPost)
	r.HandleFunc("/impersonate/status", mw.RequireAuth(h.StatusHandler)).Methods(http.MethodGet)
	r.HandleFunc("/impersonate/users", mw.RequireAuth(h.UsersHandler)).Methods(http.MethodGet)
	r.HandleFunc("/impersonate/roles", mw.RequireAuth(h.RolesHandler)).Methods(http.MethodGet)
	r.HandleFunc("/impersonate/recent", mw.RequireAuth(h.RecentHandler)).Methods(http.MethodGet)
	r.HandleFunc("/impersonate/audit", mw.RequireAuth(h.AuditSessionsHandler)).Methods(http.MethodGet)
	r.HandleFunc("/impersonate/audit/{id}/actions", mw.RequireAuth(h.AuditSessionActionsHandler)).Methods(http.MethodGet)
}

// StartHandler handles POST /api/admin/impersonate/start.
func (h *Handlers) StartHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator := auth.GetOperatorFromContext(ctx)
	if operator == nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(types.ErrAuthenticationRequired))
		return
	}

	var req types.ImpersonationStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	targetID, err := uuid.Parse(req.TargetUserID)
	if err != nil || targetID == uuid.Nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Target user ID is required", err))
		return
	}

	timeout := req.TimeoutMinutes
	if timeout == 0 {
		timeout = h.defaultTimeoutMinutes
	}

	// An existing active session is superseded transparently inside Start;
	// "already impersonating" is never surfaced as an error.
	session, err := h.manager.Start(ctx, operator.ID, targetID, req.Reason, timeout)
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	target, err := h.dir.GetUserByID(ctx, session.TargetID)
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	writeJSON(w, http.StatusOK, types.ImpersonationStartResponse{
		Message:       fmt.Sprintf("Now impersonating %s", target.Email),
		Impersonation: statusFor(session, target),
	})
}

// StopHandler handles POST /api/admin/impersonate/stop.
func (h *Handlers) StopHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator := auth.GetOperatorFromContext(ctx)
	if operator == nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(types.ErrAuthenticationRequired))
		return
	}

	session, err := h.manager.EndActive(ctx, operator.ID, types.EndReasonManual)
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}
	if session == nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Not currently impersonating", nil))
		return
	}

	writeJSON(w, http.StatusOK, types.ImpersonationStopResponse{
		Message: "Impersonation stopped successfully",
		Session: session,
	})
}

// StatusHandler handles GET /api/admin/impersonate/status.
func (h *Handlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator := auth.GetOperatorFromContext(ctx)
	if operator == nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(types.ErrAuthenticationRequired))
		return
	}

	session, err := h.manager.ActiveSession(ctx, operator.ID)
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	response := types.ImpersonationStatusResponse{}
	if session != nil {
		target, err := h.dir.GetUserByID(ctx, session.TargetID)
		if err != nil {
			types.WriteHTTPError(w, types.HTTPErrorFor(err))
			return
		}
		response.Active = true
		response.Impersonation = statusFor(session, target)
	}

	writeJSON(w, http.StatusOK, response)
}

// UsersHandler handles GET /api/admin/impersonate/users.
func (h *Handlers) UsersHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator := auth.GetOperatorFromContext(ctx)
	if operator == nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(types.ErrAuthenticationRequired))
		return
	}

	filter := directory.SearchFilter{
		Search: r.URL.Query().Get("search"),
		Role:   r.URL.Query().Get("role"),
	}
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)

	users, total, err := h.resolver.ListImpersonatableUsers(ctx, operator.ID, filter, page, pageSize)
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	writeJSON(w, http.StatusOK, types.UserListResponse{Users: users, Total: total})
}

// RolesHandler handles GET /api/admin/impersonate/roles.
func (h *Handlers) RolesHandler(w http.ResponseWriter, r *http.Request) {
	options, err := h.resolver.ListRoleOptions(r.Context())
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}
	writeJSON(w, http.StatusOK, options)
}

// RecentHandler handles GET /api/admin/impersonate/recent.
func (h *Handlers) RecentHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator := auth.GetOperatorFromContext(ctx)
	if operator == nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(types.ErrAuthenticationRequired))
		return
	}

	recents, err := h.resolver.ListRecentImpersonations(ctx, operator.ID, queryInt(r, "limit", 5))
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}
	writeJSON(w, http.StatusOK, recents)
}

// AuditSessionsHandler handles GET /api/admin/impersonate/audit.
func (h *Handlers) AuditSessionsHandler(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	sort := SessionSort(r.URL.Query().Get("sort"))

	sessions, total, pageCount, err := h.reporter.ListSessions(r.Context(), page, pageSize, sort)
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	writeJSON(w, http.StatusOK, types.AuditSessionListResponse{
		Sessions:  sessions,
		Total:     total,
		PageCount: pageCount,
	})
}

// AuditSessionActionsHandler handles GET /api/admin/impersonate/audit/{id}/actions.
func (h *Handlers) AuditSessionActionsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid session ID", err))
		return
	}

	actions, err := h.reporter.SessionActions(r.Context(), sessionID)
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func statusFor(session *types.ImpersonationSession, target *types.User) *types.ImpersonationStatus {
	return &types.ImpersonationStatus{
		SessionID:      session.ID,
		TargetUserID:   target.ID,
		TargetName:     target.DisplayName,
		TargetEmail:    target.Email,
		Reason:         session.Reason.String,
		StartedAt:      session.StartedAt,
		ExpiresAt:      session.Deadline(),
		TimeoutMinutes: session.TimeoutMinutes,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
