// Package auth provides OIDC login and the session middleware that resolves
// the current actor, including the effective identity swap while an
// impersonation session is active.
package auth

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/chapterhq/chapterd/types"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	// ContextKeyUser is the effective user: the impersonation target while a
	// session is active, the operator otherwise.
	ContextKeyUser ContextKey = "user"
	// ContextKeyOperator is the authenticated operator behind the cookie.
	ContextKeyOperator ContextKey = "operator"
	// ContextKeyImpersonation is the active impersonation session, if any.
	ContextKeyImpersonation ContextKey = "impersonation"
)

// UserStore is the slice of the member directory the auth layer needs.
type UserStore interface {
	GetUserByID(ctx context.Context, userID uuid.UUID) (*types.User, error)
	CreateOrUpdateUserFromClaim(ctx context.Context, claims *types.OIDCClaims) (*types.User, error)
	UpdateLastLogin(ctx context.Context, userID uuid.UUID) error
}

// ImpersonationService is the slice of the impersonation lifecycle the auth
// layer needs: the active-session lookup (which lazily closes timed-out
// sessions) and ending on logout.
type ImpersonationService interface {
	ActiveSession(ctx context.Context, adminID uuid.UUID) (*types.ImpersonationSession, error)
	EndActive(ctx context.Context, adminID uuid.UUID, reason types.EndReason) (*types.ImpersonationSession, error)
}

// SessionMiddleware provides session-based authentication middleware.
//
// The cookie only ever names the operator. Impersonation state is durable
// and re-resolved from the store on every request, so it survives restarts
// and is shared across service instances.
type SessionMiddleware struct {
	sessionStore  sessions.Store
	cookieName    string
	users         UserStore
	impersonation ImpersonationService
}

// NewSessionMiddleware creates a new session middleware.
func NewSessionMiddleware(
	sessionStore sessions.Store,
	cookieName string,
	users UserStore,
	impersonation ImpersonationService,
) *SessionMiddleware {
	return &SessionMiddleware{
		sessionStore:  sessionStore,
		cookieName:    cookieName,
		users:         users,
		impersonation: impersonation,
	}
}

// Authenticate validates the session cookie and returns the operator.
func (m *SessionMiddleware) Authenticate(r *http.Request) (*types.User, error) {
	session, err := m.sessionStore.Get(r, m.cookieName)
	if err != nil {
		return nil, types.NewHTTPError(http.StatusInternalServerError, "Failed to get session", err)
	}

	logged, ok := session.Values["logged"].(bool)
	if !ok || !logged {
		log.Warn().
			Str("path", r.URL.Path).
			Msg("Authentication required")
		return nil, types.NewHTTPError(http.StatusUnauthorized, "Authentication required", types.ErrAuthenticationRequired)
	}

	userIDStr, ok := session.Values["user_id"].(string)
	if !ok {
		return nil, types.NewHTTPError(http.StatusUnauthorized, "Invalid session", types.ErrAuthenticationRequired)
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, types.NewHTTPError(http.StatusUnauthorized, "Invalid user ID in session", err)
	}

	operator, err := m.users.GetUserByID(r.Context(), userID)
	if err != nil {
		return nil, types.NewHTTPError(http.StatusUnauthorized, "User not found", err)
	}

	return operator, nil
}

// contextWithActor resolves the effective actor for the request. While the
// operator has an active, unexpired impersonation session the effective user
// is the target; the lookup itself lazily closes a timed-out session.
func (m *SessionMiddleware) contextWithActor(ctx context.Context, operator *types.User) (context.Context, error) {
	ctx = context.WithValue(ctx, ContextKeyOperator, operator)

	session, err := m.impersonation.ActiveSession(ctx, operator.ID)
	if err != nil {
		return nil, types.HTTPErrorFor(err)
	}
	if session == nil {
		return context.WithValue(ctx, ContextKeyUser, operator), nil
	}

	target, err := m.users.GetUserByID(ctx, session.TargetID)
	if err != nil {
		return nil, types.NewHTTPError(http.StatusInternalServerError, "Impersonated user not found", err)
	}

	ctx = context.WithValue(ctx, ContextKeyUser, target)
	ctx = context.WithValue(ctx, ContextKeyImpersonation, session)
	return ctx, nil
}

// RequireAuth returns middleware that requires authentication.
func (m *SessionMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		operator, err := m.Authenticate(r)
		if err != nil {
			types.WriteHTTPError(w, err)
			return
		}

		ctx, err := m.contextWithActor(r.Context(), operator)
		if err != nil {
			types.WriteHTTPError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// RequireAuthHandler wraps an http.Handler with authentication.
// Redirects to /login on authentication failure.
func (m *SessionMiddleware) RequireAuthHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator, err := m.Authenticate(r)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}

		ctx, err := m.contextWithActor(r.Context(), operator)
		if err != nil {
			types.WriteHTTPError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireLevel returns middleware that requires the operator (not the
// impersonated identity) to meet a hierarchy level.
func (m *SessionMiddleware) RequireLevel(minLevel int, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		operator := GetOperatorFromContext(r.Context())
		if operator == nil {
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusUnauthorized, "Authentication required", types.ErrAuthenticationRequired))
			return
		}
		if operator.HierarchyLevel < minLevel {
			log.Error().
				Str("user_id", operator.ID.String()).
				Str("email", operator.Email).
				Int("hierarchy_level", operator.HierarchyLevel).
				Str("path", r.URL.Path).
				Msg("Operator below required hierarchy level")
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusForbidden, "Insufficient privileges", types.ErrAuthorizationDenied))
			return
		}
		next.ServeHTTP(w, r)
	}
}

// GetUserFromContext retrieves the effective user from the request context.
func GetUserFromContext(ctx context.Context) *types.User {
	user, ok := ctx.Value(ContextKeyUser).(*types.User)
	if !ok {
		return nil
	}
	return user
}

// GetOperatorFromContext retrieves the authenticated operator, which is the
// admin behind the session while impersonating.
func GetOperatorFromContext(ctx context.Context) *types.User {
	operator, ok := ctx.Value(ContextKeyOperator).(*types.User)
	if !ok {
		return nil
	}
	return operator
}

// GetImpersonationFromContext returns the active impersonation session, or
// nil when the operator is acting as themself.
func GetImpersonationFromContext(ctx context.Context) *types.ImpersonationSession {
	session, ok := ctx.Value(ContextKeyImpersonation).(*types.ImpersonationSession)
	if !ok {
		return nil
	}
	return session
}

// ActorIDForAudit returns the id every audit record should be attributed to:
// the operator, never the impersonated identity.
func ActorIDForAudit(ctx context.Context) uuid.UUID {
	if operator := GetOperatorFromContext(ctx); operator != nil {
		return operator.ID
	}
	if user := GetUserFromContext(ctx); user != nil {
		return user.ID
	}
	return uuid.Nil
}

// GetClientIP extracts the client IP address from the request.
func GetClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for proxied requests)
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	// Check X-Real-IP header
	realIP := r.Header.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	// Fall back to RemoteAddr
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
