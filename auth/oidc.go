package auth

import (
	"cmp"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/chapterhq/chapterd/types"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	// OIDCCallbackPath is the default callback path for OIDC.
	OIDCCallbackPath = "/api/oidc/callback"
)

// OIDCProvider handles OIDC authentication.
type OIDCProvider struct {
	serverURL    string
	config       types.OIDCConfig
	callbackPath string

	verifier     *oidc.IDTokenVerifier
	provider     *oidc.Provider
	oauth2Config *oauth2.Config
}

// OIDCProviderConfig holds configuration for creating an OIDC provider.
type OIDCProviderConfig struct {
	ServerURL    string
	OIDCConfig   types.OIDCConfig
	CallbackPath string
}

// NewOIDCProvider creates a new OIDC provider.
func NewOIDCProvider(ctx context.Context, cfg OIDCProviderConfig) (*OIDCProvider, error) {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = OIDCCallbackPath
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCConfig.Issuer)
	if err != nil {
		return nil, fmt.Errorf("creating OIDC provider from issuer config: %w", err)
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.OIDCConfig.ClientID,
		ClientSecret: cfg.OIDCConfig.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL: fmt.Sprintf(
			"%s%s",
			strings.TrimSuffix(cfg.ServerURL, "/"),
			cfg.CallbackPath,
		),
		Scopes: cfg.OIDCConfig.Scopes,
	}

	// Microsoft Entra ID requires skipping signature check
	verifier := provider.Verifier(&oidc.Config{
		ClientID:                   cfg.OIDCConfig.ClientID,
		InsecureSkipSignatureCheck: strings.Contains(cfg.OIDCConfig.Issuer, "microsoft"),
	})

	return &OIDCProvider{
		serverURL:    cfg.ServerURL,
		config:       cfg.OIDCConfig,
		callbackPath: cfg.CallbackPath,
		provider:     provider,
		oauth2Config: oauth2Config,
		verifier:     verifier,
	}, nil
}

// CallbackPath returns the OIDC callback path.
func (p *OIDCProvider) CallbackPath() string {
	return p.callbackPath
}

// AuthCodeURL generates the authorization URL for the OIDC flow.
func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.oauth2Config.AuthCodeURL(state, oidc.Nonce(nonce))
}

// Exchange exchanges an authorization code for tokens.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.oauth2Config.Exchange(ctx, code)
}

// ProcessCallback verifies the exchanged token and returns claims,
// supplemented from the userinfo endpoint when available.
func (p *OIDCProvider) ProcessCallback(ctx context.Context, expectedNonce string, token *oauth2.Token) (*types.OIDCClaims, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("missing id token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("unable to verify id token: %w", err)
	}

	if idToken.Nonce != expectedNonce {
		return nil, fmt.Errorf("nonce did not match")
	}

	var claims types.OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding ID token claims: %w", err)
	}

	userinfo, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		log.Warn().Err(err).Msg("could not get userinfo; only checking claim")
	}

	if userinfo != nil && userinfo.Subject == claims.Sub {
		claims.Email = cmp.Or(claims.Email, userinfo.Email)
		claims.EmailVerified = cmp.Or(claims.EmailVerified, types.FlexibleBoolean(userinfo.EmailVerified))

		var extra types.OIDCUserInfo
		if err := userinfo.Claims(&extra); err == nil {
			claims.Username = cmp.Or(claims.Username, extra.PreferredUsername)
			claims.Name = cmp.Or(claims.Name, extra.Name)
			claims.ProfilePictureURL = cmp.Or(claims.ProfilePictureURL, extra.Picture)
		}
	}

	return &claims, nil
}

// GenerateRandomState generates a secure random state string for OIDC flows.
func GenerateRandomState() (string, error) {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	if err != nil {
		return "", fmt.Errorf("generating random state: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// OIDCHandlers provides HTTP handlers for OIDC authentication.
type OIDCHandlers struct {
	provider      *OIDCProvider
	sessionStore  sessions.Store
	cookieName    string
	users         UserStore
	impersonation ImpersonationService
}

// NewOIDCHandlers creates new OIDC handlers.
func NewOIDCHandlers(provider *OIDCProvider, sessionStore sessions.Store, cookieName string, users UserStore, impersonation ImpersonationService) *OIDCHandlers {
	return &OIDCHandlers{
		provider:      provider,
		sessionStore:  sessionStore,
		cookieName:    cookieName,
		users:         users,
		impersonation: impersonation,
	}
}

// LoginHandler redirects to the OIDC provider for authentication.
func (h *OIDCHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	state, err := GenerateRandomState()
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	nonce, err := GenerateRandomState()
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	session.Values["state"] = state
	session.Values["nonce"] = nonce

	if err := session.Save(r, w); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	authURL := h.provider.AuthCodeURL(state, nonce)
	log.Debug().Str("url", authURL).Msg("Redirecting to OIDC provider")
	http.Redirect(w, r, authURL, http.StatusFound)
}

// CallbackHandler handles the OIDC callback.
func (h *OIDCHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	session, err := h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	expectedState, ok := session.Values["state"].(string)
	if !ok || r.URL.Query().Get("state") != expectedState {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid state parameter", nil))
		return
	}

	expectedNonce, ok := session.Values["nonce"].(string)
	if !ok {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Nonce not found", nil))
		return
	}

	// Clear state and nonce to prevent replay attacks
	delete(session.Values, "state")
	delete(session.Values, "nonce")
	if err := session.Save(r, w); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	token, err := h.provider.Exchange(ctx, r.URL.Query().Get("code"))
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Unable to exchange authorization code", err))
		return
	}

	claims, err := h.provider.ProcessCallback(ctx, expectedNonce, token)
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Failed to process OIDC callback", err))
		return
	}

	user, err := h.users.CreateOrUpdateUserFromClaim(ctx, claims)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	if err := h.users.UpdateLastLogin(ctx, user.ID); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	log.Info().
		Str("user_id", user.ID.String()).
		Str("email", user.Email).
		Str("ip", GetClientIP(r)).
		Msg("User logged in")

	session, err = h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	session.Values["logged"] = true
	session.Values["user_id"] = user.ID.String()

	if err := session.Save(r, w); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

// LogoutHandler handles logout. Any active impersonation session is ended
// with reason logout before the cookie is cleared.
func (h *OIDCHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	session, err := h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	var userID uuid.UUID
	if idStr, ok := session.Values["user_id"].(string); ok {
		userID, _ = uuid.Parse(idStr)
	}

	if h.impersonation != nil && userID != uuid.Nil {
		if ended, err := h.impersonation.EndActive(ctx, userID, types.EndReasonLogout); err != nil {
			// The cookie is still cleared; the sweep or the next access
			// will close the session.
			log.Error().Err(err).
				Str("user_id", userID.String()).
				Msg("Failed to end impersonation session on logout")
		} else if ended != nil {
			log.Info().
				Str("session_id", ended.ID.String()).
				Str("user_id", userID.String()).
				Msg("Impersonation ended by logout")
		}
	}

	delete(session.Values, "logged")
	delete(session.Values, "user_id")

	if err := session.Save(r, w); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"message": "Logged out successfully",
	})
}

// SessionCheckHandler checks the current session status.
func (h *OIDCHandlers) SessionCheckHandler(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Failed to get session", err))
		return
	}

	writeUnauthenticated := func(reason string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(&types.SessionResponse{
			Authenticated: false,
			Reason:        reason,
		})
	}

	logged, ok := session.Values["logged"].(bool)
	if !ok || !logged {
		reason := "not_authenticated"
		if session.IsNew {
			reason = "session_expired"
		}
		writeUnauthenticated(reason)
		return
	}

	userIDStr, ok := session.Values["user_id"].(string)
	if !ok {
		delete(session.Values, "logged")
		delete(session.Values, "user_id")
		session.Save(r, w)
		writeUnauthenticated("session_corrupted")
		return
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		delete(session.Values, "logged")
		delete(session.Values, "user_id")
		session.Save(r, w)
		writeUnauthenticated("session_corrupted")
		return
	}

	user, err := h.users.GetUserByID(r.Context(), userID)
	if err != nil {
		delete(session.Values, "logged")
		delete(session.Values, "user_id")
		session.Save(r, w)
		writeUnauthenticated("user_not_found")
		return
	}

	response := &types.SessionResponse{
		Authenticated: true,
		User:          user,
	}

	// Include impersonation state if active
	if h.impersonation != nil {
		if active, err := h.impersonation.ActiveSession(r.Context(), user.ID); err == nil && active != nil {
			target, err := h.users.GetUserByID(r.Context(), active.TargetID)
			if err == nil {
				response.Impersonation = &types.ImpersonationStatus{
					SessionID:      active.ID,
					TargetUserID:   target.ID,
					TargetName:     target.DisplayName,
					TargetEmail:    target.Email,
					Reason:         active.Reason.String,
					StartedAt:      active.StartedAt,
					ExpiresAt:      active.Deadline(),
					TimeoutMinutes: active.TimeoutMinutes,
				}
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}
