package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chapterhq/chapterd/types"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

type fakeUsers struct {
	users map[uuid.UUID]*types.User
}

func (f *fakeUsers) GetUserByID(_ context.Context, userID uuid.UUID) (*types.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", types.ErrNotFound, userID)
	}
	return user, nil
}

func (f *fakeUsers) CreateOrUpdateUserFromClaim(context.Context, *types.OIDCClaims) (*types.User, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeUsers) UpdateLastLogin(context.Context, uuid.UUID) error { return nil }

type fakeImpersonation struct {
	session     *types.ImpersonationSession
	endedReason types.EndReason
}

func (f *fakeImpersonation) ActiveSession(_ context.Context, adminID uuid.UUID) (*types.ImpersonationSession, error) {
	if f.session != nil && f.session.AdminID == adminID {
		return f.session, nil
	}
	return nil, nil
}

func (f *fakeImpersonation) EndActive(_ context.Context, adminID uuid.UUID, reason types.EndReason) (*types.ImpersonationSession, error) {
	f.endedReason = reason
	ended := f.session
	f.session = nil
	return ended, nil
}

const testCookieName = "chapterd_session"

// loggedInRequest builds a request carrying a valid session cookie for userID.
func loggedInRequest(t *testing.T, store sessions.Store, userID uuid.UUID) *http.Request {
	t.Helper()
	seed := httptest.NewRequest(http.MethodGet, "/", nil)
	session, err := store.Get(seed, testCookieName)
	if err != nil {
		t.Fatalf("getting session: %v", err)
	}
	session.Values["logged"] = true
	session.Values["user_id"] = userID.String()

	rec := httptest.NewRecorder()
	if err := session.Save(seed, rec); err != nil {
		t.Fatalf("saving session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/impersonate/status", nil)
	for _, cookie := range rec.Result().Cookies() {
		req.AddCookie(cookie)
	}
	return req
}

func newTestMiddleware(users *fakeUsers, imp *fakeImpersonation) (*SessionMiddleware, sessions.Store) {
	store := sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef"))
	return NewSessionMiddleware(store, testCookieName, users, imp), store
}

func TestRequireAuthRejectsMissingSession(t *testing.T) {
	mw, _ := newTestMiddleware(&fakeUsers{}, &fakeImpersonation{})

	handler := mw.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without authentication")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireAuthResolvesOperator(t *testing.T) {
	operator := &types.User{ID: uuid.New(), Email: "avery@chapter.example", HierarchyLevel: 8}
	users := &fakeUsers{users: map[uuid.UUID]*types.User{operator.ID: operator}}
	mw, store := newTestMiddleware(users, &fakeImpersonation{})

	var gotUser, gotOperator *types.User
	handler := mw.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		gotUser = GetUserFromContext(r.Context())
		gotOperator = GetOperatorFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	handler(rec, loggedInRequest(t, store, operator.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotUser == nil || gotUser.ID != operator.ID {
		t.Errorf("effective user = %v, want operator", gotUser)
	}
	if gotOperator == nil || gotOperator.ID != operator.ID {
		t.Errorf("operator = %v", gotOperator)
	}
	if GetImpersonationFromContext(context.Background()) != nil {
		t.Error("impersonation set on empty context")
	}
}

// While a durable impersonation session is active, the effective user swaps
// to the target but the operator and audit attribution stay the admin.
func TestRequireAuthSwapsEffectiveUserDuringImpersonation(t *testing.T) {
	operator := &types.User{ID: uuid.New(), Email: "avery@chapter.example", HierarchyLevel: 8}
	target := &types.User{ID: uuid.New(), Email: "morgan@chapter.example", HierarchyLevel: 1}
	users := &fakeUsers{users: map[uuid.UUID]*types.User{operator.ID: operator, target.ID: target}}

	imp := &fakeImpersonation{session: &types.ImpersonationSession{
		ID:             uuid.New(),
		AdminID:        operator.ID,
		TargetID:       target.ID,
		StartedAt:      time.Now().UTC(),
		TimeoutMinutes: 30,
	}}
	mw, store := newTestMiddleware(users, imp)

	var gotUser, gotOperator *types.User
	var gotSession *types.ImpersonationSession
	var auditID uuid.UUID
	handler := mw.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		gotUser = GetUserFromContext(r.Context())
		gotOperator = GetOperatorFromContext(r.Context())
		gotSession = GetImpersonationFromContext(r.Context())
		auditID = ActorIDForAudit(r.Context())
	})

	rec := httptest.NewRecorder()
	handler(rec, loggedInRequest(t, store, operator.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotUser == nil || gotUser.ID != target.ID {
		t.Errorf("effective user = %v, want target", gotUser)
	}
	if gotOperator == nil || gotOperator.ID != operator.ID {
		t.Errorf("operator = %v, want admin", gotOperator)
	}
	if gotSession == nil || gotSession.ID != imp.session.ID {
		t.Errorf("impersonation session = %v", gotSession)
	}
	if auditID != operator.ID {
		t.Errorf("audit actor = %s, want operator %s", auditID, operator.ID)
	}
}

func TestRequireLevel(t *testing.T) {
	operator := &types.User{ID: uuid.New(), HierarchyLevel: 3}
	mw, _ := newTestMiddleware(&fakeUsers{}, &fakeImpersonation{})

	handler := mw.RequireLevel(6, func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached below required level")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), ContextKeyOperator, operator))
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}
