package impersonation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chapterhq/chapterd/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStartCreatesActiveSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mgr := env.manager(t, testEpoch)

	session, err := mgr.Start(ctx, env.admin.ID, env.member.ID, "support ticket 77", 30)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !session.Active() {
		t.Error("new session should be active")
	}
	if session.TimeoutMinutes != 30 {
		t.Errorf("timeout = %d, want 30", session.TimeoutMinutes)
	}
	if got := session.Reason.String; got != "support ticket 77" {
		t.Errorf("reason = %q", got)
	}

	active, err := mgr.ActiveSession(ctx, env.admin.ID)
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if active == nil || active.ID != session.ID {
		t.Fatalf("ActiveSession = %v, want %s", active, session.ID)
	}
}

func TestStartRejectsTimeoutOutsideAllowedSet(t *testing.T) {
	env := newTestEnv(t)
	mgr := env.manager(t, testEpoch)

	for _, timeout := range []int{0, -15, 45, 481} {
		_, err := mgr.Start(context.Background(), env.admin.ID, env.member.ID, "", timeout)
		if !errors.Is(err, types.ErrBadRequest) {
			t.Errorf("timeout %d: err = %v, want ErrBadRequest", timeout, err)
		}
	}
	if n := env.activeCount(t); n != 0 {
		t.Errorf("active sessions after rejected starts = %d, want 0", n)
	}
}

func TestStartAuthorizationFailures(t *testing.T) {
	env := newTestEnv(t)
	other := env.seedUser(t, "Olly Other", "olly@other.example", "member", "berlin")

	tests := []struct {
		name    string
		adminID uuid.UUID
		target  uuid.UUID
		wantErr error
	}{
		{"unknown operator", uuid.New(), env.member.ID, types.ErrAuthenticationRequired},
		{"unknown target", env.admin.ID, uuid.New(), types.ErrTargetNotFound},
		{"operator below threshold", env.member.ID, env.second.ID, types.ErrAuthorizationDenied},
		{"self target", env.admin.ID, env.admin.ID, types.ErrAuthorizationDenied},
		{"peer target", env.admin.ID, env.peer.ID, types.ErrAuthorizationDenied},
		{"cross-chapter target", env.admin.ID, other.ID, types.ErrAuthorizationDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := env.manager(t, testEpoch)
			_, err := mgr.Start(context.Background(), tt.adminID, tt.target, "", 30)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if n := env.activeCount(t); n != 0 {
		t.Errorf("active sessions after failed starts = %d, want 0", n)
	}
}

// Starting while a session is already active must supersede it in the same
// transaction: the old row turns terminal with reason new_session and exactly
// one active row remains.
func TestStartSupersedesActiveSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mgr := env.manager(t, testEpoch)
	first, err := mgr.Start(ctx, env.admin.ID, env.member.ID, "", 60)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}

	mgr.now = fixedClock(testEpoch.Add(10 * time.Minute))
	second, err := mgr.Start(ctx, env.admin.ID, env.second.ID, "", 30)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}

	ended, err := mgr.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get superseded: %v", err)
	}
	if ended.Active() {
		t.Fatal("superseded session still active")
	}
	if got := ended.EndReason.String; got != string(types.EndReasonNewSession) {
		t.Errorf("end_reason = %q, want new_session", got)
	}
	if got := ended.DurationMinutes.Int64; got != 10 {
		t.Errorf("duration_minutes = %d, want 10", got)
	}

	if n := env.activeCount(t); n != 1 {
		t.Fatalf("active sessions = %d, want 1", n)
	}
	active, err := mgr.ActiveSession(ctx, env.admin.ID)
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if active.ID != second.ID || active.TargetID != env.second.ID {
		t.Errorf("active session = %s targeting %s, want %s targeting %s",
			active.ID, active.TargetID, second.ID, env.second.ID)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mgr := env.manager(t, testEpoch)
	session, err := mgr.Start(ctx, env.admin.ID, env.member.ID, "", 30)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	mgr.now = fixedClock(testEpoch.Add(20*time.Minute + 45*time.Second))
	ended, err := mgr.End(ctx, session.ID, types.EndReasonManual)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if got := ended.DurationMinutes.Int64; got != 20 {
		t.Errorf("duration_minutes = %d, want 20 (floored)", got)
	}

	// A second End with a different reason must not rewrite the terminal row.
	mgr.now = fixedClock(testEpoch.Add(40 * time.Minute))
	again, err := mgr.End(ctx, session.ID, types.EndReasonTimeout)
	if err != nil {
		t.Fatalf("second End: %v", err)
	}
	if got := again.EndReason.String; got != string(types.EndReasonManual) {
		t.Errorf("end_reason after repeat End = %q, want manual", got)
	}
	if got := again.DurationMinutes.Int64; got != 20 {
		t.Errorf("duration_minutes after repeat End = %d, want 20", got)
	}
}

// The ended counter must move once per persisted end, after the transaction
// commits: a repeat End on a terminal session changes nothing and must not
// count again.
func TestEndCountsOnlyPersistedEnds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mgr := env.manager(t, testEpoch)
	session, err := mgr.Start(ctx, env.admin.ID, env.member.ID, "", 30)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	manualEnded := sessionsEndedTotal.WithLabelValues(string(types.EndReasonManual))
	before := testutil.ToFloat64(manualEnded)

	mgr.now = fixedClock(testEpoch.Add(5 * time.Minute))
	if _, err := mgr.End(ctx, session.ID, types.EndReasonManual); err != nil {
		t.Fatalf("End: %v", err)
	}
	if got := testutil.ToFloat64(manualEnded) - before; got != 1 {
		t.Errorf("ended counter moved by %v after End, want 1", got)
	}

	if _, err := mgr.End(ctx, session.ID, types.EndReasonManual); err != nil {
		t.Fatalf("repeat End: %v", err)
	}
	if got := testutil.ToFloat64(manualEnded) - before; got != 1 {
		t.Errorf("ended counter moved by %v after repeat End, want 1", got)
	}
}

func TestEndValidation(t *testing.T) {
	env := newTestEnv(t)
	mgr := env.manager(t, testEpoch)

	if _, err := mgr.End(context.Background(), uuid.New(), types.EndReasonManual); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("unknown session: err = %v, want ErrSessionNotFound", err)
	}
	if _, err := mgr.End(context.Background(), uuid.New(), types.EndReason("crashed")); !errors.Is(err, types.ErrBadRequest) {
		t.Errorf("invalid reason: err = %v, want ErrBadRequest", err)
	}
}

// A session past its deadline is closed on the next access with reason
// timeout; no background process is required for correctness.
func TestActiveSessionClosesExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mgr := env.manager(t, testEpoch)
	session, err := mgr.Start(ctx, env.admin.ID, env.member.ID, "", 15)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	mgr.now = fixedClock(testEpoch.Add(45 * time.Minute))
	active, err := mgr.ActiveSession(ctx, env.admin.ID)
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if active != nil {
		t.Fatalf("expired session still reported active: %v", active)
	}

	closed, err := mgr.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := closed.EndReason.String; got != string(types.EndReasonTimeout) {
		t.Errorf("end_reason = %q, want timeout", got)
	}
	if got := closed.DurationMinutes.Int64; got != 45 {
		t.Errorf("duration_minutes = %d, want 45", got)
	}
}

func TestEndActiveWithoutSessionIsNoop(t *testing.T) {
	env := newTestEnv(t)
	mgr := env.manager(t, testEpoch)

	session, err := mgr.EndActive(context.Background(), env.admin.ID, types.EndReasonLogout)
	if err != nil {
		t.Fatalf("EndActive: %v", err)
	}
	if session != nil {
		t.Errorf("EndActive without active session = %v, want nil", session)
	}
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mgr := env.manager(t, testEpoch)
	expiring, err := mgr.Start(ctx, env.admin.ID, env.member.ID, "", 15)
	if err != nil {
		t.Fatalf("Start expiring: %v", err)
	}
	longLived, err := mgr.Start(ctx, env.peer.ID, env.second.ID, "", 480)
	if err != nil {
		t.Fatalf("Start long-lived: %v", err)
	}

	mgr.now = fixedClock(testEpoch.Add(time.Hour))
	closed, err := mgr.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if closed != 1 {
		t.Errorf("closed = %d, want 1", closed)
	}

	swept, err := mgr.Get(ctx, expiring.ID)
	if err != nil {
		t.Fatalf("Get swept: %v", err)
	}
	if got := swept.EndReason.String; got != string(types.EndReasonTimeout) {
		t.Errorf("end_reason = %q, want timeout", got)
	}

	still, err := mgr.ActiveSession(ctx, env.peer.ID)
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if still == nil || still.ID != longLived.ID {
		t.Errorf("long-lived session not preserved: %v", still)
	}
}
