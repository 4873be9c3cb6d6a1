package impersonation

import (
	"context"
	"testing"
	"time"

	"github.com/chapterhq/chapterd/database"
	"github.com/chapterhq/chapterd/directory"
	"github.com/chapterhq/chapterd/types"
	"github.com/google/uuid"
)

var testEpoch = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

type testEnv struct {
	db  *database.Database
	dir *directory.Store

	admin  *types.User // organizer, level 8
	peer   *types.User // organizer, level 8
	member *types.User // member, level 1
	second *types.User // member, level 1
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dir := directory.NewStore(db)
	ctx := context.Background()

	for _, role := range []types.Role{
		{Name: "member", HierarchyLevel: 1},
		{Name: "organizer", HierarchyLevel: 8},
	} {
		if err := dir.UpsertRole(ctx, role); err != nil {
			t.Fatalf("seeding role %s: %v", role.Name, err)
		}
	}

	env := &testEnv{db: db, dir: dir}
	env.admin = env.seedUser(t, "Avery Admin", "avery@chapter.example", "organizer", "amsterdam")
	env.peer = env.seedUser(t, "Pat Peer", "pat@chapter.example", "organizer", "amsterdam")
	env.member = env.seedUser(t, "Morgan Member", "morgan@chapter.example", "member", "amsterdam")
	env.second = env.seedUser(t, "Sam Second", "sam@chapter.example", "member", "amsterdam")
	return env
}

func (e *testEnv) seedUser(t *testing.T, name, email, role, chapter string) *types.User {
	t.Helper()
	user := &types.User{
		ID:          uuid.New(),
		Email:       email,
		Name:        name,
		DisplayName: name,
		Role:        role,
		Chapter:     chapter,
	}
	if err := e.dir.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("seeding user %s: %v", email, err)
	}
	loaded, err := e.dir.GetUserByID(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("reloading user %s: %v", email, err)
	}
	return loaded
}

func (e *testEnv) manager(t *testing.T, at time.Time) *Manager {
	t.Helper()
	mgr := NewManager(e.db, NewResolver(e.db, e.dir, nil))
	mgr.now = fixedClock(at)
	return mgr
}

func (e *testEnv) activeCount(t *testing.T) int {
	t.Helper()
	var n int
	err := e.db.DB().Get(&n,
		"SELECT COUNT(*) FROM impersonation_sessions WHERE ended_at IS NULL")
	if err != nil {
		t.Fatalf("counting active sessions: %v", err)
	}
	return n
}
