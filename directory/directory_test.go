package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/chapterhq/chapterd/database"
	"github.com/chapterhq/chapterd/types"
	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	ctx := context.Background()
	for _, role := range []types.Role{
		{Name: "member", HierarchyLevel: 1},
		{Name: "organizer", HierarchyLevel: 8},
	} {
		if err := store.UpsertRole(ctx, role); err != nil {
			t.Fatalf("seeding role: %v", err)
		}
	}
	return store
}

func seedUser(t *testing.T, store *Store, name, email, role, chapter string) *types.User {
	t.Helper()
	user := &types.User{
		ID:          uuid.New(),
		Email:       email,
		Name:        name,
		DisplayName: name,
		Role:        role,
		Chapter:     chapter,
	}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("seeding %s: %v", email, err)
	}
	return user
}

func TestGetUserByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seeded := seedUser(t, store, "Avery", "avery@chapter.example", "organizer", "amsterdam")

	user, err := store.GetUserByID(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if user.HierarchyLevel != 8 {
		t.Errorf("hierarchy_level = %d, want 8 from role join", user.HierarchyLevel)
	}
	if user.Chapter != "amsterdam" {
		t.Errorf("chapter = %q", user.Chapter)
	}

	if _, err := store.GetUserByID(ctx, uuid.New()); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown user: err = %v, want ErrNotFound", err)
	}
}

func TestSearchUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	operator := seedUser(t, store, "Avery", "avery@chapter.example", "organizer", "amsterdam")
	seedUser(t, store, "Bella", "bella@chapter.example", "member", "amsterdam")
	seedUser(t, store, "Carla", "carla@chapter.example", "member", "amsterdam")
	seedUser(t, store, "Dario", "dario@chapter.example", "organizer", "berlin")

	t.Run("excludes operator and orders by name", func(t *testing.T) {
		users, total, err := store.SearchUsers(ctx, operator.ID, SearchFilter{}, 1, 10)
		if err != nil {
			t.Fatalf("SearchUsers: %v", err)
		}
		if total != 3 || len(users) != 3 {
			t.Fatalf("total = %d len = %d, want 3", total, len(users))
		}
		if users[0].Name != "Bella" || users[2].Name != "Dario" {
			t.Errorf("order = %s..%s, want Bella..Dario", users[0].Name, users[2].Name)
		}
	})

	t.Run("case-insensitive substring", func(t *testing.T) {
		users, total, err := store.SearchUsers(ctx, operator.ID, SearchFilter{Search: "CARL"}, 1, 10)
		if err != nil {
			t.Fatalf("SearchUsers: %v", err)
		}
		if total != 1 || users[0].Name != "Carla" {
			t.Errorf("search CARL: total = %d users = %v", total, users)
		}
	})

	t.Run("role filter", func(t *testing.T) {
		_, total, err := store.SearchUsers(ctx, operator.ID, SearchFilter{Role: "member"}, 1, 10)
		if err != nil {
			t.Fatalf("SearchUsers: %v", err)
		}
		if total != 2 {
			t.Errorf("members = %d, want 2", total)
		}
	})

	t.Run("pagination keeps total", func(t *testing.T) {
		users, total, err := store.SearchUsers(ctx, operator.ID, SearchFilter{}, 2, 2)
		if err != nil {
			t.Fatalf("SearchUsers: %v", err)
		}
		if total != 3 || len(users) != 1 {
			t.Errorf("page 2: total = %d len = %d, want 3 and 1", total, len(users))
		}
	})

	t.Run("no matches is empty not error", func(t *testing.T) {
		users, total, err := store.SearchUsers(ctx, operator.ID, SearchFilter{Search: "zzz"}, 1, 10)
		if err != nil {
			t.Fatalf("SearchUsers: %v", err)
		}
		if total != 0 || len(users) != 0 {
			t.Errorf("total = %d len = %d, want 0", total, len(users))
		}
	})
}

func TestRoleOptions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedUser(t, store, "Avery", "avery@chapter.example", "organizer", "")
	seedUser(t, store, "Bella", "bella@chapter.example", "member", "")
	seedUser(t, store, "Carla", "carla@chapter.example", "member", "")

	options, err := store.RoleOptions(ctx)
	if err != nil {
		t.Fatalf("RoleOptions: %v", err)
	}
	if len(options) != 2 {
		t.Fatalf("len(options) = %d, want 2", len(options))
	}
	if options[0].RoleName != "member" || options[0].UserCount != 2 {
		t.Errorf("options[0] = %+v", options[0])
	}
	if options[1].RoleName != "organizer" || options[1].UserCount != 1 {
		t.Errorf("options[1] = %+v", options[1])
	}
}

func TestCreateOrUpdateUserFromClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	claims := &types.OIDCClaims{
		Sub:           "abc-123",
		Iss:           "https://idp.example",
		Email:         "new@chapter.example",
		EmailVerified: true,
		Name:          "New Person",
		Username:      "newperson",
	}

	created, err := store.CreateOrUpdateUserFromClaim(ctx, claims)
	if err != nil {
		t.Fatalf("create from claim: %v", err)
	}
	if created.Email != "new@chapter.example" {
		t.Errorf("email = %q", created.Email)
	}
	if created.Role != "member" {
		t.Errorf("role = %q, want default member", created.Role)
	}

	// A later login with the same subject updates the profile in place.
	claims.Name = "Renamed Person"
	updated, err := store.CreateOrUpdateUserFromClaim(ctx, claims)
	if err != nil {
		t.Fatalf("update from claim: %v", err)
	}
	if updated.ID != created.ID {
		t.Errorf("id changed across logins: %s then %s", created.ID, updated.ID)
	}
	if updated.DisplayName != "Renamed Person" {
		t.Errorf("display_name = %q", updated.DisplayName)
	}
}

func TestCreateOrUpdateUserFromClaimMatchesByEmail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	existing := seedUser(t, store, "Avery", "avery@chapter.example", "organizer", "amsterdam")

	claims := &types.OIDCClaims{
		Sub:           "idp-sub-1",
		Iss:           "https://idp.example",
		Email:         "avery@chapter.example",
		EmailVerified: true,
		Name:          "Avery A.",
		Username:      "avery",
	}
	matched, err := store.CreateOrUpdateUserFromClaim(ctx, claims)
	if err != nil {
		t.Fatalf("CreateOrUpdateUserFromClaim: %v", err)
	}
	if matched.ID != existing.ID {
		t.Errorf("matched %s, want pre-provisioned %s", matched.ID, existing.ID)
	}
	if matched.Role != "organizer" {
		t.Errorf("role = %q, directory-managed role must survive login", matched.Role)
	}
}
