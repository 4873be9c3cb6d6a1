// Package directory provides the member and role directory the impersonation
// core consumes: profile lookup, hierarchy levels, and the filtered user
// listings behind the target picker.
package directory

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
)

// SearchFilter narrows a user listing. Search does a case-insensitive
// substring match on name, email and role; Role is an exact match.
type SearchFilter struct {
	Search string
	Role   string
}

// Store is the SQL-backed directory.
type Store struct {
	db *database.Database
}

// NewStore creates a directory store on top of the shared database.
func NewStore(db *database.Database) *Store {
	return &Store{db: db}
}

const userColumns = `
	u.id, u.email, u.name, u.display_name, u.profile_pic_url,
	u.provider_identifier, u.role, u.chapter, u.last_login,
	u.created_at, u.modified_at, u.deleted_at,
	COALESCE(r.hierarchy_level, 1) AS hierarchy_level`

// GetUserByID returns the user with the given id, joined with their role's
// hierarchy level. Soft-deleted users are not returned.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*types.User, error) {
	var user types.User
	err := s.db.DB().GetContext(ctx, &user, `
		SELECT `+userColumns+`
		FROM users u
		LEFT JOIN roles r ON r.name = u.role
		WHERE u.id = ? AND u.deleted_at IS NULL`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	return &user, nil
}

// SearchUsers returns a page of users matching the filter, excluding
// excludeID, ordered by name (id as tiebreak for stable pagination), plus
// the total match count.
func (s *Store) SearchUsers(ctx context.Context, excludeID uuid.UUID, filter SearchFilter, page, pageSize int) ([]types.User, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	where := []string{"u.deleted_at IS NULL", "u.id != ?"}
	args := []any{excludeID.String()}

	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		where = append(where, `(instr(lower(u.name), ?) > 0
			OR instr(lower(u.display_name), ?) > 0
			OR instr(lower(u.email), ?) > 0
			OR instr(lower(u.role), ?) > 0)`)
		args = append(args, needle, needle, needle, needle)
	}
	if filter.Role != "" {
		where = append(where, "u.role = ?")
		args = append(args, filter.Role)
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	err := s.db.DB().GetContext(ctx, &total,
		"SELECT COUNT(*) FROM users u WHERE "+whereClause, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}

	query := `
		SELECT ` + userColumns + `
		FROM users u
		LEFT JOIN roles r ON r.name = u.role
		WHERE ` + whereClause + `
		ORDER BY u.name, u.id
		LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	users := []types.User{}
	if err := s.db.DB().SelectContext(ctx, &users, query, args...); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	return users, total, nil
}

// RoleOptions returns the distinct roles in use with their member counts,
// ordered by role name.
func (s *Store) RoleOptions(ctx context.Context) ([]types.RoleOption, error) {
	options := []types.RoleOption{}
	err := s.db.DB().SelectContext(ctx, &options, `
		SELECT role AS role_name, COUNT(*) AS user_count
		FROM users
		WHERE deleted_at IS NULL
		GROUP BY role
		ORDER BY role`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	return options, nil
}

// UpsertRole creates or updates a role's hierarchy level.
func (s *Store) UpsertRole(ctx context.Context, role types.Role) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO roles (name, hierarchy_level) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET hierarchy_level = excluded.hierarchy_level`,
		role.Name, role.HierarchyLevel)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	return nil
}

// CreateUser inserts a user row. Role and chapter default when empty.
func (s *Store) CreateUser(ctx context.Context, user *types.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Role == "" {
		user.Role = "member"
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.ModifiedAt = now
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO users (id, email, name, display_name, profile_pic_url,
			provider_identifier, role, chapter, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID.String(), user.Email, user.Name, user.DisplayName, user.ProfilePicURL,
		user.ProviderIdentifier, user.Role, user.Chapter, user.CreatedAt, user.ModifiedAt)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	return nil
}

// CreateOrUpdateUserFromClaim matches a user by provider identifier (or
// verified email on first OIDC login) and syncs their profile fields.
func (s *Store) CreateOrUpdateUserFromClaim(ctx context.Context, claims *types.OIDCClaims) (*types.User, error) {
	var user types.User
	err := s.db.DB().GetContext(ctx, &user, `
		SELECT `+userColumns+`
		FROM users u
		LEFT JOIN roles r ON r.name = u.role
		WHERE u.provider_identifier = ? AND u.deleted_at IS NULL`,
		claims.Identifier())
	if errors.Is(err, sql.ErrNoRows) && claims.Email != "" {
		err = s.db.DB().GetContext(ctx, &user, `
			SELECT `+userColumns+`
			FROM users u
			LEFT JOIN roles r ON r.name = u.role
			WHERE u.email = ? AND u.deleted_at IS NULL`, claims.Email)
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		user = types.User{}
		user.FromClaim(claims)
		if err := s.CreateUser(ctx, &user); err != nil {
			return nil, err
		}
		return s.GetUserByID(ctx, user.ID)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}

	user.FromClaim(claims)
	_, err = s.db.DB().ExecContext(ctx, `
		UPDATE users
		SET email = ?, name = ?, display_name = ?, profile_pic_url = ?,
			provider_identifier = ?, modified_at = ?
		WHERE id = ?`,
		user.Email, user.Name, user.DisplayName, user.ProfilePicURL,
		user.ProviderIdentifier, time.Now().UTC(), user.ID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	return s.GetUserByID(ctx, user.ID)
}

// UpdateLastLogin stamps the user's last login time.
func (s *Store) UpdateLastLogin(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.DB().ExecContext(ctx,
		"UPDATE users SET last_login = ? WHERE id = ?",
		time.Now().UTC(), userID.String())
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	return nil
}
