// Package impersonation implements administrative impersonation with a
// durable audit trail: eligibility policy, the session lifecycle state
// machine, the action recorder and the audit reporting queries.
package impersonation

import (
	"context"
	"errors"
	"fmt"

	"github.com/chapterhq/chapterd/database"
	"github.com/chapterhq/chapterd/directory"
	"github.com/chapterhq/chapterd/types"
	"github.com/google/uuid"
)

// Directory is the slice of the member directory the resolver consumes.
type Directory interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*types.User, error)
	SearchUsers(ctx context.Context, excludeID uuid.UUID, filter directory.SearchFilter, page, pageSize int) ([]types.User, int, error)
	RoleOptions(ctx context.Context) ([]types.RoleOption, error)
}

// Policy decides who may impersonate whom. It is an explicit interface so
// future constraints slot in without touching the lifecycle state machine.
type Policy interface {
	// CanImpersonate reports whether the operator may impersonate at all.
	CanImpersonate(admin *types.User) bool

	// Authorize validates a concrete admin/target pair. It returns an error
	// wrapping types.ErrAuthorizationDenied when the pair is not allowed.
	Authorize(admin, target *types.User) error
}

// LevelPolicy is the default hierarchy-level policy: operators at or above
// MinHierarchyLevel may impersonate, targets must rank strictly below the
// operator, and both users must belong to the same chapter when both carry
// one.
type LevelPolicy struct {
	MinHierarchyLevel int
	AllowPeerTargets  bool
	AllowCrossChapter bool
}

// DefaultPolicy returns the production policy (threshold level 6, peers and
// cross-chapter targets disallowed).
func DefaultPolicy() *LevelPolicy {
	return &LevelPolicy{MinHierarchyLevel: 6}
}

// CanImpersonate implements Policy.
func (p *LevelPolicy) CanImpersonate(admin *types.User) bool {
	return admin.HierarchyLevel >= p.MinHierarchyLevel
}

// Authorize implements Policy.
func (p *LevelPolicy) Authorize(admin, target *types.User) error {
	if !p.CanImpersonate(admin) {
		return fmt.Errorf("%w: hierarchy level %d is below threshold %d",
			types.ErrAuthorizationDenied, admin.HierarchyLevel, p.MinHierarchyLevel)
	}
	if admin.ID == target.ID {
		return fmt.Errorf("%w: cannot impersonate yourself", types.ErrAuthorizationDenied)
	}
	if !p.AllowPeerTargets && target.HierarchyLevel >= admin.HierarchyLevel {
		return fmt.Errorf("%w: cannot impersonate a peer or superior", types.ErrAuthorizationDenied)
	}
	if !p.AllowCrossChapter && admin.Chapter != "" && target.Chapter != "" && admin.Chapter != target.Chapter {
		return fmt.Errorf("%w: cannot impersonate outside your chapter", types.ErrAuthorizationDenied)
	}
	return nil
}

// Resolver is the eligibility and permission resolver: it enumerates
// candidate targets, recent history, and answers who may impersonate whom.
type Resolver struct {
	db     *database.Database
	dir    Directory
	policy Policy
}

// NewResolver creates a resolver. A nil policy means DefaultPolicy.
func NewResolver(db *database.Database, dir Directory, policy Policy) *Resolver {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Resolver{db: db, dir: dir, policy: policy}
}

// CanImpersonate reports whether the operator clears the policy threshold.
func (r *Resolver) CanImpersonate(ctx context.Context, adminID uuid.UUID) (bool, error) {
	admin, err := r.dir.GetUserByID(ctx, adminID)
	if errors.Is(err, types.ErrNotFound) {
		return false, fmt.Errorf("%w: unknown operator %s", types.ErrAuthenticationRequired, adminID)
	}
	if err != nil {
		return false, err
	}
	return r.policy.CanImpersonate(admin), nil
}

// Authorize loads both users and applies the policy. The distinction between
// an unknown operator and an unknown target matters to callers: the former
// is an authentication problem, the latter a typed target failure.
func (r *Resolver) Authorize(ctx context.Context, adminID, targetID uuid.UUID) (admin, target *types.User, err error) {
	admin, err = r.dir.GetUserByID(ctx, adminID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: unknown operator %s", types.ErrAuthenticationRequired, adminID)
	}
	if err != nil {
		return nil, nil, err
	}

	target, err = r.dir.GetUserByID(ctx, targetID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", types.ErrTargetNotFound, targetID)
	}
	if err != nil {
		return nil, nil, err
	}

	if err := r.policy.Authorize(admin, target); err != nil {
		return nil, nil, err
	}
	return admin, target, nil
}

// ListImpersonatableUsers returns a page of candidate targets for the
// operator, excluding the operator themself. "No matches" is an empty slice,
// not an error.
func (r *Resolver) ListImpersonatableUsers(ctx context.Context, adminID uuid.UUID, filter directory.SearchFilter, page, pageSize int) ([]types.User, int, error) {
	ok, err := r.CanImpersonate(ctx, adminID)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("%w: hierarchy level below threshold", types.ErrAuthorizationDenied)
	}
	return r.dir.SearchUsers(ctx, adminID, filter, page, pageSize)
}

// ListRoleOptions returns distinct roles with counts, for the filter UI.
func (r *Resolver) ListRoleOptions(ctx context.Context) ([]types.RoleOption, error) {
	return r.dir.RoleOptions(ctx)
}

// ListRecentImpersonations returns the operator's most recent distinct
// targets, newest first, capped at limit. Derived from session history.
func (r *Resolver) ListRecentImpersonations(ctx context.Context, adminID uuid.UUID, limit int) ([]types.RecentImpersonation, error) {
	if limit < 1 {
		limit = 5
	}
	recents := []types.RecentImpersonation{}
	// Selecting the raw started_at column keeps its DATETIME declared type,
	// which the driver needs to hand back a time.Time; an aggregate like
	// MAX(started_at) loses it and scans as a string.
	err := r.db.DB().SelectContext(ctx, &recents, `
		SELECT s.target_id,
			u.display_name AS target_name,
			u.email AS target_email,
			u.role,
			u.chapter,
			s.started_at AS last_impersonated_at,
			(SELECT COUNT(*) FROM impersonation_sessions c
			 WHERE c.admin_id = s.admin_id AND c.target_id = s.target_id) AS session_count
		FROM impersonation_sessions s
		JOIN users u ON u.id = s.target_id
		WHERE s.admin_id = ?
		  AND s.started_at = (SELECT MAX(m.started_at) FROM impersonation_sessions m
		                      WHERE m.admin_id = s.admin_id AND m.target_id = s.target_id)
		GROUP BY s.target_id
		ORDER BY s.started_at DESC
		LIMIT ?`, adminID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	return recents, nil
}
