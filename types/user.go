// Package types provides the data model shared across chapterd packages.
package types

import (
	"database/sql"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is an entry in the role directory. HierarchyLevel is the integer
// seniority ranking used as the primary authorization gate for impersonation.
type Role struct {
	Name           string `db:"name" json:"name"`
	HierarchyLevel int    `db:"hierarchy_level" json:"hierarchy_level"`
}

// RoleOption is a distinct role with its member count, for filter UIs.
type RoleOption struct {
	RoleName  string `db:"role_name" json:"role_name"`
	UserCount int    `db:"user_count" json:"user_count"`
}

// User represents a chapter member or operator.
type User struct {
	ID                 uuid.UUID      `db:"id" json:"id"`
	Email              string         `db:"email" json:"email"`
	Name               string         `db:"name" json:"name"`
	DisplayName        string         `db:"display_name" json:"display_name"`
	ProfilePicURL      string         `db:"profile_pic_url" json:"profile_pic_url"`
	ProviderIdentifier sql.NullString `db:"provider_identifier" json:"-"`
	Role               string         `db:"role" json:"role"`
	HierarchyLevel     int            `db:"hierarchy_level" json:"hierarchy_level"`
	Chapter            string         `db:"chapter" json:"chapter"`
	LastLogin          *time.Time     `db:"last_login" json:"last_login,omitempty"`

	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	ModifiedAt time.Time    `db:"modified_at" json:"modified_at"`
	DeletedAt  sql.NullTime `db:"deleted_at" json:"deleted_at,omitempty"`
}

// SessionResponse represents the response from the session check API.
type SessionResponse struct {
	Authenticated bool                  `json:"authenticated"`
	User          *User                 `json:"user,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	Impersonation *ImpersonationStatus  `json:"impersonation,omitempty"`
}

// FromClaim updates a User from OIDC claims. All fields will be updated,
// except for the ID, role and chapter (those are managed in the directory).
func (u *User) FromClaim(claims *OIDCClaims) {
	u.Name = claims.Username

	if claims.EmailVerified {
		_, err := mail.ParseAddress(claims.Email)
		if err == nil {
			u.Email = claims.Email
		}
	}

	identifier := claims.Identifier()
	// Ensure provider identifier always has a leading slash for backward compatibility
	if claims.Iss == "" && !strings.HasPrefix(identifier, "/") {
		identifier = "/" + identifier
	}
	u.ProviderIdentifier = sql.NullString{String: identifier, Valid: true}
	u.DisplayName = claims.Name
	u.ProfilePicURL = claims.ProfilePictureURL
}

// IsActive returns true if the user is not soft-deleted.
func (u *User) IsActive() bool {
	return !u.DeletedAt.Valid
}
