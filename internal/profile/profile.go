// Package profile defines the profile snapshots exchanged with the remote API.
package profile

import (
	"fmt"
	"strings"
	"time"
)

const (
	handlePrefix        = "@"
	displayHandleFormat = "%s (%s%s)"
	unknownLabelText    = "unknown profile"
)

// Profile is the authenticated user's own profile as returned by /profile/me.
type Profile struct {
	ID                   int64     `json:"id"`
	Username             string    `json:"username"`
	Email                string    `json:"email"`
	Name                 string    `json:"name,omitempty"`
	Bio                  string    `json:"bio,omitempty"`
	Avatar               string    `json:"avatar,omitempty"`
	ProfileSetupComplete bool      `json:"profileSetupDone"`
	CreatedAt            time.Time `json:"createdAt,omitempty"`
	UpdatedAt            time.Time `json:"updatedAt,omitempty"`
}

// Summary is the public-safe projection of a profile used in follower and following lists.
// It never carries the email address or session flags.
type Summary struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username,omitempty"`
	Name        string    `json:"name,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
	Placeholder bool      `json:"-"`
}

// Trimmed returns a copy of the profile without heavy binary fields, suitable for durable storage.
func (p Profile) Trimmed() Profile {
	trimmed := p
	trimmed.Avatar = ""
	return trimmed
}

// Public projects the profile onto its public summary.
func (p Profile) Public() Summary {
	return Summary{
		ID:        p.ID,
		Username:  p.Username,
		Name:      p.Name,
		Bio:       p.Bio,
		Avatar:    p.Avatar,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// Clone returns a pointer to a copy of the profile, or nil when p is nil.
func Clone(p *Profile) *Profile {
	if p == nil {
		return nil
	}
	copied := *p
	return &copied
}

// NewPlaceholder builds a minimal summary known only by its identifier.
func NewPlaceholder(profileID int64) Summary {
	return Summary{ID: profileID, Placeholder: true}
}

// Label returns a display label built from the name and handle.
func (s Summary) Label() string {
	trimmedName := strings.TrimSpace(s.Name)
	trimmedUsername := strings.TrimSpace(s.Username)
	switch {
	case trimmedName != "" && trimmedUsername != "":
		return fmt.Sprintf(displayHandleFormat, trimmedName, handlePrefix, trimmedUsername)
	case trimmedName != "":
		return trimmedName
	case trimmedUsername != "":
		return handlePrefix + trimmedUsername
	case s.ID != 0:
		return fmt.Sprintf("#%d", s.ID)
	default:
		return unknownLabelText
	}
}

// SortKey returns the lower-cased key used to order summaries for display.
func (s Summary) SortKey() string {
	if s.Name != "" {
		return strings.ToLower(s.Name)
	}
	if s.Username != "" {
		return strings.ToLower(s.Username)
	}
	return fmt.Sprintf("#%020d", s.ID)
}
