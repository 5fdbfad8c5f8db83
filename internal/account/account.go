package account

import (
	"fmt"
	"strings"
)

// Role is the marketplace role assigned by the backend
type Role string

const (
	RoleGuest Role = "guest"
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// ParseRole validates a role string. An empty role defaults to RoleUser, which
// is what the backend assigns to freshly registered accounts.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return RoleUser, nil
	case RoleGuest:
		return RoleGuest, nil
	case RoleUser:
		return RoleUser, nil
	case RoleAgent:
		return RoleAgent, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

// User is the application-level user derived from a backend credential
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      Role   `json:"role"`
	IsFraud   bool   `json:"is_fraud"`
}

// Profile is the subset of user fields mirrored back onto the provider session
type Profile struct {
	DisplayName string
	AvatarURL   string
}

// Profile derives the provider-facing profile from the user
func (u User) Profile() Profile {
	return Profile{DisplayName: u.Name, AvatarURL: u.AvatarURL}
}

// Validate checks the fields every consumer relies on
func (u User) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	if _, err := ParseRole(string(u.Role)); err != nil {
		return err
	}
	return nil
}
