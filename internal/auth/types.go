package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Permissions used by the swap API.
const (
	PermissionRead  = "swap:read"
	PermissionTrade = "swap:trade"
)

// Common errors returned by the authentication subsystem.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
)

// Mode selects how requests are authenticated.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Credential binds a static API token to a named caller.
type Credential struct {
	Name        string
	Token       string
	Permissions []string
}

// Config configures the authentication service.
type Config struct {
	Mode        Mode
	Credentials []Credential
}

// Subject is the authenticated caller passed to handlers via context.
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission reports whether the subject has the specified permission.
// The wildcard permission "*" grants everything.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject holds all requested permissions.
func (s *Subject) Authorize(perms ...string) error {
	for _, perm := range perms {
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}
