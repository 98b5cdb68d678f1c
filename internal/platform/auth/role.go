package auth

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role is the closed set of callers the API knows about. It is parsed once
// from the bearer token; everything downstream switches on it.
type Role int

const (
	RoleUnknown Role = iota
	RolePatient
	RoleProfessional
	RoleAdmin
	// RoleSystem is never carried by a token. It identifies background jobs
	// such as the expiry sweep.
	RoleSystem
)

func (r Role) String() string {
	switch r {
	case RolePatient:
		return "patient"
	case RoleProfessional:
		return "professionnel"
	case RoleAdmin:
		return "admin"
	case RoleSystem:
		return "systeme"
	default:
		return "inconnu"
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ParseRole maps the free-form role claim onto Role. "medecin" and
// "professionnel" are both professionals. Anything else is rejected.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient":
		return RolePatient, nil
	case "medecin", "professionnel", "professional":
		return RoleProfessional, nil
	case "admin", "administrateur":
		return RoleAdmin, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown role %q", s)
	}
}

// Principal is the authenticated caller.
type Principal struct {
	ID          uuid.UUID
	Role        Role
	NumeroAdeli string
}

// System is the principal used by background jobs.
var System = Principal{Role: RoleSystem}

func (p Principal) IsPatient() bool      { return p.Role == RolePatient }
func (p Principal) IsProfessional() bool { return p.Role == RoleProfessional }
func (p Principal) IsAdmin() bool        { return p.Role == RoleAdmin }

// ActorID returns the principal id, or nil for the system principal.
func (p Principal) ActorID() *uuid.UUID {
	if p.Role == RoleSystem || p.ID == uuid.Nil {
		return nil
	}
	id := p.ID
	return &id
}
