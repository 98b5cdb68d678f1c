package access

import (
	"github.com/dmp/dmp/internal/platform/auth"
)

var edges = map[Statut][]Statut{
	StatutEnAttente: {StatutActif, StatutRefuse, StatutExpire},
	StatutActif:     {StatutExpire},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Statut) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// actionFor names the policy action a move to `to` requires from role.
// A patient moving a request to expire is revoking it.
func actionFor(to Statut, role auth.Role) auth.Action {
	switch to {
	case StatutActif:
		return auth.ActionAccept
	case StatutRefuse:
		return auth.ActionDeny
	case StatutExpire:
		if role == auth.RolePatient {
			return auth.ActionRevoke
		}
		return auth.ActionExpire
	}
	return ""
}

// patientMayMove limits patients to accepting or denying a pending request
// and revoking an active one. A pending request only expires on its own or
// by an admin.
func patientMayMove(from, to Statut, actor auth.Principal) bool {
	if !actor.IsPatient() || to != StatutExpire {
		return true
	}
	return from == StatutActif
}

// revokeTarget is where a patient's DELETE sends a request.
func revokeTarget(from Statut) (Statut, bool) {
	switch from {
	case StatutEnAttente:
		return StatutRefuse, true
	case StatutActif:
		return StatutExpire, true
	}
	return "", false
}

// Transition describes one committed state change. From is empty for a
// newly created request.
type Transition struct {
	From    Statut
	To      Statut
	Actor   auth.Principal
	Reason  string
	Revoked bool
}

// NotificationType is the type_notification the change produces.
func (t Transition) NotificationType() string {
	switch {
	case t.From == "" && t.To == StatutEnAttente:
		return "demande_validation"
	case t.To == StatutActif:
		return "acces_accorde"
	case t.To == StatutRefuse:
		return "acces_refuse"
	case t.To == StatutExpire && t.Revoked:
		return "acces_revoque"
	default:
		return "acces_expire"
	}
}
