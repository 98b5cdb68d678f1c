// Package access manages professionals' requests to read a patient's DMP.
package access

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Statut is the lifecycle state of a request.
type Statut string

const (
	StatutEnAttente Statut = "en_attente"
	StatutActif     Statut = "actif"
	StatutRefuse    Statut = "refuse"
	StatutExpire    Statut = "expire"
)

var statutAliases = map[string]Statut{
	"en_attente": StatutEnAttente,
	"pending":    StatutEnAttente,
	"actif":      StatutActif,
	"active":     StatutActif,
	"accepted":   StatutActif,
	"granted":    StatutActif,
	"accepte":    StatutActif,
	"refuse":     StatutRefuse,
	"denied":     StatutRefuse,
	"rejected":   StatutRefuse,
	"expire":     StatutExpire,
	"expired":    StatutExpire,
}

// ParseStatut accepts the stored values and their English aliases.
func ParseStatut(s string) (Statut, error) {
	st, ok := statutAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown statut %q", s)
	}
	return st, nil
}

func (s *Statut) UnmarshalText(b []byte) error {
	st, err := ParseStatut(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Terminal states accept no further transition.
func (s Statut) Terminal() bool {
	return s == StatutRefuse || s == StatutExpire
}

// Live states are the ones that lapse once date_expiration passes.
func (s Statut) Live() bool {
	return s == StatutEnAttente || s == StatutActif
}

const (
	ModeAutoriseParPatient = "autorise_par_patient"
	ModeUrgence            = "urgence"
	ModeConsultation       = "consultation"
)

var modeAliases = map[string]string{
	"authorized_by_patient": ModeAutoriseParPatient,
	"emergency":             ModeUrgence,
}

// NormalizeMode maps accepted aliases onto stored mode values.
func NormalizeMode(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if alias, ok := modeAliases[m]; ok {
		return alias
	}
	return m
}

const (
	MaxRaisonLength = 1000
	DefaultMaxDuree = 43200
)

// AccessRequest maps to the demande_acces table.
type AccessRequest struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	ProfessionnelID uuid.UUID  `db:"professionnel_id" json:"professionnel_id"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	ModeAcces       string     `db:"mode_acces" json:"mode_acces"`
	DureeAcces      int        `db:"duree_acces" json:"duree_acces"`
	RaisonAcces     string     `db:"raison_acces" json:"raison_acces"`
	Statut          Statut     `db:"statut" json:"statut"`
	DateExpiration  time.Time  `db:"date_expiration" json:"date_expiration"`
	DateDecision    *time.Time `db:"date_decision" json:"date_decision,omitempty"`
	Version         int        `db:"version" json:"version"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Duree returns duree_acces as a duration.
func (r *AccessRequest) Duree() time.Duration {
	return time.Duration(r.DureeAcces) * time.Minute
}

// IsExpired reports whether r has lapsed at now regardless of the stored
// statut. Reads and the sweep both decide expiry through it.
func IsExpired(r *AccessRequest, now time.Time) bool {
	return r.Statut.Live() && !now.Before(r.DateExpiration)
}

// Effective returns r as callers must see it at now.
func Effective(r *AccessRequest, now time.Time) *AccessRequest {
	if !IsExpired(r, now) {
		return r
	}
	cp := *r
	cp.Statut = StatutExpire
	return &cp
}

// HistoryEntry maps to demande_acces_historique. Rows are append-only.
type HistoryEntry struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	DemandeID     uuid.UUID  `db:"demande_id" json:"demande_id"`
	AncienStatut  *Statut    `db:"ancien_statut" json:"ancien_statut,omitempty"`
	NouveauStatut Statut     `db:"nouveau_statut" json:"nouveau_statut"`
	ActeurID      *uuid.UUID `db:"acteur_id" json:"acteur_id,omitempty"`
	ActeurRole    string     `db:"acteur_role" json:"acteur_role"`
	Raison        *string    `db:"raison" json:"raison,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// CreateInput is the body of POST /medecin/dmp/demande-acces.
type CreateInput struct {
	ProfessionnelID uuid.UUID `json:"professionnel_id"`
	PatientID       uuid.UUID `json:"patient_id"`
	ModeAcces       string    `json:"mode_acces"`
	DureeAcces      int       `json:"duree_acces"`
	RaisonAcces     string    `json:"raison_acces"`
}

// TransitionInput is the body of PATCH /access/authorization/:id.
type TransitionInput struct {
	Statut        Statut `json:"statut"`
	RaisonDemande string `json:"raison_demande"`
}

// ListFilter narrows request listings. Statut is matched against the
// effective statut at Now.
type ListFilter struct {
	Statut *Statut
	Now    time.Time
	Limit  int
	Offset int
}
