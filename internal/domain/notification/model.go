// Package notification records one notification per access request
// transition and delivers it in the background.
package notification

import (
	"time"

	"github.com/google/uuid"
)

// Delivery states (statut_envoi).
const (
	StatutEnAttente = "en_attente"
	StatutEnvoye    = "envoye"
	StatutLivre     = "livre"
	StatutEchec     = "echec"
)

// Priorities (priorite).
const (
	PrioriteBasse   = "basse"
	PrioriteNormale = "normale"
	PrioriteHaute   = "haute"
	PrioriteUrgente = "urgente"
)

// Notification maps to the notification table. Content fields are written
// once; only the delivery tracking fields change afterwards.
type Notification struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	PatientID           uuid.UUID  `db:"patient_id" json:"patient_id"`
	ProfessionnelID     *uuid.UUID `db:"professionnel_id" json:"professionnel_id,omitempty"`
	SessionID           *uuid.UUID `db:"session_id" json:"session_id,omitempty"`
	TypeNotification    string     `db:"type_notification" json:"type_notification"`
	CanalEnvoi          string     `db:"canal_envoi" json:"canal_envoi"`
	Destinataire        string     `db:"destinataire" json:"-"`
	Titre               string     `db:"titre" json:"titre"`
	ContenuNotification string     `db:"contenu_notification" json:"contenu_notification"`
	ContenuHTML         *string    `db:"contenu_html" json:"contenu_html,omitempty"`
	StatutEnvoi         string     `db:"statut_envoi" json:"statut_envoi"`
	DateEnvoi           *time.Time `db:"date_envoi" json:"date_envoi,omitempty"`
	DateLivraison       *time.Time `db:"date_livraison" json:"date_livraison,omitempty"`
	NombreTentatives    int        `db:"nombre_tentatives" json:"nombre_tentatives"`
	ErreurEnvoi         *string    `db:"erreur_envoi" json:"erreur_envoi,omitempty"`
	DelaiExpiration     int        `db:"delai_expiration" json:"delai_expiration"`
	DateExpiration      time.Time  `db:"date_expiration" json:"date_expiration"`
	Priorite            string     `db:"priorite" json:"priorite"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
}

// Filter narrows a patient's notification list. Results are newest first.
type Filter struct {
	Type   string
	Limit  int
	Offset int
}
