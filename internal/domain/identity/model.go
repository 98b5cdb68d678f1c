package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table. Only the fields needed to address
// notifications are loaded.
type Patient struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Nom          string    `db:"nom" json:"nom"`
	Prenom       string    `db:"prenom" json:"prenom"`
	Email        *string   `db:"email" json:"email,omitempty"`
	Telephone    *string   `db:"telephone" json:"telephone,omitempty"`
	CanalPrefere *string   `db:"canal_prefere" json:"canal_prefere,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Professional maps to the professionnel table.
type Professional struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Nom         string    `db:"nom" json:"nom"`
	Prenom      string    `db:"prenom" json:"prenom"`
	NumeroAdeli string    `db:"numero_adeli" json:"numero_adeli"`
	Specialite  *string   `db:"specialite" json:"specialite,omitempty"`
	Email       *string   `db:"email" json:"email,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// DisplayName is the name shown to patients, e.g. "Dr Claire Martin".
func (p *Professional) DisplayName() string {
	name := strings.TrimSpace(p.Prenom + " " + p.Nom)
	if name == "" {
		return "un professionnel de santé"
	}
	return "Dr " + name
}

// Contact is where and how a patient wants to be notified. Address is empty
// when the patient has no value for the preferred channel.
type Contact struct {
	PatientID uuid.UUID
	Prenom    string
	Channel   string
	Address   string
}

// ContactFor resolves the channel to use for p. The patient's preference
// wins when it has an address on file; otherwise fallback is used.
func ContactFor(p *Patient, fallback string) Contact {
	c := Contact{PatientID: p.ID, Prenom: p.Prenom}
	channel := fallback
	if p.CanalPrefere != nil && *p.CanalPrefere != "" {
		channel = *p.CanalPrefere
	}
	c.Channel, c.Address = channel, addressFor(p, channel)
	if channel != "in_app" && c.Address == "" {
		c.Channel = "in_app"
	}
	return c
}

func addressFor(p *Patient, channel string) string {
	switch channel {
	case "email":
		if p.Email != nil {
			return strings.TrimSpace(*p.Email)
		}
	case "sms":
		if p.Telephone != nil {
			return strings.TrimSpace(*p.Telephone)
		}
	}
	return ""
}
