// Package cps verifies the 4-digit CPS code a professional must present
// before requesting access to a patient's record.
package cps

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

var codePattern = regexp.MustCompile(`^[0-9]{4}$`)

// Credential maps to the cps_credential table. The plaintext code is never
// stored.
type Credential struct {
	ProfessionnelID uuid.UUID `db:"professionnel_id" json:"professionnel_id"`
	CodeHash        string    `db:"code_cps_hash" json:"-"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// VerifyInput is one verification attempt. NumeroAdeli is optional; when
// present it must match the professional's registered number.
type VerifyInput struct {
	ProfessionnelID uuid.UUID `json:"professionnel_id"`
	NumeroAdeli     string    `json:"numero_adeli"`
	PatientID       uuid.UUID `json:"patient_id"`
	CodeCPS         string    `json:"code_cps"`
}

// Verification is returned on success.
type Verification struct {
	CPSVerifie bool      `json:"cps_verifie"`
	ExpireA    time.Time `json:"expire_a"`
}
