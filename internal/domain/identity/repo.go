package identity

import (
	"context"

	"github.com/google/uuid"

	"github.com/dmp/dmp/internal/platform/apperr"
)

var (
	ErrPatientNotFound      = apperr.NotFound("patient_introuvable", "patient introuvable")
	ErrProfessionalNotFound = apperr.NotFound("professionnel_introuvable", "professionnel introuvable")
)

type PatientRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

type ProfessionalRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Professional, error)
	GetByAdeli(ctx context.Context, numeroAdeli string) (*Professional, error)
}
