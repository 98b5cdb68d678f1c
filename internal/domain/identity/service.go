package identity

import (
	"context"

	"github.com/google/uuid"
)

// Directory answers the identity questions the access flow asks: does this
// patient exist, who is this professional, how should a patient be reached.
type Directory struct {
	patients       PatientRepository
	professionals  ProfessionalRepository
	defaultChannel string
}

func NewDirectory(patients PatientRepository, professionals ProfessionalRepository, defaultChannel string) *Directory {
	if defaultChannel == "" {
		defaultChannel = "in_app"
	}
	return &Directory{patients: patients, professionals: professionals, defaultChannel: defaultChannel}
}

func (d *Directory) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return d.patients.GetByID(ctx, id)
}

// PatientExists returns ErrPatientNotFound for unknown ids.
func (d *Directory) PatientExists(ctx context.Context, id uuid.UUID) error {
	ok, err := d.patients.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPatientNotFound
	}
	return nil
}

func (d *Directory) GetProfessional(ctx context.Context, id uuid.UUID) (*Professional, error) {
	return d.professionals.GetByID(ctx, id)
}

func (d *Directory) GetProfessionalByAdeli(ctx context.Context, numeroAdeli string) (*Professional, error) {
	return d.professionals.GetByAdeli(ctx, numeroAdeli)
}

func (d *Directory) PatientContact(ctx context.Context, patientID uuid.UUID) (Contact, error) {
	p, err := d.patients.GetByID(ctx, patientID)
	if err != nil {
		return Contact{}, err
	}
	return ContactFor(p, d.defaultChannel), nil
}

// ProfessionalName returns the display name, or a neutral label when the
// professional cannot be loaded.
func (d *Directory) ProfessionalName(ctx context.Context, id uuid.UUID) string {
	p, err := d.professionals.GetByID(ctx, id)
	if err != nil {
		return (&Professional{}).DisplayName()
	}
	return p.DisplayName()
}
