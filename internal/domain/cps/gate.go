package cps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dmp/dmp/internal/domain/identity"
	"github.com/dmp/dmp/internal/platform/apperr"
	"github.com/dmp/dmp/internal/platform/metrics"
	"github.com/dmp/dmp/pkg/password"
)

var (
	ErrCodeFormat     = apperr.Validation("code_cps_invalide", "le code CPS doit comporter 4 chiffres")
	ErrIncorrect      = apperr.InvalidCredential("cps_incorrect", "code CPS incorrect")
	ErrAdeliMismatch  = apperr.InvalidCredential("adeli_mismatch", "le numéro ADELI ne correspond pas au professionnel")
	ErrPatientMissing = apperr.Validation("patient_id_requis", "patient_id est requis")
)

// Directory is the identity lookup the gate needs.
type Directory interface {
	GetProfessional(ctx context.Context, id uuid.UUID) (*identity.Professional, error)
	PatientExists(ctx context.Context, id uuid.UUID) error
}

// Gate checks CPS codes and hands out single-use verified flags scoped to a
// (professional, patient) pair.
type Gate struct {
	creds     CredentialRepository
	directory Directory
	flags     VerifiedStore
	hasher    *password.Hasher
	ttl       time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

type GateOption func(*Gate)

func WithClock(now func() time.Time) GateOption { return func(g *Gate) { g.now = now } }

func WithHasher(h *password.Hasher) GateOption { return func(g *Gate) { g.hasher = h } }

func WithMetrics(m *metrics.Metrics) GateOption { return func(g *Gate) { g.metrics = m } }

func WithLogger(l zerolog.Logger) GateOption { return func(g *Gate) { g.logger = l } }

func NewGate(creds CredentialRepository, directory Directory, flags VerifiedStore, ttl time.Duration, opts ...GateOption) *Gate {
	g := &Gate{
		creds:     creds,
		directory: directory,
		flags:     flags,
		hasher:    password.Default(),
		ttl:       ttl,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Verify compares the submitted code with the stored hash and, on success,
// marks the professional as verified for that patient until the returned
// expiry. Repeating a correct verification refreshes the flag.
func (g *Gate) Verify(ctx context.Context, in VerifyInput) (Verification, error) {
	if !codePattern.MatchString(in.CodeCPS) {
		g.metrics.CPSVerification("invalide")
		return Verification{}, ErrCodeFormat
	}
	if in.PatientID == uuid.Nil {
		return Verification{}, ErrPatientMissing
	}

	pro, err := g.directory.GetProfessional(ctx, in.ProfessionnelID)
	if err != nil {
		return Verification{}, err
	}
	if in.NumeroAdeli != "" && in.NumeroAdeli != pro.NumeroAdeli {
		g.metrics.CPSVerification("adeli_incorrect")
		return Verification{}, ErrAdeliMismatch
	}
	if err := g.directory.PatientExists(ctx, in.PatientID); err != nil {
		return Verification{}, err
	}

	cred, err := g.creds.Get(ctx, in.ProfessionnelID)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			g.metrics.CPSVerification("non_enregistre")
		}
		return Verification{}, err
	}

	ok, err := g.hasher.Verify(cred.CodeHash, in.CodeCPS)
	if err != nil {
		return Verification{}, apperr.Internal(fmt.Errorf("verify cps hash: %w", err))
	}
	if !ok {
		g.metrics.CPSVerification("incorrect")
		g.logger.Warn().Str("professionnel_id", in.ProfessionnelID.String()).Msg("cps verification failed")
		return Verification{}, ErrIncorrect
	}

	if g.hasher.NeedsRehash(cred.CodeHash) {
		g.rehash(ctx, cred, in.CodeCPS)
	}

	expires := g.now().Add(g.ttl)
	if err := g.flags.Mark(ctx, in.ProfessionnelID, in.PatientID, g.ttl); err != nil {
		return Verification{}, apperr.Internal(err)
	}
	g.metrics.CPSVerification("ok")
	return Verification{CPSVerifie: true, ExpireA: expires}, nil
}

func (g *Gate) rehash(ctx context.Context, cred *Credential, code string) {
	h, err := g.hasher.Hash(code)
	if err != nil {
		return
	}
	cred.CodeHash = h
	if err := g.creds.Upsert(ctx, cred); err != nil {
		g.logger.Warn().Err(err).Msg("cps rehash failed")
	}
}

// Consume reports whether a live verified flag exists for the pair and
// clears it.
func (g *Gate) Consume(ctx context.Context, professionnelID, patientID uuid.UUID) (bool, error) {
	return g.flags.Consume(ctx, professionnelID, patientID)
}

// SetCode registers or replaces a professional's code.
func (g *Gate) SetCode(ctx context.Context, professionnelID uuid.UUID, code string) error {
	if !codePattern.MatchString(code) {
		return ErrCodeFormat
	}
	if _, err := g.directory.GetProfessional(ctx, professionnelID); err != nil {
		return err
	}
	h, err := g.hasher.Hash(code)
	if err != nil {
		return fmt.Errorf("hash cps code: %w", err)
	}
	return g.creds.Upsert(ctx, &Credential{ProfessionnelID: professionnelID, CodeHash: h})
}
