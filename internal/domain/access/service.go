package access

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dmp/dmp/internal/domain/identity"
	"github.com/dmp/dmp/internal/platform/apperr"
	"github.com/dmp/dmp/internal/platform/auth"
	"github.com/dmp/dmp/internal/platform/db"
	"github.com/dmp/dmp/internal/platform/metrics"
)

var (
	ErrInvalidTransition = apperr.Validation("transition_invalide", "transition de statut non autorisée")
	ErrNotOwner          = apperr.Unauthorized("non_proprietaire", "cette demande ne vous concerne pas")
	ErrForbidden         = apperr.Unauthorized("action_interdite", "action non autorisée pour ce rôle")
	ErrCPSNotVerified    = apperr.Unauthorized("cps_non_verifie", "une vérification CPS récente est requise")
	ErrRequestExpired    = apperr.Validation("demande_expiree", "la demande a expiré")
)

const sweepBatchSize = 100

// CPSConsumer consumes the flag left by a successful CPS verification.
type CPSConsumer interface {
	Consume(ctx context.Context, professionnelID, patientID uuid.UUID) (bool, error)
}

type Directory interface {
	PatientExists(ctx context.Context, id uuid.UUID) error
	GetProfessional(ctx context.Context, id uuid.UUID) (*identity.Professional, error)
}

// Notifier is told about every committed transition, after commit.
type Notifier interface {
	NotifyTransition(ctx context.Context, r *AccessRequest, t Transition) error
}

type Config struct {
	Modes    []string
	MaxDuree int
}

// Service is the only writer of demande_acces rows.
type Service struct {
	repo      Repository
	tx        db.TxBeginner
	cps       CPSConsumer
	directory Directory
	notifier  Notifier
	policy    *auth.Policy
	modes     map[string]bool
	maxDuree  int
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option  { return func(s *Service) { s.now = now } }
func WithMetrics(m *metrics.Metrics) Option  { return func(s *Service) { s.metrics = m } }
func WithLogger(l zerolog.Logger) Option     { return func(s *Service) { s.logger = l } }
func WithTxBeginner(tx db.TxBeginner) Option { return func(s *Service) { s.tx = tx } }
func WithPolicy(p *auth.Policy) Option       { return func(s *Service) { s.policy = p } }
func WithNotifier(n Notifier) Option         { return func(s *Service) { s.notifier = n } }

func NewService(repo Repository, cps CPSConsumer, directory Directory, cfg Config, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		cps:       cps,
		directory: directory,
		modes:     make(map[string]bool),
		maxDuree:  cfg.MaxDuree,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	if len(cfg.Modes) == 0 {
		cfg.Modes = []string{ModeAutoriseParPatient, ModeUrgence, ModeConsultation}
	}
	for _, m := range cfg.Modes {
		s.modes[NormalizeMode(m)] = true
	}
	if s.maxDuree <= 0 {
		s.maxDuree = DefaultMaxDuree
	}
	for _, o := range opts {
		o(s)
	}
	if s.policy == nil {
		s.policy = auth.MustNewPolicy()
	}
	return s
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return db.WithTx(ctx, s.tx, fn)
}

func (s *Service) validateCreate(in *CreateInput) error {
	if in.ProfessionnelID == uuid.Nil {
		return apperr.Validation("professionnel_id_requis", "professionnel_id est requis")
	}
	if in.PatientID == uuid.Nil {
		return apperr.Validation("patient_id_requis", "patient_id est requis")
	}
	in.ModeAcces = NormalizeMode(in.ModeAcces)
	if !s.modes[in.ModeAcces] {
		return apperr.Validationf("mode_acces_invalide", "mode_acces inconnu: %q", in.ModeAcces)
	}
	if in.DureeAcces < 1 || in.DureeAcces > s.maxDuree {
		return apperr.Validationf("duree_acces_invalide", "duree_acces doit être comprise entre 1 et %d minutes", s.maxDuree)
	}
	in.RaisonAcces = strings.TrimSpace(in.RaisonAcces)
	if in.RaisonAcces == "" {
		return apperr.Validation("raison_acces_requise", "raison_acces est requise")
	}
	if len([]rune(in.RaisonAcces)) > MaxRaisonLength {
		return apperr.Validationf("raison_acces_trop_longue", "raison_acces dépasse %d caractères", MaxRaisonLength)
	}
	return nil
}

// CreateRequest records a professional's request for a patient's record.
// The professional must have passed CPS verification for that patient; the
// verification is consumed.
func (s *Service) CreateRequest(ctx context.Context, actor auth.Principal, in CreateInput) (*AccessRequest, error) {
	if !s.policy.Allowed(actor.Role, auth.ResourceAccessRequest, auth.ActionCreate) {
		return nil, ErrForbidden
	}
	if in.ProfessionnelID == uuid.Nil && actor.IsProfessional() {
		in.ProfessionnelID = actor.ID
	}
	if actor.IsProfessional() && in.ProfessionnelID != actor.ID {
		return nil, ErrNotOwner
	}
	if err := s.validateCreate(&in); err != nil {
		return nil, err
	}
	if _, err := s.directory.GetProfessional(ctx, in.ProfessionnelID); err != nil {
		return nil, err
	}
	if err := s.directory.PatientExists(ctx, in.PatientID); err != nil {
		return nil, err
	}

	ok, err := s.cps.Consume(ctx, in.ProfessionnelID, in.PatientID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !ok {
		return nil, ErrCPSNotVerified
	}

	now := s.now()
	r := &AccessRequest{
		ID:              uuid.New(),
		ProfessionnelID: in.ProfessionnelID,
		PatientID:       in.PatientID,
		ModeAcces:       in.ModeAcces,
		DureeAcces:      in.DureeAcces,
		RaisonAcces:     in.RaisonAcces,
		Statut:          StatutEnAttente,
		DateExpiration:  now.Add(time.Duration(in.DureeAcces) * time.Minute),
		Version:         1,
		CreatedAt:       now,
	}
	t := Transition{To: StatutEnAttente, Actor: actor, Reason: in.RaisonAcces}

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, r); err != nil {
			return err
		}
		return s.repo.AddHistory(ctx, historyFor(r.ID, t))
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}

	s.metrics.AccessTransition(string(StatutEnAttente), "ok")
	s.notify(ctx, r, t)
	return r, nil
}

// Transition moves request id to statut `to` on behalf of actor.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to Statut, actor auth.Principal, reason string) (*AccessRequest, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwner(r, actor); err != nil {
		return nil, err
	}
	if IsExpired(r, s.now()) && to != StatutExpire {
		s.expireLazily(ctx, r)
		return nil, ErrRequestExpired
	}
	if r.Statut == to {
		// Someone else got there first.
		s.metrics.AccessTransition(string(to), "conflict")
		return nil, ErrVersionConflict
	}
	if !CanTransition(r.Statut, to) || !patientMayMove(r.Statut, to, actor) {
		s.metrics.AccessTransition(string(to), "invalid")
		return nil, ErrInvalidTransition
	}
	if !s.policy.Allowed(actor.Role, auth.ResourceAccessRequest, actionFor(to, actor.Role)) {
		return nil, ErrForbidden
	}

	t := Transition{From: r.Statut, To: to, Actor: actor, Reason: reason, Revoked: actor.IsPatient() && to == StatutExpire}
	if err := s.apply(ctx, r, t); err != nil {
		return nil, err
	}
	return r, nil
}

// Revoke is the patient's withdrawal: a pending request is refused, an
// active one expires.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID, actor auth.Principal) (*AccessRequest, error) {
	if !s.policy.Allowed(actor.Role, auth.ResourceAccessRequest, auth.ActionRevoke) {
		return nil, ErrForbidden
	}
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwner(r, actor); err != nil {
		return nil, err
	}
	if IsExpired(r, s.now()) {
		s.expireLazily(ctx, r)
		return nil, ErrRequestExpired
	}
	to, ok := revokeTarget(r.Statut)
	if !ok {
		s.metrics.AccessTransition(string(StatutExpire), "invalid")
		return nil, ErrInvalidTransition
	}

	t := Transition{From: r.Statut, To: to, Actor: actor, Reason: "revocation_patient", Revoked: to == StatutExpire}
	if err := s.apply(ctx, r, t); err != nil {
		return nil, err
	}
	return r, nil
}

// apply performs the compare-and-swap plus history row in one transaction,
// then notifies. r is updated in place.
func (s *Service) apply(ctx context.Context, r *AccessRequest, t Transition) error {
	now := s.now()
	next := *r
	next.Statut = t.To
	switch t.To {
	case StatutActif:
		next.DateDecision = &now
		next.DateExpiration = now.Add(r.Duree())
	case StatutRefuse:
		next.DateDecision = &now
	}

	err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CompareAndSwap(ctx, &next); err != nil {
			return err
		}
		return s.repo.AddHistory(ctx, historyFor(r.ID, t))
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.AccessTransition(string(t.To), "conflict")
			return ErrVersionConflict
		}
		return apperr.Internal(err)
	}

	*r = next
	s.metrics.AccessTransition(string(t.To), "ok")
	s.notify(ctx, r, t)
	return nil
}

func (s *Service) notify(ctx context.Context, r *AccessRequest, t Transition) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyTransition(ctx, r, t); err != nil {
		s.logger.Error().Err(err).
			Str("demande_id", r.ID.String()).
			Str("statut", string(t.To)).
			Msg("notification not recorded")
	}
}

// expireLazily moves a lapsed request to expire on behalf of the system.
// Losing the race is fine: the winner's write is the one that counts.
func (s *Service) expireLazily(ctx context.Context, r *AccessRequest) {
	t := Transition{From: r.Statut, To: StatutExpire, Actor: auth.System, Reason: "delai_ecoule"}
	if err := s.apply(ctx, r, t); err != nil && !errors.Is(err, ErrVersionConflict) {
		s.logger.Warn().Err(err).Str("demande_id", r.ID.String()).Msg("lazy expiry failed")
	}
}

func (s *Service) checkOwner(r *AccessRequest, actor auth.Principal) error {
	switch actor.Role {
	case auth.RoleAdmin, auth.RoleSystem:
		return nil
	case auth.RolePatient:
		if r.PatientID == actor.ID {
			return nil
		}
	case auth.RoleProfessional:
		if r.ProfessionnelID == actor.ID {
			return nil
		}
	}
	return ErrNotOwner
}

// GetRequest returns the request as of now. A lapsed request is reported
// as expire even if the stored row has not been moved yet.
func (s *Service) GetRequest(ctx context.Context, id uuid.UUID, actor auth.Principal) (*AccessRequest, error) {
	if !s.policy.Allowed(actor.Role, auth.ResourceAccessRequest, auth.ActionRead) {
		return nil, ErrForbidden
	}
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwner(r, actor); err != nil {
		return nil, err
	}
	now := s.now()
	if IsExpired(r, now) {
		s.expireLazily(ctx, r)
		if r.Statut != StatutExpire {
			if fresh, err := s.repo.GetByID(ctx, id); err == nil {
				r = fresh
			}
		}
	}
	return Effective(r, now), nil
}

func (s *Service) History(ctx context.Context, id uuid.UUID, actor auth.Principal) ([]*HistoryEntry, error) {
	if !s.policy.Allowed(actor.Role, auth.ResourceAccessRequest, auth.ActionRead) {
		return nil, ErrForbidden
	}
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwner(r, actor); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, id)
}

func (s *Service) effectiveAll(items []*AccessRequest, now time.Time) []*AccessRequest {
	out := make([]*AccessRequest, len(items))
	for i, r := range items {
		out[i] = Effective(r, now)
	}
	return out
}

// ListForPatient lists requests addressed to patientID, newest first.
func (s *Service) ListForPatient(ctx context.Context, patientID uuid.UUID, actor auth.Principal, f ListFilter) ([]*AccessRequest, int, error) {
	if actor.IsPatient() && actor.ID != patientID {
		return nil, 0, ErrNotOwner
	}
	if !actor.IsPatient() && !actor.IsAdmin() {
		return nil, 0, ErrForbidden
	}
	f.Now = s.now()
	items, total, err := s.repo.ListByPatient(ctx, patientID, f)
	if err != nil {
		return nil, 0, err
	}
	return s.effectiveAll(items, f.Now), total, nil
}

// ListForProfessional lists requests submitted by professionnelID.
func (s *Service) ListForProfessional(ctx context.Context, professionnelID uuid.UUID, actor auth.Principal, f ListFilter) ([]*AccessRequest, int, error) {
	if actor.IsProfessional() && actor.ID != professionnelID {
		return nil, 0, ErrNotOwner
	}
	if !actor.IsProfessional() && !actor.IsAdmin() {
		return nil, 0, ErrForbidden
	}
	f.Now = s.now()
	items, total, err := s.repo.ListByProfessional(ctx, professionnelID, f)
	if err != nil {
		return nil, 0, err
	}
	return s.effectiveAll(items, f.Now), total, nil
}

// SweepExpired moves every lapsed request to expire and returns how many
// it moved. Requests another writer moves first are skipped.
func (s *Service) SweepExpired(ctx context.Context, actor auth.Principal) (int, error) {
	if !s.policy.Allowed(actor.Role, auth.ResourceAccessRequest, auth.ActionSweep) {
		return 0, ErrForbidden
	}
	now := s.now()
	total := 0
	for {
		batch, err := s.repo.ListExpirable(ctx, now, sweepBatchSize)
		if err != nil {
			return total, err
		}
		moved := 0
		for _, r := range batch {
			if !IsExpired(r, now) {
				continue
			}
			t := Transition{From: r.Statut, To: StatutExpire, Actor: auth.System, Reason: "delai_ecoule"}
			switch err := s.apply(ctx, r, t); {
			case err == nil:
				moved++
			case errors.Is(err, ErrVersionConflict):
			default:
				return total + moved, err
			}
		}
		total += moved
		if len(batch) < sweepBatchSize || moved == 0 {
			break
		}
	}
	s.metrics.ExpiredBySweep(total)
	if total > 0 {
		s.logger.Info().Int("expired", total).Msg("access request sweep")
	}
	return total, nil
}

func historyFor(demandeID uuid.UUID, t Transition) *HistoryEntry {
	h := &HistoryEntry{
		DemandeID:     demandeID,
		NouveauStatut: t.To,
		ActeurID:      t.Actor.ActorID(),
		ActeurRole:    t.Actor.Role.String(),
	}
	if t.From != "" {
		from := t.From
		h.AncienStatut = &from
	}
	if t.Reason != "" {
		reason := t.Reason
		h.Raison = &reason
	}
	return h
}
