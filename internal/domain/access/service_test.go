package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmp/dmp/internal/domain/identity"
	"github.com/dmp/dmp/internal/platform/apperr"
	"github.com/dmp/dmp/internal/platform/auth"
)

type env struct {
	svc      *Service
	repo     *mockRepo
	cps      *stubCPS
	notifier *recordingNotifier
	now      time.Time
	mu       sync.Mutex

	pro      auth.Principal
	patient  auth.Principal
	patientB auth.Principal
	admin    auth.Principal
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := identity.NewMemoryStore()
	pro := store.AddProfessional(&identity.Professional{Nom: "Martin", Prenom: "Claire", NumeroAdeli: "751234567"})
	pa := store.AddPatient(&identity.Patient{Nom: "Durand", Prenom: "Alice"})
	pb := store.AddPatient(&identity.Patient{Nom: "Petit", Prenom: "Bruno"})

	e := &env{
		repo:     newMockRepo(),
		cps:      newStubCPS(),
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		pro:      auth.Principal{ID: pro.ID, Role: auth.RoleProfessional},
		patient:  auth.Principal{ID: pa.ID, Role: auth.RolePatient},
		patientB: auth.Principal{ID: pb.ID, Role: auth.RolePatient},
		admin:    auth.Principal{ID: uuid.New(), Role: auth.RoleAdmin},
	}
	dir := identity.NewDirectory(store.Patients(), store.Professionals(), "in_app")
	e.svc = NewService(e.repo, e.cps, dir, Config{MaxDuree: 43200},
		WithClock(e.clock),
		WithNotifier(e.notifier),
	)
	return e
}

func (e *env) input(duree int) CreateInput {
	return CreateInput{
		ProfessionnelID: e.pro.ID,
		PatientID:       e.patient.ID,
		ModeAcces:       "authorized_by_patient",
		DureeAcces:      duree,
		RaisonAcces:     "Suivi post-opératoire",
	}
}

func (e *env) create(t *testing.T, duree int) *AccessRequest {
	t.Helper()
	e.cps.verify(e.pro.ID, e.patient.ID)
	r, err := e.svc.CreateRequest(context.Background(), e.pro, e.input(duree))
	require.NoError(t, err)
	return r
}

func (e *env) stored(t *testing.T, id uuid.UUID) *AccessRequest {
	t.Helper()
	r, err := e.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestCreateRequest(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 60)

	assert.Equal(t, StatutEnAttente, r.Statut)
	assert.Equal(t, ModeAutoriseParPatient, r.ModeAcces)
	assert.Equal(t, e.now.Add(60*time.Minute), r.DateExpiration)
	assert.Equal(t, 1, r.Version)

	sent := e.notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "demande_validation", sent[0].Type)
	assert.Equal(t, e.patient.ID, sent[0].PatientID)

	hist, err := e.svc.History(context.Background(), r.ID, e.patient)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Nil(t, hist[0].AncienStatut)
	assert.Equal(t, StatutEnAttente, hist[0].NouveauStatut)
	assert.Equal(t, "professionnel", hist[0].ActeurRole)
}

func TestCreateRequest_RequiresCPS(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.CreateRequest(context.Background(), e.pro, e.input(60))
	assert.ErrorIs(t, err, ErrCPSNotVerified)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	assert.Empty(t, e.notifier.all())
}

func TestCreateRequest_CPSIsSingleUse(t *testing.T) {
	e := newEnv(t)
	e.create(t, 60)
	_, err := e.svc.CreateRequest(context.Background(), e.pro, e.input(60))
	assert.ErrorIs(t, err, ErrCPSNotVerified)
}

func TestCreateRequest_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *CreateInput)
		code   string
	}{
		{"missing patient", func(in *CreateInput) { in.PatientID = uuid.Nil }, "patient_id_requis"},
		{"unknown mode", func(in *CreateInput) { in.ModeAcces = "curiosite" }, "mode_acces_invalide"},
		{"zero duree", func(in *CreateInput) { in.DureeAcces = 0 }, "duree_acces_invalide"},
		{"duree above max", func(in *CreateInput) { in.DureeAcces = 43201 }, "duree_acces_invalide"},
		{"blank raison", func(in *CreateInput) { in.RaisonAcces = "   " }, "raison_acces_requise"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.cps.verify(e.pro.ID, e.patient.ID)
			in := e.input(60)
			tt.mutate(&in)

			_, err := e.svc.CreateRequest(context.Background(), e.pro, in)
			var ae *apperr.Error
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, apperr.KindValidation, ae.Kind)
			assert.Equal(t, tt.code, ae.Code)

			ok, _ := e.cps.Consume(context.Background(), e.pro.ID, e.patient.ID)
			assert.True(t, ok, "a rejected payload must not burn the CPS verification")
		})
	}
}

func TestCreateRequest_UnknownPatient(t *testing.T) {
	e := newEnv(t)
	in := e.input(60)
	in.PatientID = uuid.New()
	e.cps.verify(e.pro.ID, in.PatientID)

	_, err := e.svc.CreateRequest(context.Background(), e.pro, in)
	assert.ErrorIs(t, err, identity.ErrPatientNotFound)
}

func TestCreateRequest_OtherProfessional(t *testing.T) {
	e := newEnv(t)
	in := e.input(60)
	in.ProfessionnelID = uuid.New()

	_, err := e.svc.CreateRequest(context.Background(), e.pro, in)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestCreateRequest_PatientCannotCreate(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.CreateRequest(context.Background(), e.patient, e.input(60))
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestGetRequest_LazyExpiryWithoutSweep(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 60)

	got, err := e.svc.GetRequest(context.Background(), r.ID, e.patient)
	require.NoError(t, err)
	assert.Equal(t, StatutEnAttente, got.Statut)

	e.advance(61 * time.Minute)

	got, err = e.svc.GetRequest(context.Background(), r.ID, e.patient)
	require.NoError(t, err)
	assert.Equal(t, StatutExpire, got.Statut)
	assert.Equal(t, StatutExpire, e.stored(t, r.ID).Statut)

	sent := e.notifier.all()
	require.Len(t, sent, 2)
	assert.Equal(t, "acces_expire", sent[1].Type)

	// A second read does not produce a second transition.
	_, err = e.svc.GetRequest(context.Background(), r.ID, e.patient)
	require.NoError(t, err)
	assert.Len(t, e.notifier.all(), 2)
}

func TestGetRequest_StaleRowStillReportedExpired(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 60)
	e.advance(90 * time.Minute)

	items, _, err := e.svc.ListForPatient(context.Background(), e.patient.ID, e.patient, ListFilter{Limit: 20})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, StatutExpire, items[0].Statut)
	assert.Equal(t, StatutEnAttente, e.stored(t, r.ID).Statut, "listing does not write")
}

func TestGetRequest_NotFoundAndOwnership(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 60)

	_, err := e.svc.GetRequest(context.Background(), uuid.New(), e.patient)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.svc.GetRequest(context.Background(), r.ID, e.patientB)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = e.svc.GetRequest(context.Background(), r.ID, e.admin)
	assert.NoError(t, err)
}

func TestTransition_Accept(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 60)
	e.advance(10 * time.Minute)

	got, err := e.svc.Transition(context.Background(), r.ID, StatutActif, e.patient, "")
	require.NoError(t, err)
	assert.Equal(t, StatutActif, got.Statut)
	require.NotNil(t, got.DateDecision)
	assert.Equal(t, e.now, *got.DateDecision)
	assert.Equal(t, e.now.Add(60*time.Minute), got.DateExpiration, "active requests run from acceptance")
	assert.Equal(t, 2, got.Version)

	sent := e.notifier.all()
	require.Len(t, sent, 2)
	assert.Equal(t, "acces_accorde", sent[1].Type)
	assert.Equal(t, e.patient.ID, sent[1].PatientID)
}

func TestTransition_IllegalEdgesLeaveStatutUnchanged(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 60)
	_, err := e.svc.Transition(context.Background(), r.ID, StatutRefuse, e.patient, "pas maintenant")
	require.NoError(t, err)

	for _, to := range []Statut{StatutActif, StatutEnAttente, StatutExpire} {
		_, err := e.svc.Transition(context.Background(), r.ID, to, e.admin, "")
		assert.Error(t, err, "refuse -> %s", to)
		assert.Equal(t, StatutRefuse, e.stored(t, r.ID).Statut)
	}
	_, err = e.svc.Transition(context.Background(), r.ID, StatutActif, e.patient, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, e.notifier.all(), 2)
}

func TestTransition_ActiveCannotGoBackToPending(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 60)
	_, err := e.svc.Transition(context.Background(), r.ID, StatutActif, e.patient, "")
	require.NoError(t, err)

	_, err = e.svc.Transition(context.Background(), r.ID, StatutEnAttente, e.patient, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = e.svc.Transition(context.Background(), r.ID, StatutRefuse, e.patient, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransition_RoleRules(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 60)

	_, err := e.svc.Transition(context.Background(), r.ID, StatutActif, e.pro, "")
	assert.ErrorIs(t, err, ErrForbidden, "professionals cannot grant themselves access")

	_, err = e.svc.Transition(context.Background(), r.ID, StatutActif, e.admin, "")
	assert.ErrorIs(t, err, ErrForbidden, "admins may only force expiry")

	_, err = e.svc.Transition(context.Background(), r.ID, StatutExpire, e.patient, "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "patients answer a pending request, they do not expire it")
	assert.Equal(t, StatutEnAttente, e.stored(t, r.ID).Statut)
	assert.Len(t, e.notifier.all(), 1)

	got, err := e.svc.Transition(context.Background(), r.ID, StatutExpire, e.admin, "fermeture du service")
	require.NoError(t, err)
	assert.Equal(t, StatutExpire, got.Statut)
	assert.Equal(t, "acces_expire", e.notifier.all()[1].Type)
}

func TestTransition_AcceptAfterLapse(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 30)
	e.advance(31 * time.Minute)

	_, err := e.svc.Transition(context.Background(), r.ID, StatutActif, e.patient, "")
	assert.ErrorIs(t, err, ErrRequestExpired)
	assert.Equal(t, StatutExpire, e.stored(t, r.ID).Statut)
}

func TestTransition_PatientExpiresActive(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 60)
	_, err := e.svc.Transition(context.Background(), r.ID, StatutActif, e.patient, "")
	require.NoError(t, err)

	got, err := e.svc.Transition(context.Background(), r.ID, StatutExpire, e.patient, "")
	require.NoError(t, err)
	assert.Equal(t, StatutExpire, got.Statut)
	sent := e.notifier.all()
	assert.Equal(t, "acces_revoque", sent[len(sent)-1].Type)
}

func TestTransition_SameStatutAfterLapse(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 30)
	_, err := e.svc.Transition(context.Background(), r.ID, StatutActif, e.patient, "")
	require.NoError(t, err)
	e.advance(31 * time.Minute)

	_, err = e.svc.Transition(context.Background(), r.ID, StatutActif, e.patient, "")
	assert.ErrorIs(t, err, ErrRequestExpired)
	assert.Equal(t, StatutExpire, e.stored(t, r.ID).Statut)
}

func TestRevoke(t *testing.T) {
	e := newEnv(t)

	pending := e.create(t, 60)
	got, err := e.svc.Revoke(context.Background(), pending.ID, e.patient)
	require.NoError(t, err)
	assert.Equal(t, StatutRefuse, got.Statut)

	active := e.create(t, 60)
	_, err = e.svc.Transition(context.Background(), active.ID, StatutActif, e.patient, "")
	require.NoError(t, err)
	got, err = e.svc.Revoke(context.Background(), active.ID, e.patient)
	require.NoError(t, err)
	assert.Equal(t, StatutExpire, got.Statut)

	sent := e.notifier.all()
	assert.Equal(t, "acces_revoque", sent[len(sent)-1].Type)

	_, err = e.svc.Revoke(context.Background(), active.ID, e.patient)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRevoke_OtherPatientsRequest(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 60)

	_, err := e.svc.Revoke(context.Background(), r.ID, e.patientB)
	require.ErrorIs(t, err, ErrNotOwner)
	assert.Equal(t, 403, apperr.KindOf(err).HTTPStatus())
	assert.Equal(t, StatutEnAttente, e.stored(t, r.ID).Statut)
	assert.Equal(t, 1, e.stored(t, r.ID).Version)
}

func TestTransition_ConcurrentExactlyOneWins(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 60)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.svc.Transition(context.Background(), r.ID, StatutActif, e.patient, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrVersionConflict):
				conflicts++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)
	assert.Equal(t, 2, e.stored(t, r.ID).Version, "no double write")

	var granted int
	for _, s := range e.notifier.all() {
		if s.Type == "acces_accorde" {
			granted++
		}
	}
	assert.Equal(t, 1, granted)
}

func TestTransition_StaleVersionConflict(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 60)

	stale := e.stored(t, r.ID)
	_, err := e.svc.Transition(context.Background(), r.ID, StatutActif, e.patient, "")
	require.NoError(t, err)

	stale.Statut = StatutRefuse
	err = e.repo.CompareAndSwap(context.Background(), stale)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestSweepExpired(t *testing.T) {
	e := newEnv(t)
	short := e.create(t, 10)
	long := e.create(t, 120)
	active := e.create(t, 15)
	_, err := e.svc.Transition(context.Background(), active.ID, StatutActif, e.patient, "")
	require.NoError(t, err)

	e.advance(20 * time.Minute)
	n, err := e.svc.SweepExpired(context.Background(), auth.System)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, StatutExpire, e.stored(t, short.ID).Statut)
	assert.Equal(t, StatutExpire, e.stored(t, active.ID).Statut)
	assert.Equal(t, StatutEnAttente, e.stored(t, long.ID).Statut)

	n, err = e.svc.SweepExpired(context.Background(), auth.System)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = e.svc.SweepExpired(context.Background(), e.patient)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSweepAndReadAgree(t *testing.T) {
	e := newEnv(t)
	r := e.create(t, 60)
	e.advance(60 * time.Minute)

	got, err := e.svc.GetRequest(context.Background(), r.ID, e.patient)
	require.NoError(t, err)
	assert.Equal(t, StatutExpire, got.Statut)

	n, err := e.svc.SweepExpired(context.Background(), auth.System)
	require.NoError(t, err)
	assert.Zero(t, n, "already expired by the read")
}

func TestListForPatient_FilterAndOrder(t *testing.T) {
	e := newEnv(t)
	first := e.create(t, 30)
	e.advance(time.Minute)
	second := e.create(t, 120)
	e.advance(40 * time.Minute)

	items, total, err := e.svc.ListForPatient(context.Background(), e.patient.ID, e.patient, ListFilter{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 2)
	assert.Equal(t, second.ID, items[0].ID)
	assert.Equal(t, first.ID, items[1].ID)

	expired := StatutExpire
	items, _, err = e.svc.ListForPatient(context.Background(), e.patient.ID, e.patient, ListFilter{Statut: &expired, Limit: 20})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, first.ID, items[0].ID)

	_, _, err = e.svc.ListForPatient(context.Background(), e.patient.ID, e.patientB, ListFilter{Limit: 20})
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestListForProfessional(t *testing.T) {
	e := newEnv(t)
	e.create(t, 30)

	items, total, err := e.svc.ListForProfessional(context.Background(), e.pro.ID, e.pro, ListFilter{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, items, 1)

	_, _, err = e.svc.ListForProfessional(context.Background(), e.pro.ID, e.patient, ListFilter{Limit: 20})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestEveryTransitionNotifiesOnce(t *testing.T) {
	e := newEnv(t)
	a := e.create(t, 60)
	b := e.create(t, 60)
	c := e.create(t, 60)

	_, err := e.svc.Transition(context.Background(), a.ID, StatutActif, e.patient, "")
	require.NoError(t, err)
	_, err = e.svc.Transition(context.Background(), b.ID, StatutRefuse, e.patient, "")
	require.NoError(t, err)
	_, err = e.svc.Revoke(context.Background(), a.ID, e.patient)
	require.NoError(t, err)
	_, err = e.svc.Transition(context.Background(), c.ID, StatutExpire, e.admin, "")
	require.NoError(t, err)

	assert.Len(t, e.notifier.all(), len(e.repo.history))
	for _, s := range e.notifier.all() {
		assert.Equal(t, e.patient.ID, s.PatientID)
	}
}
