package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/dmp/dmp/internal/domain/access"
	"github.com/dmp/dmp/internal/domain/identity"
	"github.com/dmp/dmp/internal/platform/auth"
	"github.com/dmp/dmp/internal/platform/metrics"
	notify "github.com/dmp/dmp/internal/platform/notification"
	"github.com/dmp/dmp/internal/platform/websocket"
)

const (
	attemptTimeout = 30 * time.Second
	resumeBatch    = 500
	dateLayout     = "02/01/2006 15:04"
)

// Contacts resolves who a notification goes to.
type Contacts interface {
	PatientContact(ctx context.Context, patientID uuid.UUID) (identity.Contact, error)
	ProfessionalName(ctx context.Context, id uuid.UUID) string
}

type Deliverer interface {
	Deliver(ctx context.Context, m notify.Message) error
}

// Publisher pushes stored notifications to connected clients.
type Publisher interface {
	Publish(ctx context.Context, event websocket.Event) error
}

type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ExpiryMinutes  int
	Location       *time.Location
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.ExpiryMinutes <= 0 {
		c.ExpiryMinutes = 7 * 24 * 60
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Dispatcher persists a notification for each access request transition and
// delivers it on a pool of workers. Delivery outcome never flows back to the
// transition that triggered it.
type Dispatcher struct {
	repo      Repository
	contacts  Contacts
	templates *notify.TemplateEngine
	deliverer Deliverer
	cfg       Config
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	policy    *auth.Policy
	types     map[string]bool
	publisher Publisher

	locks *keyedMutex

	mu      sync.RWMutex
	queue   chan uuid.UUID
	closed  bool
	workers *pool.Pool
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }
func WithLogger(l zerolog.Logger) Option    { return func(d *Dispatcher) { d.logger = l } }
func WithPolicy(p *auth.Policy) Option      { return func(d *Dispatcher) { d.policy = p } }
func WithPublisher(p Publisher) Option      { return func(d *Dispatcher) { d.publisher = p } }

// WithTypes restricts the notification types accepted by list filters.
func WithTypes(types []string) Option {
	return func(d *Dispatcher) {
		d.types = make(map[string]bool, len(types))
		for _, t := range types {
			d.types[t] = true
		}
	}
}

func NewDispatcher(repo Repository, contacts Contacts, templates *notify.TemplateEngine, deliverer Deliverer, cfg Config, opts ...Option) *Dispatcher {
	cfg.defaults()
	d := &Dispatcher{
		repo:      repo,
		contacts:  contacts,
		templates: templates,
		deliverer: deliverer,
		cfg:       cfg,
		now:       time.Now,
		logger:    zerolog.Nop(),
		locks:     newKeyedMutex(),
		queue:     make(chan uuid.UUID, cfg.QueueSize),
	}
	for _, o := range opts {
		o(d)
	}
	if d.policy == nil {
		d.policy = auth.MustNewPolicy()
	}
	if d.types == nil {
		WithTypes(notify.BuiltInTypes())(d)
	}
	return d
}

// Start launches the delivery workers. They run until ctx is cancelled or
// Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	p := pool.New().WithMaxGoroutines(d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		p.Go(func() { d.work(ctx) })
	}
	d.mu.Lock()
	d.workers = p
	d.mu.Unlock()
}

// Close stops accepting work, lets the workers drain the queue and waits
// for them.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	p := d.workers
	d.mu.Unlock()

	if p != nil {
		p.Wait()
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-d.queue:
			if !ok {
				return
			}
			d.metrics.QueueDepth(len(d.queue))
			d.deliver(ctx, id)
		}
	}
}

// enqueue never blocks. A notification that does not fit stays en_attente
// and is picked up by ResumePending.
func (d *Dispatcher) enqueue(id uuid.UUID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- id:
		d.metrics.QueueDepth(len(d.queue))
		return true
	default:
		d.logger.Warn().Str("notification_id", id.String()).Msg("delivery queue full, left pending")
		return false
	}
}

// NotifyTransition records the notification for t and schedules delivery.
// It only fails when the row cannot be written.
func (d *Dispatcher) NotifyTransition(ctx context.Context, r *access.AccessRequest, t access.Transition) error {
	typ := t.NotificationType()
	contact, err := d.contacts.PatientContact(ctx, r.PatientID)
	if err != nil {
		d.logger.Warn().Err(err).Str("patient_id", r.PatientID.String()).Msg("patient contact unavailable, using in-app")
		contact = identity.Contact{PatientID: r.PatientID, Channel: string(notify.ChannelInApp)}
	}
	channel, err := notify.ParseChannel(contact.Channel)
	if err != nil {
		channel = notify.ChannelInApp
	}

	data := d.templateData(ctx, r, t, contact)
	rendered, err := d.templates.Render(notify.TemplateKey{Type: typ, Channel: channel}, data)
	if err != nil && channel != notify.ChannelInApp {
		channel, contact.Address = notify.ChannelInApp, ""
		rendered, err = d.templates.Render(notify.TemplateKey{Type: typ, Channel: channel}, data)
	}
	if err != nil {
		return fmt.Errorf("render %s notification: %w", typ, err)
	}

	now := d.now()
	proID, demandeID := r.ProfessionnelID, r.ID
	n := &Notification{
		ID:                  uuid.New(),
		PatientID:           r.PatientID,
		ProfessionnelID:     &proID,
		SessionID:           &demandeID,
		TypeNotification:    typ,
		CanalEnvoi:          string(channel),
		Destinataire:        contact.Address,
		Titre:               rendered.Title,
		ContenuNotification: rendered.Text,
		StatutEnvoi:         StatutEnAttente,
		DelaiExpiration:     d.cfg.ExpiryMinutes,
		DateExpiration:      now.Add(time.Duration(d.cfg.ExpiryMinutes) * time.Minute),
		Priorite:            priorityFor(typ, r.ModeAcces),
		CreatedAt:           now,
	}
	if rendered.HTML != "" {
		html := rendered.HTML
		n.ContenuHTML = &html
	}
	if channel == notify.ChannelInApp {
		// Stored is delivered for the in-app inbox.
		n.StatutEnvoi = StatutLivre
		n.DateEnvoi, n.DateLivraison = &now, &now
		n.NombreTentatives = 1
	}

	if err := d.repo.Create(ctx, n); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	d.publish(ctx, n)
	if channel == notify.ChannelInApp {
		d.metrics.NotificationSettled(string(channel), StatutLivre, 1)
		return nil
	}
	d.enqueue(n.ID)
	return nil
}

// PatientTopic is the websocket topic carrying a patient's notifications.
func PatientTopic(patientID uuid.UUID) string {
	return "patient:" + patientID.String()
}

func (d *Dispatcher) publish(ctx context.Context, n *Notification) {
	if d.publisher == nil {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	ev := websocket.Event{Type: "notification", Topic: PatientTopic(n.PatientID), Timestamp: n.CreatedAt, Data: data}
	if err := d.publisher.Publish(ctx, ev); err != nil {
		d.logger.Warn().Err(err).Str("notification_id", n.ID.String()).Msg("push notification")
	}
}

func (d *Dispatcher) templateData(ctx context.Context, r *access.AccessRequest, t access.Transition, contact identity.Contact) map[string]string {
	prenom := contact.Prenom
	if prenom == "" {
		prenom = "Madame, Monsieur"
	}
	data := map[string]string{
		"patient_prenom":    prenom,
		"professionnel_nom": d.contacts.ProfessionalName(ctx, r.ProfessionnelID),
		"mode_acces":        r.ModeAcces,
		"duree_acces":       strconv.Itoa(r.DureeAcces),
		"raison":            r.RaisonAcces,
		"date_expiration":   r.DateExpiration.In(d.cfg.Location).Format(dateLayout),
		"raison_decision":   "",
	}
	if t.To == access.StatutRefuse && t.Reason != "" {
		data["raison_decision"] = "Motif : " + t.Reason
	}
	return data
}

func priorityFor(typ, mode string) string {
	switch typ {
	case "demande_validation":
		if mode == access.ModeUrgence {
			return PrioriteUrgente
		}
		return PrioriteHaute
	case "acces_accorde", "acces_revoque":
		return PrioriteNormale
	default:
		return PrioriteBasse
	}
}

// deliver runs the retry loop for one notification. Attempts on the same
// row never overlap.
func (d *Dispatcher) deliver(ctx context.Context, id uuid.UUID) {
	unlock := d.locks.Lock(id)
	defer unlock()

	n, err := d.repo.GetByID(ctx, id)
	if err != nil {
		d.logger.Error().Err(err).Str("notification_id", id.String()).Msg("load notification")
		return
	}
	if n.StatutEnvoi != StatutEnAttente {
		return
	}
	log := d.logger.With().Str("notification_id", id.String()).Str("canal", n.CanalEnvoi).Logger()

	if !d.now().Before(n.DateExpiration) {
		d.fail(ctx, n, n.NombreTentatives, "notification expirée avant envoi")
		return
	}
	remaining := d.cfg.MaxAttempts - n.NombreTentatives
	if remaining <= 0 {
		d.fail(ctx, n, n.NombreTentatives, "nombre maximal de tentatives atteint")
		return
	}

	msg := notify.Message{
		Channel: notify.Channel(n.CanalEnvoi),
		To:      n.Destinataire,
		Rendered: notify.Rendered{
			Title: n.Titre,
			Text:  n.ContenuNotification,
		},
	}
	if n.ContenuHTML != nil {
		msg.HTML = *n.ContenuHTML
	}

	attempts := n.NombreTentatives
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		count, err := d.repo.IncrementAttempt(ctx, id)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		attempts = count

		actx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()
		if err := d.deliverer.Deliver(actx, msg); err != nil {
			if rerr := d.repo.RecordError(ctx, id, err.Error()); rerr != nil {
				log.Error().Err(rerr).Msg("record delivery error")
			}
			if notify.Permanent(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(remaining)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn().Err(err).Dur("retry_in", wait).Msg("notification delivery failed")
		}),
	)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		d.fail(ctx, n, attempts, err.Error())
		return
	}

	if err := d.repo.MarkSent(ctx, id, d.now()); err != nil {
		log.Error().Err(err).Msg("mark notification sent")
		return
	}
	d.metrics.NotificationSettled(n.CanalEnvoi, StatutEnvoye, attempts)
	log.Debug().Int("tentatives", attempts).Msg("notification sent")
}

func (d *Dispatcher) fail(ctx context.Context, n *Notification, attempts int, reason string) {
	if err := d.repo.MarkFailed(ctx, n.ID, reason); err != nil {
		d.logger.Error().Err(err).Str("notification_id", n.ID.String()).Msg("mark notification failed")
		return
	}
	d.metrics.NotificationSettled(n.CanalEnvoi, StatutEchec, attempts)
	d.logger.Warn().Str("notification_id", n.ID.String()).Int("tentatives", attempts).Str("erreur", reason).
		Msg("notification delivery abandoned")
}

// ResumePending re-enqueues notifications left en_attente, e.g. by a
// restart or a full queue. It returns how many were enqueued.
func (d *Dispatcher) ResumePending(ctx context.Context) (int, error) {
	ids, err := d.repo.ListPending(ctx, resumeBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if d.enqueue(id) {
			n++
		}
	}
	return n, nil
}
