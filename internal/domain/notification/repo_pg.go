package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmp/dmp/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const notificationCols = `id, patient_id, professionnel_id, session_id, type_notification, canal_envoi,
	destinataire, titre, contenu_notification, contenu_html, statut_envoi, date_envoi, date_livraison,
	nombre_tentatives, erreur_envoi, delai_expiration, date_expiration, priorite, created_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.PatientID, &n.ProfessionnelID, &n.SessionID, &n.TypeNotification, &n.CanalEnvoi,
		&n.Destinataire, &n.Titre, &n.ContenuNotification, &n.ContenuHTML, &n.StatutEnvoi, &n.DateEnvoi, &n.DateLivraison,
		&n.NombreTentatives, &n.ErreurEnvoi, &n.DelaiExpiration, &n.DateExpiration, &n.Priorite, &n.CreatedAt)
	return &n, err
}

func (r *repoPG) Create(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO notification (id, patient_id, professionnel_id, session_id, type_notification,
			canal_envoi, destinataire, titre, contenu_notification, contenu_html, statut_envoi,
			date_envoi, date_livraison, nombre_tentatives, delai_expiration, date_expiration,
			priorite, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING created_at`,
		n.ID, n.PatientID, n.ProfessionnelID, n.SessionID, n.TypeNotification,
		n.CanalEnvoi, n.Destinataire, n.Titre, n.ContenuNotification, n.ContenuHTML, n.StatutEnvoi,
		n.DateEnvoi, n.DateLivraison, n.NombreTentatives, n.DelaiExpiration, n.DateExpiration,
		n.Priorite, n.CreatedAt).Scan(&n.CreatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	n, err := scanNotification(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+notificationCols+` FROM notification WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, f Filter) ([]*Notification, int, error) {
	where := ` WHERE patient_id = $1`
	args := []interface{}{patientID}
	if f.Type != "" {
		where += ` AND type_notification = $2`
		args = append(args, f.Type)
	}

	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM notification`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := `SELECT ` + notificationCols + ` FROM notification` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Notification
	for rows.Next() {
		item, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	return items, total, rows.Err()
}

func (r *repoPG) IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE notification SET nombre_tentatives = nombre_tentatives + 1
		WHERE id = $1 RETURNING nombre_tentatives`, id).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

func (r *repoPG) RecordError(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE notification SET erreur_envoi = $2 WHERE id = $1`, id, msg)
	return err
}

func (r *repoPG) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE notification SET statut_envoi = 'envoye', date_envoi = $2, erreur_envoi = NULL
		WHERE id = $1 AND statut_envoi = 'en_attente'`, id, at)
	return err
}

func (r *repoPG) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE notification SET statut_envoi = 'echec', erreur_envoi = $2
		WHERE id = $1 AND statut_envoi = 'en_attente'`, id, msg)
	return err
}

func (r *repoPG) ListPending(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id FROM notification
		WHERE statut_envoi = 'en_attente'
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repoPG) Requeue(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE notification SET statut_envoi = 'en_attente', nombre_tentatives = 0
		WHERE id = $1 AND statut_envoi = 'echec'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrNotRetryable
	}
	return nil
}
