package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/servicequeues/internal/platform/db"
)

type repoPG struct {
	conn db.Querier
}

func NewRepo(conn db.Querier) Repository {
	return &repoPG{conn: conn}
}

const entryCols = `qe.id, qe.queue_id, qe.patient_id, qe.visit_id, qe.status,
	qe.priority_code, qe.sort_weight, qe.started_at, qe.ended_at,
	COALESCE(p.given_name || ' ' || p.family_name, '')`

const entryFrom = ` FROM queue_entry qe LEFT JOIN patient p ON p.id = qe.patient_id`

const activeOrder = ` ORDER BY qe.sort_weight DESC, qe.started_at ASC, qe.id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.QueueID, &e.PatientID, &e.VisitID, &e.Status,
		&e.PriorityCode, &e.SortWeight, &e.StartedAt, &e.EndedAt, &e.PatientName)
	if err != nil {
		return nil, err
	}
	e.PatientName = strings.TrimSpace(e.PatientName)
	return &e, nil
}

func (r *repoPG) GetQueue(ctx context.Context, id uuid.UUID) (*Queue, error) {
	var q Queue
	err := db.Conn(ctx, r.conn).QueryRow(ctx,
		`SELECT id, name, service_code, location_id FROM service_queue WHERE id = $1`, id,
	).Scan(&q.ID, &q.Name, &q.ServiceCode, &q.LocationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrQueueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return &q, nil
}

func (r *repoPG) GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(db.Conn(ctx, r.conn).QueryRow(ctx,
		`SELECT `+entryCols+entryFrom+` WHERE qe.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return e, nil
}

func (r *repoPG) ListActiveEntries(ctx context.Context, queueID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := db.Conn(ctx, r.conn).QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_entry WHERE queue_id = $1 AND ended_at IS NULL`, queueID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count queue entries: %w", err)
	}

	items, err := r.listEntries(ctx, `SELECT `+entryCols+entryFrom+
		` WHERE qe.queue_id = $1 AND qe.ended_at IS NULL`+activeOrder+` LIMIT $2 OFFSET $3`,
		queueID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list queue entries: %w", err)
	}
	return items, total, nil
}

func (r *repoPG) AllActiveEntries(ctx context.Context, queueID uuid.UUID) ([]*Entry, error) {
	items, err := r.listEntries(ctx, `SELECT `+entryCols+entryFrom+
		` WHERE qe.queue_id = $1 AND qe.ended_at IS NULL`+activeOrder, queueID)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	return items, nil
}

func (r *repoPG) listEntries(ctx context.Context, query string, args ...interface{}) ([]*Entry, error) {
	rows, err := db.Conn(ctx, r.conn).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *repoPG) CreateEntry(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.conn).Exec(ctx, `
		INSERT INTO queue_entry (id, queue_id, patient_id, visit_id, status, priority_code, sort_weight, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.QueueID, e.PatientID, e.VisitID, e.Status, e.PriorityCode, e.SortWeight, e.StartedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyQueued
	}
	if err != nil {
		return fmt.Errorf("create queue entry: %w", err)
	}
	return nil
}

func (r *repoPG) EndEntry(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.Conn(ctx, r.conn).Exec(ctx, `
		UPDATE queue_entry SET status = $2, ended_at = $3, updated_at = $3
		WHERE id = $1 AND ended_at IS NULL`, id, StatusEnded, at)
	if err != nil {
		return fmt.Errorf("end queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotActive
	}
	return nil
}

func (r *repoPG) HasActiveEntry(ctx context.Context, queueID, visitID uuid.UUID) (bool, error) {
	var exists bool
	err := db.Conn(ctx, r.conn).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM queue_entry WHERE queue_id = $1 AND visit_id = $2 AND ended_at IS NULL)`,
		queueID, visitID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check queue entry: %w", err)
	}
	return exists, nil
}

func (r *repoPG) CreateVisit(ctx context.Context, v *NewVisit) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.conn).Exec(ctx, `
		INSERT INTO encounter (id, patient_id, status, visit_type, location_id, appointment_id, period_start)
		VALUES ($1, $2, 'in-progress', $3, $4, $5, $6)`,
		v.ID, v.PatientID, v.VisitType, v.LocationID, v.AppointmentID, v.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create visit: %w", err)
	}
	return nil
}

func (r *repoPG) GetOpenVisit(ctx context.Context, id uuid.UUID) (*OpenVisit, error) {
	var v OpenVisit
	var ended *time.Time
	err := db.Conn(ctx, r.conn).QueryRow(ctx,
		`SELECT id, patient_id, period_end FROM encounter WHERE id = $1`, id,
	).Scan(&v.ID, &v.PatientID, &ended)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVisitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get visit: %w", err)
	}
	if ended != nil {
		return nil, ErrVisitNotActive
	}
	return &v, nil
}

func (r *repoPG) FinishVisit(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.Conn(ctx, r.conn).Exec(ctx, `
		UPDATE encounter SET status = 'finished', period_end = $2, updated_at = $2
		WHERE id = $1 AND period_end IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("finish visit: %w", err)
	}
	return nil
}

func (r *repoPG) MarkAppointmentArrived(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.conn).Exec(ctx, `
		UPDATE appointment SET status = 'arrived', updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark appointment arrived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}
