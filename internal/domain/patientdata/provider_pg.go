package patientdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/servicequeues/internal/platform/db"
)

type providerPG struct {
	conn         db.Querier
	recentWindow time.Duration
	now          func() time.Time
}

// NewProvider returns a Postgres-backed Provider. Recent visits are the
// appointments that started within recentWindow before now.
func NewProvider(conn db.Querier, recentWindow time.Duration) Provider {
	return &providerPG{conn: conn, recentWindow: recentWindow, now: time.Now}
}

func (p *providerPG) GetPatient(ctx context.Context, id uuid.UUID) (*PatientRef, error) {
	var ref PatientRef
	err := db.Conn(ctx, p.conn).QueryRow(ctx,
		`SELECT id, given_name, family_name FROM patient WHERE id = $1`, id,
	).Scan(&ref.ID, &ref.GivenName, &ref.FamilyName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	ref.DisplayName = displayName(ref.GivenName, ref.FamilyName)
	return &ref, nil
}

func (p *providerPG) GetActiveVisit(ctx context.Context, patientID uuid.UUID) (*Visit, error) {
	var v Visit
	err := db.Conn(ctx, p.conn).QueryRow(ctx, `
		SELECT id, patient_id, status, visit_type, location_id, appointment_id, period_start
		FROM encounter
		WHERE patient_id = $1 AND period_end IS NULL AND status IN ('arrived', 'in-progress')
		ORDER BY period_start DESC
		LIMIT 1`, patientID,
	).Scan(&v.ID, &v.PatientID, &v.Status, &v.VisitType, &v.LocationID, &v.AppointmentID, &v.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active visit: %w", err)
	}
	return &v, nil
}

const apptCols = `id, patient_id, status, start_time, end_time,
	service_type_code, service_type_display, practitioner_id, location_id, description`

// GetAppointments reports a window as absent when it has no rows.
func (p *providerPG) GetAppointments(ctx context.Context, patientID uuid.UUID) (*AppointmentSet, error) {
	now := p.now().UTC()

	future, err := p.listAppointments(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE patient_id = $1 AND start_time >= $2
		  AND status NOT IN ('cancelled', 'noshow', 'entered-in-error')
		ORDER BY start_time`, patientID, now)
	if err != nil {
		return nil, fmt.Errorf("list future appointments: %w", err)
	}

	recent, err := p.listAppointments(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE patient_id = $1 AND start_time >= $2 AND start_time < $3
		  AND status NOT IN ('cancelled', 'noshow', 'entered-in-error')
		ORDER BY start_time DESC`, patientID, now.Add(-p.recentWindow), now)
	if err != nil {
		return nil, fmt.Errorf("list recent appointments: %w", err)
	}

	return &AppointmentSet{FutureVisits: future, RecentVisits: recent}, nil
}

func (p *providerPG) listAppointments(ctx context.Context, query string, args ...interface{}) ([]*Appointment, error) {
	rows, err := db.Conn(ctx, p.conn).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.PatientID, &a.Status, &a.StartTime, &a.EndTime,
			&a.ServiceTypeCode, &a.ServiceTypeDisplay, &a.PractitionerID, &a.LocationID, &a.Description); err != nil {
			return nil, err
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}
