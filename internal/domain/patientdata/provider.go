package patientdata

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrPatientNotFound = errors.New("patient not found")

// Provider resolves the facts the routing workflow waits on. GetActiveVisit
// returns (nil, nil) when the patient has no open visit.
type Provider interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*PatientRef, error)
	GetActiveVisit(ctx context.Context, patientID uuid.UUID) (*Visit, error)
	GetAppointments(ctx context.Context, patientID uuid.UUID) (*AppointmentSet, error)
}
