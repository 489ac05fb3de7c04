package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	GetQueue(ctx context.Context, id uuid.UUID) (*Queue, error)

	GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error)
	ListActiveEntries(ctx context.Context, queueID uuid.UUID, limit, offset int) ([]*Entry, int, error)
	// AllActiveEntries returns every active entry in queue order.
	AllActiveEntries(ctx context.Context, queueID uuid.UUID) ([]*Entry, error)
	CreateEntry(ctx context.Context, e *Entry) error
	// EndEntry returns ErrEntryNotActive if the entry is missing or already ended.
	EndEntry(ctx context.Context, id uuid.UUID, at time.Time) error
	HasActiveEntry(ctx context.Context, queueID, visitID uuid.UUID) (bool, error)

	CreateVisit(ctx context.Context, v *NewVisit) error
	// GetOpenVisit returns ErrVisitNotActive when the encounter has ended.
	GetOpenVisit(ctx context.Context, id uuid.UUID) (*OpenVisit, error)
	// FinishVisit is a no-op for an encounter that has already ended.
	FinishVisit(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkAppointmentArrived(ctx context.Context, id uuid.UUID) error
}
