package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/servicequeues/internal/platform/db"
)

var (
	ErrQueueNotFound       = errors.New("queue not found")
	ErrEntryNotFound       = errors.New("queue entry not found")
	ErrEntryNotActive      = errors.New("queue entry is not active")
	ErrEntryNotInQueue     = errors.New("queue entry belongs to another queue")
	ErrAlreadyQueued       = errors.New("visit is already active in this queue")
	ErrVisitNotFound       = errors.New("visit not found")
	ErrVisitNotActive      = errors.New("visit has ended")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrInvalidAdmission    = errors.New("invalid admission")
)

// NewAdmission places a patient in a queue under a freshly created visit.
type NewAdmission struct {
	QueueID       uuid.UUID
	PatientID     uuid.UUID
	VisitType     string
	LocationID    *uuid.UUID
	AppointmentID *uuid.UUID
	Priority      string
}

// ExistingAdmission places an open visit in a queue.
type ExistingAdmission struct {
	QueueID   uuid.UUID
	PatientID uuid.UUID
	VisitID   uuid.UUID
	Priority  string
}

type Service struct {
	repo Repository
	tx   db.TxRunner
	now  func() time.Time
}

func NewService(repo Repository, tx db.TxRunner) *Service {
	return &Service{repo: repo, tx: tx, now: time.Now}
}

// EndVisit ends the entry and the visit it belongs to in one transaction.
func (s *Service) EndVisit(ctx context.Context, e *Entry) error {
	if e == nil || e.ID == uuid.Nil {
		return ErrEntryNotFound
	}
	at := s.now().UTC()
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.EndEntry(ctx, e.ID, at); err != nil {
			return err
		}
		return s.repo.FinishVisit(ctx, e.VisitID, at)
	})
}

// EndEntryByID loads an entry and ends it with its visit.
func (s *Service) EndEntryByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := s.repo.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Active() {
		return nil, ErrEntryNotActive
	}
	if err := s.EndVisit(ctx, e); err != nil {
		return nil, err
	}
	at := s.now().UTC()
	e.Status = StatusEnded
	e.EndedAt = &at
	return e, nil
}

func (s *Service) ListActiveEntries(ctx context.Context, queueID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	if _, err := s.repo.GetQueue(ctx, queueID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListActiveEntries(ctx, queueID, limit, offset)
}

// GetEntries resolves the entries of a queue to clear. No ids means every
// active entry. Named entries must be active members of the queue.
func (s *Service) GetEntries(ctx context.Context, queueID uuid.UUID, ids []uuid.UUID) ([]*Entry, error) {
	if _, err := s.repo.GetQueue(ctx, queueID); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return s.repo.AllActiveEntries(ctx, queueID)
	}

	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		e, err := s.repo.GetEntry(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", id, err)
		}
		if e.QueueID != queueID {
			return nil, fmt.Errorf("entry %s: %w", id, ErrEntryNotInQueue)
		}
		if !e.Active() {
			return nil, fmt.Errorf("entry %s: %w", id, ErrEntryNotActive)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// AdmitNewVisit creates an in-progress visit and a waiting entry for it. A
// referenced appointment is marked arrived.
func (s *Service) AdmitNewVisit(ctx context.Context, req NewAdmission) (*Entry, error) {
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidAdmission)
	}
	if req.VisitType == "" {
		return nil, fmt.Errorf("%w: visit_type is required", ErrInvalidAdmission)
	}
	priority, weight, ok := sortWeight(req.Priority)
	if !ok {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidAdmission, req.Priority)
	}

	var entry *Entry
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		q, err := s.repo.GetQueue(ctx, req.QueueID)
		if err != nil {
			return err
		}
		at := s.now().UTC()
		location := req.LocationID
		if location == nil {
			location = q.LocationID
		}
		visit := &NewVisit{
			PatientID:     req.PatientID,
			VisitType:     req.VisitType,
			LocationID:    location,
			AppointmentID: req.AppointmentID,
			StartedAt:     at,
		}
		if err := s.repo.CreateVisit(ctx, visit); err != nil {
			return err
		}
		if req.AppointmentID != nil {
			if err := s.repo.MarkAppointmentArrived(ctx, *req.AppointmentID); err != nil {
				return err
			}
		}
		entry = &Entry{
			QueueID:      q.ID,
			PatientID:    req.PatientID,
			VisitID:      visit.ID,
			Status:       StatusWaiting,
			PriorityCode: priority,
			SortWeight:   weight,
			StartedAt:    at,
		}
		return s.repo.CreateEntry(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// AdmitExistingVisit queues an open visit of the patient.
func (s *Service) AdmitExistingVisit(ctx context.Context, req ExistingAdmission) (*Entry, error) {
	priority, weight, ok := sortWeight(req.Priority)
	if !ok {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidAdmission, req.Priority)
	}

	var entry *Entry
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.GetQueue(ctx, req.QueueID); err != nil {
			return err
		}
		visit, err := s.repo.GetOpenVisit(ctx, req.VisitID)
		if err != nil {
			return err
		}
		if visit.PatientID != req.PatientID {
			return fmt.Errorf("%w: visit belongs to another patient", ErrInvalidAdmission)
		}
		queued, err := s.repo.HasActiveEntry(ctx, req.QueueID, req.VisitID)
		if err != nil {
			return err
		}
		if queued {
			return ErrAlreadyQueued
		}
		entry = &Entry{
			QueueID:      req.QueueID,
			PatientID:    req.PatientID,
			VisitID:      req.VisitID,
			Status:       StatusWaiting,
			PriorityCode: priority,
			SortWeight:   weight,
			StartedAt:    s.now().UTC(),
		}
		return s.repo.CreateEntry(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}
