package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/servicequeues/internal/domain/routing"
)

// Admit performs a routing action, translating queue failures into the
// routing error classes.
func (s *Service) Admit(ctx context.Context, req routing.AdmitRequest) (*routing.Admission, error) {
	var (
		entry *Entry
		err   error
	)
	switch req.Action {
	case routing.ActionStartVisit, routing.ActionCheckIn:
		visitType := req.VisitType
		if visitType == "" && req.Action == routing.ActionCheckIn {
			visitType = routing.DefaultCheckInVisitType
		}
		entry, err = s.AdmitNewVisit(ctx, NewAdmission{
			QueueID:       req.QueueID,
			PatientID:     req.PatientID,
			VisitType:     visitType,
			LocationID:    req.LocationID,
			AppointmentID: req.AppointmentID,
			Priority:      req.Priority,
		})
	case routing.ActionQueueExistingVisit:
		if req.VisitID == nil {
			return nil, fmt.Errorf("%w: visit_id is required", routing.ErrInvalidRequest)
		}
		entry, err = s.AdmitExistingVisit(ctx, ExistingAdmission{
			QueueID:   req.QueueID,
			PatientID: req.PatientID,
			VisitID:   *req.VisitID,
			Priority:  req.Priority,
		})
	default:
		return nil, fmt.Errorf("%w: unknown action %q", routing.ErrInvalidRequest, req.Action)
	}
	if err != nil {
		return nil, classifyAdmitError(err)
	}
	return &routing.Admission{EntryID: entry.ID, QueueID: entry.QueueID, VisitID: entry.VisitID}, nil
}

func classifyAdmitError(err error) error {
	switch {
	case errors.Is(err, ErrQueueNotFound), errors.Is(err, ErrVisitNotFound), errors.Is(err, ErrAppointmentNotFound):
		return fmt.Errorf("%w: %w", routing.ErrAdmissionNotFound, err)
	case errors.Is(err, ErrAlreadyQueued), errors.Is(err, ErrVisitNotActive):
		return fmt.Errorf("%w: %w", routing.ErrAdmissionConflict, err)
	case errors.Is(err, ErrInvalidAdmission):
		return fmt.Errorf("%w: %w", routing.ErrInvalidRequest, err)
	}
	return err
}
