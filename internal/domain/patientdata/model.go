package patientdata

import (
	"time"

	"github.com/google/uuid"
)

// PatientRef is the minimal patient identity the routing workflow needs.
type PatientRef struct {
	ID          uuid.UUID `json:"id"`
	GivenName   string    `json:"given_name"`
	FamilyName  string    `json:"family_name"`
	DisplayName string    `json:"display_name"`
}

// Visit is an open encounter. A patient has at most one active visit.
type Visit struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	PatientID     uuid.UUID  `db:"patient_id" json:"patient_id"`
	Status        string     `db:"status" json:"status"`
	VisitType     string     `db:"visit_type" json:"visit_type"`
	LocationID    *uuid.UUID `db:"location_id" json:"location_id,omitempty"`
	AppointmentID *uuid.UUID `db:"appointment_id" json:"appointment_id,omitempty"`
	StartedAt     time.Time  `db:"period_start" json:"started_at"`
}

// Appointment is a scheduled encounter, distinct from a walk-in queue entry.
type Appointment struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patient_id"`
	Status             string     `db:"status" json:"status"`
	StartTime          time.Time  `db:"start_time" json:"start_time"`
	EndTime            *time.Time `db:"end_time" json:"end_time,omitempty"`
	ServiceTypeCode    *string    `db:"service_type_code" json:"service_type_code,omitempty"`
	ServiceTypeDisplay *string    `db:"service_type_display" json:"service_type_display,omitempty"`
	PractitionerID     *uuid.UUID `db:"practitioner_id" json:"practitioner_id,omitempty"`
	LocationID         *uuid.UUID `db:"location_id" json:"location_id,omitempty"`
	Description        *string    `db:"description" json:"description,omitempty"`
}

// AppointmentSet groups a patient's appointments into two windows. A nil
// slice means the window is absent; an empty non-nil slice is present.
type AppointmentSet struct {
	FutureVisits []*Appointment `json:"future_visits"`
	RecentVisits []*Appointment `json:"recent_visits"`
}

// HasAppointments reports whether either window is present, regardless of
// its length.
func (s *AppointmentSet) HasAppointments() bool {
	if s == nil {
		return false
	}
	return s.FutureVisits != nil || s.RecentVisits != nil
}

// Find returns the appointment with the given id from either window.
func (s *AppointmentSet) Find(id uuid.UUID) *Appointment {
	if s == nil {
		return nil
	}
	for _, window := range [][]*Appointment{s.FutureVisits, s.RecentVisits} {
		for _, a := range window {
			if a != nil && a.ID == id {
				return a
			}
		}
	}
	return nil
}

// Equal compares presence of each window and the identity, status and time
// of every appointment in it.
func (s *AppointmentSet) Equal(other *AppointmentSet) bool {
	if s == nil || other == nil {
		return s == other
	}
	return sameWindow(s.FutureVisits, other.FutureVisits) && sameWindow(s.RecentVisits, other.RecentVisits)
}

func sameWindow(a, b []*Appointment) bool {
	if (a == nil) != (b == nil) || len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x == nil || y == nil {
			if x != y {
				return false
			}
			continue
		}
		if x.ID != y.ID || x.Status != y.Status || !x.StartTime.Equal(y.StartTime) {
			return false
		}
	}
	return true
}

func displayName(given, family string) string {
	switch {
	case given == "":
		return family
	case family == "":
		return given
	default:
		return given + " " + family
	}
}
