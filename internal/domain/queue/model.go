package queue

import (
	"time"

	"github.com/google/uuid"
)

type EntryStatus string

const (
	StatusWaiting   EntryStatus = "waiting"
	StatusInService EntryStatus = "in-service"
	StatusEnded     EntryStatus = "ended"
)

// Priority codes, highest first. Entries are served by descending sort
// weight, then by arrival.
const (
	PriorityEmergency = "emergency"
	PriorityUrgent    = "urgent"
	PriorityNormal    = "normal"
)

var priorityWeights = map[string]int{
	PriorityEmergency: 20,
	PriorityUrgent:    10,
	PriorityNormal:    0,
}

// sortWeight normalises a priority code. An empty code means normal.
func sortWeight(priority string) (string, int, bool) {
	if priority == "" {
		priority = PriorityNormal
	}
	w, ok := priorityWeights[priority]
	return priority, w, ok
}

// Queue is a clinical service queue, e.g. triage or pharmacy at a location.
type Queue struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	ServiceCode string     `db:"service_code" json:"service_code"`
	LocationID  *uuid.UUID `db:"location_id" json:"location_id,omitempty"`
}

// Entry is a patient's placement in a queue. Ending an entry also ends the
// visit it belongs to.
type Entry struct {
	ID           uuid.UUID   `db:"id" json:"id"`
	QueueID      uuid.UUID   `db:"queue_id" json:"queue_id"`
	PatientID    uuid.UUID   `db:"patient_id" json:"patient_id"`
	VisitID      uuid.UUID   `db:"visit_id" json:"visit_id"`
	Status       EntryStatus `db:"status" json:"status"`
	PriorityCode string      `db:"priority_code" json:"priority"`
	SortWeight   int         `db:"sort_weight" json:"sort_weight"`
	StartedAt    time.Time   `db:"started_at" json:"started_at"`
	EndedAt      *time.Time  `db:"ended_at" json:"ended_at,omitempty"`
	PatientName  string      `json:"patient_name,omitempty"`
}

// Active reports whether the entry has not been ended.
func (e *Entry) Active() bool {
	return e.EndedAt == nil && e.Status != StatusEnded
}

// NewVisit is an encounter created when a patient is admitted to a queue.
type NewVisit struct {
	ID            uuid.UUID
	PatientID     uuid.UUID
	VisitType     string
	LocationID    *uuid.UUID
	AppointmentID *uuid.UUID
	StartedAt     time.Time
}

// OpenVisit is the identity of an encounter that has not ended.
type OpenVisit struct {
	ID        uuid.UUID
	PatientID uuid.UUID
}
