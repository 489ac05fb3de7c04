package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type fakeVisit struct {
	patientID uuid.UUID
	visitType string
	location  *uuid.UUID
	ended     *time.Time
}

// fakeRepo is an in-memory Repository.
type fakeRepo struct {
	mu       sync.Mutex
	queues   map[uuid.UUID]*Queue
	entries  map[uuid.UUID]*Entry
	visits   map[uuid.UUID]*fakeVisit
	arrived  map[uuid.UUID]bool
	appts    map[uuid.UUID]bool
	endErr   map[uuid.UUID]error
	endCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		queues:  make(map[uuid.UUID]*Queue),
		entries: make(map[uuid.UUID]*Entry),
		visits:  make(map[uuid.UUID]*fakeVisit),
		arrived: make(map[uuid.UUID]bool),
		appts:   make(map[uuid.UUID]bool),
		endErr:  make(map[uuid.UUID]error),
	}
}

func (r *fakeRepo) addQueue() *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := &Queue{ID: uuid.New(), Name: "Triage", ServiceCode: "triage"}
	r.queues[q.ID] = q
	return q
}

// addEntry seeds an active entry with an open visit.
func (r *fakeRepo) addEntry(queueID uuid.UUID, startedAt time.Time) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &Entry{
		ID:           uuid.New(),
		QueueID:      queueID,
		PatientID:    uuid.New(),
		VisitID:      uuid.New(),
		Status:       StatusWaiting,
		PriorityCode: PriorityNormal,
		StartedAt:    startedAt,
	}
	r.entries[e.ID] = e
	r.visits[e.VisitID] = &fakeVisit{patientID: e.PatientID, visitType: "walk-in"}
	return e
}

func (r *fakeRepo) entry(id uuid.UUID) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.entries[id]
}

func (r *fakeRepo) visitEnded(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.visits[id]
	return v != nil && v.ended != nil
}

func (r *fakeRepo) GetQueue(_ context.Context, id uuid.UUID) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[id]
	if !ok {
		return nil, ErrQueueNotFound
	}
	cp := *q
	return &cp, nil
}

func (r *fakeRepo) GetEntry(_ context.Context, id uuid.UUID) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *fakeRepo) active(queueID uuid.UUID) []*Entry {
	var items []*Entry
	for _, e := range r.entries {
		if e.QueueID == queueID && e.EndedAt == nil {
			cp := *e
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].SortWeight != items[j].SortWeight {
			return items[i].SortWeight > items[j].SortWeight
		}
		return items[i].StartedAt.Before(items[j].StartedAt)
	})
	return items
}

func (r *fakeRepo) ListActiveEntries(_ context.Context, queueID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.active(queueID)
	total := len(items)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (r *fakeRepo) AllActiveEntries(_ context.Context, queueID uuid.UUID) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active(queueID), nil
}

func (r *fakeRepo) CreateEntry(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

func (r *fakeRepo) EndEntry(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endCalls++
	if err := r.endErr[id]; err != nil {
		return err
	}
	e, ok := r.entries[id]
	if !ok || e.EndedAt != nil {
		return ErrEntryNotActive
	}
	e.Status = StatusEnded
	e.EndedAt = &at
	return nil
}

func (r *fakeRepo) HasActiveEntry(_ context.Context, queueID, visitID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.QueueID == queueID && e.VisitID == visitID && e.EndedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) CreateVisit(_ context.Context, v *NewVisit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	r.visits[v.ID] = &fakeVisit{patientID: v.PatientID, visitType: v.VisitType, location: v.LocationID}
	return nil
}

func (r *fakeRepo) GetOpenVisit(_ context.Context, id uuid.UUID) (*OpenVisit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[id]
	if !ok {
		return nil, ErrVisitNotFound
	}
	if v.ended != nil {
		return nil, ErrVisitNotActive
	}
	return &OpenVisit{ID: id, PatientID: v.patientID}, nil
}

func (r *fakeRepo) FinishVisit(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.visits[id]; ok && v.ended == nil {
		v.ended = &at
	}
	return nil
}

func (r *fakeRepo) MarkAppointmentArrived(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.appts[id] {
		return ErrAppointmentNotFound
	}
	r.arrived[id] = true
	return nil
}

// fakeTx runs fn directly and counts transactions.
type fakeTx struct {
	mu    sync.Mutex
	calls int
}

func (t *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return fn(ctx)
}

func newTestService() (*Service, *fakeRepo) {
	repo := newFakeRepo()
	svc := NewService(repo, &fakeTx{})
	svc.now = func() time.Time { return time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC) }
	return svc, repo
}
