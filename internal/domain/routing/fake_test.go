package routing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/servicequeues/internal/domain/patientdata"
)

// fakeProvider serves canned facts per patient. Calls for a gated patient
// block until the gate is closed.
type fakeProvider struct {
	mu       sync.Mutex
	visits   map[uuid.UUID]*patientdata.Visit
	appts    map[uuid.UUID]*patientdata.AppointmentSet
	errs     map[Resource]error
	gates    map[uuid.UUID]chan struct{}
	apptCall int
	canceled chan Resource
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		visits:   make(map[uuid.UUID]*patientdata.Visit),
		appts:    make(map[uuid.UUID]*patientdata.AppointmentSet),
		errs:     make(map[Resource]error),
		gates:    make(map[uuid.UUID]chan struct{}),
		canceled: make(chan Resource, 16),
	}
}

func (f *fakeProvider) setAppointments(id uuid.UUID, set *patientdata.AppointmentSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appts[id] = set
}

func (f *fakeProvider) setVisit(id uuid.UUID, v *patientdata.Visit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits[id] = v
}

func (f *fakeProvider) setErr(r Resource, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[r] = err
}

// gate blocks every call for id until the returned func is called.
// Appointment calls also return early when their context is cancelled.
func (f *fakeProvider) gate(id uuid.UUID) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[id] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeProvider) wait(ctx context.Context, id uuid.UUID, r Resource, honourCtx bool) error {
	f.mu.Lock()
	ch := f.gates[id]
	f.mu.Unlock()
	if ch == nil {
		return nil
	}
	if !honourCtx {
		<-ch
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		f.canceled <- r
		return ctx.Err()
	}
}

func (f *fakeProvider) GetPatient(ctx context.Context, id uuid.UUID) (*patientdata.PatientRef, error) {
	if err := f.wait(ctx, id, ResourcePatient, false); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[ResourcePatient]; err != nil {
		return nil, err
	}
	return &patientdata.PatientRef{ID: id, GivenName: "Ada", FamilyName: "Okafor", DisplayName: "Ada Okafor"}, nil
}

func (f *fakeProvider) GetActiveVisit(ctx context.Context, id uuid.UUID) (*patientdata.Visit, error) {
	if err := f.wait(ctx, id, ResourceVisit, false); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[ResourceVisit]; err != nil {
		return nil, err
	}
	return f.visits[id], nil
}

func (f *fakeProvider) GetAppointments(ctx context.Context, id uuid.UUID) (*patientdata.AppointmentSet, error) {
	if err := f.wait(ctx, id, ResourceAppointments, true); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apptCall++
	if err := f.errs[ResourceAppointments]; err != nil {
		return nil, err
	}
	set, ok := f.appts[id]
	if !ok {
		return &patientdata.AppointmentSet{}, nil
	}
	return set, nil
}

type fakeAdmitter struct {
	mu   sync.Mutex
	reqs []AdmitRequest
	err  error
}

func (a *fakeAdmitter) Admit(_ context.Context, req AdmitRequest) (*Admission, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
	if a.err != nil {
		return nil, a.err
	}
	return &Admission{EntryID: uuid.New(), QueueID: req.QueueID, VisitID: uuid.New()}, nil
}

// hostRecorder counts host callbacks.
type hostRecorder struct {
	mu      sync.Mutex
	exits   int
	closes  int
	changes []View
}

func (h *hostRecorder) host() Host {
	return Host{
		OnExitToSearchList: func() {
			h.mu.Lock()
			h.exits++
			h.mu.Unlock()
		},
		CloseWorkspace: func() {
			h.mu.Lock()
			h.closes++
			h.mu.Unlock()
		},
	}
}

func (h *hostRecorder) onChange(v View) {
	h.mu.Lock()
	h.changes = append(h.changes, v)
	h.mu.Unlock()
}

func (h *hostRecorder) version(n uint64) *View {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.changes {
		if h.changes[i].Version == n {
			v := h.changes[i]
			return &v
		}
	}
	return nil
}

func (h *hostRecorder) counts() (exits, closes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exits, h.closes
}

type sessionFixture struct {
	provider *fakeProvider
	admitter *fakeAdmitter
	rec      *hostRecorder
	queueID  uuid.UUID
}

func newFixture() *sessionFixture {
	return &sessionFixture{
		provider: newFakeProvider(),
		admitter: &fakeAdmitter{},
		rec:      &hostRecorder{},
		queueID:  uuid.New(),
	}
}

func (fx *sessionFixture) open(t *testing.T, patientID uuid.UUID) *Session {
	t.Helper()
	queueID := fx.queueID
	s, err := NewSession(Params{SelectedPatientID: patientID, CurrentQueueID: &queueID}, fx.rec.host(), Options{
		Provider: fx.provider,
		Admitter: fx.admitter,
		Logger:   zerolog.Nop(),
		OnChange: fx.rec.onChange,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func settle(t *testing.T, s *Session) View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.AwaitSettled(ctx); err != nil {
		t.Fatalf("AwaitSettled: %v", err)
	}
	return s.View()
}

func appointment(id uuid.UUID) *patientdata.Appointment {
	code := "general-medicine"
	return &patientdata.Appointment{
		ID:              id,
		Status:          "booked",
		StartTime:       time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC),
		ServiceTypeCode: &code,
	}
}
