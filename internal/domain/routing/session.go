package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/servicequeues/internal/domain/patientdata"
	"github.com/ehr/servicequeues/internal/platform/metrics"
)

var (
	ErrSessionClosed       = errors.New("routing session closed")
	ErrSessionNotFound     = errors.New("routing session not found")
	ErrActionNotAvailable  = errors.New("action not available in the current view")
	ErrQueueRequired       = errors.New("queue id is required")
	ErrAppointmentNotFound = errors.New("appointment is not among the patient's scheduled visits")
	ErrInvalidRequest      = errors.New("invalid request")

	// Admitters wrap their failures in these so callers can classify them.
	ErrAdmissionNotFound = errors.New("admission target not found")
	ErrAdmissionConflict = errors.New("admission conflicts with current queue state")
)

const defaultFetchTimeout = 10 * time.Second

// Host is the enclosing workspace. OnExitToSearchList fires once per
// transition into SEARCH_RESULTS; CloseWorkspace fires once after a
// successful routing action. Either may be nil.
type Host struct {
	OnExitToSearchList func()
	CloseWorkspace     func()
}

// Params opens a session. CurrentQueueID is the queue the workspace was
// opened from and is used when an action names no queue.
type Params struct {
	SelectedPatientID uuid.UUID  `json:"selected_patient_id"`
	CurrentQueueID    *uuid.UUID `json:"current_queue_id,omitempty"`
}

type AdmitAction string

const (
	ActionStartVisit         AdmitAction = "start_visit"
	ActionCheckIn            AdmitAction = "check_in"
	ActionQueueExistingVisit AdmitAction = "queue_existing_visit"
)

// DefaultCheckInVisitType is used for check-ins whose appointment carries no
// service type and whose caller names none.
const DefaultCheckInVisitType = "scheduled"

// AdmitRequest places the session's patient in a queue. Which optional
// fields are set depends on Action.
type AdmitRequest struct {
	Action        AdmitAction
	PatientID     uuid.UUID
	QueueID       uuid.UUID
	Priority      string
	VisitType     string
	LocationID    *uuid.UUID
	AppointmentID *uuid.UUID
	VisitID       *uuid.UUID
}

// Admission is the queue entry created by a routing action.
type Admission struct {
	EntryID uuid.UUID `json:"entry_id"`
	QueueID uuid.UUID `json:"queue_id"`
	VisitID uuid.UUID `json:"visit_id"`
}

// Admitter performs routing actions.
type Admitter interface {
	Admit(ctx context.Context, req AdmitRequest) (*Admission, error)
}

type StartVisitInput struct {
	VisitType  string     `json:"visit_type"`
	LocationID *uuid.UUID `json:"location_id,omitempty"`
	QueueID    *uuid.UUID `json:"queue_id,omitempty"`
	Priority   string     `json:"priority,omitempty"`
}

type CheckInInput struct {
	AppointmentID uuid.UUID  `json:"appointment_id"`
	VisitType     string     `json:"visit_type,omitempty"`
	QueueID       *uuid.UUID `json:"queue_id,omitempty"`
	Priority      string     `json:"priority,omitempty"`
}

type QueueVisitInput struct {
	QueueID  *uuid.UUID `json:"queue_id,omitempty"`
	Priority string     `json:"priority,omitempty"`
}

type ViewError struct {
	Resource Resource `json:"resource"`
	Message  string   `json:"message"`
}

// View is a snapshot of a session. Version increases with every change so
// observers can discard out-of-order deliveries.
type View struct {
	SessionID       uuid.UUID                   `json:"session_id"`
	Version         uint64                      `json:"version"`
	PatientID       uuid.UUID                   `json:"patient_id"`
	CurrentQueueID  *uuid.UUID                  `json:"current_queue_id,omitempty"`
	SearchType      SearchType                  `json:"search_type"`
	Content         ContentKind                 `json:"content"`
	Error           *ViewError                  `json:"error,omitempty"`
	BackButton      BackButton                  `json:"back_button"`
	HasAppointments bool                        `json:"has_appointments"`
	Patient         *patientdata.PatientRef     `json:"patient,omitempty"`
	ActiveVisit     *patientdata.Visit          `json:"active_visit,omitempty"`
	Appointments    *patientdata.AppointmentSet `json:"appointments,omitempty"`
	Closed          bool                        `json:"closed"`
}

type Options struct {
	// ID names the session; a random id is used when zero.
	ID           uuid.UUID
	Provider     patientdata.Provider
	Admitter     Admitter
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	FetchTimeout time.Duration
	// OnChange receives every new view, outside the session lock.
	OnChange func(View)
	// OnClose runs once when the session closes.
	OnClose func(id uuid.UUID)
	Now     func() time.Time
}

type fetchResult struct {
	resource Resource
	seq      uint64
	patient  *patientdata.PatientRef
	visit    *patientdata.Visit
	appts    *patientdata.AppointmentSet
	err      error
}

// Session is one workspace's routing workflow. All state changes are
// serialized; fetches run concurrently and post their results back, and a
// result is applied only if it answers the latest request for its resource.
type Session struct {
	id   uuid.UUID
	host Host
	opts Options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	patientID uuid.UUID
	queueID   *uuid.UUID
	state     SearchType
	version   uint64

	genCtx    context.Context
	genCancel context.CancelFunc
	seq       uint64
	inflight  map[Resource]uint64
	settled   chan struct{}

	patient      *patientdata.PatientRef
	patientState FetchState
	patientErr   error
	visit        *patientdata.Visit
	visitState   FetchState
	visitErr     error
	appts        *patientdata.AppointmentSet
	apptState    FetchState
	apptErr      error

	// appointment data auto-advance was last evaluated against
	evaluated     bool
	lastEvaluated *patientdata.AppointmentSet

	admitting  bool
	closed     bool
	lastActive time.Time

	pending []func()
}

// NewSession opens a session and starts fetching the patient's facts.
func NewSession(params Params, host Host, opts Options) (*Session, error) {
	if params.SelectedPatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: selected_patient_id is required", ErrInvalidRequest)
	}
	if opts.Provider == nil {
		return nil, errors.New("routing: patient data provider is required")
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	s := &Session{
		id:       id,
		host:     host,
		opts:     opts,
		log:      opts.Logger.With().Str("session_id", id.String()).Logger(),
		queueID:  params.CurrentQueueID,
		inflight: make(map[Resource]uint64),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.mu.Lock()
	s.lastActive = opts.Now()
	s.resetLocked(params.SelectedPatientID)
	s.notifyLocked()
	s.unlockAndRun()

	opts.Metrics.SessionOpened()
	return s, nil
}

func (s *Session) ID() uuid.UUID { return s.id }

// View returns the current snapshot.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.opts.Now()
	return s.viewLocked()
}

// AwaitSettled blocks until no fetch is outstanding, ctx is done, or the
// session closes.
func (s *Session) AwaitSettled(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	ch := s.settled
	s.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// SelectPatient switches the session to another patient. Outstanding fetches
// for the previous patient are cancelled and their results ignored.
func (s *Session) SelectPatient(patientID uuid.UUID) (View, error) {
	if patientID == uuid.Nil {
		return View{}, fmt.Errorf("%w: patient id is required", ErrInvalidRequest)
	}
	return s.update(func() error {
		if patientID == s.patientID {
			return nil
		}
		s.resetLocked(patientID)
		return nil
	})
}

// SwitchSearchType sets the state directly, bypassing auto-advance.
func (s *Session) SwitchSearchType(t SearchType) (View, error) {
	if !t.Valid() {
		return View{}, fmt.Errorf("%w: unknown search type %q", ErrInvalidRequest, t)
	}
	return s.update(func() error {
		s.transitionLocked(t, "switch")
		return nil
	})
}

// Back applies the go-back intent.
func (s *Session) Back() (View, error) {
	return s.update(func() error {
		s.transitionLocked(Back(s.state, s.appts.HasAppointments()), "back")
		return nil
	})
}

// Refresh revalidates the active visit and appointments, and the patient if
// its fetch failed. Current data stays visible until new data arrives.
func (s *Session) Refresh() (View, error) {
	return s.update(func() error {
		resources := []Resource{ResourceVisit, ResourceAppointments}
		if s.patientState == FetchFailed {
			resources = append(resources, ResourcePatient)
		}
		s.fetchLocked(resources...)
		return nil
	})
}

// Close cancels outstanding fetches and rejects further intents. It is safe
// to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closeLocked()
	s.unlockAndRun()
}

// StartVisit creates a visit from the visit form and queues it.
func (s *Session) StartVisit(ctx context.Context, in StartVisitInput) (*Admission, error) {
	if strings.TrimSpace(in.VisitType) == "" {
		return nil, fmt.Errorf("%w: visit_type is required", ErrInvalidRequest)
	}
	return s.admit(ctx, ContentVisitForm, in.QueueID, func(req *AdmitRequest) error {
		req.Action = ActionStartVisit
		req.Priority = in.Priority
		req.VisitType = in.VisitType
		req.LocationID = in.LocationID
		return nil
	})
}

// CheckInAppointment starts a visit for one of the listed appointments.
func (s *Session) CheckInAppointment(ctx context.Context, in CheckInInput) (*Admission, error) {
	return s.admit(ctx, ContentScheduledVisits, in.QueueID, func(req *AdmitRequest) error {
		appt := s.appts.Find(in.AppointmentID)
		if appt == nil {
			return ErrAppointmentNotFound
		}
		apptID := appt.ID
		req.Action = ActionCheckIn
		req.Priority = in.Priority
		req.AppointmentID = &apptID
		req.LocationID = appt.LocationID
		switch {
		case strings.TrimSpace(in.VisitType) != "":
			req.VisitType = in.VisitType
		case appt.ServiceTypeCode != nil && strings.TrimSpace(*appt.ServiceTypeCode) != "":
			req.VisitType = *appt.ServiceTypeCode
		default:
			req.VisitType = DefaultCheckInVisitType
		}
		return nil
	})
}

// QueueExistingVisit places the patient's active visit in a queue.
func (s *Session) QueueExistingVisit(ctx context.Context, in QueueVisitInput) (*Admission, error) {
	return s.admit(ctx, ContentExistingVisit, in.QueueID, func(req *AdmitRequest) error {
		visitID := s.visit.ID
		req.Action = ActionQueueExistingVisit
		req.Priority = in.Priority
		req.VisitID = &visitID
		return nil
	})
}

func (s *Session) admit(ctx context.Context, want ContentKind, queueID *uuid.UUID, build func(req *AdmitRequest) error) (*Admission, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.lastActive = s.opts.Now()
	if s.opts.Admitter == nil || s.admitting || s.renderLocked().Kind != want {
		s.mu.Unlock()
		return nil, ErrActionNotAvailable
	}

	req := AdmitRequest{PatientID: s.patientID}
	switch {
	case queueID != nil:
		req.QueueID = *queueID
	case s.queueID != nil:
		req.QueueID = *s.queueID
	default:
		s.mu.Unlock()
		return nil, ErrQueueRequired
	}
	if err := build(&req); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.admitting = true
	s.mu.Unlock()

	adm, err := s.opts.Admitter.Admit(ctx, req)
	s.opts.Metrics.ObserveAdmission(string(req.Action), err)

	s.mu.Lock()
	s.admitting = false
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.log.Info().
		Str("action", string(req.Action)).
		Str("queue_id", req.QueueID.String()).
		Str("entry_id", adm.EntryID.String()).
		Msg("patient routed")
	if s.host.CloseWorkspace != nil {
		s.pending = append(s.pending, s.host.CloseWorkspace)
	}
	if !s.closed {
		s.closeLocked()
	}
	s.unlockAndRun()
	return adm, nil
}

// update runs fn under the lock and publishes the resulting view.
func (s *Session) update(fn func() error) (View, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, ErrSessionClosed
	}
	s.lastActive = s.opts.Now()
	if err := fn(); err != nil {
		s.mu.Unlock()
		return View{}, err
	}
	s.notifyLocked()
	view := s.viewLocked()
	s.unlockAndRun()
	return view, nil
}

func (s *Session) unlockAndRun() {
	effects := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range effects {
		fn()
	}
}

func (s *Session) notifyLocked() {
	s.version++
	if s.opts.OnChange == nil {
		return
	}
	view, onChange := s.viewLocked(), s.opts.OnChange
	s.pending = append(s.pending, func() { onChange(view) })
}

func (s *Session) transitionLocked(next SearchType, cause string) {
	prev := s.state
	if next == prev {
		return
	}
	s.state = next
	s.opts.Metrics.ObserveTransition(string(prev), string(next), cause)
	s.log.Debug().Str("from", string(prev)).Str("to", string(next)).Str("cause", cause).Msg("routing transition")

	if next == SearchResults && s.host.OnExitToSearchList != nil {
		s.pending = append(s.pending, s.host.OnExitToSearchList)
	}
}

func (s *Session) resetLocked(patientID uuid.UUID) {
	if s.genCancel != nil {
		s.genCancel()
	}
	s.genCtx, s.genCancel = context.WithCancel(s.ctx)

	if s.state != "" && s.state != InitialSearchType {
		s.opts.Metrics.ObserveTransition(string(s.state), string(InitialSearchType), "patient_changed")
	}
	s.patientID = patientID
	s.state = InitialSearchType

	s.patient, s.patientState, s.patientErr = nil, FetchPending, nil
	s.visit, s.visitState, s.visitErr = nil, FetchPending, nil
	s.appts, s.apptState, s.apptErr = nil, FetchPending, nil
	s.evaluated, s.lastEvaluated = false, nil

	s.fetchLocked(ResourcePatient, ResourceVisit, ResourceAppointments)
}

func (s *Session) fetchLocked(resources ...Resource) {
	if len(s.inflight) == 0 {
		s.settled = make(chan struct{})
	}
	for _, r := range resources {
		s.seq++
		s.inflight[r] = s.seq
		go s.fetch(s.genCtx, r, s.patientID, s.seq)
	}
}

func (s *Session) fetch(parent context.Context, r Resource, patientID uuid.UUID, seq uint64) {
	ctx, cancel := context.WithTimeout(parent, s.opts.FetchTimeout)
	defer cancel()

	res := fetchResult{resource: r, seq: seq}
	switch r {
	case ResourcePatient:
		res.patient, res.err = s.opts.Provider.GetPatient(ctx, patientID)
	case ResourceVisit:
		res.visit, res.err = s.opts.Provider.GetActiveVisit(ctx, patientID)
	case ResourceAppointments:
		res.appts, res.err = s.opts.Provider.GetAppointments(ctx, patientID)
	}
	s.deliver(res)
}

func (s *Session) deliver(res fetchResult) {
	s.mu.Lock()
	if s.closed || s.inflight[res.resource] != res.seq {
		s.mu.Unlock()
		s.opts.Metrics.ObserveStale(string(res.resource))
		s.log.Debug().Str("resource", string(res.resource)).Uint64("seq", res.seq).Msg("dropped stale fetch result")
		return
	}
	delete(s.inflight, res.resource)

	switch res.resource {
	case ResourcePatient:
		if res.err != nil {
			s.patientState, s.patientErr = FetchFailed, res.err
		} else {
			s.patient, s.patientState, s.patientErr = res.patient, FetchResolved, nil
		}
	case ResourceVisit:
		if res.err != nil {
			s.visitState, s.visitErr = FetchFailed, res.err
		} else {
			s.visit, s.visitState, s.visitErr = res.visit, FetchResolved, nil
		}
	case ResourceAppointments:
		s.applyAppointmentsLocked(res.appts, res.err)
	}
	if res.err != nil {
		s.log.Warn().Err(res.err).Str("resource", string(res.resource)).Msg("fetch failed")
	}

	if len(s.inflight) == 0 {
		close(s.settled)
	}
	s.notifyLocked()
	s.unlockAndRun()
}

// applyAppointmentsLocked evaluates auto-advance only when the data differs
// from the last data it was evaluated against.
func (s *Session) applyAppointmentsLocked(set *patientdata.AppointmentSet, err error) {
	if err != nil {
		s.apptState, s.apptErr = FetchFailed, err
		return
	}
	s.appts, s.apptState, s.apptErr = set, FetchResolved, nil

	if s.evaluated && s.lastEvaluated.Equal(set) {
		return
	}
	s.evaluated, s.lastEvaluated = true, set
	s.transitionLocked(AutoAdvance(s.state, true, set.HasAppointments()), "auto_advance")
}

func (s *Session) closeLocked() {
	s.closed = true
	s.cancel()
	if len(s.inflight) > 0 {
		for r := range s.inflight {
			delete(s.inflight, r)
		}
		close(s.settled)
	}
	s.notifyLocked()
	s.opts.Metrics.SessionClosed()
	s.log.Debug().Msg("routing session closed")

	if s.opts.OnClose != nil {
		id, onClose := s.id, s.opts.OnClose
		s.pending = append(s.pending, func() { onClose(id) })
	}
}

func (s *Session) factsLocked() Facts {
	return Facts{
		Patient:         s.patientState,
		Visit:           s.visitState,
		Appointments:    s.apptState,
		HasActiveVisit:  s.visit != nil,
		HasAppointments: s.appts.HasAppointments(),
	}
}

func (s *Session) renderLocked() Content {
	return Render(s.state, s.factsLocked())
}

func (s *Session) fetchErrLocked(r Resource) *FetchError {
	var err error
	switch r {
	case ResourcePatient:
		err = s.patientErr
	case ResourceVisit:
		err = s.visitErr
	case ResourceAppointments:
		err = s.apptErr
	}
	return &FetchError{Resource: r, Err: err}
}

func (s *Session) viewLocked() View {
	facts := s.factsLocked()
	content := Render(s.state, facts)
	v := View{
		SessionID:       s.id,
		Version:         s.version,
		PatientID:       s.patientID,
		CurrentQueueID:  s.queueID,
		SearchType:      s.state,
		Content:         content.Kind,
		BackButton:      BackButtonFor(s.state, facts.HasAppointments),
		HasAppointments: facts.HasAppointments,
		Patient:         s.patient,
		ActiveVisit:     s.visit,
		Appointments:    s.appts,
		Closed:          s.closed,
	}
	if content.Kind == ContentError {
		fe := s.fetchErrLocked(content.Failed)
		v.Error = &ViewError{Resource: fe.Resource, Message: fe.Error()}
	}
	return v
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}
