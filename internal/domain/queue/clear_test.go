package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/servicequeues/internal/platform/metrics"
	"github.com/ehr/servicequeues/internal/platform/websocket"
)

// scriptedEnder fails the entries listed in fail and optionally blocks
// every call until release is closed.
type scriptedEnder struct {
	mu      sync.Mutex
	fail    map[uuid.UUID]error
	calls   []uuid.UUID
	release chan struct{}
	started chan struct{}
	running int32
	maxSeen int32
	ctxErrs int32
}

func (s *scriptedEnder) EndVisit(ctx context.Context, e *Entry) error {
	n := atomic.AddInt32(&s.running, 1)
	defer atomic.AddInt32(&s.running, -1)
	for {
		m := atomic.LoadInt32(&s.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&s.maxSeen, m, n) {
			break
		}
	}
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	if ctx.Err() != nil {
		atomic.AddInt32(&s.ctxErrs, 1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, e.ID)
	return s.fail[e.ID]
}

func (s *scriptedEnder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func makeEntries(queueID uuid.UUID, n int) []*Entry {
	entries := make([]*Entry, n)
	for i := range entries {
		entries[i] = &Entry{ID: uuid.New(), QueueID: queueID, VisitID: uuid.New(), Status: StatusWaiting}
	}
	return entries
}

func newTestCoordinator(ender EntryEnder, pub websocket.Publisher, m *metrics.Metrics) *ClearCoordinator {
	return NewClearCoordinator(ender, ClearOptions{
		Concurrency: 4,
		Logger:      zerolog.Nop(),
		Metrics:     m,
		Publisher:   pub,
	})
}

func TestConfirm_PartialFailure(t *testing.T) {
	queueID := uuid.New()
	entries := makeEntries(queueID, 3)
	cause := errors.New("visit locked by another user")
	ender := &scriptedEnder{fail: map[uuid.UUID]error{entries[1].ID: cause}}
	reg := prometheus.NewRegistry()
	c := newTestCoordinator(ender, nil, metrics.New(reg))

	var closes int32
	d, err := c.RequestClear(context.Background(), queueID, entries, func() { atomic.AddInt32(&closes, 1) })
	if err != nil {
		t.Fatalf("RequestClear: %v", err)
	}
	if ender.callCount() != 0 {
		t.Fatal("RequestClear must not end any entry")
	}

	res, err := c.Confirm(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("succeeded=%d failed=%d, want 2/1", res.Succeeded, res.Failed)
	}
	for i, r := range res.Results {
		if r.EntryID != entries[i].ID {
			t.Fatalf("result %d out of entry order", i)
		}
	}
	if res.Results[1].Succeeded || res.Results[1].Reason != cause.Error() {
		t.Errorf("entry #2 result = %+v", res.Results[1])
	}
	if atomic.LoadInt32(&closes) != 1 {
		t.Errorf("onClose fired %d times, want 1", closes)
	}

	var ece *EntryClearError
	if err := res.Err(); !errors.As(err, &ece) || ece.EntryID != entries[1].ID || !errors.Is(err, cause) {
		t.Errorf("BatchResult.Err() = %v", err)
	}

	if got := clearCount(t, reg, "failed"); got != 1 {
		t.Errorf("failed counter = %v", got)
	}
	if got := clearCount(t, reg, "succeeded"); got != 2 {
		t.Errorf("succeeded counter = %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "servicequeues_queue_clear_batch_duration_seconds"); err != nil || n != 1 {
		t.Errorf("duration histogram count = %d, %v", n, err)
	}
}

func clearCount(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "servicequeues_queue_clear_entries_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestConfirm_Twice(t *testing.T) {
	queueID := uuid.New()
	ender := &scriptedEnder{}
	c := newTestCoordinator(ender, nil, nil)
	d, _ := c.RequestClear(context.Background(), queueID, makeEntries(queueID, 2), nil)

	if _, err := c.Confirm(context.Background(), d.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if _, err := c.Confirm(context.Background(), d.ID); !errors.Is(err, ErrDialogNotFound) {
		t.Fatalf("second Confirm: expected ErrDialogNotFound, got %v", err)
	}
	if ender.callCount() != 2 {
		t.Errorf("EndVisit calls = %d, want 2", ender.callCount())
	}
}

func TestConfirm_ConcurrentClaim(t *testing.T) {
	queueID := uuid.New()
	ender := &scriptedEnder{release: make(chan struct{}), started: make(chan struct{}, 8)}
	c := newTestCoordinator(ender, nil, nil)
	d, _ := c.RequestClear(context.Background(), queueID, makeEntries(queueID, 1), nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Confirm(context.Background(), d.ID)
		done <- err
	}()
	<-ender.started

	if _, err := c.Confirm(context.Background(), d.ID); !errors.Is(err, ErrDialogNotOpen) {
		t.Errorf("Confirm while confirming: expected ErrDialogNotOpen, got %v", err)
	}
	if err := c.Cancel(context.Background(), d.ID); !errors.Is(err, ErrClearInProgress) {
		t.Errorf("Cancel while confirming: expected ErrClearInProgress, got %v", err)
	}
	if got, err := c.Get(d.ID); err != nil || got.Status != DialogConfirming {
		t.Errorf("Get while confirming = %+v, %v", got, err)
	}

	close(ender.release)
	if err := <-done; err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if ender.callCount() != 1 {
		t.Errorf("EndVisit calls = %d, want 1", ender.callCount())
	}
}

func TestCancelAndConfirm_RaceHasOneWinner(t *testing.T) {
	queueID := uuid.New()
	for i := 0; i < 200; i++ {
		ender := &scriptedEnder{}
		c := newTestCoordinator(ender, nil, nil)
		var closes int32
		d, _ := c.RequestClear(context.Background(), queueID, makeEntries(queueID, 2), func() { atomic.AddInt32(&closes, 1) })

		var wg sync.WaitGroup
		var cancelErr, confirmErr error
		gate := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-gate
			cancelErr = c.Cancel(context.Background(), d.ID)
		}()
		go func() {
			defer wg.Done()
			<-gate
			_, confirmErr = c.Confirm(context.Background(), d.ID)
		}()
		close(gate)
		wg.Wait()

		switch {
		case cancelErr == nil:
			if !errors.Is(confirmErr, ErrDialogNotFound) {
				t.Fatalf("run %d: cancel won but Confirm returned %v", i, confirmErr)
			}
			if n := ender.callCount(); n != 0 {
				t.Fatalf("run %d: cancel won but %d entries were ended", i, n)
			}
		case confirmErr == nil:
			if !errors.Is(cancelErr, ErrClearInProgress) && !errors.Is(cancelErr, ErrDialogNotFound) {
				t.Fatalf("run %d: confirm won but Cancel returned %v", i, cancelErr)
			}
			if n := ender.callCount(); n != 2 {
				t.Fatalf("run %d: confirm won but %d entries were ended", i, n)
			}
		default:
			t.Fatalf("run %d: both failed: cancel=%v confirm=%v", i, cancelErr, confirmErr)
		}
		if n := atomic.LoadInt32(&closes); n != 1 {
			t.Fatalf("run %d: onClose fired %d times", i, n)
		}
		if c.Len() != 0 {
			t.Fatalf("run %d: %d dialogs left", i, c.Len())
		}
	}
}

func TestCancel_NoSideEffects(t *testing.T) {
	queueID := uuid.New()
	ender := &scriptedEnder{}
	pub := &recordingPublisher{}
	c := newTestCoordinator(ender, pub, nil)

	var closes int32
	d, _ := c.RequestClear(context.Background(), queueID, makeEntries(queueID, 3), func() { atomic.AddInt32(&closes, 1) })
	if err := c.Cancel(context.Background(), d.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ender.callCount() != 0 {
		t.Errorf("Cancel ended %d entries", ender.callCount())
	}
	if atomic.LoadInt32(&closes) != 1 {
		t.Errorf("onClose fired %d times", closes)
	}
	if err := c.Cancel(context.Background(), d.ID); !errors.Is(err, ErrDialogNotFound) {
		t.Errorf("second Cancel: expected ErrDialogNotFound, got %v", err)
	}
	if _, err := c.Confirm(context.Background(), d.ID); !errors.Is(err, ErrDialogNotFound) {
		t.Errorf("Confirm after Cancel: expected ErrDialogNotFound, got %v", err)
	}
	if atomic.LoadInt32(&closes) != 1 {
		t.Errorf("onClose fired %d times after repeated dismissals", closes)
	}

	want := []string{EventClearDialogOpened, EventClearDialogClosed}
	got := pub.types()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRequestClear_Empty(t *testing.T) {
	c := newTestCoordinator(&scriptedEnder{}, nil, nil)
	called := false

	d, err := c.RequestClear(context.Background(), uuid.New(), nil, func() { called = true })
	if !errors.Is(err, ErrNothingToClear) || d != nil {
		t.Fatalf("expected ErrNothingToClear, got %v, %v", d, err)
	}
	if c.Len() != 0 || called {
		t.Error("empty request must not open a dialog")
	}
}

func TestRequestClear_CopiesAndDedupes(t *testing.T) {
	queueID := uuid.New()
	entries := makeEntries(queueID, 2)
	c := newTestCoordinator(&scriptedEnder{}, nil, nil)

	d, err := c.RequestClear(context.Background(), queueID, append(entries, entries[0], nil), nil)
	if err != nil {
		t.Fatalf("RequestClear: %v", err)
	}
	if len(d.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(d.Entries))
	}
	entries[0].Status = StatusEnded
	got, _ := c.Get(d.ID)
	if got.Entries[0].Status != StatusWaiting {
		t.Error("dialog shares entry memory with the caller")
	}
	if got.Status != DialogOpen {
		t.Errorf("status = %s", got.Status)
	}
}

func TestConfirm_BoundedAndDetached(t *testing.T) {
	queueID := uuid.New()
	ender := &scriptedEnder{release: make(chan struct{}), started: make(chan struct{}, 16)}
	c := NewClearCoordinator(ender, ClearOptions{Concurrency: 2, Logger: zerolog.Nop()})
	d, _ := c.RequestClear(context.Background(), queueID, makeEntries(queueID, 6), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *BatchResult, 1)
	go func() {
		res, _ := c.Confirm(ctx, d.ID)
		done <- res
	}()
	<-ender.started
	cancel()

	close(ender.release)

	select {
	case res := <-done:
		if res.Succeeded != 6 {
			t.Errorf("succeeded = %d, want 6", res.Succeeded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Confirm did not return")
	}
	if m := atomic.LoadInt32(&ender.maxSeen); m > 2 {
		t.Errorf("max concurrent EndVisit = %d, want <= 2", m)
	}
	if n := atomic.LoadInt32(&ender.ctxErrs); n != 0 {
		t.Errorf("%d calls saw a cancelled context", n)
	}
}

func TestConfirm_PublishesEvents(t *testing.T) {
	queueID := uuid.New()
	pub := &recordingPublisher{}
	c := newTestCoordinator(&scriptedEnder{}, pub, nil)
	d, _ := c.RequestClear(context.Background(), queueID, makeEntries(queueID, 2), nil)

	if _, err := c.Confirm(context.Background(), d.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	want := []string{EventClearDialogOpened, EventClearDialogClosed, EventEntriesCleared}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	for _, e := range pub.events {
		if e.Topic != websocket.QueueTopic(queueID) {
			t.Errorf("event on topic %q", e.Topic)
		}
	}
}

type panickyEnder struct{}

func (panickyEnder) EndVisit(context.Context, *Entry) error { panic("boom") }

func TestConfirm_PanicIsAFailure(t *testing.T) {
	queueID := uuid.New()
	c := newTestCoordinator(panickyEnder{}, nil, nil)
	d, _ := c.RequestClear(context.Background(), queueID, makeEntries(queueID, 2), nil)

	res, err := c.Confirm(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if res.Failed != 2 || res.Results[0].Reason == "" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestConfirm_WithService(t *testing.T) {
	svc, repo := newTestService()
	q := repo.addQueue()
	a := repo.addEntry(q.ID, time.Now())
	b := repo.addEntry(q.ID, time.Now().Add(time.Second))
	_ = svc.EndVisit(context.Background(), b)

	c := newTestCoordinator(svc, nil, nil)
	d, err := c.RequestClear(context.Background(), q.ID, []*Entry{a, b}, nil)
	if err != nil {
		t.Fatalf("RequestClear: %v", err)
	}
	res, err := c.Confirm(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 || !errors.Is(res.Results[1].Err, ErrEntryNotActive) {
		t.Errorf("unexpected result: %+v", res)
	}
	if !repo.visitEnded(a.VisitID) {
		t.Error("visit of cleared entry not finished")
	}
}
