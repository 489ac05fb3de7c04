package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/servicequeues/internal/platform/metrics"
	"github.com/ehr/servicequeues/internal/platform/websocket"
)

var (
	ErrNothingToClear  = errors.New("no queue entries to clear")
	ErrDialogNotFound  = errors.New("clear dialog not found")
	ErrDialogNotOpen   = errors.New("clear dialog is no longer open")
	ErrClearInProgress = errors.New("clear is in progress")
)

const (
	EventClearDialogOpened = "queue.clear_dialog.opened"
	EventClearDialogClosed = "queue.clear_dialog.closed"
	EventEntriesCleared    = "queue.entries.cleared"
)

const defaultClearConcurrency = 8

// EntryEnder ends a single queue entry together with its visit.
type EntryEnder interface {
	EndVisit(ctx context.Context, e *Entry) error
}

type DialogStatus string

const (
	DialogOpen       DialogStatus = "open"
	DialogConfirming DialogStatus = "confirming"
	DialogClosed     DialogStatus = "closed"
)

// Dialog is a pending bulk clear awaiting confirmation.
type Dialog struct {
	ID       uuid.UUID    `json:"id"`
	QueueID  uuid.UUID    `json:"queue_id"`
	Entries  []*Entry     `json:"entries"`
	Status   DialogStatus `json:"status"`
	OpenedAt time.Time    `json:"opened_at"`
}

// ClearOperationResult is the outcome of ending one entry.
type ClearOperationResult struct {
	EntryID   uuid.UUID `json:"entry_id"`
	VisitID   uuid.UUID `json:"visit_id"`
	Succeeded bool      `json:"succeeded"`
	Reason    string    `json:"reason,omitempty"`
	Err       error     `json:"-"`
}

// EntryClearError records why one entry of a batch could not be ended.
type EntryClearError struct {
	EntryID uuid.UUID
	Err     error
}

func (e *EntryClearError) Error() string {
	return fmt.Sprintf("clear entry %s: %v", e.EntryID, e.Err)
}

func (e *EntryClearError) Unwrap() error { return e.Err }

// BatchResult aggregates a confirmed clear. Results follow the dialog's
// entry order.
type BatchResult struct {
	DialogID  uuid.UUID              `json:"dialog_id"`
	QueueID   uuid.UUID              `json:"queue_id"`
	Results   []ClearOperationResult `json:"results"`
	Succeeded int                    `json:"succeeded"`
	Failed    int                    `json:"failed"`
}

// Err joins every per-entry failure, or returns nil when all succeeded.
func (b *BatchResult) Err() error {
	var errs []error
	for _, r := range b.Results {
		if !r.Succeeded {
			errs = append(errs, &EntryClearError{EntryID: r.EntryID, Err: r.Err})
		}
	}
	return errors.Join(errs...)
}

type dialog struct {
	Dialog
	onClose func()
	once    sync.Once
}

type ClearOptions struct {
	Concurrency int
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Publisher   websocket.Publisher
	Now         func() time.Time
}

// ClearCoordinator drives the confirm, execute and report protocol for
// bulk-ending queue entries.
type ClearCoordinator struct {
	ender EntryEnder
	opts  ClearOptions

	mu      sync.Mutex
	dialogs map[uuid.UUID]*dialog
}

func NewClearCoordinator(ender EntryEnder, opts ClearOptions) *ClearCoordinator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultClearConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ClearCoordinator{
		ender:   ender,
		opts:    opts,
		dialogs: make(map[uuid.UUID]*dialog),
	}
}

// RequestClear opens a dialog over copies of entries. Nothing is mutated
// until Confirm. onClose runs exactly once when the dialog is dismissed.
func (c *ClearCoordinator) RequestClear(ctx context.Context, queueID uuid.UUID, entries []*Entry, onClose func()) (*Dialog, error) {
	seen := make(map[uuid.UUID]bool, len(entries))
	copies := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if e == nil || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		cp := *e
		copies = append(copies, &cp)
	}
	if len(copies) == 0 {
		return nil, ErrNothingToClear
	}

	d := &dialog{
		Dialog: Dialog{
			ID:       uuid.New(),
			QueueID:  queueID,
			Entries:  copies,
			Status:   DialogOpen,
			OpenedAt: c.opts.Now().UTC(),
		},
		onClose: onClose,
	}
	c.mu.Lock()
	c.dialogs[d.ID] = d
	snap := d.snapshotLocked()
	c.mu.Unlock()

	c.opts.Logger.Debug().
		Str("dialog_id", d.ID.String()).
		Str("queue_id", queueID.String()).
		Int("entries", len(copies)).
		Msg("clear dialog opened")
	c.publish(ctx, queueID, EventClearDialogOpened, snap)
	return &snap, nil
}

// Get returns a snapshot of an open or confirming dialog.
func (c *ClearCoordinator) Get(id uuid.UUID) (*Dialog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dialogs[id]
	if !ok {
		return nil, ErrDialogNotFound
	}
	snap := d.snapshotLocked()
	return &snap, nil
}

// Confirm ends every entry of the dialog in parallel, waits for all of
// them, then dismisses the dialog. A failing entry never stops the others.
// The batch is detached from ctx cancellation once started.
func (c *ClearCoordinator) Confirm(ctx context.Context, id uuid.UUID) (*BatchResult, error) {
	c.mu.Lock()
	d, ok := c.dialogs[id]
	if !ok {
		c.mu.Unlock()
		return nil, ErrDialogNotFound
	}
	if d.Status != DialogOpen {
		c.mu.Unlock()
		return nil, ErrDialogNotOpen
	}
	d.Status = DialogConfirming
	entries := d.Entries
	c.mu.Unlock()

	start := c.opts.Now()
	runCtx := context.WithoutCancel(ctx)
	results := make([]ClearOperationResult, len(entries))

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, e := range entries {
		g.Go(func() error {
			results[i] = c.endOne(runCtx, e)
			return nil
		})
	}
	_ = g.Wait()

	batch := &BatchResult{DialogID: d.ID, QueueID: d.QueueID, Results: results}
	for _, r := range results {
		if r.Succeeded {
			batch.Succeeded++
		} else {
			batch.Failed++
		}
	}
	elapsed := c.opts.Now().Sub(start)

	c.opts.Metrics.ObserveClear(batch.Succeeded, batch.Failed, elapsed.Seconds())
	c.opts.Logger.Info().
		Str("dialog_id", d.ID.String()).
		Str("queue_id", d.QueueID.String()).
		Int("succeeded", batch.Succeeded).
		Int("failed", batch.Failed).
		Dur("duration", elapsed).
		Msg("queue clear finished")

	c.dismiss(runCtx, d)
	c.publish(runCtx, d.QueueID, EventEntriesCleared, batch)
	return batch, nil
}

// Cancel dismisses an open dialog without touching any entry.
func (c *ClearCoordinator) Cancel(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	d, ok := c.dialogs[id]
	if !ok {
		c.mu.Unlock()
		return ErrDialogNotFound
	}
	if d.Status == DialogConfirming {
		c.mu.Unlock()
		return ErrClearInProgress
	}
	snap := c.forgetLocked(d)
	c.mu.Unlock()

	c.afterClose(ctx, d, snap, true)
	return nil
}

// Len returns the number of dialogs not yet dismissed.
func (c *ClearCoordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dialogs)
}

func (c *ClearCoordinator) endOne(ctx context.Context, e *Entry) (res ClearOperationResult) {
	res = ClearOperationResult{EntryID: e.ID, VisitID: e.VisitID}
	defer func() {
		if r := recover(); r != nil {
			res.Succeeded = false
			res.Err = fmt.Errorf("panic: %v", r)
			res.Reason = res.Err.Error()
		}
	}()

	if err := c.ender.EndVisit(ctx, e); err != nil {
		res.Err = err
		res.Reason = err.Error()
		c.opts.Logger.Warn().Err(err).
			Str("entry_id", e.ID.String()).
			Str("visit_id", e.VisitID.String()).
			Msg("end queue entry failed")
		return res
	}
	res.Succeeded = true
	return res
}

// dismiss forgets the dialog and fires onClose once.
func (c *ClearCoordinator) dismiss(ctx context.Context, d *dialog) {
	c.mu.Lock()
	_, present := c.dialogs[d.ID]
	snap := c.forgetLocked(d)
	c.mu.Unlock()

	c.afterClose(ctx, d, snap, present)
}

// forgetLocked removes d from the registry and marks it closed. c.mu must be held.
func (c *ClearCoordinator) forgetLocked(d *dialog) Dialog {
	delete(c.dialogs, d.ID)
	d.Status = DialogClosed
	return d.snapshotLocked()
}

func (c *ClearCoordinator) afterClose(ctx context.Context, d *dialog, snap Dialog, publish bool) {
	d.once.Do(func() {
		if d.onClose != nil {
			d.onClose()
		}
	})
	if publish {
		c.publish(ctx, d.QueueID, EventClearDialogClosed, snap)
	}
}

func (d *dialog) snapshotLocked() Dialog {
	snap := d.Dialog
	snap.Entries = append([]*Entry(nil), d.Entries...)
	return snap
}

func (c *ClearCoordinator) publish(ctx context.Context, queueID uuid.UUID, eventType string, payload interface{}) {
	if c.opts.Publisher == nil {
		return
	}
	evt, err := websocket.NewEvent(websocket.QueueTopic(queueID), eventType, payload)
	if err != nil {
		c.opts.Logger.Error().Err(err).Str("queue_id", queueID.String()).Msg("build queue event")
		return
	}
	if err := c.opts.Publisher.Publish(ctx, evt); err != nil {
		c.opts.Logger.Warn().Err(err).Str("queue_id", queueID.String()).Str("event", eventType).Msg("publish queue event")
	}
}
