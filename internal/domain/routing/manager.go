package routing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/servicequeues/internal/domain/patientdata"
	"github.com/ehr/servicequeues/internal/platform/metrics"
	"github.com/ehr/servicequeues/internal/platform/websocket"
)

const (
	EventView              = "routing.view"
	EventExitToSearchList  = "routing.exit_to_search_list"
	EventWorkspaceClose    = "workspace.close"
	defaultSessionIdleTTL  = 30 * time.Minute
	defaultSessionReapTick = time.Minute
)

type ManagerOptions struct {
	Provider     patientdata.Provider
	Admitter     Admitter
	Publisher    websocket.Publisher
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	FetchTimeout time.Duration
	IdleTTL      time.Duration
	Now          func() time.Time
}

// Manager owns the open sessions. Each session's host callbacks and view
// changes are published on the session's WebSocket topic.
type Manager struct {
	opts   ManagerOptions
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = defaultSessionIdleTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "routing").Logger(),
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Open starts a session for params.
func (m *Manager) Open(params Params) (*Session, error) {
	id := uuid.New()
	publish := func(eventType string, payload interface{}) {
		m.publish(id, eventType, payload)
	}

	s, err := NewSession(params, Host{
		OnExitToSearchList: func() { publish(EventExitToSearchList, nil) },
		CloseWorkspace:     func() { publish(EventWorkspaceClose, nil) },
	}, Options{
		ID:           id,
		Provider:     m.opts.Provider,
		Admitter:     m.opts.Admitter,
		Logger:       m.logger,
		Metrics:      m.opts.Metrics,
		FetchTimeout: m.opts.FetchTimeout,
		OnChange:     func(v View) { publish(EventView, v) },
		OnClose:      m.forget,
		Now:          m.opts.Now,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Debug().Str("session_id", id.String()).Str("patient_id", params.SelectedPatientID.String()).Msg("routing session opened")
	return s, nil
}

func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close closes the session, as when its workspace is dismissed.
func (m *Manager) Close(id uuid.UUID) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Close()
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Reap closes sessions idle since before now minus the idle TTL and returns
// how many it closed.
func (m *Manager) Reap(now time.Time) int {
	cutoff := now.Add(-m.opts.IdleTTL)

	m.mu.RLock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range idle {
		s.Close()
	}
	if len(idle) > 0 {
		m.logger.Info().Int("count", len(idle)).Msg("reaped idle routing sessions")
	}
	return len(idle)
}

// Run reaps idle sessions every interval until ctx is done, then closes the
// remaining sessions.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSessionReapTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-ticker.C:
			m.Reap(m.opts.Now())
		}
	}
}

func (m *Manager) closeAll() {
	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	for _, s := range open {
		s.Close()
	}
}

func (m *Manager) forget(id uuid.UUID) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) publish(id uuid.UUID, eventType string, payload interface{}) {
	if m.opts.Publisher == nil {
		return
	}
	evt, err := websocket.NewEvent(websocket.SessionTopic(id), eventType, payload)
	if err != nil {
		m.logger.Error().Err(err).Str("session_id", id.String()).Msg("build routing event")
		return
	}
	if err := m.opts.Publisher.Publish(context.Background(), evt); err != nil {
		m.logger.Warn().Err(err).Str("session_id", id.String()).Str("event", eventType).Msg("publish routing event")
	}
}
