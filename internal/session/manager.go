// Package session keeps one processing orchestrator per client session and
// runs document batches on it in the background.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cre-docs/backend/internal/models"
	"github.com/cre-docs/backend/internal/processing"
	"github.com/cre-docs/backend/pkg/logger"
)

// DefaultMaxSessions limits concurrent sessions.
const DefaultMaxSessions = 50

// DefaultKeepAliveWindow is how long a recently touched session is protected
// from cleanup.
const DefaultKeepAliveWindow = 5 * time.Minute

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrBusy is returned when a run is started on a session that is processing.
	ErrBusy = errors.New("session is already processing")
	// ErrCapacity is returned when no session can be evicted to make room.
	ErrCapacity = errors.New("too many active sessions")
	// ErrNoDocuments is returned when a run is started without documents.
	ErrNoDocuments = errors.New("no documents to process")
)

// SinkFactory returns the result sink for a session's orchestrator.
type SinkFactory func(sessionID string) processing.ResultSink

// Manager handles processing sessions.
type Manager struct {
	client          processing.RemoteClient
	sinks           SinkFactory
	logger          *zap.Logger
	maxSessions     int
	keepAliveWindow time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*state
}

// state holds a session and its orchestrator.
type state struct {
	id           string
	createdAt    time.Time
	lastAccessed time.Time
	orch         *processing.Orchestrator

	fileIDs  []string
	failures map[string]string
	runs     int
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.logger = log
		}
	}
}

// WithMaxSessions sets the session capacity. Non-positive values keep the default.
func WithMaxSessions(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxSessions = n
		}
	}
}

// WithKeepAliveWindow sets how long a touched session survives cleanup.
func WithKeepAliveWindow(d time.Duration) Option {
	return func(m *Manager) { m.keepAliveWindow = d }
}

// WithSinkFactory gives every new orchestrator the sink returned by f.
func WithSinkFactory(f SinkFactory) Option {
	return func(m *Manager) { m.sinks = f }
}

// NewManager creates a session manager whose orchestrators use client.
func NewManager(client processing.RemoteClient, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		client:          client,
		logger:          zap.NewNop(),
		maxSessions:     DefaultMaxSessions,
		keepAliveWindow: DefaultKeepAliveWindow,
		ctx:             ctx,
		cancel:          cancel,
		sessions:        make(map[string]*state),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts a new idle session.
func (m *Manager) Create() (*models.ProcessSession, error) {
	id := uuid.New().String()
	log := m.logger.With(zap.String("sessionId", logger.ShortID(id)))

	orchOpts := []processing.Option{processing.WithLogger(log)}
	if m.sinks != nil {
		if sink := m.sinks(id); sink != nil {
			orchOpts = append(orchOpts, processing.WithResultSink(sink))
		}
	}

	now := time.Now()
	st := &state{
		id:           id,
		createdAt:    now,
		lastAccessed: now,
		orch:         processing.New(m.client, orchOpts...),
	}

	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.evictLocked(len(m.sessions) - m.maxSessions + 1)
	}
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (max %d)", ErrCapacity, m.maxSessions)
	}
	m.sessions[id] = st
	view := m.viewLocked(st)
	m.mu.Unlock()

	log.Info("session created")
	return view, nil
}

// evictLocked removes up to n idle sessions, least recently accessed first.
func (m *Manager) evictLocked(n int) {
	idle := make([]*state, 0, len(m.sessions))
	for _, st := range m.sessions {
		if !st.running {
			idle = append(idle, st)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].lastAccessed.Before(idle[j].lastAccessed)
	})

	for i := 0; i < n && i < len(idle); i++ {
		delete(m.sessions, idle[i].id)
		m.logger.Info("evicted session to free capacity", zap.String("sessionId", logger.ShortID(idle[i].id)))
	}
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*models.ProcessSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return m.viewLocked(st), true
}

func (m *Manager) viewLocked(st *state) *models.ProcessSession {
	view := &models.ProcessSession{
		ID:            st.id,
		CreatedAt:     st.createdAt,
		LastAccessed:  st.lastAccessed,
		FileIDs:       append([]string(nil), st.fileIDs...),
		Snapshot:      st.orch.Snapshot(),
		CompletedRuns: st.runs,
	}
	if st.running {
		view.IsProcessing = true
	}
	if len(st.failures) > 0 {
		view.Failures = make(map[string]string, len(st.failures))
		for k, v := range st.failures {
			view.Failures[k] = v
		}
	}
	return view
}

// Orchestrator returns the orchestrator of a session.
func (m *Manager) Orchestrator(id string) (*processing.Orchestrator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return st.orch, true
}

// Touch updates the LastAccessed timestamp for a session so cleanup keeps it.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[id]
	if !ok {
		return false
	}
	st.lastAccessed = time.Now()
	return true
}

// StartRun processes docs on the session's orchestrator in the background.
// It fails with ErrBusy while a previous run is still going.
func (m *Manager) StartRun(id string, docs []models.Document) error {
	if len(docs) == 0 {
		return ErrNoDocuments
	}

	m.mu.Lock()
	st, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if st.running || st.orch.IsProcessing() {
		m.mu.Unlock()
		return ErrBusy
	}

	ctx, cancel := context.WithCancel(m.ctx)
	st.running = true
	st.cancel = cancel
	st.done = make(chan struct{})
	st.failures = nil
	st.lastAccessed = time.Now()
	st.fileIDs = st.fileIDs[:0]
	for _, doc := range docs {
		st.fileIDs = append(st.fileIDs, doc.ID)
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx, st, docs)
	return nil
}

func (m *Manager) run(ctx context.Context, st *state, docs []models.Document) {
	defer m.wg.Done()
	log := m.logger.With(zap.String("sessionId", logger.ShortID(st.id)))

	var report processing.BatchReport
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("run panicked", zap.Any("panic", r))
				report.Failures = make(map[string]error, len(docs))
				for _, doc := range docs {
					report.Failures[doc.ID] = fmt.Errorf("run panicked: %v", r)
				}
			}
		}()
		start := time.Now()
		log.Info("run started", zap.Int("documents", len(docs)))
		report = st.orch.ProcessMultiple(ctx, docs)
		log.Info("run finished",
			zap.Int("succeeded", len(report.Results)),
			zap.Int("failed", len(report.Failures)),
			zap.Duration("elapsed", time.Since(start)),
		)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	st.cancel()
	st.running = false
	st.runs++
	if len(report.Failures) > 0 {
		st.failures = make(map[string]string, len(report.Failures))
		for fileID, err := range report.Failures {
			st.failures[fileID] = err.Error()
		}
	}
	close(st.done)
}

// Wait blocks until the session's current run (if any) finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.RLock()
	st, ok := m.sessions[id]
	var done chan struct{}
	if ok {
		done = st.done
	}
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delete removes a session. A run in progress has its context cancelled.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	st, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	if st.cancel != nil {
		st.cancel()
	}
	m.logger.Info("session deleted", zap.String("sessionId", logger.ShortID(id)))
	return nil
}

// CleanupOldSessions removes idle sessions not accessed within maxAge,
// but keeps sessions touched within the keep-alive window and running ones.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-maxAge)
	keepAliveCutoff := now.Add(-m.keepAliveWindow)

	removed := 0
	for id, st := range m.sessions {
		if st.running {
			continue
		}
		if st.lastAccessed.After(keepAliveCutoff) {
			continue
		}
		if st.lastAccessed.Before(cutoff) {
			delete(m.sessions, id)
			removed++
			m.logger.Info("cleaned up aged session",
				zap.String("sessionId", logger.ShortID(id)),
				zap.Duration("idle", now.Sub(st.lastAccessed).Round(time.Second)),
			)
		}
	}
	return removed
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close cancels every run and waits for them to finish.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
