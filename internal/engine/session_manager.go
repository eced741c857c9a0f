package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"social-duel/server/internal/models"
	"social-duel/server/internal/scenario"
)

// SessionManager owns the live orchestrators of a process
type SessionManager struct {
	deps     Deps
	opts     Options
	logger   *slog.Logger
	sessions map[string]*Orchestrator
	mu       sync.RWMutex
}

func NewSessionManager(deps Deps, opts Options) *SessionManager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Catalog == nil {
		deps.Catalog = scenario.Default()
	}
	return &SessionManager{
		deps:     deps,
		opts:     opts,
		logger:   logger.With("component", "sessions"),
		sessions: make(map[string]*Orchestrator),
	}
}

// Catalog returns the scenario sessions are played against
func (m *SessionManager) Catalog() *scenario.Catalog {
	return m.deps.Catalog
}

// Open returns the live session for sessionID, or creates it and restores
// it from its slot. An empty id starts a brand new session.
func (m *SessionManager) Open(ctx context.Context, sessionID string, setup models.Setup) (*Orchestrator, RestoreResult, error) {
	if sessionID != "" {
		if o, err := m.Get(sessionID); err == nil {
			return o, RestoreResult{Found: true, NeedsPrompt: o.ResumePending(), State: o.View()}, nil
		}
	} else {
		sessionID = uuid.NewString()
	}

	o := NewOrchestrator(sessionID, normalizeSetup(setup), m.deps, m.opts)
	result, err := o.Start(ctx)
	if err != nil {
		return nil, RestoreResult{}, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		// another request opened it first
		m.mu.Unlock()
		return existing, RestoreResult{Found: true, NeedsPrompt: existing.ResumePending(), State: existing.View()}, nil
	}
	m.sessions[sessionID] = o
	m.mu.Unlock()

	m.logger.Info("session opened", "session", sessionID, "restored", result.Found, "prompt", result.NeedsPrompt)
	return o, result, nil
}

// Get returns a live session
func (m *SessionManager) Get(sessionID string) (*Orchestrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return o, nil
}

// Close forgets a live session. Its snapshot stays in the slot.
func (m *SessionManager) Close(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Sweep closes sessions that have been quiet for longer than idle and
// returns their ids. Sessions with a request in flight, or for which
// inUse reports true, are kept.
func (m *SessionManager) Sweep(now time.Time, idle time.Duration, inUse func(sessionID string) bool) []string {
	m.mu.RLock()
	var stale []string
	for id, o := range m.sessions {
		if o.Pending() != Idle || now.Sub(o.LastActive()) < idle {
			continue
		}
		if inUse != nil && inUse(id) {
			continue
		}
		stale = append(stale, id)
	}
	m.mu.RUnlock()

	sort.Strings(stale)
	for _, id := range stale {
		m.Close(id)
	}
	if len(stale) > 0 {
		m.logger.Info("closed idle sessions", "count", len(stale), "remaining", len(m.ActiveSessions()))
	}
	return stale
}

// ActiveSessions lists live session ids
func (m *SessionManager) ActiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalizeSetup(setup models.Setup) models.Setup {
	setup.Player.Name = strings.TrimSpace(setup.Player.Name)
	if setup.Player.Name == "" {
		setup.Player.Name = "You"
	}
	setup.Opponent.Name = strings.TrimSpace(setup.Opponent.Name)
	if setup.Opponent.Name == "" {
		setup.Opponent.Name = "The Stranger"
	}
	if setup.Player.Background == "" {
		setup.Player.Background = scenario.DefaultBackground
	}
	if setup.Opponent.Background == "" {
		setup.Opponent.Background = scenario.DefaultBackground
	}
	return setup
}
