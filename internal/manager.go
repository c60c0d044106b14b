package internal

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionManager owns the single current session and drives its lifecycle.
// Every transition persists first; the in-memory copy is only swapped in
// after the write succeeds, so a failed save never loses unsaved work.
type SessionManager struct {
	svc      *PersistenceService
	defaults SessionConfig

	mu        sync.Mutex
	current   *Session
	listeners map[string]func(*Session)
}

// NewSessionManager builds a manager over the given persistence service.
// defaults seed the config of every created session.
func NewSessionManager(svc *PersistenceService, defaults SessionConfig) *SessionManager {
	return &SessionManager{
		svc:       svc,
		defaults:  defaults,
		listeners: make(map[string]func(*Session)),
	}
}

// Current returns the in-memory current session, or nil.
func (m *SessionManager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CreateSession starts a fresh active session. overrides, when non-nil,
// replace the default config wholesale.
func (m *SessionManager) CreateSession(ctx context.Context, name string, overrides *SessionConfig) (*Session, error) {
	cfg := m.defaults
	if overrides != nil {
		cfg = *overrides
	}

	now := time.Now()
	started := now
	session := &Session{
		Metadata: SessionMetadata{
			ID:         uuid.NewString(),
			Name:       name,
			Status:     StatusActive,
			CreatedAt:  now,
			UpdatedAt:  now,
			StartedAt:  &started,
			Version:    CurrentSessionVersion,
			ClientInfo: runtime.GOOS + "/" + runtime.GOARCH,
		},
		Config:      cfg,
		Simulations: []SimulationReference{},
		State:       map[string]any{},
	}

	if err := m.svc.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	m.setCurrent(session)
	if cfg.AutoSave {
		m.svc.StartAutoSave(m.Current)
	}
	LogInfo("Created session %s (%q)", session.Metadata.ID, name)
	return session, nil
}

// LoadSession makes a stored session current, marking it active and
// re-saving it.
func (m *SessionManager) LoadSession(ctx context.Context, id string) (*Session, error) {
	session, err := m.svc.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}

	session.Metadata.Status = StatusActive
	if err := m.svc.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	m.setCurrent(session)
	if session.Config.AutoSave {
		m.svc.StartAutoSave(m.Current)
	}
	LogInfo("Loaded session %s (%q)", session.Metadata.ID, session.Metadata.Name)
	return session, nil
}

// UpdateSession applies a typed patch to the current session.
func (m *SessionManager) UpdateSession(ctx context.Context, patch SessionPatch) (*Session, error) {
	return m.mutateCurrent(ctx, func(session *Session) error {
		if patch.Name != nil {
			session.Metadata.Name = *patch.Name
		}
		if patch.Priority != nil {
			session.Metadata.Priority = *patch.Priority
		}
		if patch.Tags != nil {
			session.Metadata.Tags = *patch.Tags
		}
		if patch.State != nil {
			if session.State == nil {
				session.State = map[string]any{}
			}
			for k, v := range patch.State {
				session.State[k] = v
			}
		}
		return nil
	})
}

// AddSimulation appends a simulation reference to the current session and
// recomputes the performance aggregates. An empty reference id is filled
// in.
func (m *SessionManager) AddSimulation(ctx context.Context, sim SimulationReference) (*Session, error) {
	return m.mutateCurrent(ctx, func(session *Session) error {
		if session.Config.MaxSimulations > 0 && len(session.Simulations) >= session.Config.MaxSimulations {
			return fmt.Errorf("session %s already holds the maximum of %d simulations",
				session.Metadata.ID, session.Config.MaxSimulations)
		}
		if sim.ID == "" {
			sim.ID = uuid.NewString()
		}
		if sim.Parameters == nil {
			sim.Parameters = map[string]any{}
		}
		if sim.Status == "" {
			sim.Status = SimStatusRunning
		}
		session.Simulations = append(session.Simulations, sim)
		recomputePerformance(session)
		return nil
	})
}

// UpdateSimulation patches one simulation reference by id and recomputes
// the performance aggregates.
func (m *SessionManager) UpdateSimulation(ctx context.Context, simID string, patch SimulationPatch) (*Session, error) {
	return m.mutateCurrent(ctx, func(session *Session) error {
		for i := range session.Simulations {
			if session.Simulations[i].ID != simID {
				continue
			}
			sim := &session.Simulations[i]
			if patch.Status != nil {
				sim.Status = *patch.Status
			}
			if patch.Progress != nil {
				sim.Progress = *patch.Progress
			}
			if patch.ExecutionTime != nil {
				sim.ExecutionTime = *patch.ExecutionTime
			}
			if patch.Generations != nil {
				sim.Generations = *patch.Generations
			}
			if patch.ResultSummary != nil {
				sim.ResultSummary = patch.ResultSummary
			}
			if patch.StorageLocation != nil {
				sim.StorageLocation = *patch.StorageLocation
			}
			if patch.CompletedAt != nil {
				sim.CompletedAt = patch.CompletedAt
			}
			recomputePerformance(session)
			return nil
		}
		return fmt.Errorf("simulation %s not found in session %s", simID, session.Metadata.ID)
	})
}

// PauseSession moves the current session from active to paused.
func (m *SessionManager) PauseSession(ctx context.Context) (*Session, error) {
	return m.mutateCurrent(ctx, func(session *Session) error {
		if session.Metadata.Status != StatusActive {
			return fmt.Errorf("cannot pause session in status %q", session.Metadata.Status)
		}
		session.Metadata.Status = StatusPaused
		return nil
	})
}

// ResumeSession moves the current session from paused back to active. It
// fails when the session is in any other status.
func (m *SessionManager) ResumeSession(ctx context.Context) (*Session, error) {
	return m.mutateCurrent(ctx, func(session *Session) error {
		if session.Metadata.Status != StatusPaused {
			return fmt.Errorf("cannot resume session in status %q", session.Metadata.Status)
		}
		session.Metadata.Status = StatusActive
		return nil
	})
}

// CloseSession completes the current session, storing its total elapsed
// duration, and releases it. Listeners are notified with nil.
func (m *SessionManager) CloseSession(ctx context.Context) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return fmt.Errorf("no current session to close")
	}
	working := cloneSession(m.current)
	m.mu.Unlock()

	if working.Metadata.Status != StatusActive {
		return fmt.Errorf("cannot close session in status %q", working.Metadata.Status)
	}

	now := time.Now()
	working.Metadata.Status = StatusCompleted
	working.Metadata.CompletedAt = &now
	if working.Metadata.StartedAt != nil {
		working.Metadata.TotalDuration = now.Sub(*working.Metadata.StartedAt)
	}

	if err := m.svc.SaveSession(ctx, working); err != nil {
		return err
	}

	m.svc.StopAutoSave()
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	m.notifyListeners(nil)
	LogInfo("Closed session %s", working.Metadata.ID)
	return nil
}

// ArchiveSession archives a session by id, which may be one other than the
// current session. Only active and paused sessions can be archived.
func (m *SessionManager) ArchiveSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	isCurrent := m.current != nil && m.current.Metadata.ID == id
	m.mu.Unlock()

	if isCurrent {
		return m.mutateCurrent(ctx, func(session *Session) error {
			return archiveTransition(session)
		})
	}

	session, err := m.svc.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := archiveTransition(session); err != nil {
		return nil, err
	}
	if err := m.svc.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	LogInfo("Archived session %s", id)
	return session, nil
}

func archiveTransition(session *Session) error {
	if session.Metadata.Status != StatusActive && session.Metadata.Status != StatusPaused {
		return fmt.Errorf("cannot archive session in status %q", session.Metadata.Status)
	}
	session.Metadata.Status = StatusArchived
	return nil
}

// GetAllSessions returns the persisted index summaries.
func (m *SessionManager) GetAllSessions(ctx context.Context) ([]SessionSummary, error) {
	return m.svc.GetAllSessions(ctx)
}

// DeleteSession removes a stored session. Deleting the current session
// also releases it in memory.
func (m *SessionManager) DeleteSession(ctx context.Context, id string) error {
	if err := m.svc.DeleteSession(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	wasCurrent := m.current != nil && m.current.Metadata.ID == id
	if wasCurrent {
		m.current = nil
	}
	m.mu.Unlock()
	if wasCurrent {
		m.svc.StopAutoSave()
		m.notifyListeners(nil)
	}
	return nil
}

// CreateRecoveryPoint snapshots the current session for rollback.
func (m *SessionManager) CreateRecoveryPoint(ctx context.Context) (string, error) {
	session := m.Current()
	if session == nil {
		return "", fmt.Errorf("no current session to snapshot")
	}
	return m.svc.CreateRecoveryPoint(ctx, session.Metadata.ID)
}

// AddListener registers a callback notified on every successful state
// change, with the new session or nil on close.
func (m *SessionManager) AddListener(key string, fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[key] = fn
}

// RemoveListener drops the callback registered under key.
func (m *SessionManager) RemoveListener(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, key)
}

// Close stops auto-save and releases the current session without
// persisting any further change.
func (m *SessionManager) Close() {
	m.svc.StopAutoSave()
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

// mutateCurrent applies fn to a copy of the current session, persists the
// copy, and swaps it in only after the write succeeds.
func (m *SessionManager) mutateCurrent(ctx context.Context, fn func(*Session) error) (*Session, error) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("no current session")
	}
	working := cloneSession(m.current)
	m.mu.Unlock()

	if err := fn(working); err != nil {
		return nil, err
	}
	if err := m.svc.SaveSession(ctx, working); err != nil {
		return nil, err
	}

	m.setCurrent(working)
	return working, nil
}

// setCurrent swaps the in-memory session and notifies listeners.
func (m *SessionManager) setCurrent(session *Session) {
	m.mu.Lock()
	m.current = session
	m.mu.Unlock()
	m.notifyListeners(session)
}

// notifyListeners invokes every registered callback synchronously. A
// panicking listener is logged and skipped.
func (m *SessionManager) notifyListeners(session *Session) {
	m.mu.Lock()
	fns := make([]func(*Session), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					LogWarn("Session listener panicked: %v", r)
				}
			}()
			fn(session)
		}()
	}
}

// recomputePerformance rebuilds the aggregate counters from the simulation
// references.
func recomputePerformance(session *Session) {
	perf := SessionPerformance{
		TotalSimulations: len(session.Simulations),
		StorageUsed:      session.Performance.StorageUsed,
	}
	for _, sim := range session.Simulations {
		switch sim.Status {
		case SimStatusCompleted:
			perf.CompletedSimulations++
		case SimStatusFailed:
			perf.FailedSimulations++
		case SimStatusCancelled:
			perf.CancelledSimulations++
		}
		perf.TotalExecutionTime += sim.ExecutionTime
		perf.TotalGenerations += sim.Generations
	}
	if perf.TotalSimulations > 0 {
		perf.AverageExecutionTime = perf.TotalExecutionTime / time.Duration(perf.TotalSimulations)
	}
	session.Performance = perf
}
