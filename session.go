package fathom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionStore is the persistence backend for the session manager: one
// opaque record per session id. Implementations live in the session/
// sub-packages (fsstore, sqlite, postgres).
type SessionStore interface {
	// Save writes the record for id, replacing any previous one.
	Save(ctx context.Context, id string, data []byte) error
	// Load reads the record for id, or ErrSessionNotFound.
	Load(ctx context.Context, id string) ([]byte, error)
	// Delete removes the record for id. Deleting a missing id is a no-op.
	Delete(ctx context.Context, id string) error
	// List returns all stored session ids.
	List(ctx context.Context) ([]string, error)
}

// sessionSchemaVersion is stamped into every envelope. Loads accept the
// current version only; unknown extra fields are ignored for forward
// compatibility.
const sessionSchemaVersion = 1

// SessionMeta carries session lifecycle timestamps.
type SessionMeta struct {
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastTouchedAt time.Time `json:"last_touched_at"`
}

// sessionEnvelope is the on-disk record shape.
type sessionEnvelope struct {
	Version  int            `json:"version"`
	Messages []Message      `json:"messages"`
	State    *StateSnapshot `json:"state"`
	Metadata SessionMeta    `json:"metadata"`
}

// Manager serializes access to persisted sessions. A session id may be held
// by at most one opener at a time: a second concurrent Acquire fails fast
// with ErrSessionBusy rather than queueing (documented choice — callers that
// want to wait can retry).
type Manager struct {
	store  SessionStore
	logger *slog.Logger

	mu   sync.Mutex
	held map[string]bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// ManagerLogger sets the structured logger for session lifecycle events.
func ManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager builds a session manager over the given store.
func NewManager(store SessionStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		logger: nopLogger,
		held:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire claims a session id. Returns ErrSessionBusy when already held.
func (m *Manager) Acquire(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[id] {
		return fmt.Errorf("session %q: %w", id, ErrSessionBusy)
	}
	m.held[id] = true
	return nil
}

// Release gives up a claim taken by Acquire. Safe to call when not held.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	delete(m.held, id)
	m.mu.Unlock()
}

// Save serializes the (transcript, state) pair under id. The created_at
// timestamp of an existing record is preserved; last_touched_at is bumped.
func (m *Manager) Save(ctx context.Context, id string, t *Transcript, s *AgentState) error {
	now := time.Now().UTC()
	meta := SessionMeta{SessionID: id, CreatedAt: now, LastTouchedAt: now}
	if prev, err := m.loadEnvelope(ctx, id); err == nil && !prev.Metadata.CreatedAt.IsZero() {
		meta.CreatedAt = prev.Metadata.CreatedAt
	}

	snap := s.Snapshot()
	env := sessionEnvelope{
		Version:  sessionSchemaVersion,
		Messages: t.View(),
		State:    &snap,
		Metadata: meta,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", id, err)
	}
	if err := m.store.Save(ctx, id, data); err != nil {
		return err
	}
	m.logger.Debug("session saved", "session", id, "messages", len(env.Messages), "bytes", len(data))
	return nil
}

// Load restores the (transcript, state) pair for id. The transcript is
// rebuilt by replaying appends, so a corrupted record that violates the
// transcript invariants fails with *SessionLoadError instead of producing a
// store the driver would choke on later.
func (m *Manager) Load(ctx context.Context, id string) (*Transcript, *AgentState, SessionMeta, error) {
	env, err := m.loadEnvelope(ctx, id)
	if err != nil {
		return nil, nil, SessionMeta{}, err
	}
	transcript, err := newTranscriptFromMessages(env.Messages)
	if err != nil {
		return nil, nil, SessionMeta{}, &SessionLoadError{SessionID: id, Reason: "transcript replay failed", Err: err}
	}
	state := RestoreState(*env.State)
	m.logger.Debug("session loaded", "session", id, "messages", len(env.Messages))
	return transcript, state, env.Metadata, nil
}

func (m *Manager) loadEnvelope(ctx context.Context, id string) (sessionEnvelope, error) {
	data, err := m.store.Load(ctx, id)
	if err != nil {
		return sessionEnvelope{}, err
	}
	var env sessionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return sessionEnvelope{}, &SessionLoadError{SessionID: id, Reason: "malformed record", Err: err}
	}
	if env.Version != sessionSchemaVersion {
		return sessionEnvelope{}, &SessionLoadError{SessionID: id, Reason: fmt.Sprintf("unsupported schema version %d", env.Version)}
	}
	if env.State == nil {
		return sessionEnvelope{}, &SessionLoadError{SessionID: id, Reason: "missing state"}
	}
	return env, nil
}

// Delete removes a session record and any claim on it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.Release(id)
	return m.store.Delete(ctx, id)
}

// Sweep retires sessions whose last_touched_at is older than ttl. Held
// sessions are skipped. Returns the number of sessions deleted.
func (m *Manager) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-ttl)
	deleted := 0
	for _, id := range ids {
		m.mu.Lock()
		held := m.held[id]
		m.mu.Unlock()
		if held {
			continue
		}
		env, err := m.loadEnvelope(ctx, id)
		if err != nil {
			var le *SessionLoadError
			if errors.As(err, &le) {
				// unreadable record: count it as expired
				if derr := m.store.Delete(ctx, id); derr == nil {
					deleted++
				}
			}
			continue
		}
		if env.Metadata.LastTouchedAt.Before(cutoff) {
			if err := m.store.Delete(ctx, id); err != nil {
				return deleted, err
			}
			deleted++
			m.logger.Info("session expired", "session", id, "last_touched", env.Metadata.LastTouchedAt)
		}
	}
	return deleted, nil
}

func isSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}
