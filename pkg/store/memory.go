package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ormasoftchile/hrun/pkg/envelope"
	"github.com/ormasoftchile/hrun/pkg/session"
)

// MemoryStore is the in-memory reference implementation of all three store
// contracts. Rows are cloned on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	scripts  map[string]*envelope.Envelope
	sessions map[string]*session.Session
	index    map[string]indexEntry // sessionID → listing key
}

type indexEntry struct {
	scriptID  string
	updatedAt time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scripts:  make(map[string]*envelope.Envelope),
		sessions: make(map[string]*session.Session),
		index:    make(map[string]indexEntry),
	}
}

func (m *MemoryStore) PutScript(ctx context.Context, scriptID string, env *envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clone, err := cloneEnvelope(env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[scriptID] = clone
	return nil
}

func (m *MemoryStore) GetScript(ctx context.Context, scriptID string) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	env, ok := m.scripts[scriptID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %q: %w", scriptID, ErrNotFound)
	}
	return cloneEnvelope(env)
}

func (m *MemoryStore) DeleteScript(ctx context.Context, scriptID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scripts[scriptID]; !ok {
		return fmt.Errorf("script %q: %w", scriptID, ErrNotFound)
	}
	delete(m.scripts, scriptID)
	return nil
}

func (m *MemoryStore) PutSession(ctx context.Context, s *session.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clone, err := s.Clone()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = clone
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	return s.Clone()
}

func (m *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) Touch(ctx context.Context, scriptID, sessionID string, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index[sessionID] = indexEntry{scriptID: scriptID, updatedAt: updatedAt}
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.index, sessionID)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, scriptID string, offset, limit int) ([]string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	type row struct {
		id        string
		updatedAt time.Time
	}
	rows := make([]row, 0, len(m.index))
	for id, entry := range m.index {
		if scriptID != "" && entry.scriptID != scriptID {
			continue
		}
		rows = append(rows, row{id: id, updatedAt: entry.updatedAt})
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].updatedAt.Equal(rows[j].updatedAt) {
			return rows[i].updatedAt.After(rows[j].updatedAt)
		}
		return rows[i].id < rows[j].id
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return nil, false, nil
	}
	end := offset + limit
	more := end < len(rows)
	if end > len(rows) {
		end = len(rows)
	}
	ids := make([]string, 0, end-offset)
	for _, r := range rows[offset:end] {
		ids = append(ids, r.id)
	}
	return ids, more, nil
}

func cloneEnvelope(env *envelope.Envelope) (*envelope.Envelope, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	var out envelope.Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &out, nil
}
