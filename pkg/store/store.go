// Package store defines the persistence contracts for scripts and
// sessions plus the reference implementations: an in-memory store and a
// SQLite-backed durable store. Callers may substitute their own.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ormasoftchile/hrun/pkg/envelope"
	"github.com/ormasoftchile/hrun/pkg/session"
)

// ErrNotFound is returned when a script or session does not exist.
var ErrNotFound = errors.New("not found")

// ScriptStore persists registered envelopes. Registration has replace
// semantics: putting an existing ID overwrites.
type ScriptStore interface {
	PutScript(ctx context.Context, scriptID string, env *envelope.Envelope) error
	GetScript(ctx context.Context, scriptID string) (*envelope.Envelope, error)
	DeleteScript(ctx context.Context, scriptID string) error
}

// SessionStore persists session rows. Implementations must return isolated
// copies: a row handed out is never aliased with stored state.
type SessionStore interface {
	PutSession(ctx context.Context, s *session.Session) error
	GetSession(ctx context.Context, sessionID string) (*session.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// SessionIndexStore answers paged listing queries ordered by
// (updatedAt desc, sessionId asc).
type SessionIndexStore interface {
	Touch(ctx context.Context, scriptID, sessionID string, updatedAt time.Time) error
	Remove(ctx context.Context, sessionID string) error
	// List returns one page of session IDs for a script (empty scriptID
	// matches all), and whether more pages follow.
	List(ctx context.Context, scriptID string, offset, limit int) (ids []string, more bool, err error)
}

// Store bundles the three contracts; both reference implementations
// satisfy it.
type Store interface {
	ScriptStore
	SessionStore
	SessionIndexStore
}
