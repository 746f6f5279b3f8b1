// Package session defines the durable session model: status machine,
// execution records, artifacts, transcript entries, and the per-session
// lock provider. Vars, artifacts, metadata, and the execution-id index key
// case-insensitively.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ormasoftchile/hrun/pkg/hrf"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusCreated   Status = "Created"
	StatusRunning   Status = "Running"
	StatusBlocked   Status = "Blocked"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// Terminal reports whether no further execution may mutate the session.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RecordStatus is the state of one message execution record.
type RecordStatus string

const (
	RecordRunning   RecordStatus = "Running"
	RecordSucceeded RecordStatus = "Succeeded"
	RecordBlocked   RecordStatus = "Blocked"
	RecordSkipped   RecordStatus = "Skipped"
	RecordFailed    RecordStatus = "Failed"
)

// Artifact content types.
const (
	ArtifactText      = "text"
	ArtifactJSON      = "json"
	ArtifactToolTrace = "tool-trace"
	ArtifactPreflight = "preflight"
)

// Artifact is a structured output attached to a record and/or session.
// Immutable once created.
type Artifact struct {
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Content     any       `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	Producer    string    `json:"producer,omitempty"`
}

// Record is one message execution record. Immutable once completed.
type Record struct {
	Index       int            `json:"index"`
	ExecutionID string         `json:"executionId,omitempty"`
	Status      RecordStatus   `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     []Artifact     `json:"outputs,omitempty"`
	Logs        []string       `json:"logs,omitempty"`
	Error       *hrf.Error     `json:"error,omitempty"`
}

// ChatEntry is one transcript line: the durable user-visible conversation.
type ChatEntry struct {
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	SourceIndex *int      `json:"sourceIndex,omitempty"`
}

// Session is the mutable runtime state bound to one script. All engine
// reads and writes happen inside the per-session lock.
type Session struct {
	SessionID        string              `json:"sessionId"`
	ScriptID         string              `json:"scriptId"`
	CurrentIndex     int                 `json:"currentIndex"`
	Status           Status              `json:"status"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
	Vars             map[string]any      `json:"vars,omitempty"`
	Artifacts        map[string]Artifact `json:"artifacts,omitempty"`
	History          []*Record           `json:"history,omitempty"`
	Transcript       []ChatEntry         `json:"transcript,omitempty"`
	Metadata         map[string]string   `json:"metadata,omitempty"`
	ExecutionIDIndex map[string]int      `json:"executionIdIndex,omitempty"`
}

// New creates a fresh session row.
func New(sessionID, scriptID string, metadata map[string]string, now time.Time) *Session {
	return &Session{
		SessionID:        sessionID,
		ScriptID:         scriptID,
		CurrentIndex:     0,
		Status:           StatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
		Vars:             make(map[string]any),
		Artifacts:        make(map[string]Artifact),
		Metadata:         metadata,
		ExecutionIDIndex: make(map[string]int),
	}
}

// SetVar assigns a variable, replacing a key that differs only by case.
func (s *Session) SetVar(name string, value any) {
	if s.Vars == nil {
		s.Vars = make(map[string]any)
	}
	setCI(s.Vars, name, value)
}

// GetVar resolves a variable case-insensitively.
func (s *Session) GetVar(name string) (any, bool) {
	return getCI(s.Vars, name)
}

// SetArtifact attaches a session-level artifact under its name.
func (s *Session) SetArtifact(a Artifact) {
	if s.Artifacts == nil {
		s.Artifacts = make(map[string]Artifact)
	}
	setCI(s.Artifacts, a.Name, a)
}

// GetArtifact resolves an artifact case-insensitively.
func (s *Session) GetArtifact(name string) (Artifact, bool) {
	return getCI(s.Artifacts, name)
}

// LookupExecution returns the history position recorded for an
// idempotency key.
func (s *Session) LookupExecution(executionID string) (int, bool) {
	return getCI(s.ExecutionIDIndex, executionID)
}

// RegisterExecution binds an idempotency key to a history position.
func (s *Session) RegisterExecution(executionID string, position int) {
	if s.ExecutionIDIndex == nil {
		s.ExecutionIDIndex = make(map[string]int)
	}
	setCI(s.ExecutionIDIndex, executionID, position)
}

// SetMeta assigns a metadata entry, replacing a key that differs only by
// case.
func (s *Session) SetMeta(key, value string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	setCI(s.Metadata, key, value)
}

// GetMeta resolves a metadata entry case-insensitively.
func (s *Session) GetMeta(key string) (string, bool) {
	return getCI(s.Metadata, key)
}

// AppendTranscript adds one entry; the transcript stays ordered by
// timestamp with ties broken by append order.
func (s *Session) AppendTranscript(entry ChatEntry) {
	s.Transcript = append(s.Transcript, entry)
}

// Clone deep-copies the session through JSON so store implementations can
// hand out isolated rows.
func (s *Session) Clone() (*Session, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &out, nil
}

// setCI replaces a map entry whose key matches case-insensitively,
// keeping the established casing.
func setCI[V any](m map[string]V, key string, value V) {
	for k := range m {
		if strings.EqualFold(k, key) {
			m[k] = value
			return
		}
	}
	m[key] = value
}

// getCI resolves a map entry case-insensitively.
func getCI[V any](m map[string]V, key string) (V, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	var zero V
	return zero, false
}
