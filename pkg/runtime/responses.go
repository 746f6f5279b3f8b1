package runtime

import (
	"time"

	"github.com/ormasoftchile/hrun/pkg/session"
)

// ExecuteRequest carries the caller-controlled parts of one execution.
type ExecuteRequest struct {
	ExecutionID string         `json:"executionId,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

// ExecuteResponse combines the session and the record the call produced.
type ExecuteResponse struct {
	SessionID     string             `json:"sessionId"`
	ScriptID      string             `json:"scriptId"`
	ExecutedIndex int                `json:"executedIndex"`
	NextIndex     int                `json:"nextIndex"`
	SessionStatus string             `json:"sessionStatus"`
	Record        *session.Record    `json:"record"`
	Outputs       []session.Artifact `json:"outputs,omitempty"`
	Vars          map[string]any     `json:"vars,omitempty"`
}

// StatusResponse is the external status projection.
type StatusResponse struct {
	SessionID     string            `json:"sessionId"`
	ScriptID      string            `json:"scriptId"`
	CurrentIndex  int               `json:"currentIndex"`
	Status        string            `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	HistoryCount  int               `json:"historyCount"`
	ArtifactCount int               `json:"artifactCount"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// HistoryResponse carries the full append-only history.
type HistoryResponse struct {
	SessionID    string            `json:"sessionId"`
	ScriptID     string            `json:"scriptId"`
	CurrentIndex int               `json:"currentIndex"`
	Status       string            `json:"status"`
	History      []*session.Record `json:"history"`
}

// HistoryItemResponse carries one record, or none when the index was never
// executed.
type HistoryItemResponse struct {
	SessionID string          `json:"sessionId"`
	ScriptID  string          `json:"scriptId"`
	Index     int             `json:"index"`
	Record    *session.Record `json:"record,omitempty"`
}

// SessionListResponse is one page of session IDs.
type SessionListResponse struct {
	ScriptID          string   `json:"scriptId,omitempty"`
	SessionIDs        []string `json:"sessionIds"`
	ContinuationToken string   `json:"continuationToken,omitempty"`
}

// PageRequest bounds a listing call.
type PageRequest struct {
	Limit             int    `json:"limit,omitempty"`
	ContinuationToken string `json:"continuationToken,omitempty"`
}

// Paging bounds.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)
