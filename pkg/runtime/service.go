// Package runtime drives message-by-message session execution: per-session
// locking, preflight, idempotent execution records, tool traces, the
// durable transcript, and status transitions.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ormasoftchile/hrun/pkg/chat"
	"github.com/ormasoftchile/hrun/pkg/envelope"
	"github.com/ormasoftchile/hrun/pkg/executor"
	"github.com/ormasoftchile/hrun/pkg/hrf"
	"github.com/ormasoftchile/hrun/pkg/preflight"
	"github.com/ormasoftchile/hrun/pkg/schema"
	"github.com/ormasoftchile/hrun/pkg/session"
	"github.com/ormasoftchile/hrun/pkg/store"
	"github.com/ormasoftchile/hrun/pkg/tools"
	"github.com/ormasoftchile/hrun/pkg/transcript"
)

// Config wires the service's collaborators. Store, Chat, and Tools are
// required. Locks and Validator default when nil; a nil Availability
// reports every required tool missing, and a nil Filter is handed to the
// chat backend as is.
type Config struct {
	Store        store.Store
	Locks        session.LockProvider
	Validator    schema.Validator
	Chat         chat.Service
	Tools        tools.Router
	Availability tools.Availability
	Filter       chat.Filter
}

// Service is the session execution engine.
type Service struct {
	store        store.Store
	locks        session.LockProvider
	validator    schema.Validator
	chat         chat.Service
	tools        tools.Router
	availability tools.Availability
	filter       chat.Filter

	now   func() time.Time
	newID func() string
}

// NewService creates a service, filling default lock provider, validator,
// clock, and ID source.
func NewService(cfg Config) *Service {
	s := &Service{
		store:        cfg.Store,
		locks:        cfg.Locks,
		validator:    cfg.Validator,
		chat:         cfg.Chat,
		tools:        cfg.Tools,
		availability: cfg.Availability,
		filter:       cfg.Filter,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
	if s.locks == nil {
		s.locks = session.NewKeyedLocks()
	}
	if s.validator == nil {
		s.validator = schema.MustValidator()
	}
	return s
}

// ─── Script registration ────────────────────────────────────────────

// RegisterScript canonicalizes and validates an envelope, then stores it
// under scriptID with replace semantics.
func (s *Service) RegisterScript(ctx context.Context, scriptID string, env *envelope.Envelope) error {
	canonical, err := envelope.Canonicalize(env)
	if err != nil {
		return err
	}
	if verr := s.validator.ValidateEnvelope(canonical); verr != nil {
		return verr
	}
	if m := envelope.FindScript(env); m != nil {
		if verr := s.validator.ValidateScript(m.Content); verr != nil {
			return verr
		}
	}
	normalized, err := envelope.FromCanonical(canonical)
	if err != nil {
		return err
	}
	return s.store.PutScript(ctx, scriptID, normalized)
}

// DeleteScript removes a registered envelope.
func (s *Service) DeleteScript(ctx context.Context, scriptID string) error {
	return s.store.DeleteScript(ctx, scriptID)
}

// ─── Session lifecycle ──────────────────────────────────────────────

// StartSession creates a session bound to a registered script.
func (s *Service) StartSession(ctx context.Context, scriptID string, metadata map[string]string) (*StatusResponse, error) {
	if _, err := s.store.GetScript(ctx, scriptID); err != nil {
		return nil, err
	}
	row := session.New(s.newID(), scriptID, metadata, s.now())
	if err := s.store.PutSession(ctx, row); err != nil {
		return nil, serviceError(err)
	}
	if err := s.store.Touch(ctx, scriptID, row.SessionID, row.UpdatedAt); err != nil {
		return nil, serviceError(err)
	}
	return statusOf(row), nil
}

// DeleteSession removes a session and its index entry.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	unlock, err := s.locks.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock.Unlock()

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	return s.store.Remove(ctx, sessionID)
}

// ─── Execution ──────────────────────────────────────────────────────

// ExecuteNext runs the message at the session's current pointer.
func (s *Service) ExecuteNext(ctx context.Context, sessionID string, req ExecuteRequest) (*ExecuteResponse, error) {
	return s.execute(ctx, sessionID, -1, req)
}

// ExecuteMessage runs the message at an explicit index.
func (s *Service) ExecuteMessage(ctx context.Context, sessionID string, index int, req ExecuteRequest) (*ExecuteResponse, error) {
	if index < 0 {
		return nil, hrf.Newf(hrf.CodeServiceError, "index %d is negative", index)
	}
	return s.execute(ctx, sessionID, index, req)
}

// execute is the driving algorithm for one message. index -1 means "the
// session's current pointer".
func (s *Service) execute(ctx context.Context, sessionID string, index int, req ExecuteRequest) (*ExecuteResponse, error) {
	unlock, err := s.locks.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock.Unlock()

	row, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	env, err := s.store.GetScript(ctx, row.ScriptID)
	if err != nil {
		return nil, err
	}

	i := index
	if i < 0 {
		i = row.CurrentIndex
	}

	// Idempotent retry: return the existing record untouched, before any
	// state transition or collaborator call.
	if req.ExecutionID != "" {
		if pos, ok := row.LookupExecution(req.ExecutionID); ok && pos < len(row.History) && row.History[pos].Index == i {
			return response(row, row.History[pos]), nil
		}
	}

	// Terminal sessions record the attempt and change nothing else.
	if row.Status.Terminal() {
		record := s.newRecord(row.CurrentIndex, req.ExecutionID)
		record.Status = session.RecordSkipped
		record.Logs = append(record.Logs, fmt.Sprintf("session is %s; execution skipped", row.Status))
		return s.finish(ctx, row, record, req)
	}

	// Pointer past the envelope: the run is over.
	if i >= len(env.Messages) {
		row.Status = session.StatusCompleted
		record := s.newRecord(i, req.ExecutionID)
		record.Status = session.RecordSkipped
		record.Logs = append(record.Logs, "index beyond envelope; session completed")
		return s.finish(ctx, row, record, req)
	}

	record := s.newRecord(i, req.ExecutionID)
	if len(req.Input) > 0 {
		record.Inputs = map[string]any{"input": req.Input}
	}

	msg := &env.Messages[i]
	switch {
	case msg.IsContextOnly():
		s.executeContext(row, msg, i, record)
	case msg.IsScript():
		if err := s.executeScript(ctx, row, env, msg, i, record, req); err != nil {
			return nil, err
		}
	default:
		// Tool-termination and other future shapes pass through.
		record.Status = session.RecordSkipped
		record.Logs = append(record.Logs, "message shape not executable; skipped")
		row.CurrentIndex = i + 1
	}

	return s.finish(ctx, row, record, req)
}

// executeContext appends a context-only message to the transcript.
func (s *Service) executeContext(row *session.Session, msg *envelope.Message, i int, record *session.Record) {
	content, _ := msg.Content.(string)
	idx := i
	row.AppendTranscript(session.ChatEntry{
		Role:        transcript.NormalizeRole(msg.Role),
		Content:     content,
		Timestamp:   s.now(),
		SourceIndex: &idx,
	})
	record.Outputs = append(record.Outputs, session.Artifact{
		Name:        "message",
		ContentType: session.ArtifactText,
		Content:     content,
		CreatedAt:   s.now(),
		Producer:    transcript.NormalizeRole(msg.Role),
	})
	record.Status = session.RecordSucceeded
	row.CurrentIndex = i + 1
	if row.Status == session.StatusCreated || row.Status == session.StatusBlocked {
		row.Status = session.StatusRunning
	}
}

// executeScript preflights and runs a harmony-script message.
func (s *Service) executeScript(ctx context.Context, row *session.Session, env *envelope.Envelope, msg *envelope.Message, i int, record *session.Record, req ExecuteRequest) error {
	report := preflight.Analyze(env, s.availability)
	if !report.IsReady {
		idx := i
		row.AppendTranscript(session.ChatEntry{
			Role:        "system",
			Content:     transcript.PreflightBlockedSummary(len(report.MissingRecipients)),
			Timestamp:   s.now(),
			SourceIndex: &idx,
		})
		record.Outputs = append(record.Outputs, session.Artifact{
			Name:        "preflight",
			ContentType: session.ArtifactPreflight,
			Content:     report,
			CreatedAt:   s.now(),
			Producer:    "preflight",
		})
		record.Status = session.RecordBlocked
		record.Error = hrf.Newf(hrf.CodeMissingTool, "missing required tools: %s",
			strings.Join(report.MissingRecipients, ", "))
		record.Logs = append(record.Logs, transcript.PreflightBlockedSummary(len(report.MissingRecipients)))
		row.Status = session.StatusBlocked
		// Pointer stays pinned so a retry re-runs this message.
		return nil
	}

	script, err := envelope.DecodeScript(msg)
	if err != nil {
		s.failRecord(row, record, hrf.AsError(err, hrf.CodeExecutionError))
		return nil
	}

	history := chatHistory(row)

	// The evaluator input layers the per-call input over the session vars.
	input := make(map[string]any, len(row.Vars)+len(req.Input))
	for k, v := range row.Vars {
		input[k] = v
	}
	for k, v := range req.Input {
		input[k] = v
	}

	idx := i
	recorder := tools.NewRecorder(s.tools, func(t tools.Trace) {
		artifact := session.Artifact{
			Name:        "tool:" + t.Recipient,
			ContentType: session.ArtifactToolTrace,
			Content:     t,
			CreatedAt:   s.now(),
			Producer:    t.Recipient,
		}
		record.Outputs = append(record.Outputs, artifact)
		last := artifact
		last.Name = "last_tool_trace"
		row.SetArtifact(last)
		row.AppendTranscript(session.ChatEntry{
			Role:        "system",
			Content:     transcript.ToolSummary(t.Recipient, t.Succeeded, t.Duration()),
			Timestamp:   s.now(),
			SourceIndex: &idx,
		})
		if t.Succeeded {
			record.Logs = append(record.Logs, fmt.Sprintf("tool %s succeeded", t.Recipient))
		} else {
			record.Logs = append(record.Logs, fmt.Sprintf("tool %s failed: %s", t.Recipient, t.ErrorMessage))
		}
	})

	runner := &executor.Runner{Chat: s.chat, Tools: recorder, Filter: s.filter}
	row.Status = session.StatusRunning

	result, runErr := runner.Run(ctx, script, row.Vars, input, history)
	if runErr != nil {
		// Cancellation must not persist a partially mutated session.
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return runErr
		}
		fmt.Fprintf(os.Stderr, "runtime: session %s script failed: %v\n", row.SessionID, runErr)
		s.failRecord(row, record, hrf.AsError(runErr, hrf.CodeExecutionError))
		return nil
	}

	row.Vars = result.Vars
	if result.FinalText != "" {
		artifact := session.Artifact{
			Name:        "final",
			ContentType: session.ArtifactText,
			Content:     result.FinalText,
			CreatedAt:   s.now(),
			Producer:    envelope.RoleAssistant,
		}
		record.Outputs = append(record.Outputs, artifact)
		row.SetArtifact(artifact)
		row.AppendTranscript(session.ChatEntry{
			Role:        envelope.RoleAssistant,
			Content:     result.FinalText,
			Timestamp:   s.now(),
			SourceIndex: &idx,
		})
	}

	record.Status = session.RecordSucceeded
	row.CurrentIndex = i + 1
	// One script completes the run.
	row.Status = session.StatusCompleted
	return nil
}

// failRecord marks the record and session failed.
func (s *Service) failRecord(row *session.Session, record *session.Record, herr *hrf.Error) {
	record.Status = session.RecordFailed
	record.Error = herr
	record.Logs = append(record.Logs, herr.Error())
	row.Status = session.StatusFailed
}

// finish completes the record, appends it to history, registers the
// idempotency key, and persists the session.
func (s *Service) finish(ctx context.Context, row *session.Session, record *session.Record, req ExecuteRequest) (*ExecuteResponse, error) {
	record.CompletedAt = s.now()
	row.History = append(row.History, record)
	if req.ExecutionID != "" {
		row.RegisterExecution(req.ExecutionID, len(row.History)-1)
	}
	row.UpdatedAt = s.now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.store.PutSession(ctx, row); err != nil {
		return nil, serviceError(err)
	}
	if err := s.store.Touch(ctx, row.ScriptID, row.SessionID, row.UpdatedAt); err != nil {
		return nil, serviceError(err)
	}
	return response(row, record), nil
}

func (s *Service) newRecord(index int, executionID string) *session.Record {
	return &session.Record{
		Index:       index,
		ExecutionID: executionID,
		Status:      session.RecordRunning,
		StartedAt:   s.now(),
	}
}

// chatHistory projects the transcript into the backend dispatch history:
// chronological, non-empty content.
func chatHistory(row *session.Session) []chat.Message {
	out := make([]chat.Message, 0, len(row.Transcript))
	for _, entry := range row.Transcript {
		if strings.TrimSpace(entry.Content) == "" {
			continue
		}
		m := chat.Message{Role: entry.Role, Content: entry.Content}
		if entry.SourceIndex != nil {
			m.SourceIndex = *entry.SourceIndex
		}
		out = append(out, m)
	}
	return out
}

// ─── Inspection ─────────────────────────────────────────────────────

// GetStatus returns the status projection.
func (s *Service) GetStatus(ctx context.Context, sessionID string) (*StatusResponse, error) {
	unlock, err := s.locks.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock.Unlock()

	row, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return statusOf(row), nil
}

// GetHistory returns the full history.
func (s *Service) GetHistory(ctx context.Context, sessionID string) (*HistoryResponse, error) {
	unlock, err := s.locks.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock.Unlock()

	row, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &HistoryResponse{
		SessionID:    row.SessionID,
		ScriptID:     row.ScriptID,
		CurrentIndex: row.CurrentIndex,
		Status:       string(row.Status),
		History:      row.History,
	}, nil
}

// GetHistoryItem returns the latest record for one envelope index.
func (s *Service) GetHistoryItem(ctx context.Context, sessionID string, index int) (*HistoryItemResponse, error) {
	unlock, err := s.locks.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock.Unlock()

	row, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	resp := &HistoryItemResponse{
		SessionID: row.SessionID,
		ScriptID:  row.ScriptID,
		Index:     index,
	}
	for j := len(row.History) - 1; j >= 0; j-- {
		if row.History[j].Index == index {
			resp.Record = row.History[j]
			break
		}
	}
	return resp, nil
}

// ListSessions returns one page of session IDs ordered by
// (updatedAt desc, sessionId asc).
func (s *Service) ListSessions(ctx context.Context, scriptID string, page PageRequest) (*SessionListResponse, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	offset := parseContinuation(page.ContinuationToken)

	ids, more, err := s.store.List(ctx, scriptID, offset, limit)
	if err != nil {
		return nil, serviceError(err)
	}
	resp := &SessionListResponse{ScriptID: scriptID, SessionIDs: ids}
	if more {
		resp.ContinuationToken = fmt.Sprintf("offset:%d", offset+len(ids))
	}
	return resp, nil
}

// parseContinuation decodes the opaque token. Unparseable tokens degrade
// to offset 0.
func parseContinuation(token string) int {
	if token == "" {
		return 0
	}
	rest, ok := strings.CutPrefix(token, "offset:")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ─── Projections ────────────────────────────────────────────────────

func statusOf(row *session.Session) *StatusResponse {
	return &StatusResponse{
		SessionID:     row.SessionID,
		ScriptID:      row.ScriptID,
		CurrentIndex:  row.CurrentIndex,
		Status:        string(row.Status),
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
		HistoryCount:  len(row.History),
		ArtifactCount: len(row.Artifacts),
		Metadata:      row.Metadata,
	}
}

func response(row *session.Session, record *session.Record) *ExecuteResponse {
	vars := make(map[string]any, len(row.Vars))
	for k, v := range row.Vars {
		vars[k] = v
	}
	return &ExecuteResponse{
		SessionID:     row.SessionID,
		ScriptID:      row.ScriptID,
		ExecutedIndex: record.Index,
		NextIndex:     row.CurrentIndex,
		SessionStatus: string(row.Status),
		Record:        record,
		Outputs:       record.Outputs,
		Vars:          vars,
	}
}

func serviceError(err error) error {
	if err == nil {
		return nil
	}
	if he, ok := err.(*hrf.Error); ok {
		return he
	}
	return hrf.Newf(hrf.CodeServiceError, "%v", err)
}
