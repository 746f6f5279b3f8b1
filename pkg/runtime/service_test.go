package runtime

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ormasoftchile/hrun/pkg/chat"
	"github.com/ormasoftchile/hrun/pkg/envelope"
	"github.com/ormasoftchile/hrun/pkg/session"
	"github.com/ormasoftchile/hrun/pkg/store"
	"github.com/ormasoftchile/hrun/pkg/tools"
)

// countingRegistry wraps a registry with per-recipient call counters.
type countingRegistry struct {
	*tools.Registry
	mu    sync.Mutex
	calls map[string]int
}

func newCountingRegistry() *countingRegistry {
	return &countingRegistry{Registry: tools.NewRegistry(), calls: make(map[string]int)}
}

func (c *countingRegistry) add(recipient string, result any) {
	c.Registry.Register(recipient, func(ctx context.Context, args map[string]any) (any, error) {
		c.mu.Lock()
		c.calls[recipient]++
		c.mu.Unlock()
		return result, nil
	})
}

func (c *countingRegistry) count(recipient string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[recipient]
}

// toggleAvailability flips between denying and allowing everything.
type toggleAvailability struct{ available bool }

func (a *toggleAvailability) IsAvailable(string) bool { return a.available }
func (a *toggleAvailability) ListAvailable() []string { return nil }

type fixture struct {
	svc      *Service
	store    *store.MemoryStore
	chat     *chat.Scripted
	registry *countingRegistry
}

func newFixture(t *testing.T, availability tools.Availability, replies ...string) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	registry := newCountingRegistry()
	if len(replies) == 0 {
		replies = []string{"stub reply"}
	}
	chatSvc := chat.NewScripted(replies...)
	if availability == nil {
		availability = registry
	}
	svc := NewService(Config{
		Store:        st,
		Chat:         chatSvc,
		Tools:        registry,
		Availability: availability,
	})
	return &fixture{svc: svc, store: st, chat: chatSvc, registry: registry}
}

func contextEnvelope() *envelope.Envelope {
	return &envelope.Envelope{Messages: []envelope.Message{
		{Role: "system", ContentType: envelope.ContentText,
			Content: "You are Harmony MVP. Follow HRF."},
	}}
}

func scriptEnvelope(steps []any) *envelope.Envelope {
	return &envelope.Envelope{Messages: []envelope.Message{
		{Role: "system", ContentType: envelope.ContentText, Content: "You are Harmony MVP. Follow HRF."},
		{Role: "user", ContentType: envelope.ContentText, Content: "run the script please"},
		{Role: "assistant", Channel: envelope.ChannelCommentary, Recipient: "run.main",
			Termination: envelope.TerminationEnd, ContentType: envelope.ContentScript,
			Content: map[string]any{"steps": steps}},
	}}
}

func toolCallStep(recipient, saveAs string, args map[string]any) map[string]any {
	return map[string]any{
		"type": "tool-call", "recipient": recipient, "channel": "commentary",
		"args": args, "save_as": saveAs,
	}
}

func finalStep(content string) map[string]any {
	return map[string]any{"type": "assistant-message", "channel": "final", "content": content}
}

func mustStart(t *testing.T, f *fixture, scriptID string) string {
	t.Helper()
	status, err := f.svc.StartSession(context.Background(), scriptID, nil)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return status.SessionID
}

func mustRegister(t *testing.T, f *fixture, scriptID string, env *envelope.Envelope) {
	t.Helper()
	if err := f.svc.RegisterScript(context.Background(), scriptID, env); err != nil {
		t.Fatalf("register: %v", err)
	}
}

// Scenario 1: context-only advance.
func TestExecuteNext_ContextOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	mustRegister(t, f, "ctx-script", contextEnvelope())
	id := mustStart(t, f, "ctx-script")

	resp, err := f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Record.Index != 0 || resp.Record.Status != session.RecordSucceeded {
		t.Errorf("record = %+v", resp.Record)
	}
	if resp.NextIndex != 1 {
		t.Errorf("nextIndex = %d", resp.NextIndex)
	}

	row, err := f.store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(row.Transcript) != 1 {
		t.Fatalf("transcript = %d entries", len(row.Transcript))
	}
	if row.Transcript[0].Role != "system" {
		t.Errorf("transcript role = %q", row.Transcript[0].Role)
	}
	if row.CurrentIndex != 1 || len(row.History) != 1 {
		t.Errorf("currentIndex = %d, history = %d", row.CurrentIndex, len(row.History))
	}

	found := false
	for _, artifact := range resp.Outputs {
		if artifact.Name == "message" && artifact.ContentType == session.ArtifactText {
			found = true
		}
	}
	if !found {
		t.Errorf("outputs = %+v, want a text artifact named message", resp.Outputs)
	}
}

// Scenario 2: happy-path script.
func TestExecute_HappyPathScript(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, "Final answer from LLM.")
	f.registry.add("demo.echo", map[string]any{"echo": "hello from tool"})

	env := scriptEnvelope([]any{
		toolCallStep("demo.echo", "toolResult", map[string]any{"text": "hello from tool"}),
		finalStep("."),
	})
	mustRegister(t, f, "script-A", env)
	id := mustStart(t, f, "script-A")

	var resp *ExecuteResponse
	var err error
	for i := 0; i < 3; i++ {
		resp, err = f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
		if err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}

	if resp.SessionStatus != string(session.StatusCompleted) {
		t.Errorf("status = %s", resp.SessionStatus)
	}
	if _, ok := resp.Vars["toolResult"]; !ok {
		t.Errorf("vars = %v, want toolResult", resp.Vars)
	}

	row, _ := f.store.GetSession(ctx, id)
	final, ok := row.GetArtifact("final")
	if !ok || final.Content != "Final answer from LLM." {
		t.Errorf("final artifact = %+v", final)
	}
	foundAssistant := false
	for _, entry := range row.Transcript {
		if entry.Role == "assistant" && entry.Content == "Final answer from LLM." {
			foundAssistant = true
		}
	}
	if !foundAssistant {
		t.Errorf("transcript = %+v", row.Transcript)
	}
	if f.registry.count("demo.echo") != 1 {
		t.Errorf("tool calls = %d", f.registry.count("demo.echo"))
	}
}

// Scenario 3: blocked preflight.
func TestExecute_BlockedPreflight(t *testing.T) {
	ctx := context.Background()
	avail := &toggleAvailability{available: false}
	f := newFixture(t, avail)
	f.registry.add("demo.search", "never reached")

	env := scriptEnvelope([]any{
		toolCallStep("demo.search", "results", map[string]any{"query": "x"}),
		finalStep("."),
	})
	mustRegister(t, f, "script-A", env)
	id := mustStart(t, f, "script-A")

	f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
	f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
	resp, err := f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if resp.SessionStatus != string(session.StatusBlocked) {
		t.Errorf("status = %s", resp.SessionStatus)
	}
	if resp.Record.Status != session.RecordBlocked {
		t.Errorf("record status = %s", resp.Record.Status)
	}

	row, _ := f.store.GetSession(ctx, id)
	if row.CurrentIndex != 2 {
		t.Errorf("currentIndex = %d, want pinned at 2", row.CurrentIndex)
	}
	last := row.Transcript[len(row.Transcript)-1]
	if !strings.HasPrefix(last.Content, "[preflight] blocked") {
		t.Errorf("transcript tail = %q", last.Content)
	}
	if f.registry.count("demo.search") != 0 {
		t.Error("tool invoked despite blocked preflight")
	}
	if f.chat.Calls() != 0 {
		t.Error("chat invoked despite blocked preflight")
	}

	// Retry once the tool becomes available: Blocked → Running → Completed.
	avail.available = true
	resp, err = f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if resp.SessionStatus != string(session.StatusCompleted) {
		t.Errorf("status after retry = %s", resp.SessionStatus)
	}
	if f.registry.count("demo.search") != 1 {
		t.Errorf("tool calls after retry = %d", f.registry.count("demo.search"))
	}
}

// Scenario 4: idempotent retry.
func TestExecute_IdempotentRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.registry.add("demo.untouched", "x")

	env := scriptEnvelope([]any{finalStep("direct answer")})
	mustRegister(t, f, "script-A", env)
	id := mustStart(t, f, "script-A")

	f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
	f.svc.ExecuteNext(ctx, id, ExecuteRequest{})

	first, err := f.svc.ExecuteMessage(ctx, id, 2, ExecuteRequest{ExecutionID: "exec-123"})
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	row, _ := f.store.GetSession(ctx, id)
	historyLen := len(row.History)

	second, err := f.svc.ExecuteMessage(ctx, id, 2, ExecuteRequest{ExecutionID: "exec-123"})
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}

	if second.Record.Status != first.Record.Status ||
		second.Record.Index != first.Record.Index ||
		second.Record.ExecutionID != first.Record.ExecutionID ||
		!second.Record.CompletedAt.Equal(first.Record.CompletedAt) {
		t.Errorf("records differ: %+v vs %+v", first.Record, second.Record)
	}

	row, _ = f.store.GetSession(ctx, id)
	if len(row.History) != historyLen {
		t.Errorf("history grew: %d → %d", historyLen, len(row.History))
	}
	if f.registry.count("demo.untouched") != 0 {
		t.Errorf("tool calls = %d", f.registry.count("demo.untouched"))
	}
	if f.chat.Calls() != 0 {
		t.Errorf("chat calls = %d", f.chat.Calls())
	}
}

// Scenario 5: tool trace and transcript summary.
func TestExecute_ToolTrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.registry.add("demo.lookup", "lookup result")

	env := scriptEnvelope([]any{
		toolCallStep("demo.lookup", "toolResult", map[string]any{"query": "hello"}),
		finalStep("done"),
	})
	mustRegister(t, f, "script-A", env)
	id := mustStart(t, f, "script-A")

	f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
	f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
	resp, err := f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	foundTrace := false
	for _, artifact := range resp.Record.Outputs {
		if artifact.Name == "tool:demo.lookup" && artifact.ContentType == session.ArtifactToolTrace {
			foundTrace = true
		}
	}
	if !foundTrace {
		t.Errorf("outputs = %+v, want tool-trace artifact", resp.Record.Outputs)
	}
	if resp.Vars["toolResult"] != "lookup result" {
		t.Errorf("toolResult = %v", resp.Vars["toolResult"])
	}

	row, _ := f.store.GetSession(ctx, id)
	foundSummary := false
	for _, entry := range row.Transcript {
		if strings.HasPrefix(entry.Content, "[tool:demo.lookup] ok") {
			foundSummary = true
		}
	}
	if !foundSummary {
		t.Errorf("transcript = %+v", row.Transcript)
	}
	if _, ok := row.GetArtifact("last_tool_trace"); !ok {
		t.Error("last_tool_trace artifact missing")
	}
}

// Scenario 6: paging order.
func TestListSessions_PagingOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	mustRegister(t, f, "script-A", contextEnvelope())

	next := 0
	names := []string{"s1", "s2", "s3"}
	f.svc.newID = func() string {
		id := names[next]
		next++
		return id
	}
	for range names {
		mustStart(t, f, "script-A")
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stamps := map[string]time.Duration{"s1": 3 * time.Second, "s2": 1 * time.Second, "s3": 2 * time.Second}
	for id, offset := range stamps {
		row, err := f.store.GetSession(ctx, id)
		if err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
		row.UpdatedAt = base.Add(offset)
		if err := f.store.PutSession(ctx, row); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
		if err := f.store.Touch(ctx, "script-A", id, row.UpdatedAt); err != nil {
			t.Fatalf("touch %s: %v", id, err)
		}
	}

	page, err := f.svc.ListSessions(ctx, "script-A", PageRequest{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.SessionIDs) != 2 || page.SessionIDs[0] != "s1" || page.SessionIDs[1] != "s3" {
		t.Errorf("page 1 = %v, want [s1 s3]", page.SessionIDs)
	}
	if page.ContinuationToken == "" {
		t.Fatal("no continuation token")
	}

	page, err = f.svc.ListSessions(ctx, "script-A", PageRequest{Limit: 2, ContinuationToken: page.ContinuationToken})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page.SessionIDs) != 1 || page.SessionIDs[0] != "s2" {
		t.Errorf("page 2 = %v, want [s2]", page.SessionIDs)
	}
	if page.ContinuationToken != "" {
		t.Errorf("token = %q, want empty on final page", page.ContinuationToken)
	}
}

func TestListSessions_UnparseableTokenDegradesToStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	mustRegister(t, f, "script-A", contextEnvelope())
	mustStart(t, f, "script-A")

	page, err := f.svc.ListSessions(ctx, "script-A", PageRequest{ContinuationToken: "garbage"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.SessionIDs) != 1 {
		t.Errorf("ids = %v", page.SessionIDs)
	}
}

// Terminal sessions skip without mutating vars, artifacts, or the pointer.
func TestExecute_TerminalSkips(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	env := scriptEnvelope([]any{finalStep("over")})
	mustRegister(t, f, "script-A", env)
	id := mustStart(t, f, "script-A")

	for i := 0; i < 3; i++ {
		if _, err := f.svc.ExecuteNext(ctx, id, ExecuteRequest{}); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	before, _ := f.store.GetSession(ctx, id)
	if before.Status != session.StatusCompleted {
		t.Fatalf("status = %s", before.Status)
	}

	resp, err := f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
	if err != nil {
		t.Fatalf("execute after terminal: %v", err)
	}
	if resp.Record.Status != session.RecordSkipped {
		t.Errorf("record status = %s", resp.Record.Status)
	}

	after, _ := f.store.GetSession(ctx, id)
	if after.CurrentIndex != before.CurrentIndex {
		t.Errorf("currentIndex changed: %d → %d", before.CurrentIndex, after.CurrentIndex)
	}
	if len(after.Vars) != len(before.Vars) || len(after.Artifacts) != len(before.Artifacts) {
		t.Error("vars/artifacts changed on terminal session")
	}
	if len(after.History) != len(before.History)+1 {
		t.Errorf("history = %d, want %d (append-only)", len(after.History), len(before.History)+1)
	}
}

func TestExecute_FailedScriptMarksSessionFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	// extract-input with bad syntax fails at execution time; the script
	// schema only constrains shapes, not expression grammar.
	env := scriptEnvelope([]any{
		map[string]any{"type": "extract-input", "extract": map[string]any{"x": "not-an-expression"}},
	})
	mustRegister(t, f, "script-A", env)
	id := mustStart(t, f, "script-A")

	f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
	f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
	resp, err := f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.SessionStatus != string(session.StatusFailed) {
		t.Errorf("status = %s", resp.SessionStatus)
	}
	if resp.Record.Error == nil || resp.Record.Error.Code != "HRF_EXECUTION_ERROR" {
		t.Errorf("record error = %+v", resp.Record.Error)
	}
}

func TestGetHistoryItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	mustRegister(t, f, "ctx-script", contextEnvelope())
	id := mustStart(t, f, "ctx-script")
	f.svc.ExecuteNext(ctx, id, ExecuteRequest{})

	item, err := f.svc.GetHistoryItem(ctx, id, 0)
	if err != nil {
		t.Fatalf("history item: %v", err)
	}
	if item.Record == nil || item.Record.Index != 0 {
		t.Errorf("item = %+v", item)
	}

	item, err = f.svc.GetHistoryItem(ctx, id, 7)
	if err != nil {
		t.Fatalf("history item: %v", err)
	}
	if item.Record != nil {
		t.Errorf("record for unexecuted index = %+v", item.Record)
	}
}

func TestStartSession_UnknownScript(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.StartSession(context.Background(), "ghost", nil); err == nil {
		t.Error("unknown script accepted")
	}
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	mustRegister(t, f, "ctx-script", contextEnvelope())
	id := mustStart(t, f, "ctx-script")

	if err := f.svc.DeleteSession(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.GetStatus(ctx, id); err == nil {
		t.Error("deleted session still retrievable")
	}
	page, _ := f.svc.ListSessions(ctx, "ctx-script", PageRequest{})
	if len(page.SessionIDs) != 0 {
		t.Errorf("ids = %v", page.SessionIDs)
	}
}

func TestConcurrentExecutes_Serialize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	mustRegister(t, f, "ctx-script", contextEnvelope())
	id := mustStart(t, f, "ctx-script")

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.ExecuteNext(ctx, id, ExecuteRequest{})
		}()
	}
	wg.Wait()

	row, err := f.store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// One real execution, the rest skipped against a terminal/over-the-end
	// session. History must hold all six records in append order.
	if len(row.History) != 6 {
		t.Errorf("history = %d, want 6", len(row.History))
	}
	succeeded := 0
	for _, record := range row.History {
		if record.Status == session.RecordSucceeded {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Errorf("succeeded records = %d, want exactly 1", succeeded)
	}
	if row.CurrentIndex != 1 {
		t.Errorf("currentIndex = %d", row.CurrentIndex)
	}
}

func TestExecuteMessage_NegativeIndex(t *testing.T) {
	f := newFixture(t, nil)
	mustRegister(t, f, "ctx-script", contextEnvelope())
	id := mustStart(t, f, "ctx-script")
	if _, err := f.svc.ExecuteMessage(context.Background(), id, -2, ExecuteRequest{}); err == nil {
		t.Error("negative index accepted")
	}
}
