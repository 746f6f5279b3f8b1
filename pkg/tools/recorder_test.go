package tools

import (
	"context"
	"errors"
	"testing"
)

func TestRegistry_CaseInsensitiveRecipients(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Demo.Echo", func(ctx context.Context, args map[string]any) (any, error) {
		return "hi", nil
	})

	if !reg.IsAvailable("demo.echo") {
		t.Error("demo.echo not available")
	}
	result, err := reg.Invoke(context.Background(), "DEMO.ECHO", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result != "hi" {
		t.Errorf("result = %v", result)
	}
	if _, err := reg.Invoke(context.Background(), "no.such", nil); err == nil {
		t.Error("unregistered recipient did not fail")
	}
}

func TestRecorder_CapturesSuccess(t *testing.T) {
	reg := NewRegistry()
	reg.Register("demo.lookup", func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"hits": float64(2)}, nil
	})

	var traces []Trace
	rec := NewRecorder(reg, func(tr Trace) { traces = append(traces, tr) })

	args := map[string]any{"query": "hello"}
	result, err := rec.Invoke(context.Background(), "demo.lookup", args)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.(map[string]any)["hits"] != float64(2) {
		t.Errorf("result = %v", result)
	}

	if len(traces) != 1 {
		t.Fatalf("traces = %d", len(traces))
	}
	tr := traces[0]
	if tr.Recipient != "demo.lookup" || !tr.Succeeded {
		t.Errorf("trace = %+v", tr)
	}
	if tr.Args["query"] != "hello" {
		t.Errorf("trace args = %v", tr.Args)
	}
	if tr.CompletedAt.Before(tr.StartedAt) {
		t.Error("completedAt before startedAt")
	}

	// Mutating the caller's args must not alter the recorded copy.
	args["query"] = "changed"
	if tr.Args["query"] != "hello" {
		t.Error("trace args aliased with caller args")
	}
}

func TestRecorder_RecordsThenReraises(t *testing.T) {
	boom := errors.New("backend down")
	reg := NewRegistry()
	reg.Register("demo.broken", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, boom
	})

	var traces []Trace
	rec := NewRecorder(reg, func(tr Trace) { traces = append(traces, tr) })

	_, err := rec.Invoke(context.Background(), "demo.broken", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want re-raised original", err)
	}
	if len(traces) != 1 {
		t.Fatalf("traces = %d", len(traces))
	}
	if traces[0].Succeeded {
		t.Error("failed call recorded as success")
	}
	if traces[0].ErrorMessage != "backend down" {
		t.Errorf("errorMessage = %q", traces[0].ErrorMessage)
	}
}

func TestBuildRegistry_StaticTools(t *testing.T) {
	cfg := &Config{
		Tools: []ToolSpec{
			{Recipient: "demo.echo"},
			{Recipient: "demo.fixed", Result: map[string]any{"answer": 42}},
		},
	}
	reg, shutdown, err := BuildRegistry(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer shutdown()

	result, err := reg.Invoke(context.Background(), "demo.echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.(map[string]any)["text"] != "hi" {
		t.Errorf("echo result = %v", result)
	}

	result, err = reg.Invoke(context.Background(), "demo.fixed", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.(map[string]any)["answer"] != float64(42) {
		t.Errorf("fixed result = %#v", result)
	}
}

func TestBuildRegistry_UnknownServer(t *testing.T) {
	cfg := &Config{
		Tools: []ToolSpec{{Recipient: "a.b", Server: "ghost"}},
	}
	if _, _, err := BuildRegistry(cfg); err == nil {
		t.Error("unknown server accepted")
	}
}
