package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ormasoftchile/hrun/pkg/hrf"
)

// Trace captures one tool invocation end to end.
type Trace struct {
	Recipient    string         `json:"recipient"`
	Args         map[string]any `json:"args"`
	StartedAt    time.Time      `json:"startedAt"`
	CompletedAt  time.Time      `json:"completedAt"`
	Succeeded    bool           `json:"succeeded"`
	Result       any            `json:"result,omitempty"`
	ErrorKind    string         `json:"errorKind,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// Duration is the wall-clock span of the invocation.
func (t *Trace) Duration() time.Duration {
	return t.CompletedAt.Sub(t.StartedAt)
}

// TraceSink receives each completed trace.
type TraceSink func(trace Trace)

// Recorder decorates a Router, delivering a trace per invocation to the
// sink. Errors are recorded and re-raised unchanged.
type Recorder struct {
	inner Router
	sink  TraceSink
}

// NewRecorder wraps a router.
func NewRecorder(inner Router, sink TraceSink) *Recorder {
	return &Recorder{inner: inner, sink: sink}
}

func (r *Recorder) Invoke(ctx context.Context, recipient string, args map[string]any) (any, error) {
	trace := Trace{
		Recipient: recipient,
		Args:      copyArgs(args),
		StartedAt: time.Now().UTC(),
	}

	result, err := r.inner.Invoke(ctx, recipient, args)
	trace.CompletedAt = time.Now().UTC()

	if err != nil {
		trace.Succeeded = false
		trace.ErrorMessage = err.Error()
		trace.ErrorKind = "error"
		if he, ok := err.(*hrf.Error); ok {
			trace.ErrorKind = he.Code
		}
		if r.sink != nil {
			r.sink(trace)
		}
		return nil, err
	}

	trace.Succeeded = true
	trace.Result = result
	if r.sink != nil {
		r.sink(trace)
	}
	return result, nil
}

// copyArgs deep-copies the argument map so later mutation cannot alter the
// recorded trace.
func copyArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return map[string]any{"_unserializable": err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"_unserializable": err.Error()}
	}
	return out
}
