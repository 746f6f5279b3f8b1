// Package executor runs a harmony-script step program against an
// evaluation context, invoking the chat and tool collaborators.
package executor

import (
	"context"
	"errors"
	"strings"

	"github.com/ormasoftchile/hrun/pkg/chat"
	"github.com/ormasoftchile/hrun/pkg/envelope"
	"github.com/ormasoftchile/hrun/pkg/eval"
	"github.com/ormasoftchile/hrun/pkg/hrf"
	"github.com/ormasoftchile/hrun/pkg/tools"
)

// summarizeInstruction is appended when a script finishes without
// producing final text, before the closing chat call.
const summarizeInstruction = "Summarize the results of this run for the user."

// Result is the outcome of one script execution.
type Result struct {
	Vars      map[string]any // vars after execution, to persist on the session
	FinalText string         // user-visible final output; empty if none produced
	Halted    bool           // a halt step terminated the program
}

// Runner executes scripts. Collaborators are injected; Filter is passed to
// every chat call unchanged, so a nil Filter leaves filtering to the chat
// backend.
type Runner struct {
	Chat   chat.Service
	Tools  tools.Router
	Filter chat.Filter
}

// runState threads the mutable pieces through nested step lists.
type runState struct {
	ctx       *eval.Context
	history   []chat.Message
	finalText string
	halted    bool
}

// Run executes the script's steps sequentially. The context layers the
// session vars over the script defaults and binds the per-call input; the
// chat history seeds from the session transcript.
func (r *Runner) Run(ctx context.Context, script *envelope.Script, sessionVars, input map[string]any, history []chat.Message) (*Result, error) {
	if script == nil {
		return nil, hrf.New(hrf.CodeMissingScript, "no script to execute")
	}
	if len(script.Steps) == 0 {
		return nil, hrf.New(hrf.CodeNoSteps, "script has zero steps")
	}

	state := &runState{
		ctx:     eval.NewContext(script.Vars, sessionVars, input),
		history: append([]chat.Message(nil), history...),
	}

	if err := r.runSteps(ctx, script.Steps, state); err != nil {
		if isCancellation(err) {
			return nil, err
		}
		return nil, hrf.AsError(err, hrf.CodeExecutionError)
	}

	// A script that ran dry without final output still owes the caller an
	// answer: ask the backend to summarize.
	if state.finalText == "" && !state.halted {
		state.history = append(state.history, chat.Message{
			Role:    "system",
			Content: summarizeInstruction,
		})
		reply, err := r.Chat.GetAssistantReply(ctx, state.history, r.Filter)
		if err != nil {
			return nil, wrapExecution("chat", err)
		}
		state.finalText = reply
	}

	return &Result{
		Vars:      state.ctx.Vars.Snapshot(),
		FinalText: state.finalText,
		Halted:    state.halted,
	}, nil
}

// runSteps executes a step list; a halt inside any nesting level stops the
// whole program.
func (r *Runner) runSteps(ctx context.Context, steps []envelope.Step, state *runState) error {
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if state.halted {
			return nil
		}
		step := &steps[i]
		var err error
		switch step.Type {
		case envelope.StepExtractInput:
			err = r.runExtract(step, state)
		case envelope.StepToolCall:
			err = r.runToolCall(ctx, step, state)
		case envelope.StepIf:
			err = r.runIf(ctx, step, state)
		case envelope.StepAssistantMessage:
			err = r.runAssistantMessage(ctx, step, state)
		case envelope.StepHalt:
			state.halted = true
		default:
			err = hrf.Newf(hrf.CodeExecutionError, "unknown step type %q", step.Type)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// runExtract evaluates each expression and assigns it into vars.
func (r *Runner) runExtract(step *envelope.Step, state *runState) error {
	for name, expr := range step.Extract {
		if err := eval.ValidateSyntax(expr); err != nil {
			return err
		}
		val, err := eval.Evaluate(expr, state.ctx)
		if err != nil {
			return err
		}
		state.ctx.Vars.Set(name, val)
	}
	return nil
}

// runToolCall evaluates args, invokes the router, and saves the result.
func (r *Runner) runToolCall(ctx context.Context, step *envelope.Step, state *runState) error {
	if step.Channel != envelope.ChannelCommentary {
		return hrf.Newf(hrf.CodeExecutionError,
			"tool-call channel must be %q, got %q", envelope.ChannelCommentary, step.Channel)
	}

	args := make(map[string]any, len(step.Args))
	for k, v := range step.Args {
		if s, ok := v.(string); ok && strings.HasPrefix(strings.TrimSpace(s), "$") {
			val, err := eval.Evaluate(s, state.ctx)
			if err != nil {
				return err
			}
			args[k] = val
			continue
		}
		args[k] = v
	}

	result, err := r.Tools.Invoke(ctx, step.Recipient, args)
	if err != nil {
		return wrapExecution("tool", err)
	}
	if step.SaveAs != "" {
		state.ctx.Vars.Set(step.SaveAs, result)
	}
	return nil
}

// runIf evaluates the condition and executes the chosen branch.
func (r *Runner) runIf(ctx context.Context, step *envelope.Step, state *runState) error {
	if err := eval.ValidateSyntax(step.Condition); err != nil {
		return err
	}
	matched, err := eval.EvalCondition(step.Condition, state.ctx)
	if err != nil {
		return err
	}
	if matched {
		return r.runSteps(ctx, step.Then, state)
	}
	return r.runSteps(ctx, step.Else, state)
}

// runAssistantMessage renders the message and routes it by channel.
func (r *Runner) runAssistantMessage(ctx context.Context, step *envelope.Step, state *runState) error {
	if step.Channel != envelope.ChannelAnalysis && step.Channel != envelope.ChannelFinal {
		return hrf.Newf(hrf.CodeExecutionError,
			"assistant-message channel must be analysis or final, got %q", step.Channel)
	}

	text := step.Content
	if step.ContentTemplate != "" {
		text = eval.RenderTemplate(step.ContentTemplate, state.ctx)
	}

	if step.Channel == envelope.ChannelAnalysis {
		// Analysis feeds the chat history only; it never becomes final text.
		state.history = append(state.history, chat.Message{
			Role:    envelope.RoleAssistant,
			Channel: envelope.ChannelAnalysis,
			Content: text,
		})
		return nil
	}

	// Final: a literal "." (or nothing) delegates to the backend.
	if strings.TrimSpace(text) != "" && text != "." {
		state.finalText = text
		return nil
	}
	reply, err := r.Chat.GetAssistantReply(ctx, state.history, r.Filter)
	if err != nil {
		return wrapExecution("chat", err)
	}
	state.finalText = reply
	return nil
}

// wrapExecution converts a collaborator failure into the structured
// execution error, preserving the exception kind. Cancellation passes
// through unchanged so the service can tell it apart from a failure.
func wrapExecution(kind string, err error) error {
	if isCancellation(err) {
		return err
	}
	if he, ok := err.(*hrf.Error); ok {
		return he
	}
	return hrf.Newf(hrf.CodeExecutionError, "%s: %v", kind, err).WithDetail("kind", kind)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
