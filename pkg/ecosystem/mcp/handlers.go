package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ormasoftchile/hrun/pkg/envelope"
	"github.com/ormasoftchile/hrun/pkg/runtime"
)

type handlers struct {
	svc *runtime.Service
}

func (h *handlers) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	scriptID, _ := args["script_id"].(string)
	wire, _ := args["wire"].(string)
	if scriptID == "" || wire == "" {
		return errorResult("script_id and wire arguments are required"), nil
	}

	env, err := envelope.Parse(wire)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if err := h.svc.RegisterScript(ctx, scriptID, env); err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(fmt.Sprintf("✓ registered %s (%d messages)", scriptID, len(env.Messages))), nil
}

func (h *handlers) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	scriptID, _ := args["script_id"].(string)
	if scriptID == "" {
		return errorResult("script_id argument is required"), nil
	}

	status, err := h.svc.StartSession(ctx, scriptID, nil)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(status)
}

func (h *handlers) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return errorResult("session_id argument is required"), nil
	}

	execReq := runtime.ExecuteRequest{}
	if id, ok := args["execution_id"].(string); ok {
		execReq.ExecutionID = id
	}
	if input, ok := args["input"].(string); ok && input != "" {
		if err := json.Unmarshal([]byte(input), &execReq.Input); err != nil {
			return errorResult(fmt.Sprintf("parse input: %v", err)), nil
		}
	}

	var resp *runtime.ExecuteResponse
	var err error
	if raw, ok := args["index"].(float64); ok {
		resp, err = h.svc.ExecuteMessage(ctx, sessionID, int(raw), execReq)
	} else {
		resp, err = h.svc.ExecuteNext(ctx, sessionID, execReq)
	}
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(resp)
}

func (h *handlers) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return errorResult("session_id argument is required"), nil
	}

	status, err := h.svc.GetStatus(ctx, sessionID)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(status)
}

func (h *handlers) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return errorResult("session_id argument is required"), nil
	}

	history, err := h.svc.GetHistory(ctx, sessionID)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(history)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(msg),
		},
		IsError: true,
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return textResult(string(data)), nil
}
