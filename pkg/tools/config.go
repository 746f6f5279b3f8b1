package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the tool definition file. Each tool binds a recipient to either
// a static canned result or a tool on a spawned MCP stdio server.
type Config struct {
	Servers map[string]ServerSpec `yaml:"servers"`
	Tools   []ToolSpec            `yaml:"tools"`
}

// ServerSpec describes how to spawn one MCP stdio server.
type ServerSpec struct {
	Binary  string   `yaml:"binary"`
	Argv    []string `yaml:"argv"`
	Timeout string   `yaml:"timeout"` // initialization timeout, e.g. "15s"
}

// ToolSpec binds one recipient.
type ToolSpec struct {
	Recipient string `yaml:"recipient"`
	Server    string `yaml:"server,omitempty"` // MCP server alias
	Tool      string `yaml:"tool,omitempty"`   // MCP tool name; defaults to the function part of the recipient
	Result    any    `yaml:"result,omitempty"` // static canned result when no server is set
}

// LoadConfig reads a tool definition YAML file and builds a registry.
// MCP processes spawn lazily on first invocation; the returned shutdown
// func stops them.
func LoadConfig(path string) (*Registry, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read tool config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("parse tool config: %w", err)
	}
	return BuildRegistry(&cfg)
}

// BuildRegistry wires a parsed config into a registry plus shutdown func.
func BuildRegistry(cfg *Config) (*Registry, func() error, error) {
	reg := NewRegistry()
	pool := &serverPool{specs: cfg.Servers, procs: make(map[string]*mcpProcess)}

	for _, spec := range cfg.Tools {
		if spec.Recipient == "" {
			return nil, nil, fmt.Errorf("tool entry has no recipient")
		}
		if spec.Server == "" {
			result := normalizeYAML(spec.Result)
			reg.Register(spec.Recipient, func(ctx context.Context, args map[string]any) (any, error) {
				if result != nil {
					return result, nil
				}
				// No canned result: echo the args back
				out := make(map[string]any, len(args))
				for k, v := range args {
					out[k] = v
				}
				return out, nil
			})
			continue
		}

		if _, ok := cfg.Servers[spec.Server]; !ok {
			return nil, nil, fmt.Errorf("tool %q references unknown server %q", spec.Recipient, spec.Server)
		}
		alias := spec.Server
		toolName := spec.Tool
		if toolName == "" {
			// recipient is plugin.function — the function part names the tool
			if i := strings.LastIndex(spec.Recipient, "."); i >= 0 {
				toolName = spec.Recipient[i+1:]
			} else {
				toolName = spec.Recipient
			}
		}
		reg.Register(spec.Recipient, func(ctx context.Context, args map[string]any) (any, error) {
			proc, err := pool.get(ctx, alias)
			if err != nil {
				return nil, err
			}
			return proc.CallTool(ctx, toolName, args)
		})
	}

	return reg, pool.shutdown, nil
}

// serverPool spawns MCP processes on demand and reuses live ones.
type serverPool struct {
	mu    sync.Mutex
	specs map[string]ServerSpec
	procs map[string]*mcpProcess
}

func (p *serverPool) get(ctx context.Context, alias string) (*mcpProcess, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if proc, ok := p.procs[alias]; ok && proc.alive() {
		return proc, nil
	}

	spec := p.specs[alias]
	timeout := time.Duration(0)
	if spec.Timeout != "" {
		d, err := time.ParseDuration(spec.Timeout)
		if err != nil {
			return nil, fmt.Errorf("server %q: parse timeout: %w", alias, err)
		}
		timeout = d
	}

	fmt.Fprintf(os.Stderr, "tools: spawning MCP process %q %v\n", spec.Binary, spec.Argv)
	proc, err := spawnMCP(ctx, spec.Binary, spec.Argv, timeout)
	if err != nil {
		return nil, fmt.Errorf("spawn MCP server %q: %w", alias, err)
	}
	p.procs[alias] = proc
	return proc, nil
}

func (p *serverPool) shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for alias, proc := range p.procs {
		fmt.Fprintf(os.Stderr, "tools: shutting down mcp %q\n", alias)
		if err := proc.Shutdown(3 * time.Second); err != nil {
			fmt.Fprintf(os.Stderr, "tools: shutdown mcp %q error: %v\n", alias, err)
			lastErr = err
		}
		delete(p.procs, alias)
	}
	return lastErr
}

// normalizeYAML converts yaml-decoded values (map[any]any keys) into
// JSON-shaped map[string]any trees.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return val
	}
}
