// Package main provides the hrun binary — CLI for the harmony session
// execution runtime.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/expr-lang/expr"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/hrun/pkg/chat"
	"github.com/ormasoftchile/hrun/pkg/envelope"
	"github.com/ormasoftchile/hrun/pkg/runtime"
	"github.com/ormasoftchile/hrun/pkg/schema"
	"github.com/ormasoftchile/hrun/pkg/store"
	"github.com/ormasoftchile/hrun/pkg/tools"
)

// Version is set at build time via ldflags.
var version = "dev"

var (
	flagDB    string
	flagTools string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hrun",
	Short: "Harmony session execution runtime",
	Long:  "hrun — register harmony envelopes and drive pausable, resumable, inspectable sessions through them.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", ".hrun/hrun.db", "path to the session database")
	rootCmd.PersistentFlags().StringVar(&flagTools, "tools", "", "path to a tool definition YAML file")

	execCmd.Flags().Int("index", -1, "explicit envelope index (default: session pointer)")
	execCmd.Flags().String("execution-id", "", "idempotency key for this execution")
	execCmd.Flags().String("input", "", "JSON object of per-call input values")

	historyCmd.Flags().Int("index", -1, "show only the record for this envelope index")

	sessionsCmd.Flags().String("script", "", "restrict to one script ID")
	sessionsCmd.Flags().Int("limit", runtime.DefaultPageLimit, "page size (max 500)")
	sessionsCmd.Flags().String("token", "", "continuation token from a previous page")
	sessionsCmd.Flags().String("where", "", `filter expression, e.g. 'status == "Running"'`)

	startCmd.Flags().StringArray("meta", nil, "session metadata entries, key=value")

	rootCmd.AddCommand(parseCmd, registerCmd, unregisterCmd, startCmd, execCmd,
		statusCmd, historyCmd, sessionsCmd, deleteCmd, schemaCmd, versionCmd)
}

// buildService wires the store, tool registry, and offline chat backend.
func buildService() (*runtime.Service, func(), error) {
	st, err := store.NewSQLiteStore(flagDB)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	cleanup := func() { st.Close() }

	var registry *tools.Registry
	if flagTools != "" {
		reg, shutdown, err := tools.LoadConfig(flagTools)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		registry = reg
		prev := cleanup
		cleanup = func() {
			shutdown()
			prev()
		}
	} else {
		registry = tools.NewRegistry()
	}

	svc := runtime.NewService(runtime.Config{
		Store:        st,
		Chat:         chat.Echo{},
		Tools:        registry,
		Availability: registry,
	})
	return svc, cleanup, nil
}

// --- parse ---

var parseCmd = &cobra.Command{
	Use:   "parse [wire.txt]",
	Short: "Parse wire text and print the canonical JSON envelope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		env, err := envelope.Parse(string(data))
		if err != nil {
			return err
		}
		canonical, err := envelope.Canonicalize(env)
		if err != nil {
			return err
		}
		var pretty map[string]any
		if err := json.Unmarshal([]byte(canonical), &pretty); err != nil {
			return err
		}
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// --- register / unregister ---

var registerCmd = &cobra.Command{
	Use:   "register <script-id> <wire.txt>",
	Short: "Parse, validate, and store an envelope under a script ID",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		env, err := envelope.Parse(string(data))
		if err != nil {
			return err
		}
		svc, cleanup, err := buildService()
		if err != nil {
			return err
		}
		defer cleanup()
		if err := svc.RegisterScript(context.Background(), args[0], env); err != nil {
			return err
		}
		fmt.Printf("✓ registered %s (%d messages)\n", args[0], len(env.Messages))
		return nil
	},
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister <script-id>",
	Short: "Delete a registered envelope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := buildService()
		if err != nil {
			return err
		}
		defer cleanup()
		if err := svc.DeleteScript(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ deleted %s\n", args[0])
		return nil
	},
}

// --- start ---

var startCmd = &cobra.Command{
	Use:   "start <script-id>",
	Short: "Start a session bound to a registered script",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metaPairs, _ := cmd.Flags().GetStringArray("meta")
		metadata := make(map[string]string)
		for _, pair := range metaPairs {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("metadata entry %q is not key=value", pair)
			}
			metadata[k] = v
		}
		svc, cleanup, err := buildService()
		if err != nil {
			return err
		}
		defer cleanup()
		status, err := svc.StartSession(context.Background(), args[0], metadata)
		if err != nil {
			return err
		}
		fmt.Printf("✓ session %s (%s)\n", status.SessionID, renderStatus(status.Status))
		return nil
	},
}

// --- exec ---

var execCmd = &cobra.Command{
	Use:   "exec <session-id>",
	Short: "Execute the next (or an explicit) envelope message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, _ := cmd.Flags().GetInt("index")
		executionID, _ := cmd.Flags().GetString("execution-id")
		inputJSON, _ := cmd.Flags().GetString("input")

		req := runtime.ExecuteRequest{ExecutionID: executionID}
		if inputJSON != "" {
			if err := json.Unmarshal([]byte(inputJSON), &req.Input); err != nil {
				return fmt.Errorf("parse --input: %w", err)
			}
		}

		svc, cleanup, err := buildService()
		if err != nil {
			return err
		}
		defer cleanup()

		var resp *runtime.ExecuteResponse
		if index >= 0 {
			resp, err = svc.ExecuteMessage(context.Background(), args[0], index, req)
		} else {
			resp, err = svc.ExecuteNext(context.Background(), args[0], req)
		}
		if err != nil {
			return err
		}

		fmt.Printf("▶ index %d → %s, session %s (next: %d)\n",
			resp.ExecutedIndex, resp.Record.Status, renderStatus(resp.SessionStatus), resp.NextIndex)
		for _, artifact := range resp.Outputs {
			fmt.Printf("  • %s [%s]\n", artifact.Name, artifact.ContentType)
		}
		if resp.Record.Error != nil {
			fmt.Printf("  ✗ %s\n", resp.Record.Error)
		}
		return nil
	},
}

// --- status / history ---

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show the session status projection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := buildService()
		if err != nil {
			return err
		}
		defer cleanup()
		status, err := svc.GetStatus(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", status.SessionID, renderStatus(status.Status))
		fmt.Printf("  script:    %s\n", status.ScriptID)
		fmt.Printf("  index:     %d\n", status.CurrentIndex)
		fmt.Printf("  history:   %d record(s)\n", status.HistoryCount)
		fmt.Printf("  artifacts: %d\n", status.ArtifactCount)
		fmt.Printf("  updated:   %s\n", status.UpdatedAt.Format("2006-01-02 15:04:05"))
		for k, v := range status.Metadata {
			fmt.Printf("  meta:      %s=%s\n", k, v)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show the session's execution history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, _ := cmd.Flags().GetInt("index")
		svc, cleanup, err := buildService()
		if err != nil {
			return err
		}
		defer cleanup()

		if index >= 0 {
			item, err := svc.GetHistoryItem(context.Background(), args[0], index)
			if err != nil {
				return err
			}
			if item.Record == nil {
				fmt.Printf("index %d has no record\n", index)
				return nil
			}
			out, err := json.MarshalIndent(item.Record, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		history, err := svc.GetHistory(context.Background(), args[0])
		if err != nil {
			return err
		}
		for _, record := range history.History {
			line := fmt.Sprintf("#%d %s", record.Index, record.Status)
			if record.ExecutionID != "" {
				line += fmt.Sprintf(" (execution %s)", record.ExecutionID)
			}
			fmt.Println(line)
			for _, artifact := range record.Outputs {
				fmt.Printf("   • %s [%s]\n", artifact.Name, artifact.ContentType)
			}
		}
		return nil
	},
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		scriptID, _ := cmd.Flags().GetString("script")
		limit, _ := cmd.Flags().GetInt("limit")
		token, _ := cmd.Flags().GetString("token")
		where, _ := cmd.Flags().GetString("where")

		svc, cleanup, err := buildService()
		if err != nil {
			return err
		}
		defer cleanup()

		page, err := svc.ListSessions(context.Background(), scriptID,
			runtime.PageRequest{Limit: limit, ContinuationToken: token})
		if err != nil {
			return err
		}

		var filter func(map[string]any) (bool, error)
		if where != "" {
			compiled, err := expr.Compile(where, expr.AsBool())
			if err != nil {
				return fmt.Errorf("compile --where %q: %w", where, err)
			}
			filter = func(env map[string]any) (bool, error) {
				out, err := expr.Run(compiled, env)
				if err != nil {
					return false, fmt.Errorf("eval --where: %w", err)
				}
				return out.(bool), nil
			}
		}

		for _, id := range page.SessionIDs {
			status, err := svc.GetStatus(context.Background(), id)
			if err != nil {
				return err
			}
			if filter != nil {
				env := map[string]any{
					"sessionId":    status.SessionID,
					"scriptId":     status.ScriptID,
					"status":       status.Status,
					"currentIndex": status.CurrentIndex,
					"historyCount": status.HistoryCount,
				}
				ok, err := filter(env)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
			}
			fmt.Printf("%s  %-10s %s idx=%d\n",
				status.SessionID, renderStatus(status.Status), status.ScriptID, status.CurrentIndex)
		}
		if page.ContinuationToken != "" {
			fmt.Printf("… more: --token %s\n", page.ContinuationToken)
		}
		return nil
	},
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := buildService()
		if err != nil {
			return err
		}
		defer cleanup()
		if err := svc.DeleteSession(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ deleted %s\n", args[0])
		return nil
	},
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema [envelope|script]",
	Short: "Export the JSON Schema for the envelope or script documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		switch args[0] {
		case "envelope":
			data, err = schema.ExportEnvelopeSchema()
		case "script":
			data, err = schema.ExportScriptSchema()
		default:
			return fmt.Errorf("unknown schema type %q — use 'envelope' or 'script'", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hrun version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hrun %s\n", version)
	},
}

// --- rendering ---

var (
	styleCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleBlocked   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	styleNeutral   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func renderStatus(status string) string {
	switch status {
	case "Completed":
		return styleCompleted.Render(status)
	case "Failed", "Cancelled":
		return styleFailed.Render(status)
	case "Blocked":
		return styleBlocked.Render(status)
	case "Running":
		return styleRunning.Render(status)
	default:
		return styleNeutral.Render(status)
	}
}
