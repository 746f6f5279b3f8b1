// Package main provides the hrun-mcp binary — MCP server for AI agents.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/ormasoftchile/hrun/pkg/chat"
	hmcp "github.com/ormasoftchile/hrun/pkg/ecosystem/mcp"
	"github.com/ormasoftchile/hrun/pkg/runtime"
	"github.com/ormasoftchile/hrun/pkg/store"
	"github.com/ormasoftchile/hrun/pkg/tools"
)

var version = "dev"

func main() {
	dbPath := flag.String("db", ".hrun/hrun.db", "path to the session database")
	toolsPath := flag.String("tools", "", "path to a tool definition YAML file")
	flag.Parse()

	st, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	registry := tools.NewRegistry()
	if *toolsPath != "" {
		reg, shutdown, err := tools.LoadConfig(*toolsPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer shutdown()
		registry = reg
	}

	svc := runtime.NewService(runtime.Config{
		Store:        st,
		Chat:         chat.Echo{},
		Tools:        registry,
		Availability: registry,
	})

	s := hmcp.NewServer(version, svc)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
