package main

import (
	"context"

	"github.com/itstheanurag/runbox/internal/mcptool"
	"github.com/itstheanurag/runbox/internal/server"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the code_run tool over MCP stdio",
	Long: `Serve a Model Context Protocol server on stdin/stdout with one tool,
code_run, backed by the same sandbox and scheduler as the HTTP service.
Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(conf.Log)

	ctx := context.Background()
	rt, err := server.NewRuntime(ctx, conf, &logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.Start(ctx); err != nil {
		return err
	}

	tool := mcptool.New(rt.Scheduler, rt.Registry)
	logger.Info().Msg("serving MCP on stdio")
	return mcpserver.ServeStdio(tool.NewServer(version))
}
