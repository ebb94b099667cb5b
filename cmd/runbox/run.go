package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/itstheanurag/runbox/internal/classify"
	"github.com/itstheanurag/runbox/internal/executor"
	"github.com/itstheanurag/runbox/internal/server"
	"github.com/spf13/cobra"
)

var (
	langFlag string
	jsonFlag bool
)

var extensionLanguages = map[string]string{
	".py":  "python",
	".c":   "c",
	".cpp": "cpp",
	".cc":  "cpp",
	".cxx": "cpp",
	".js":  "javascript",
	".mjs": "javascript",
}

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run one source file through the sandbox",
	Long: `Run a single source file with the same sandbox, limits and scheduler as
the HTTP service and print the classified output. Use "-" to read the source
from stdin. The language is taken from --lang or guessed from the extension.

Exits non-zero when the result is an error.

Examples:
  runbox run hello.py
  runbox run --lang cpp main.cc
  echo 'print(1)' | runbox run --lang python -`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&langFlag, "lang", "l", "", "Language id (python, c, cpp, javascript)")
	runCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the {output, isError} response as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	source, err := readSource(args[0])
	if err != nil {
		return err
	}
	lang := langFlag
	if lang == "" {
		lang = languageFromPath(args[0])
	}

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

	resp := classify.EmptyCode()
	if strings.TrimSpace(source) != "" {
		resp = classify.Classify(rt.Scheduler.Submit(ctx, executor.NewSubmission(lang, source)))
	}

	out := cmd.OutOrStdout()
	if jsonFlag {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, resp.Output)
		if !strings.HasSuffix(resp.Output, "\n") {
			fmt.Fprintln(out)
		}
	}

	if resp.IsError {
		return fmt.Errorf("execution failed")
	}
	return nil
}

func readSource(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return string(data), nil
}

// languageFromPath guesses the language from the file extension and falls
// back to python like the HTTP endpoint does.
func languageFromPath(path string) string {
	if lang, ok := extensionLanguages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "python"
}
