package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/mcpbox/internal/orchestrator"
	"github.com/jkaninda/mcpbox/internal/schemacache"
	"github.com/jkaninda/mcpbox/internal/storage"
)

// Exit codes for the run command.
const (
	ExitSuccess            = 0
	ExitFailure            = 1
	ExitInvalidInput       = 2
	ExitBackendUnavailable = 3
)

var (
	runServer     string
	runCode       string
	runFile       string
	runTimeout    int
	runConfigPath string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load a server and execute code against it once",
	Long: `Load a configured MCP server, execute a JavaScript snippet against its
tools inside the isolation host, print the result as JSON, and exit.

Examples:
  mcpbox run -s github -e 'return await tools.list_issues({repo: "jkaninda/okapi"});'
  mcpbox run -s github -f script.js --timeout 60

Exit codes:
  0  execution succeeded
  1  execution failed
  2  invalid input
  3  isolation backend unavailable`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVarP(&runServer, "server", "s", "", "configured server name (required)")
	runCmd.Flags().StringVarP(&runCode, "code", "e", "", "inline JavaScript to execute")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "file containing JavaScript to execute")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 30, "execution timeout in seconds")
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to config file")

	_ = runCmd.MarkFlagRequired("server")
}

func runOnce(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	code, err := resolveCode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitInvalidInput)
	}

	path := runConfigPath
	if path == "" {
		path = serveConfigPath
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	serverCfg, ok := cfg.Servers[runServer]
	if !ok {
		names := make([]string, 0, len(cfg.Servers))
		for name := range cfg.Servers {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(os.Stderr, "Error: server %q not in config (available: %s)\n", runServer, strings.Join(names, ", "))
		os.Exit(ExitInvalidInput)
	}

	// Keep the persisted schema cache warm across one-shot runs.
	var store schemacache.Store
	if cfg.Cache.CacheDriver() != "memory" {
		st, err := storage.Open(cfg.Cache, logger)
		if err != nil {
			return err
		}
		store = st
	}

	orch, err := orchestrator.New(cfg, store, nil, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(runTimeout+30)*time.Second)
	defer cancel()

	inst, err := orch.Load(ctx, runServer, serverCfg)
	if err != nil {
		orch.Shutdown(ctx)
		fmt.Fprintf(os.Stderr, "Error: loading %s: %v\n", runServer, err)
		switch orchestrator.KindOf(err) {
		case orchestrator.KindValidation:
			os.Exit(ExitInvalidInput)
		case orchestrator.KindConnection:
			os.Exit(ExitBackendUnavailable)
		default:
			os.Exit(ExitFailure)
		}
	}

	result, err := orch.Execute(ctx, inst.ID, code, runTimeout*1000)
	orch.Shutdown(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitInvalidInput)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	if !result.Success {
		if result.ErrorKind == orchestrator.KindBackendUnavailable {
			os.Exit(ExitBackendUnavailable)
		}
		os.Exit(ExitFailure)
	}
	return nil
}

// resolveCode returns the snippet from -e, -f, or stdin ("-f -").
func resolveCode() (string, error) {
	switch {
	case runCode != "" && runFile != "":
		return "", fmt.Errorf("use either --code or --file, not both")
	case runCode != "":
		return runCode, nil
	case runFile == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	case runFile != "":
		data, err := os.ReadFile(runFile)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", runFile, err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("code is required: use --code or --file")
	}
}
