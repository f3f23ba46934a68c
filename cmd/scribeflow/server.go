package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/scribeflow/scribeflow/internal/agents"
	"github.com/scribeflow/scribeflow/internal/api"
	"github.com/scribeflow/scribeflow/internal/config"
	"github.com/scribeflow/scribeflow/internal/llm"
	"github.com/scribeflow/scribeflow/internal/orchestrator"
	"github.com/scribeflow/scribeflow/internal/publish"
	"github.com/scribeflow/scribeflow/internal/retrieval"
	"github.com/scribeflow/scribeflow/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scribeflow server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running scribeflow server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scribeflow system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "scribeflow.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "scribeflow version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if cfg.Server.APIToken == "" {
		return fmt.Errorf("no API token configured; set SCRIBEFLOW_API_TOKEN")
	}

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("scribeflow is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("scribeflow is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the retrieval stack.
	llmClient := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.GenerateModel, cfg.LLM.EmbedModel, cfg.LLM.MaxTokens)
	index := retrieval.NewSQLiteIndex(store.DB(), cfg.LLM.EmbedDimension)
	embedder := retrieval.NewEmbedder(llmClient, cfg.LLM.EmbedDimension)
	retriever := retrieval.NewRetriever(embedder, index)

	// Build the pipeline agents and worker.
	publisher := publish.New(cfg.Publish.BaseURL, cfg.Publish.AccessToken, cfg.Publish.BlogID)
	searchOpts := agents.SearchOptions{
		TopK:          cfg.Retrieval.TopK,
		MinConfidence: cfg.Retrieval.MinConfidence,
	}
	log := slog.Default()
	dispatcher, err := orchestrator.NewDispatcher(
		agents.NewOutlineAgent(store, llmClient, retriever, searchOpts, log),
		agents.NewDraftAgent(store, llmClient, retriever, searchOpts, log),
		agents.NewPublishAgent(store, publisher, log),
	)
	if err != nil {
		return fmt.Errorf("building dispatcher: %w", err)
	}
	worker, err := orchestrator.NewWorker(store, dispatcher, orchestrator.Options{
		PollInterval:   time.Duration(cfg.Pipeline.PollIntervalSeconds) * time.Second,
		Concurrency:    cfg.Pipeline.Concurrency,
		BatchSize:      cfg.Pipeline.BatchSize,
		SweepInterval:  time.Duration(cfg.Pipeline.SweepIntervalSeconds) * time.Second,
		StaleThreshold: time.Duration(cfg.Pipeline.StaleThresholdMinutes) * time.Minute,
	}, log)
	if err != nil {
		return fmt.Errorf("building worker: %w", err)
	}
	defer worker.Release()

	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("pipeline worker stopped", "error", err)
		}
	}()

	// Build HTTP handler and server.
	defaults := api.RetrievalDefaults{
		TopK:          cfg.Retrieval.TopK,
		MinConfidence: cfg.Retrieval.MinConfidence,
	}
	handler := api.NewAppHandler(api.AppDeps{
		Store:         store,
		Searcher:      retriever,
		Generator:     llmClient,
		Runner:        worker,
		Token:         cfg.Server.APIToken,
		TriggerSecret: cfg.Server.TriggerSecret,
		Defaults:      defaults,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Searcher: retriever,
		Defaults: defaults,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "scribeflow listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("scribeflow is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop scribeflow (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to scribeflow (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Generate model", "%s", cfg.LLM.GenerateModel)
	printStatus("Embed model", "%s (%d dims)", cfg.LLM.EmbedModel, cfg.LLM.EmbedDimension)
	printStatus("Retrieval", "top_k=%d min_confidence=%.0f", cfg.Retrieval.TopK, cfg.Retrieval.MinConfidence)

	// Show task counts per status if server is running.
	if resp != nil && resp.StatusCode == 200 && cfg.Server.APIToken != "" {
		client, err := newAPIClient()
		if err == nil {
			for _, status := range []string{"pending", "in_progress", "pending_review", "error"} {
				taskResp, err := client.get(context.Background(), "/v1/tasks?status="+status+"&limit=100")
				if err != nil {
					continue
				}
				var tasks []struct {
					ID string
				}
				if decodeJSON(taskResp, &tasks) == nil && len(tasks) > 0 {
					printStatus("Tasks "+status, "%d", len(tasks))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
