package main

import (
	"context"
	"encoding/json"
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

	"github.com/kalambet/cardpilot/internal/api"
	"github.com/kalambet/cardpilot/internal/browser"
	"github.com/kalambet/cardpilot/internal/classify"
	"github.com/kalambet/cardpilot/internal/completion"
	"github.com/kalambet/cardpilot/internal/config"
	"github.com/kalambet/cardpilot/internal/escalation"
	"github.com/kalambet/cardpilot/internal/marketplace"
	"github.com/kalambet/cardpilot/internal/media"
	"github.com/kalambet/cardpilot/internal/ollama"
	"github.com/kalambet/cardpilot/internal/pipeline"
	"github.com/kalambet/cardpilot/internal/recovery"
	"github.com/kalambet/cardpilot/internal/session"
	"github.com/kalambet/cardpilot/internal/storage"
	"github.com/kalambet/cardpilot/internal/vault"
	"github.com/kalambet/cardpilot/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the cardpilot server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		serveMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(serveMCP)
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running cardpilot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cardpilot system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "cardpilot.pid")
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

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(serveMCP bool) error {
	fmt.Fprintf(os.Stderr, "cardpilot version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	identity, err := cfg.RequireVaultIdentity()
	if err != nil {
		return err
	}
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("cardpilot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("cardpilot is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	creds, err := vault.New(store, identity, logger)
	if err != nil {
		return err
	}

	adapters, err := marketplace.LoadRegistry(cfg.Adapters.Dir, logger)
	if err != nil {
		return fmt.Errorf("loading marketplace profiles: %w", err)
	}
	slog.Info("marketplaces available", "ids", adapters.IDs())

	launcher := browser.NewChromeLauncher(browser.Options{
		Headless:    cfg.Browser.Headless,
		RemoteURL:   cfg.Browser.RemoteURL,
		UserDataDir: cfg.Browser.UserDataDir,
		Logger:      logger,
	})
	defer launcher.Close()

	codes := session.NewCodeInbox()
	sessions := session.NewRegistry(session.Config{
		Adapters:     adapters,
		Credentials:  creds,
		Launcher:     launcher,
		Codes:        codes,
		Logger:       logger,
		DefaultTTL:   cfg.Session.TTL,
		LoginTimeout: cfg.Timeouts.Login,
	})
	defer sessions.Close()

	// The completion service is optional: without it recovery is limited
	// to the knowledge base.
	var proposer recovery.Proposer
	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, ollamaClient, cfg.Ollama.Model, os.Stderr); err != nil {
		slog.Warn("completion service unavailable, proposals disabled", "base_url", cfg.Ollama.BaseURL, "error", err)
	} else {
		proposer = completion.NewProposer(ollamaClient, cfg.Ollama.Model, logger)
	}

	kb, err := recovery.LoadKnowledgeBase(store, logger)
	if err != nil {
		return fmt.Errorf("loading knowledge base: %w", err)
	}
	healer := recovery.NewEngine(recovery.Config{
		Knowledge:       kb,
		Proposer:        proposer,
		Escalator:       escalation.NewSink(store, logger),
		Audit:           store,
		Logger:          logger,
		Wait:            cfg.Recovery.Wait,
		CaptchaSolvable: sessions.HasCaptchaSolver(),
	})

	classifier := classify.NewClassifier()
	pipe := pipeline.New(pipeline.Config{
		Sessions: sessions,
		Healer:   healer,
		Store:    store,
		Media: media.NewStager(media.Options{
			Client:  &http.Client{Timeout: cfg.Timeouts.Upload},
			BaseDir: cfg.Media.TempDir,
			Logger:  logger,
		}),
		Classifier: classifier,
		Timeouts: pipeline.Timeouts{
			Navigation: cfg.Timeouts.Navigation,
			Form:       cfg.Timeouts.Form,
			Upload:     cfg.Timeouts.Upload,
			Submit:     cfg.Timeouts.Submit,
		},
		WaitPerFile: cfg.Media.WaitPerFile,
		Logger:      logger,
	})

	jobs := worker.New(store, pipe, worker.Options{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		Classifier:   classifier,
		Logger:       logger,
	})
	if _, err := jobs.Recover(); err != nil {
		return err
	}
	workerDone := make(chan struct{})
	go func() {
		jobs.Run(ctx)
		close(workerDone)
	}()

	deps := api.Deps{
		Store:        store,
		Jobs:         jobs,
		Sessions:     sessions,
		Codes:        codes,
		Marketplaces: adapters,
		Knowledge:    kb,
		Classifier:   classifier,
		Logger:       logger,
	}

	if serveMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewAppHandler(deps, apiToken),
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "cardpilot listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)

	// In-flight jobs see the cancelled context and fail as cancelled.
	stop()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		slog.Warn("jobs still running at shutdown; they will be failed as interrupted on next start")
	}
	return err
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
		printError("cardpilot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop cardpilot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to cardpilot (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
		printStatus("Ollama", "not running (recovery limited to the knowledge base)")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s (model %s)", cfg.Ollama.BaseURL, cfg.Ollama.Model)
	}

	if _, err := cfg.RequireVaultIdentity(); err != nil {
		printStatus("Vault", "no identity configured")
	} else {
		printStatus("Vault", "identity configured")
	}

	apiToken, tokenErr := config.GetAPIToken(config.NewKeychain())
	if tokenErr == nil && running {
		ac := &apiClient{baseURL: serverURL, token: apiToken, httpClient: client}
		var active []json.RawMessage
		for _, state := range []string{"queued", "navigating", "filling_form", "uploading_media", "submitting"} {
			var jobs []json.RawMessage
			if r, err := ac.get(ctx, "/jobs?limit=200&state="+state); err == nil && decodeJSON(r, &jobs) == nil {
				active = append(active, jobs...)
			}
		}
		printStatus("Active jobs", "%s", countLabel(len(active), 200))

		var tickets []json.RawMessage
		if r, err := ac.get(ctx, "/tickets?status=open&limit=100"); err == nil && decodeJSON(r, &tickets) == nil {
			printStatus("Open tickets", "%s", countLabel(len(tickets), 100))
		}
		var sessions []json.RawMessage
		if r, err := ac.get(ctx, "/sessions"); err == nil && decodeJSON(r, &sessions) == nil {
			printStatus("Sessions", "%d", len(sessions))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
