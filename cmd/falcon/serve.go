package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/falcon-pm/falcon/pkg/api"
	"github.com/falcon-pm/falcon/pkg/attribution"
	"github.com/falcon-pm/falcon/pkg/bus"
	"github.com/falcon-pm/falcon/pkg/config"
	"github.com/falcon-pm/falcon/pkg/dispatch"
	"github.com/falcon-pm/falcon/pkg/gitsync"
	"github.com/falcon-pm/falcon/pkg/invoker"
	"github.com/falcon-pm/falcon/pkg/killswitch"
	"github.com/falcon-pm/falcon/pkg/maintenance"
	"github.com/falcon-pm/falcon/pkg/masking"
	"github.com/falcon-pm/falcon/pkg/services"
	"github.com/falcon-pm/falcon/pkg/store"
	"github.com/falcon-pm/falcon/pkg/worktree"
)

// anthropicKeyEnv supplies the attribution extractor's API key. When
// unset the findings endpoint reports attribution as unconfigured.
const (
	anthropicKeyEnv         = "ANTHROPIC_API_KEY"
	defaultAttributionModel = "claude-sonnet-4-5"
	shutdownTimeout         = 15 * time.Second
	dbFile                  = "pm.db"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	home, err := config.ResolveHome(homeFlag)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return transient(fmt.Errorf("create home: %w", err))
	}

	cfg, err := config.LoadServer(home)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenSQLite(ctx, filepath.Join(home, dbFile))
	if err != nil {
		return transient(fmt.Errorf("open store: %w", err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	scrubber := masking.NewScrubber()
	git := gitsync.NewSyncer(scrubber)
	layout, err := worktree.NewLayout(home)
	if err != nil {
		return err
	}
	prov := worktree.NewProvisioner(layout, git, cfg.IdentityName, cfg.IdentityEmail)

	outputBus := bus.NewOutputBus()
	broadcastBus := bus.NewBroadcastBus()

	inv := invoker.New(invoker.Config{Command: cfg.AgentCommand}, outputBus, scrubber)
	injector := attribution.NewInjector(st, nil)
	dispatcher := dispatch.New(dispatch.Config{
		BaseBranch:  cfg.BaseBranch,
		ToolBaseURL: cfg.ToolBaseURL,
	}, st, prov, inv, broadcastBus, scrubber, injector)

	ks := killswitch.NewService(killswitch.DefaultConfig(cfg.WorkspaceID), st)
	promoter := attribution.NewPromoter(st, attribution.DefaultGate(), ks)

	var engine *attribution.Engine
	if key := os.Getenv(anthropicKeyEnv); key != "" {
		extractor, err := attribution.NewLLMExtractorFromKey(key, defaultAttributionModel)
		if err != nil {
			return err
		}
		engine = attribution.NewEngine(st, extractor, promoter)
		slog.Info("Attribution engine enabled", "model", defaultAttributionModel)
	} else {
		slog.Warn("Attribution engine disabled", "reason", anthropicKeyEnv+" not set")
	}

	scheduler := maintenance.NewScheduler(maintenance.DefaultConfig(), st, promoter, ks)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	transport := api.NewTransport(broadcastBus, outputBus,
		cfg.MaxConnsPerIP, cfg.MaxSubscriptions, cfg.AllowedOrigins)
	server := api.NewServer(*cfg, api.Services{
		Projects:    services.NewProjectService(st, broadcastBus),
		Issues:      services.NewIssueService(st, broadcastBus),
		Agents:      services.NewAgentService(st),
		Comments:    services.NewCommentService(st, broadcastBus),
		Labels:      services.NewLabelService(st, broadcastBus),
		Documents:   services.NewDocumentService(st, broadcastBus),
		Dispatcher:  dispatcher,
		KillSwitch:  ks,
		Attribution: engine,
	}, transport)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return transient(err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	for _, issueID := range dispatcher.ActiveRuns() {
		dispatcher.CancelRun(issueID)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}
	return nil
}
