// Package cmd is ameliad's cobra command tree, grounded on zjrosen-perles's
// cmd/root.go (the pack's other cobra+viper service-style entry point) —
// adapted from a TUI's RunE into a daemon's: wire the Store, Event Bus,
// Checkpointer, Engine, Lifecycle Service, Retention Worker, and HTTP/WS
// server together, then block until interrupted.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/existential-birds/amelia/internal/api"
	"github.com/existential-birds/amelia/internal/config"
	"github.com/existential-birds/amelia/internal/obslog"
	"github.com/existential-birds/amelia/pkg/checkpoint"
	"github.com/existential-birds/amelia/pkg/collaborators"
	"github.com/existential-birds/amelia/pkg/collaborators/anthropicdriver"
	"github.com/existential-birds/amelia/pkg/collaborators/googledriver"
	"github.com/existential-birds/amelia/pkg/collaborators/mockdriver"
	"github.com/existential-birds/amelia/pkg/collaborators/openaidriver"
	"github.com/existential-birds/amelia/pkg/eventbus"
	"github.com/existential-birds/amelia/pkg/lifecycle"
	"github.com/existential-birds/amelia/pkg/orchestrator"
	"github.com/existential-birds/amelia/pkg/retention"
	"github.com/existential-birds/amelia/pkg/store"
	"github.com/existential-birds/amelia/pkg/store/mysql"
	"github.com/existential-birds/amelia/pkg/store/sqlite"
	"github.com/existential-birds/amelia/pkg/tokens"
)

var (
	version    = "dev"
	cfgFile    string
	driverName string
	modelName  string
	apiKey     string
	devLog     bool
	storeKind  string
	mysqlDSN   string
)

var rootCmd = &cobra.Command{
	Use:     "ameliad",
	Short:   "Amelia's workflow orchestration daemon",
	Long:    "ameliad drives multi-stage AI-agent workflows (plan -> approve -> execute -> review) behind a REST and WebSocket surface.",
	Version: version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (toml/yaml/json)")
	rootCmd.Flags().StringVar(&driverName, "driver", "mock", "LLM driver: anthropic, openai, google, or mock")
	rootCmd.Flags().StringVar(&modelName, "model", "", "model name passed to the selected driver")
	rootCmd.Flags().StringVar(&apiKey, "api-key", "", "driver API key (falls back to ANTHROPIC_API_KEY/OPENAI_API_KEY/GOOGLE_API_KEY)")
	rootCmd.Flags().BoolVar(&devLog, "dev", false, "human-readable development logging instead of JSON")
	rootCmd.Flags().StringVar(&storeKind, "store", "sqlite", "persistence backend: sqlite or mysql")
	rootCmd.Flags().StringVar(&mysqlDSN, "mysql-dsn", "", "MySQL DSN (required when --store=mysql), falls back to AMELIA_MYSQL_DSN")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string reported by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := obslog.New(devLog)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	db, err := buildStore(storeKind, cfg.DatabasePath, mysqlDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	bus := eventbus.New()
	cp := checkpoint.New(db)
	metrics := orchestrator.NewMetrics(nil)

	engine := orchestrator.New(cp, bus, 0, 0, metrics)

	driver, err := buildDriver(driverName, apiKey, modelName)
	if err != nil {
		return err
	}
	tracker := &issueIDTracker{}
	tokenTracker := tokens.New(db)

	retryPolicy := &orchestrator.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxRetries + 1,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Retryable:   isTransient,
	}
	policy := orchestrator.NodePolicy{RetryPolicy: retryPolicy}

	engine.Add("plan", &orchestrator.PlanNode{
		Tracker:   tracker,
		Agent:     &collaborators.DefaultPlanAgent{Driver: driver},
		Tokens:    tokenTracker,
		ModelName: modelName,
	}, policy)
	engine.Add("await_approval", &orchestrator.AwaitApprovalNode{}, orchestrator.NodePolicy{})
	engine.Add("resume_approval", &orchestrator.ResumeApprovalNode{}, orchestrator.NodePolicy{})
	engine.Add("execute", &orchestrator.ExecuteNode{
		Agent:     &collaborators.DefaultExecuteAgent{Driver: driver},
		Tokens:    tokenTracker,
		ModelName: modelName,
	}, policy)
	engine.Add("review", &orchestrator.ReviewNode{
		Agent:               &collaborators.DefaultReviewAgent{Driver: driver},
		Tokens:              tokenTracker,
		ModelName:           modelName,
		MaxReviewIterations: cfg.MaxReviewIterations,
	}, policy)

	lifecycleCfg := lifecycle.Config{
		MaxConcurrent:       cfg.MaxConcurrent,
		StartTimeout:        time.Duration(cfg.WorkflowStartTimeoutSeconds) * time.Second,
		MaxRetries:          cfg.Retry.MaxRetries,
		RetryBaseDelay:      cfg.Retry.BaseDelay,
		RetryMaxDelay:       cfg.Retry.MaxDelay,
		MaxReviewIterations: cfg.MaxReviewIterations,
	}
	svc := lifecycle.New(db, bus, cp, engine, lifecycleCfg, lifecycle.WithLogger(log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Recover(ctx); err != nil {
		log.Sugar().Warnw("crash-recovery rescan failed", "error", err)
	}

	retentionWorker := retention.New(db, retention.Config{
		RetentionAge:   time.Duration(cfg.LogRetentionDays) * 24 * time.Hour,
		MaxPerWorkflow: cfg.LogRetentionMaxEvents,
		ActivityGrace:  24 * time.Hour,
	}, log)
	go retentionWorker.Run(ctx)

	server := api.NewServer(svc, db, bus,
		api.WithLogger(log),
		api.WithWebsocketIdleTimeout(time.Duration(cfg.WebsocketIdleTimeoutSeconds)*time.Second),
	)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: server,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Sugar().Infow("ameliad listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	retentionWorker.Stop()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Sugar().Warnw("lifecycle shutdown did not complete cleanly", "error", err)
	}

	return nil
}

// buildStore selects a store.Store backend by name. "sqlite" (default) opens
// the pure-Go, single-writer file at databasePath. "mysql" opens a shared,
// networked store for operators running ameliad across multiple hosts,
// using dsn or (if empty) AMELIA_MYSQL_DSN.
func buildStore(kind, databasePath, dsn string) (store.Store, error) {
	switch kind {
	case "mysql":
		if dsn == "" {
			dsn = os.Getenv("AMELIA_MYSQL_DSN")
		}
		if dsn == "" {
			return nil, errors.New("--store=mysql requires --mysql-dsn or AMELIA_MYSQL_DSN")
		}
		db, err := mysql.Open(dsn)
		if err != nil {
			return nil, fmt.Errorf("opening mysql store: %w", err)
		}
		return db, nil
	case "sqlite", "":
		db, err := sqlite.Open(databasePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store at %s: %w", databasePath, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store %q (want sqlite or mysql)", kind)
	}
}

// buildDriver selects a collaborators.Driver by name. "mock" requires no
// credentials and is the default so ameliad starts cleanly out of the box;
// "anthropic"/"openai"/"google" need a real key, from --api-key or the
// driver's own documented environment variable.
func buildDriver(name, key, model string) (collaborators.Driver, error) {
	switch name {
	case "anthropic":
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			return nil, errors.New("--driver=anthropic requires --api-key or ANTHROPIC_API_KEY")
		}
		return anthropicdriver.New(key, model), nil
	case "openai":
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, errors.New("--driver=openai requires --api-key or OPENAI_API_KEY")
		}
		return openaidriver.New(key, model), nil
	case "google":
		if key == "" {
			key = os.Getenv("GOOGLE_API_KEY")
		}
		if key == "" {
			return nil, errors.New("--driver=google requires --api-key or GOOGLE_API_KEY")
		}
		return googledriver.New(key, model), nil
	case "mock", "":
		return &mockdriver.Driver{}, nil
	default:
		return nil, fmt.Errorf("unknown driver %q (want anthropic, openai, google, or mock)", name)
	}
}

// isTransient classifies a node error as retryable: node timeouts and
// context deadline exceeded are transient (spec §4.2 "Retry policy");
// everything else (validation, invariant violations) fails fast.
func isTransient(err error) bool {
	var nodeErr *orchestrator.NodeError
	if errors.As(err, &nodeErr) {
		return nodeErr.Code == "NODE_TIMEOUT"
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// issueIDTracker is ameliad's default collaborators.Tracker: spec.md §1
// scopes real issue-tracker connectors out of this repo, so this stands in
// with the issue id itself as the title until an operator wires a real one.
type issueIDTracker struct{}

func (issueIDTracker) GetIssue(_ context.Context, id string) (collaborators.Issue, error) {
	return collaborators.Issue{ID: id, Title: id}, nil
}
