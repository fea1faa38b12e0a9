package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"3tcapital/auditharvest/internal/adapters/artifact/file"
	cursorfile "3tcapital/auditharvest/internal/adapters/cursor/file"
	cursorpg "3tcapital/auditharvest/internal/adapters/cursor/postgres"
	healthhttp "3tcapital/auditharvest/internal/adapters/http/health"
	progresshttp "3tcapital/auditharvest/internal/adapters/http/progress"
	progressamqp "3tcapital/auditharvest/internal/adapters/progress/amqp"
	"3tcapital/auditharvest/internal/adapters/provider"
	_ "3tcapital/auditharvest/internal/adapters/provider/aws"
	_ "3tcapital/auditharvest/internal/adapters/provider/azure"
	_ "3tcapital/auditharvest/internal/adapters/provider/gws"
	apphealth "3tcapital/auditharvest/internal/application/health"
	appharvest "3tcapital/auditharvest/internal/application/harvest"
	"3tcapital/auditharvest/internal/application/progress"
	"3tcapital/auditharvest/internal/core/harvest"
	"3tcapital/auditharvest/internal/infrastructure/config"
	ctxutil "3tcapital/auditharvest/internal/infrastructure/context"
	"3tcapital/auditharvest/internal/infrastructure/database"
	httpx "3tcapital/auditharvest/internal/infrastructure/http"
	"3tcapital/auditharvest/internal/infrastructure/http/server"
	"3tcapital/auditharvest/internal/infrastructure/logger"
	"3tcapital/auditharvest/internal/infrastructure/terminal"
)

const (
	exitOK               = 0
	exitError            = 1
	exitPartitionsFailed = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "auditharvest: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return exitOK, nil
	}
	if err != nil {
		return exitError, fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.Harvest.OutputDir, 0o755); err != nil {
		return exitError, fmt.Errorf("create output directory: %w", err)
	}

	// The live view needs both ends of the terminal; otherwise logs go to stdout.
	ui := cfg.Harvest.UI && terminal.IsTerminal(os.Stdin) && terminal.IsTerminal(os.Stdout)

	var logOut io.Writer = os.Stdout
	if ui {
		path := cfg.Log.File
		if path == "" {
			path = filepath.Join(cfg.Harvest.OutputDir, "auditharvest.log")
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return exitError, fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}

	runID := uuid.NewString()
	log := logger.New(cfg.App.Name, cfg.Log.Level, cfg.App.Environment, logOut).With("run_id", runID)

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	if cfg.Harvest.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Harvest.RunTimeout)
		defer cancel()
	}
	ctx = ctxutil.WithRunID(ctx, runID)

	// runCtx is also cancelled by the operator: q in the live view or POST /stop.
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	httpClient := httpx.NewTracedClient(&httpx.TracedClientConfig{
		Timeout:         cfg.Harvest.RequestTimeout,
		MaxConnsPerHost: cfg.Harvest.MaxConcurrency,
	}, log, cfg.Harvest.Provider)

	prov, err := provider.New(ctx, cfg.Harvest.Provider, provider.Settings{
		Config:     cfg,
		Logger:     log,
		HTTPClient: httpClient,
	})
	if err != nil {
		return exitError, err
	}

	artifacts, err := file.NewStore(cfg.Harvest.OutputDir, file.Format(cfg.Harvest.Format), log)
	if err != nil {
		return exitError, err
	}

	var checks []apphealth.Check
	cursors, err := openCursorStore(ctx, cfg, prov.Source(), log)
	if err != nil {
		return exitError, err
	}
	defer cursors.close()
	if cursors.ping != nil {
		checks = append(checks, apphealth.Check{Name: "cursor_store", Probe: cursors.ping})
	}

	board := progress.NewBoard(runID, prov.Source())
	subscribers := []appharvest.Subscriber{board}

	var publisher *progressamqp.Publisher
	if cfg.Progress.AMQPURL != "" {
		publisher, err = progressamqp.Dial(progressamqp.Config{
			URL:        cfg.Progress.AMQPURL,
			Exchange:   cfg.Progress.Exchange,
			RoutingKey: cfg.Progress.RoutingKey,
			Buffer:     cfg.Progress.Buffer,
			RunID:      runID,
			Source:     prov.Source(),
		}, log)
		if err != nil {
			log.Warn("Progress forwarding disabled", "error", err)
		} else {
			subscribers = append(subscribers, publisher)
			checks = append(checks, apphealth.Check{Name: "progress_amqp", Probe: publisher.Healthy})
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := publisher.Close(closeCtx); err != nil {
					log.Warn("Progress forwarder closed with pending messages", "error", err, "dropped", publisher.Dropped())
				}
			}()
		}
	}

	harvester, err := appharvest.New(appharvest.Options{
		Provider:       prov,
		Cursors:        cursors.store,
		Artifacts:      artifacts,
		Subscribers:    subscribers,
		Logger:         log,
		PageSize:       cfg.Harvest.PageSize,
		MaxConcurrency: cfg.Harvest.MaxConcurrency,
		RateLimit:      cfg.Harvest.RateLimit,
		GracePeriod:    cfg.Harvest.GracePeriod,
		Partitions:     cfg.Harvest.Partitions,
		From:           cfg.Harvest.From,
		Update:         cfg.Harvest.Update,
		Overwrite:      cfg.Harvest.Overwrite,
		RunID:          runID,
	})
	if err != nil {
		return exitError, err
	}

	unmark := context.AfterFunc(runCtx, board.MarkStopping)
	defer unmark()

	if cfg.HTTP.Enabled {
		stopServer, err := startStatusServer(ctx, cfg, log, board, stopRun, apphealth.Metadata{
			Service:     cfg.App.Name,
			Version:     cfg.App.Version,
			Environment: cfg.App.Environment,
			Source:      prov.Source(),
			RunID:       runID,
		}, checks)
		if err != nil {
			return exitError, err
		}
		defer stopServer()
	}

	stopDisplay := func() {}
	if ui {
		stopDisplay, err = startDisplay(board, fmt.Sprintf("%s audit log harvest (press q to stop)", prov.Source()), stopRun)
		if err != nil {
			log.Warn("Live display unavailable", "error", err)
			stopDisplay = func() {}
		}
	}

	log.Info("Harvest starting",
		"provider", cfg.Harvest.Provider,
		"output_dir", cfg.Harvest.OutputDir,
		"format", cfg.Harvest.Format,
		"cursor_backend", cfg.Cursor.Backend,
		"update", cfg.Harvest.Update,
		"overwrite", cfg.Harvest.Overwrite,
	)

	summary, err := harvester.Run(runCtx)
	stopDisplay()
	if err != nil {
		var enumErr *harvest.EnumerationError
		if errors.As(err, &enumErr) {
			log.Error("Partition enumeration failed", "error", err)
		}
		return exitError, err
	}

	fmt.Println(progress.SummaryLine(summary))

	if summary.Failed > 0 {
		return exitPartitionsFailed, fmt.Errorf("%d partition(s) failed", summary.Failed)
	}
	return exitOK, nil
}

type cursorBackend struct {
	store harvest.CursorStore
	close func()
	// ping is nil for backends without a connection to probe.
	ping func(context.Context) error
}

// openCursorStore returns the configured resume state backend.
func openCursorStore(ctx context.Context, cfg config.AppConfig, source string, log *slog.Logger) (cursorBackend, error) {
	if cfg.Cursor.Backend != config.CursorBackendPostgres {
		return cursorBackend{store: cursorfile.NewStore(cfg.Harvest.OutputDir, log), close: func() {}}, nil
	}

	pool, err := database.NewPool(ctx, database.Config{
		URL:             cfg.Database.URL,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Database:        cfg.Database.Database,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return cursorBackend{}, fmt.Errorf("cursor database: %w", err)
	}
	if err := database.RunMigrations(ctx, pool, cfg.Cursor.Table, log); err != nil {
		pool.Close()
		return cursorBackend{}, fmt.Errorf("cursor database: %w", err)
	}

	namespace := cfg.Cursor.Namespace
	if namespace == "" {
		if abs, err := filepath.Abs(cfg.Harvest.OutputDir); err == nil {
			namespace = abs
		}
	}
	log.Info("Cursor database ready", "table", cfg.Cursor.Table, "namespace", namespace)
	return cursorBackend{
		store: cursorpg.NewStore(pool, cfg.Cursor.Table, namespace, source, log),
		close: pool.Close,
		ping:  pool.Ping,
	}, nil
}

// startStatusServer serves health, progress and stop until the returned func is called.
func startStatusServer(ctx context.Context, cfg config.AppConfig, log *slog.Logger, board *progress.Board, stopRun func(), meta apphealth.Metadata, checks []apphealth.Check) (func(), error) {
	health := healthhttp.NewHandler(apphealth.NewService(meta, checks...), log)
	srv, err := server.New(server.Options{
		Config:         cfg,
		Logger:         log,
		HealthHandler:  http.HandlerFunc(health.Status),
		HarvestHandler: progresshttp.NewHandler(board, stopRun, log).Routes(),
	})
	if err != nil {
		return nil, fmt.Errorf("create status server: %w", err)
	}

	// The server outlives the run context so the final state stays readable
	// until the process exits.
	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(serveCtx); err != nil {
			log.Error("Status server failed", "error", err)
		}
	}()

	return func() {
		cancel()
		<-done
		srv.Close()
	}, nil
}

// startDisplay takes over the terminal until the returned func is called.
func startDisplay(board *progress.Board, title string, stopRun func()) (func(), error) {
	restore, err := terminal.WatchQuit(os.Stdin, stopRun)
	if err != nil {
		return nil, err
	}

	display := progress.NewDisplay(os.Stdout, board, title, progress.DefaultRefresh)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		display.Run(ctx)
	}()

	return func() {
		cancel()
		<-done
		restore()
	}, nil
}
