package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi"
	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/auth"
	"github.com/frahmantamala/marketplace-payment/internal/checkout"
	"github.com/frahmantamala/marketplace-payment/internal/core/events"
	"github.com/frahmantamala/marketplace-payment/internal/fee"
	"github.com/frahmantamala/marketplace-payment/internal/gateway"
	gatewayPostgres "github.com/frahmantamala/marketplace-payment/internal/gateway/postgres"
	"github.com/frahmantamala/marketplace-payment/internal/reconcile"
	"github.com/frahmantamala/marketplace-payment/internal/scheduler"
	"github.com/frahmantamala/marketplace-payment/internal/sideeffect"
	sideeffectPostgres "github.com/frahmantamala/marketplace-payment/internal/sideeffect/postgres"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
	transactionPostgres "github.com/frahmantamala/marketplace-payment/internal/transaction/postgres"
	"github.com/frahmantamala/marketplace-payment/internal/transport"
	"github.com/frahmantamala/marketplace-payment/internal/transport/middleware"
	"github.com/frahmantamala/marketplace-payment/internal/transport/rest"
	"github.com/frahmantamala/marketplace-payment/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle checkout, lifecycle and webhook requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

// Dependencies is the object graph shared by the server and worker commands.
type Dependencies struct {
	Config       *internal.Config
	DB           *sqlx.DB
	Gorm         *gorm.DB
	Logger       *slog.Logger
	Bus          *events.EventBus
	Transactions *transaction.Service
	AutoReleaser *transaction.AutoReleaser
	Catalog      gateway.CatalogRepository
	Registry     *gateway.Registry
	Adapters     *gateway.Adapters
	Reconciler   *reconcile.Reconciler
	Poller       *reconcile.Poller
	Orchestrator *checkout.Orchestrator
	Dispatcher   *sideeffect.Dispatcher
	Ratings      *sideeffectPostgres.RatingRepository
	// Asynq is nil when effects run inline.
	Asynq *asynq.Client

	shutdown []func()
}

func startHTTPServer() {
	ctx := context.Background()
	deps, err := initializeDependencies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	lg := deps.Logger

	router, err := setupRoutes(ctx, deps)
	if err != nil {
		lg.Error("failed to set up routes", "error", err)
		os.Exit(1)
	}

	deps.Poller.Start()
	if n, err := deps.Poller.Sweep(ctx); err != nil {
		lg.Error("initial poll sweep failed", "error", err)
	} else if n > 0 {
		lg.Info("resumed polling for in-flight transactions", "count", n)
	}

	var sched *scheduler.Scheduler
	if deps.Config.Worker.EmbeddedScheduler {
		sched, err = newSweepScheduler(deps)
		if err != nil {
			lg.Error("failed to register sweeps", "error", err)
			os.Exit(1)
		}
		sched.Start()
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	lg.Info("starting HTTP server", "address", addr, "effects_queue", deps.Config.Effects.Queue)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		lg.Info("received signal, shutting down", "signal", sig)
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			lg.Error("server failed to start", "error", err)
			deps.Close()
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), deps.Config.Worker.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		lg.Error("server shutdown error", "error", err)
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			lg.Warn("scheduler did not stop in time", "error", err)
		}
	}
	deps.Close()

	lg.Info("server stopped")
}

func setupRoutes(ctx context.Context, deps *Dependencies) (*chi.Mux, error) {
	cfg := deps.Config

	tokens, err := auth.NewTokenGeneratorFromConfig(cfg.Security)
	if err != nil {
		return nil, err
	}

	opts := rest.RouterOptions{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		OpenAPISpecPath: cfg.Server.OpenAPISpecPath,
	}
	if cfg.Server.ValidateRequests {
		doc, err := middleware.LoadOpenAPI(ctx, cfg.Server.OpenAPISpecPath)
		if err != nil {
			return nil, err
		}
		if opts.Validator, err = middleware.RequestValidator(doc, deps.Logger); err != nil {
			return nil, err
		}
	}

	health := rest.NewHealthHandler(deps.DB)
	if deps.Asynq != nil {
		client := deps.Asynq
		health.WithCheck("redis", func(context.Context) error { return client.Ping() })
	}

	base := transport.NewBaseHandler(deps.Logger)
	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, rest.Handlers{
		Health:        health,
		Checkout:      checkout.NewHandler(base, deps.Orchestrator),
		Transactions:  transaction.NewHandler(base, deps.Transactions),
		Webhooks:      reconcile.NewWebhookHandler(base, deps.Adapters, deps.Reconciler),
		Authenticator: auth.NewAuthenticator(tokens, deps.Logger),
	}, opts, deps.Logger)
	return router, nil
}

func initializeDependencies(ctx context.Context) (*Dependencies, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	lg := logger.LoggerWrapper()

	db, err := initDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	gdb, err := initGorm(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	deps := &Dependencies{Config: cfg, DB: db, Gorm: gdb, Logger: lg}

	deps.Bus = events.NewEventBus(lg)
	machine := transaction.NewMachine(cfg.Payment.AutoReleaseAfter)
	deps.Transactions = transaction.NewService(transactionPostgres.NewTransactionRepository(gdb), machine, deps.Bus, lg)
	deps.AutoReleaser = transaction.NewAutoReleaser(deps.Transactions, cfg.Effects.BatchSize, lg)

	calculator := fee.NewCalculator(fee.NewPolicy(cfg.Payment.PlatformFee.EscrowPercent, cfg.Payment.PlatformFee.StandardPercent))
	deps.Catalog = gatewayPostgres.NewCatalogRepository(gdb)
	descriptors, err := gateway.LoadCatalog(ctx, deps.Catalog, gateway.DescriptorsFromConfig(cfg.Payment.Gateways))
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to load gateway catalog: %w", err)
	}
	deps.Registry = gateway.NewRegistry(calculator, descriptors...)
	deps.Adapters = gateway.NewAdaptersFromConfig(cfg.Payment.Gateways, cfg.Payment.GatewayTimeout, lg)

	deps.Reconciler = reconcile.NewReconciler(deps.Transactions, lg)
	deps.Poller = reconcile.NewPoller(deps.Transactions, deps.Adapters, deps.Reconciler, reconcile.PollerConfigFrom(cfg.Payment), lg)
	deps.Orchestrator = checkout.NewOrchestrator(deps.Registry, deps.Adapters, deps.Transactions, deps.Reconciler, deps.Poller,
		checkout.OptionsFromConfig(cfg.Payment), lg)

	deps.Ratings = sideeffectPostgres.NewRatingRepository(gdb)
	collab := sideeffect.Collaborators{
		Notifier:    sideeffect.NewHTTPNotifier(cfg.Collaborators, lg),
		Wallet:      sideeffect.NewHTTPWallet(cfg.Collaborators, lg),
		Arbitration: sideeffect.NewHTTPArbitration(cfg.Collaborators, lg),
		Ratings:     deps.Ratings,
	}
	outbox := sideeffectPostgres.NewOutboxRepository(gdb)
	effectOpts := sideeffect.OptionsFromConfig(cfg.Effects)

	switch cfg.Effects.Queue {
	case "asynq":
		client := asynq.NewClient(sideeffect.RedisOpt(cfg.Redis))
		deps.Asynq = client
		collab.AutoRelease = sideeffect.NewAsynqAutoRelease(client, lg)
		deps.Dispatcher = sideeffect.NewDispatcher(outbox, deps.Transactions, collab, sideeffect.NewAsynqQueue(client, lg), effectOpts, lg)
		deps.shutdown = append(deps.shutdown, func() {
			if err := client.Close(); err != nil {
				lg.Error("asynq client close error", "error", err)
			}
		})
	default:
		queue := sideeffect.NewInlineQueue(lg)
		armer := sideeffect.NewInlineAutoRelease(deps.AutoReleaser, lg)
		collab.AutoRelease = armer
		deps.Dispatcher = sideeffect.NewDispatcher(outbox, deps.Transactions, collab, queue, effectOpts, lg)
		queue.Bind(deps.Dispatcher)
		deps.shutdown = append(deps.shutdown, armer.Shutdown, queue.Shutdown)
	}
	deps.Dispatcher.Subscribe(deps.Bus)

	return deps, nil
}

// Close stops background work in dependency order: the poller stops
// producing transitions, in-flight events drain into the outbox, then the
// queues and connections close.
func (d *Dependencies) Close() {
	if d.Poller != nil {
		d.Poller.Shutdown()
	}
	if d.Bus != nil {
		d.Bus.Wait()
	}
	for i := len(d.shutdown) - 1; i >= 0; i-- {
		d.shutdown[i]()
	}
	d.shutdown = nil

	// Effects finishing above can publish further transitions.
	if d.Bus != nil {
		d.Bus.Wait()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			d.Logger.Error("database close error", "error", err)
		}
		d.DB = nil
	}
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return dbConn, nil
}

// initGorm opens gorm over the existing pool so both share one set of
// connections.
func initGorm(db *sqlx.DB) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
}
