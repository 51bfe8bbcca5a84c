package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-task-approvals/internal/client"
	"github.com/pesio-ai/be-task-approvals/internal/config"
	"github.com/pesio-ai/be-task-approvals/internal/handler"
	"github.com/pesio-ai/be-task-approvals/internal/platform/database"
	"github.com/pesio-ai/be-task-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-task-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-task-approvals/internal/platform/tracing"
	"github.com/pesio-ai/be-task-approvals/internal/repository"
	"github.com/pesio-ai/be-task-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-task-approvals/internal/service"
)

func main() {
	var opts config.Options
	var seedDemo bool

	root := &cobra.Command{
		Use:          "task-approvals",
		Short:        "Task forwarding and multi-level approval service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts)
			if err != nil {
				return err
			}
			return serve(cfg, seedDemo)
		},
	}
	root.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file (default .env)")
	root.Flags().BoolVar(&seedDemo, "seed-demo", false, "seed demo users and departments (memory driver only)")

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts)
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Compress:    cfg.Log.Compress,
	})
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	return database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
}

func migrate(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg)
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrate requires the postgres driver, got %q", cfg.Database.Driver)
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}
	log.Info().Str("database", cfg.Database.Database).Msg("Schema applied")
	return nil
}

func serve(cfg *config.Config, seedDemo bool) error {
	log := newLogger(cfg)

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("driver", cfg.Database.Driver).
		Msg("Starting Task Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(cfg.Service.Name, cfg.Service.Version)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Tracer shutdown failed")
			}
		}()
		log.Info().Msg("Tracing enabled")
	}

	// Entity store
	var store repository.Store
	switch cfg.Database.Driver {
	case "memory":
		mem := memory.New()
		if seedDemo {
			seedDemoDirectory(mem, log)
		}
		store = mem
		log.Warn().Msg("Using in-memory store; data is lost on restart")
	default:
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				return err
			}
			log.Info().Msg("Database schema applied")
		}
		store = repository.NewPostgresStore(db)
	}

	// Notifications
	var publisher service.EventPublisher
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Drain()
		publisher = client.NewNotificationPublisher(nc, cfg.NATS.SubjectPrefix, log.Logger)
		log.Info().Str("url", cfg.NATS.URL).Str("prefix", cfg.NATS.SubjectPrefix).Msg("NATS notifications enabled")
	} else {
		log.Info().Msg("NATS URL not set; notifications are logged only")
	}

	// Services
	engine := service.NewApprovalEngine(store, publisher, service.EmptyRoundPolicy(cfg.Approval.EmptyPredefinedRound), log)
	taskService := service.NewTaskService(store, log)
	templateService := service.NewTemplateService(store, log)

	// HTTP
	router := mux.NewRouter()
	handler.NewHTTPHandler(engine, taskService, templateService, log).Register(router)

	var h http.Handler = router
	h = middleware.Actor(h)
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS(cfg.Server.CORSOrigins)(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// gRPC
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.ActorInterceptor,
		handler.LoggingInterceptor(log.Logger),
	))
	handler.NewGRPCHandler(engine, taskService, log.Logger).Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.TaskApprovalsServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
	return nil
}

// seedDemoDirectory fills an in-memory directory so the API can be tried
// without a database.
func seedDemoDirectory(store *memory.Store, log *logger.Logger) {
	accounts := store.AddDepartment(repository.Department{Name: "Accounts"})
	sales := store.AddDepartment(repository.Department{Name: "Sales"})

	users := []repository.User{
		{Name: "Admin", Email: "admin@example.com", Role: repository.RoleAdmin},
		{Name: "Accounts Head", Email: "hod.accounts@example.com", Role: repository.RoleHOD, DepartmentID: &accounts.ID},
		{Name: "Sales Head", Email: "hod.sales@example.com", Role: repository.RoleHOD, DepartmentID: &sales.ID},
		{Name: "Finance Officer", Email: "cfo@example.com", Role: repository.RoleCFO},
		{Name: "Accountant", Email: "accountant@example.com", DepartmentID: &accounts.ID},
		{Name: "Sales Rep", Email: "rep@example.com", DepartmentID: &sales.ID},
	}
	for _, u := range users {
		u.Active = true
		saved := store.AddUser(u)
		log.Info().Str("user_id", saved.ID).Str("name", saved.Name).Str("role", saved.Role).Msg("Seeded demo user")
	}
}
