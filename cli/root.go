// Package cli provides the command-line entry points for the evaluation
// orchestration engine: a long-running server command that starts the
// worker pool, HTTP API, and reconciler, a one-shot schema migration
// command, and a set of use-case/model operator commands that call the
// engine directly for scripting and debugging without going through HTTP.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	evalhttp "evalorch.io/api/http"
	"evalorch.io/internal/collaborators"
	"evalorch.io/internal/config"
	"evalorch.io/internal/db"
	"evalorch.io/internal/domain"
	"evalorch.io/internal/engine"
	"evalorch.io/internal/lock"
	"evalorch.io/internal/logging"
	"evalorch.io/internal/notify"
	"evalorch.io/internal/reconciler"
	"evalorch.io/internal/repository"
	"evalorch.io/internal/storage"
	"evalorch.io/internal/tasks"
	"evalorch.io/internal/taskqueue"
	"evalorch.io/internal/upload"
	"evalorch.io/internal/worker"
)

var cfgFile string

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "evalorch",
	Short: "evaluation orchestration engine",
	Long: `evalorch drives use cases and model evaluations through their
configuration, data-quality, and evaluation lifecycle, backed by
Postgres for state and task persistence, S3-compatible storage for
artifacts, and Redis for distributed coordination.`,
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(useCaseCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.ReadInConfig()
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the HTTP API, worker pool, and reconciler",
	RunE:  runServe,
}

var (
	migrateOnce  bool
	migrateForce bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "create or update the database schema",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateOnce, "once", false, "fail if the schema was already bootstrapped instead of reconciling it")
	migrateCmd.Flags().BoolVar(&migrateForce, "force", false, "bypass the --once guard")
}

func loadConfig() (*config.Config, error) {
	return config.NewLoader("EVALORCH").LoadAll()
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	gdb, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening schema connection: %w", err)
	}
	if migrateOnce {
		if err := db.InitializeOnce(gdb, migrateForce); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	} else if err := db.AutoInitialize(gdb); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	if cfg.Database.MigrationsDir != "" {
		sqlDB, err := gdb.DB()
		if err != nil {
			return fmt.Errorf("getting sql.DB handle: %w", err)
		}
		applied, err := db.ApplyMigrations(sqlDB, cfg.Database.MigrationsDir)
		if err != nil {
			return fmt.Errorf("applying SQL migrations: %w", err)
		}
		fmt.Printf("applied %d SQL migration(s)\n", len(applied))
	}

	fmt.Println("schema up to date")
	return nil
}

// buildEngine wires every collaborator into an engine.Engine, ready to
// Start. Callers are responsible for Stop and releasing the Postgres
// pool they receive back.
func buildEngine(cfg *config.Config) (*engine.Engine, *db.PostgresDB, error) {
	log := logging.ServiceLogger(logging.New(logging.Config{
		Level:  logging.LogLevel(cfg.Service.LogLevel),
		Format: cfg.Service.LogFormat,
	}), cfg.Service.Name, cfg.Service.Version)

	pdb, err := db.NewPostgresDB(cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	useCases := repository.NewUseCaseRepository(pdb.Pool())
	models := repository.NewModelEvaluationRepository(pdb.Pool())

	store, err := storage.NewS3Store(context.Background(), cfg.Storage.Bucket, cfg.Storage.Region)
	if err != nil {
		pdb.Close()
		return nil, nil, fmt.Errorf("connecting to object storage: %w", err)
	}

	registeredNames := (&tasks.Handlers{}).Names()
	queue := taskqueue.New(pdb.Pool(), registeredNames)

	uploads := upload.New(useCases, models, store, queue, log)

	handlers := &tasks.Handlers{
		UseCases:  useCases,
		Models:    models,
		Store:     store,
		Queue:     queue,
		Validator: collaborators.NewHTTPValidator(cfg.Collaborators.ConfigValidatorURL),
		Checker:   collaborators.NewHTTPQualityChecker(cfg.Collaborators.QualityCheckerURL),
		Evaluator: collaborators.NewHTTPEvaluator(cfg.Collaborators.EvaluatorURL),
		Notifier:  notify.NewWebhookNotifier(cfg.Collaborators.NotifyWebhookURL),
		Log:       log,
	}

	pool := worker.NewPool(queue, handlers, worker.Config{
		WorkerCount:  cfg.Worker.Count,
		PollInterval: cfg.Worker.PollInterval,
		TaskTimeout:  cfg.Worker.TaskTimeout,
	}, log)

	locker, err := lock.New(cfg.Lock.URL)
	if err != nil {
		log.Warn("distributed lock unavailable, reconciler will run unguarded", "error", err)
		locker = nil
	}
	recon := reconciler.New(useCases, models, queue, locker, cfg.Lock.TTL, log)

	eng := &engine.Engine{
		UseCases:   useCases,
		Models:     models,
		Queue:      queue,
		Uploads:    uploads,
		Pool:       pool,
		Reconciler: recon,
		Log:        log,
	}
	return eng, pdb, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	eng, pdb, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer pdb.Close()

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer eng.Stop()

	// PORT (unprefixed) follows the platform convention of several PaaS
	// providers and takes precedence over the app-prefixed config value
	// when set and valid.
	port := evalhttp.GetPortInt(os.Getenv("PORT"), cfg.Server.Port)

	serverCfg := evalhttp.ServerConfig{
		Port:            port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		BodyLimit:       "25M",
		AllowedOrigins:  []string{"*"},
		APIKey:          cfg.Server.APIKey,
		Debug:           cfg.Server.Debug,
	}
	e := evalhttp.NewEchoServer(serverCfg)
	e.HTTPErrorHandler = evalhttp.CustomHTTPErrorHandler
	evalhttp.RegisterRoutes(e, eng, cfg.Service.Name, cfg.Service.Version)

	go func() {
		if err := evalhttp.StartServer(e, serverCfg); err != nil {
			eng.Log.Error("http server stopped", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	return evalhttp.GracefulShutdown(e, cfg.Server.ShutdownTimeout)
}

var useCaseCmd = &cobra.Command{
	Use:   "usecase",
	Short: "operator commands for inspecting and driving use cases",
}

func init() {
	createCmd := &cobra.Command{
		Use:  "create [name] [team-email]",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(eng *engine.Engine) error {
				uc, err := eng.CreateUseCase(context.Background(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("created use case %s in state %s\n", uc.ID, uc.State)
				return nil
			})
		},
	}

	getCmd := &cobra.Command{
		Use:  "get [id]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(eng *engine.Engine) error {
				uc, err := eng.GetUseCase(context.Background(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%+v\n", uc)
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:  "list [state]",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var state domain.UseCaseState
			if len(args) == 1 {
				state = domain.UseCaseState(args[0])
			}
			return withEngine(func(eng *engine.Engine) error {
				list, err := eng.ListUseCases(context.Background(), state)
				if err != nil {
					return err
				}
				for _, uc := range list {
					fmt.Printf("%s\t%s\t%s\n", uc.ID, uc.Name, uc.State)
				}
				return nil
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:  "cancel [id] [reason]",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(eng *engine.Engine) error {
				uc, err := eng.CancelUseCase(context.Background(), args[0], args[1], "operator")
				if err != nil {
					return err
				}
				fmt.Printf("use case %s now %s\n", uc.ID, uc.State)
				return nil
			})
		},
	}

	modelCmd := &cobra.Command{
		Use:  "model [use-case-id] [model-name] [version]",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(eng *engine.Engine) error {
				m, err := eng.CreateModelEvaluation(context.Background(), args[0], args[1], args[2])
				if err != nil {
					return err
				}
				fmt.Printf("created model %s in state %s\n", m.ID, m.CurrentState)
				return nil
			})
		},
	}

	useCaseCmd.AddCommand(createCmd, getCmd, listCmd, cancelCmd, modelCmd)
}

// withEngine builds a short-lived engine for a single operator command
// and releases the connection pool when done. Commands never start the
// worker pool or reconciler — that is serve's job.
func withEngine(fn func(*engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	eng, pdb, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer pdb.Close()
	return fn(eng)
}
