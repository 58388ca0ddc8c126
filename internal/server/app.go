// Package server initializes and runs the signflow server: it wires the
// database, the throttle store, the signing service client, and the HTTP
// transport, and handles graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkrasnov/signflow/internal/logging"
	"github.com/dkrasnov/signflow/internal/server/auth"
	"github.com/dkrasnov/signflow/internal/server/config"
	"github.com/dkrasnov/signflow/internal/server/directory"
	"github.com/dkrasnov/signflow/internal/server/esign"
	"github.com/dkrasnov/signflow/internal/server/filestore"
	"github.com/dkrasnov/signflow/internal/server/notify"
	"github.com/dkrasnov/signflow/internal/server/repositories/repomanager"
	"github.com/dkrasnov/signflow/internal/server/services"
	"github.com/dkrasnov/signflow/internal/server/sigimage"
	"github.com/dkrasnov/signflow/internal/server/throttle"
	"github.com/dkrasnov/signflow/internal/server/web"
)

// Throttle tuning: failed probes within the window earn a linearly growing
// delay, capped.
const (
	throttleWindow = 1 * time.Minute
	throttleStep   = 500 * time.Millisecond
	throttleMax    = 5 * time.Second
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	db      *sql.DB
	repos   repomanager.RepositoryManager
	signing *services.SigningService
	web     *web.Server
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	throttleStore := throttle.NewRedisStore(rdb, throttleWindow, throttleStep, throttleMax)

	tokens := auth.NewTokenSigner(cfg.ESignSecret, cfg.TokenValidityDuration)
	client := esign.NewClient(tokens, cfg.RequestTimeout, logger)
	account := esign.Account{
		ID:      cfg.ESignAccountID,
		BaseURL: cfg.ESignBaseURL,
		Secret:  cfg.ESignSecret,
	}

	files, err := filestore.NewLocal(cfg.FileRoot)
	if err != nil {
		return nil, fmt.Errorf("file store init error: %w", err)
	}

	images, err := sigimage.NewS3Store(ctx, sigimage.Config{
		RootUser:     cfg.S3RootUser,
		RootPassword: cfg.S3RootPassword,
		Bucket:       cfg.S3Bucket,
		Region:       cfg.S3Region,
		BaseEndpoint: cfg.S3BaseEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("signature image store init error: %w", err)
	}

	archiver, err := notify.NewFileArchiver(filepath.Join(cfg.FileRoot, "signed"))
	if err != nil {
		return nil, fmt.Errorf("archiver init error: %w", err)
	}

	signing := services.NewSigningService(services.Deps{
		DB:         db,
		Repos:      repos,
		Client:     client,
		Account:    account,
		Tokens:     tokens,
		Directory:  directory.NewStatic(nil),
		Files:      files,
		Images:     images,
		Dispatcher: notify.NewLogDispatcher(logger),
		Mailer:     notify.NewLogMailer(logger),
		Archiver:   archiver,
		Logger:     logger,
	})

	handler := web.NewHandler(signing, throttleStore, logger)
	srv := web.NewServer(cfg.EndpointAddrHTTP, handler, logger)

	return &App{
		config:  cfg,
		logger:  logger,
		db:      db,
		repos:   repos,
		signing: signing,
		web:     srv,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	if err := app.repos.RunMigrations(ctx, app.db); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.web.Run(ctx); err != nil {
			app.logger.Error(ctx, err.Error())
			cancelFunc()
		}
	}()
	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "closing database", "error", err)
	}
	return nil
}
