package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/config"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/router"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/session"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user/importer"
	userrepo "github.com/ovaphlow/pitchfork/service-onboarding/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-onboarding/pkg/database"
	"github.com/ovaphlow/pitchfork/service-onboarding/pkg/email"
	"github.com/ovaphlow/pitchfork/service-onboarding/pkg/utilities"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Infow("starting service-onboarding", "store", cfg.StoreDriver, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, db, err := openStore(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalf("open store: %v", err)
	}
	if db != nil {
		defer db.Close()
	}

	sender, err := newSender(cfg.Mail, sugar)
	if err != nil {
		sugar.Fatalf("mail sender: %v", err)
	}
	dispatcher := email.NewDispatcher(sender, cfg.Mail.Concurrency, sugar)

	tokens, err := session.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.SessionTTL)
	if err != nil {
		sugar.Fatalf("token issuer: %v", err)
	}
	sessions := session.NewManager(store, tokens, sugar)
	svc := user.NewUserService(store, user.BcryptHasher{Cost: cfg.Auth.BcryptCost}, sessions, sender, sugar,
		user.Options{OTPTTL: cfg.Auth.OTPTTL})
	pipeline := importer.NewPipeline(store, dispatcher, sugar)

	limiter := router.NewIPLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	go limiter.Run(ctx, time.Minute)

	handler := router.RegisterRoutes(router.Deps{
		Logger:  sugar,
		Users:   user.NewHandler(svc, pipeline, sessions, sugar, cfg.UploadMaxBytes),
		Auth:    sessions,
		Limiter: limiter,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Info("service is running; press Ctrl+C to stop")

	<-ctx.Done()
	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	// let queued verification emails finish
	dispatcher.Wait()

	sugar.Info("goodbye")
}

// openStore returns the configured user store. db is nil for the memory driver.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (userrepo.Store, *sqlx.DB, error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		return userrepo.NewMemoryStore(), nil, nil
	}
	db, err := database.Connect(database.Config{
		DSN:            cfg.Database.URL,
		MaxConns:       cfg.Database.MaxConns,
		Timeout:        cfg.Database.Timeout,
		TimeZone:       cfg.Database.TimeZone,
		ClientEncoding: cfg.Database.ClientEncoding,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	store := userrepo.NewPostgresStore(db)
	if cfg.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return store, db, nil
}

func newSender(cfg config.MailConfig, logger *zap.SugaredLogger) (email.Sender, error) {
	if cfg.APIURL == "" {
		logger.Warn("MAIL_API_URL not set; emails are written to the log")
		return email.NewLogSender(logger), nil
	}
	return email.NewHTTPSender(email.Config{
		BaseURL: cfg.APIURL,
		APIKey:  cfg.APIKey,
		From:    cfg.From,
		Timeout: cfg.Timeout,
	})
}
