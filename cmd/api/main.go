package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"safetyvoice/api/internal/app"
	"safetyvoice/api/internal/config"
	"safetyvoice/api/internal/drafting"
	"safetyvoice/api/internal/email"
	"safetyvoice/api/internal/ratelimit"
	"safetyvoice/api/internal/search"
	"safetyvoice/api/internal/session"
	"safetyvoice/api/internal/store"
)

// memoryDatabaseURL runs the API without Postgres, for local demos.
const memoryDatabaseURL = "memory"

func main() {
	cfg := config.Load()
	ctx := context.Background()

	clients, err := ratelimit.NewClientResolver(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("invalid TRUSTED_PROXIES: %v", err)
	}

	opts := app.Options{
		Clients: clients,
		Mailer: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	// A nil *Meili must not become a non-nil Index.
	var primary search.Index
	if meiliClient != nil {
		primary = meiliClient
	}

	var service *app.Service
	if strings.TrimSpace(cfg.DatabaseURL) == memoryDatabaseURL {
		log.Printf("Using in-memory storage; data is lost on restart")
		memoryStore := store.NewMemoryStore()
		opts.Search = search.NewService(primary, search.NewScan(memoryStore))
		defer configureRedis(cfg, &opts)()
		opts.Generator = newGenerator(ctx, cfg)
		service = app.New(cfg, memoryStore, opts)
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}

		opts.Search = search.NewService(primary, search.NewPgFTS(db))
		defer configureRedis(cfg, &opts)()
		opts.Generator = newGenerator(ctx, cfg)
		service = app.New(cfg, store.NewPostgresStore(db), opts)
	}

	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Intake waits for draft generation.
		WriteTimeout: cfg.GenerationTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("SafetyVoice API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	service.Wait()
}

// configureRedis moves refresh sessions and the intake limiter to Redis when
// REDIS_URL is set, so several API instances share them. The returned func
// closes the connection.
func configureRedis(cfg config.Config, opts *app.Options) func() {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Printf("Using the primary store for refresh tokens and an in-process rate limiter")
		return func() {}
	}
	log.Printf("Using Redis for refresh tokens and rate limiting")
	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	opts.Sessions = redisStore
	opts.Limiter = ratelimit.NewRedis(redisStore.Client(), cfg.SubmissionRateLimit, cfg.SubmissionRateWindow)
	return func() { _ = redisStore.Close() }
}

func newGenerator(ctx context.Context, cfg config.Config) *drafting.Generator {
	rewriter, err := drafting.NewRewriter(ctx, drafting.GeminiConfig{
		APIKey:          cfg.GeminiAPIKey,
		Model:           cfg.GeminiModel,
		Endpoint:        cfg.GeminiEndpoint,
		CredentialsFile: cfg.VertexCredentialsFile,
		HTTPClient:      &http.Client{Timeout: cfg.GenerationTimeout},
	})
	if err != nil {
		log.Fatalf("draft generator setup failed: %v", err)
	}
	if _, disabled := rewriter.(drafting.Disabled); disabled {
		log.Printf("No model credentials configured; every submission gets the fallback draft")
	}
	return drafting.NewGenerator(rewriter, cfg.GenerationTimeout)
}
