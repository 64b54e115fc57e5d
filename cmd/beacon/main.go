package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/kolapsis/beacon/internal/api"
	"github.com/kolapsis/beacon/internal/auth"
	"github.com/kolapsis/beacon/internal/config"
	"github.com/kolapsis/beacon/internal/dispatch"
	"github.com/kolapsis/beacon/internal/hub"
	"github.com/kolapsis/beacon/internal/intake"
	"github.com/kolapsis/beacon/internal/notify"
	"github.com/kolapsis/beacon/internal/store"
	"github.com/kolapsis/beacon/internal/ws"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "version":
		fmt.Printf("beacon %s\n", version)
	case "check":
		cmdCheck(os.Args[2:])
	case "token":
		cmdToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: beacon <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve     Start the Beacon server\n")
	fmt.Fprintf(os.Stderr, "  check     Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  token     Mint a development token\n")
	fmt.Fprintf(os.Stderr, "  version   Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting beacon",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	_, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("configuration is valid")
}

// cmdToken mints a signed token against the configured secret. Development
// only; production tokens come from the identity service.
func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	user := fs.String("user", "", "user id the token authenticates")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(args) // ExitOnError handles errors

	if *user == "" {
		fmt.Fprintln(os.Stderr, "token: -user is required")
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	secret, err := resolveSecret(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolving secret: %v\n", err)
		os.Exit(1)
	}

	token, err := auth.GenerateToken(secret, *user, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generating token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var primary slog.Handler
	if cfg.Server.LogFormat == "text" {
		primary = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	} else {
		primary = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	handlers := []slog.Handler{primary}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

// resolveSecret returns the configured token secret, generating a persistent
// one under the config dir when none is set.
func resolveSecret(cfg *config.Config) (string, error) {
	if cfg.Auth.Secret != "" {
		return cfg.Auth.Secret, nil
	}
	return auth.LoadOrCreateSecret(cfg.Auth.ConfigDir)
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- SQLite Store ---
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("database opened", "path", cfg.Database.Path)

	// --- Token verification ---
	secret, err := resolveSecret(cfg)
	if err != nil {
		return fmt.Errorf("resolving token secret: %w", err)
	}
	verifier := auth.NewJWTVerifier(secret)

	// --- Hub, router, delivery pipeline ---
	h := hub.New()
	router := hub.NewRouter(h.Conns(), h.Subs())

	dispatcher := dispatch.New(db, router, dispatch.Options{
		MaxRetries: cfg.Dispatch.MaxRetries,
		BackoffMin: cfg.Dispatch.BackoffMin,
		BackoffMax: cfg.Dispatch.BackoffMax,
	})
	for method, url := range cfg.Dispatch.Webhooks {
		dispatcher.RegisterTransport(method, dispatch.NewWebhookTransport(url, cfg.Dispatch.WebhookSecret))
		slog.Info("delivery transport registered", "method", method, "url", url)
	}

	service := notify.NewService(db, router, dispatcher)

	// --- WebSocket surface ---
	wsHandler := ws.NewHandler(h, verifier, ws.NewMembershipAuthorizer(db), cfg.WebSocket)
	go wsHandler.RunReaper(ctx.Done())

	// --- AMQP intake ---
	if cfg.Intake.AMQP.Enabled {
		consumer := intake.NewConsumer(cfg.Intake.AMQP, service)
		go consumer.Run(ctx)
	}

	// --- Retention cleanup ---
	go cleanupLoop(ctx, db, cfg.Database.RetentionDays)

	// --- HTTP Router ---
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Brand-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/ws", wsHandler)
	r.Mount("/api/v1", api.NewHandler(db, verifier, service, cfg.Intake.Secret).Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// --- HTTP Server ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("beacon is ready", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Cancel in-flight external deliveries and let them record a final state.
	dispatcher.Close()
	return nil
}

// cleanupLoop prunes old read notifications once a day.
func cleanupLoop(ctx context.Context, db *store.SQLiteStore, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Cleanup(retention); err != nil {
				slog.Error("retention cleanup failed", "error", err)
			}
		}
	}
}
