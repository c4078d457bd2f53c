package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"expense-backend/internal/auth"
	"expense-backend/internal/config"
	"expense-backend/internal/handlers"
	"expense-backend/internal/logging"
	"expense-backend/internal/metrics"
	"expense-backend/internal/sessions"
	"expense-backend/internal/storage"

	"github.com/0xcafe-io/iz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_FILE"), "Path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.IsProduction(), cfg.LogLevel, cfg.LogDir, stdout)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	logger.WithField("driver", db.Driver()).Info("database ready")

	sessionStore, closeSessions, err := newSessionStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeSessions()
	logger.WithField("store", cfg.Session.Store).Info("session store ready")

	hasher := auth.NewHasher(cfg.Password.Iterations, cfg.Password.SaltLength)
	if err := seedAdmin(ctx, db, hasher, cfg.Admin, logger); err != nil {
		return err
	}

	m := metrics.New(prometheus.NewRegistry())
	h := handlers.NewHandlers(db, sessionStore, hasher, logger, m, handlers.Options{
		SessionDuration: cfg.Session.Duration,
		SecureCookie:    cfg.Session.SecureCookie,
	})

	if cfg.Session.Store == config.SessionStoreSQL {
		go runJanitor(ctx, db, cfg.Session.CleanupInterval, m, logger)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newHandler(h, m, cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// newSessionStore picks the session backend. The returned func releases it.
func newSessionStore(ctx context.Context, cfg *config.Config, db *storage.DB) (handlers.SessionStore, func() error, error) {
	if cfg.Session.Store != config.SessionStoreRedis {
		return db, func() error { return nil }, nil
	}

	store := sessions.NewRedisStore(sessions.NewRedisClient(sessions.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}), cfg.Redis.Prefix)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	return store, store.Close, nil
}

// seedAdmin creates the configured admin account when the users table is empty.
func seedAdmin(ctx context.Context, db *storage.DB, hasher *auth.Hasher, admin config.AdminConfig, logger logrus.FieldLogger) error {
	if admin.Email == "" || admin.Password == "" {
		return nil
	}

	count, err := db.UserCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	hash, err := hasher.Hash(admin.Password)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}
	user, err := db.InsertUser(ctx, admin.Email, hash)
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}
	logger.WithField("user_id", user.ID).Infof("created admin user %s", user.Email)
	return nil
}

type sessionCleaner interface {
	CleanExpiredSessions(ctx context.Context) (int64, error)
}

// runJanitor deletes expired sessions every interval until ctx is done.
func runJanitor(ctx context.Context, db sessionCleaner, interval time.Duration, m *metrics.Metrics, logger logrus.FieldLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.CleanExpiredSessions(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warnf("failed to clean expired sessions: %v", err)
				}
				continue
			}
			m.RecordSessionsCleaned(n)
			if n > 0 {
				logger.Debugf("cleaned %d expired sessions", n)
			}
		}
	}
}

// setupRouter registers every route on a new ServeMux.
func setupRouter(h *handlers.Handlers, m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("POST /sign_up", iz.Bind(h.SignUp))
	mux.HandleFunc("POST /login", iz.Bind(h.Login))
	mux.HandleFunc("GET /healthz", iz.Bind(h.Health))
	mux.Handle("GET /metrics", m.Handler())

	// Protected routes
	mux.Handle("POST /logout", h.AuthMiddleware(iz.Bind(h.Logout)))
	mux.Handle("POST /sign_out", h.AuthMiddleware(iz.Bind(h.SignOut)))
	mux.Handle("POST /expenses", h.AuthMiddleware(iz.Bind(h.CreateExpense)))
	mux.Handle("GET /expenses", h.AuthMiddleware(iz.Bind(h.ListExpenses)))
	mux.Handle("GET /expenses/stats", h.AuthMiddleware(iz.Bind(h.Statistics)))
	mux.Handle("GET /expenses/{id}", h.AuthMiddleware(iz.Bind(h.GetExpense)))

	return mux
}

// newHandler wraps the router with CORS, request IDs and request metrics.
// Metrics sit directly on the mux so they see the matched pattern.
func newHandler(h *handlers.Handlers, m *metrics.Metrics, origins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler(h.RequestID(m.Middleware(setupRouter(h, m))))
}
