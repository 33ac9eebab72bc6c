// guestgate - gated discovery chat server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/guestgate/internal/api"
	"github.com/ashureev/guestgate/internal/chat"
	"github.com/ashureev/guestgate/internal/completion"
	"github.com/ashureev/guestgate/internal/config"
	"github.com/ashureev/guestgate/internal/depth"
	"github.com/ashureev/guestgate/internal/engagement"
	"github.com/ashureev/guestgate/internal/identity"
	"github.com/ashureev/guestgate/internal/metrics"
	"github.com/ashureev/guestgate/internal/middleware"
	"github.com/ashureev/guestgate/internal/phase"
	"github.com/ashureev/guestgate/internal/session"
	"github.com/ashureev/guestgate/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "session_backend", cfg.Session.Backend)

	sqlite, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	var repo store.Repository = sqlite
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected")

	m := metrics.New()
	checks := map[string]api.Pinger{"database": repo}

	var sessions session.Store
	switch cfg.Session.Backend {
	case config.BackendRedis:
		rs, err := session.NewRedisStore(ctx, session.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.KeyPrefix,
			TTL:      2 * cfg.Gate.Window(),
		})
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := rs.Close(); closeErr != nil {
				slog.Error("Failed to close redis", "error", closeErr)
			}
		}()
		checks["session_store"] = rs
		sessions = rs
		slog.Info("Session store connected", "backend", "redis", "addr", cfg.Redis.Addr)
	default:
		ms := session.NewMemoryStore()
		session.StartSweeper(ctx, ms, cfg.Gate.Window(), cfg.Session.SweepInterval, time.Now, m.SweepEvicted)
		sessions = ms
		slog.Info("Session store ready", "backend", "memory")
	}

	var client completion.Client = completion.Disabled{}
	var rater depth.Rater
	if cfg.Completion.Enabled() {
		oc, err := completion.NewOpenAIClient(completion.Options{
			APIKey:  cfg.Completion.APIKey,
			BaseURL: cfg.Completion.BaseURL,
			Model:   cfg.Completion.Model,
			Timeout: cfg.Completion.Timeout,
		})
		if err != nil {
			return err
		}
		client = oc
		rater = completion.NewRater(oc)
	} else {
		slog.Warn("Completion service not configured, chat turns past gating will return assistant_unavailable")
	}

	g := cfg.Gate
	svc := chat.NewService(chat.Deps{
		Limiter: session.NewLimiter(sessions, session.Policy{
			Window:      g.Window(),
			MaxMessages: g.MaxMessages,
			SoftLimit:   g.SoftLimit,
		}),
		Engagement: engagement.NewMachine(nil, g.MaxNonEngagementStrikes, g.MaxHonestAttemptStrikes),
		Depth: depth.NewEngine(repo, depth.Params{
			HalfLife: time.Duration(g.DepthHalfLifeHours * float64(time.Hour)),
			Alpha:    g.DepthAlpha,
		}, time.Now),
		Scorer: depth.NewScorer(depth.ScorerConfig{
			MinLength:         g.DepthMinMessageLength,
			ModelThreshold:    g.DepthModelThreshold,
			LongMessageLength: g.DepthLongMessageLength,
			RaterTimeout:      g.DepthRaterTimeout,
		}, rater),
		Phase:         phase.NewTracker(repo, time.Now),
		Conversations: repo,
		Completion:    client,
		Recorder:      m,
	})

	healthHandler := api.NewHealthHandler(checks, 5*time.Second)
	chatHandler := chat.NewHandler(svc, cfg.MaxBodyBytes)
	wsHandler := chat.NewWebSocketHandler(svc, cfg.FrontendURL, cfg.IsDevelopment(),
		cfg.WebSocket.MessagesPerSecond, cfg.WebSocket.Burst)

	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(origins))
	r.Use(m.Instrument)

	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", m.Handler())
	chatHandler.Register(r)
	r.With(identity.Middleware).Get("/ws/discovery", wsHandler.ServeHTTP)

	// No WriteTimeout: /ws/discovery connections are long-lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			stop()
			_ = eg.Wait()
			return err
		}
		grpcHealth := api.NewGRPCHealth(healthHandler, 10*time.Second)
		eg.Go(func() error {
			slog.Info("gRPC health listening", "addr", lis.Addr().String())
			return grpcHealth.Serve(egCtx, lis)
		})
	}

	return eg.Wait()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
