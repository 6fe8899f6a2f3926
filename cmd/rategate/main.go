package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NeuralTrust/RateGate/internal/logger"
	"github.com/NeuralTrust/RateGate/pkg/config"
	infraPrometheus "github.com/NeuralTrust/RateGate/pkg/infra/prometheus"
	"github.com/NeuralTrust/RateGate/pkg/limiter"
	"github.com/NeuralTrust/RateGate/pkg/middleware"
	"github.com/NeuralTrust/RateGate/pkg/storage"
	"github.com/NeuralTrust/RateGate/pkg/storage/memstore"
	"github.com/NeuralTrust/RateGate/pkg/storage/redisstore"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	if err := config.Load("./config"); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.GetConfig()

	l := logger.NewLogger(cfg.Server.LogLevel)

	store, err := buildStorage(cfg, l)
	if err != nil {
		l.WithError(err).Fatal("failed to initialize rate limit storage")
	}
	defer func() {
		if err := store.Destroy(); err != nil {
			l.WithError(err).Warn("failed to destroy storage")
		}
	}()

	lim, err := buildLimiter(cfg, store, l)
	if err != nil {
		l.WithError(err).Fatal("failed to build limiter")
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/metrics", adaptor.HTTPHandler(infraPrometheus.Handler()))
	app.Use(middleware.NewRateLimitMiddleware(l, lim).Middleware())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		l.WithField("addr", addr).Info("rategate listening")
		if err := app.Listen(addr); err != nil {
			l.WithError(err).Fatal("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info("shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		l.WithError(err).Error("shutdown failed")
	}
}

// buildStorage wires the networked backend when Redis is configured and
// falls back to the in-process store otherwise.
func buildStorage(cfg *config.Config, l *logrus.Logger) (storage.Storage, error) {
	if cfg.Redis.Host == "" {
		sweep, err := time.ParseDuration(cfg.Limiter.SweepInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid sweep interval %q: %w", cfg.Limiter.SweepInterval, err)
		}
		l.Info("using in-process rate limit storage")
		return memstore.New(
			memstore.WithLogger(l),
			memstore.WithSweepInterval(sweep),
		), nil
	}

	options := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	if cfg.Redis.TLS {
		options.TLSConfig = &tls.Config{
			InsecureSkipVerify: true, // #nosec G402
		}
	}
	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		l.WithFields(logrus.Fields{
			"host":  cfg.Redis.Host,
			"port":  cfg.Redis.Port,
			"error": err.Error(),
		}).Error("failed to connect to redis")
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	store := redisstore.New(client, l)
	if store.Degraded() {
		infraPrometheus.StorageDegraded.WithLabelValues("redis").Set(1)
	}
	return store, nil
}

func buildLimiter(cfg *config.Config, store storage.Storage, l *logrus.Logger) (*limiter.Limiter, error) {
	policy, err := cfg.Limiter.Policy()
	if err != nil {
		return nil, err
	}

	var source limiter.KeySource
	switch cfg.Limiter.KeySource {
	case "", "ip":
		source = limiter.KeyByIP()
	case "user":
		source = limiter.KeyByUserID()
	case "api_key":
		source = limiter.KeyByAPIKey("")
	case "jwt":
		source = limiter.KeyByJWTClaim("")
	default:
		return nil, fmt.Errorf("unknown key source %q", cfg.Limiter.KeySource)
	}

	opts := []limiter.Option{limiter.WithFailOpen(cfg.Limiter.FailOpen)}
	if len(cfg.Limiter.Tiers) > 0 {
		tiers, err := limiter.TiersFromSettings(toSettings(cfg.Limiter.Tiers))
		if err != nil {
			return nil, err
		}
		resolver := func(_ context.Context, r *limiter.Request) (string, error) {
			if r.Headers == nil {
				return "", nil
			}
			if vs := r.Headers["X-Plan"]; len(vs) > 0 {
				return vs[0], nil
			}
			return "", nil
		}
		opts = append(opts, limiter.WithTiers(resolver, tiers))
	}

	return limiter.New(store, l, cfg.Limiter.PolicyID, policy, source, opts...)
}

func toSettings(tiers map[string]map[string]interface{}) map[string]interface{} {
	settings := make(map[string]interface{}, len(tiers))
	for name, tier := range tiers {
		settings[name] = tier
	}
	return settings
}
