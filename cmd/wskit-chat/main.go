// file: cmd/wskit-chat/main.go

// wskit-chat is a demonstration chat server: clients connect over WebSocket,
// join rooms, and exchange messages fanned out through the configured pub/sub
// driver. It exists to exercise the router end to end; it is not a product.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	wskit "github.com/kriasoft/ws-kit-go"
	"github.com/kriasoft/ws-kit-go/logging"
	"github.com/kriasoft/ws-kit-go/platform/gorilla"
	memoryps "github.com/kriasoft/ws-kit-go/pubsub/memory"
	redisps "github.com/kriasoft/ws-kit-go/pubsub/redis"
	"github.com/kriasoft/ws-kit-go/ratelimit"
	memoryrl "github.com/kriasoft/ws-kit-go/ratelimit/memory"
	redisrl "github.com/kriasoft/ws-kit-go/ratelimit/redis"
	schemajson "github.com/kriasoft/ws-kit-go/schema/jsonschema"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file.")
	debug := flag.Bool("debug", false, "Enable debug logging.")
	flag.Parse()

	level := logging.LevelInfo
	if *debug {
		level = logging.LevelDebug
	}
	logging.InitLogging(level, os.Stderr)
	logger := logging.GetLogger("main")

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logger.Error("Configuration load failed.", "error", fmt.Sprintf("%+v", err))
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Server failed.", "error", fmt.Sprintf("%+v", err))
		os.Exit(1)
	}
}

// newRedisClient builds the shared client for the redis-backed drivers.
func newRedisClient(cfg RedisConfig) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func run(cfg *Config, logger logging.Logger) error {
	var redisClient *goredis.Client
	needsRedis := cfg.PubSub.Driver == "redis" ||
		(cfg.RateLimit.Enabled && cfg.RateLimit.Driver == "redis")
	if needsRedis {
		redisClient = newRedisClient(cfg.PubSub.Redis)
		defer func() { _ = redisClient.Close() }()
	}

	var pubsubAdapter wskit.PubSubAdapter
	switch cfg.PubSub.Driver {
	case "redis":
		adapter, err := redisps.New(redisps.Options{Client: redisClient, Logger: logger})
		if err != nil {
			return err
		}
		pubsubAdapter = adapter
	default:
		pubsubAdapter = memoryps.New(logger)
	}

	router, err := wskit.New(wskit.Options{
		Validator: schemajson.New(logging.GetLogger("schema")),
		PubSub:    pubsubAdapter,
		Logger:    logging.GetLogger("router"),
		Limits: wskit.Limits{
			MaxPayloadBytes:        cfg.Limits.MaxPayloadBytes,
			MaxTopicsPerConnection: cfg.Limits.MaxTopicsPerConnection,
		},
		Heartbeat: wskit.HeartbeatConfig{
			Interval: cfg.Heartbeat.Interval,
			Timeout:  cfg.Heartbeat.Timeout,
		},
	})
	if err != nil {
		return errors.Wrap(err, "router construction failed")
	}
	defer func() { _ = router.Close() }()

	if cfg.RateLimit.Enabled {
		backend, err := newRateLimitBackend(cfg, redisClient)
		if err != nil {
			return err
		}
		router.Use(ratelimit.Middleware(backend, ratelimit.Options{
			Logger: logging.GetLogger("ratelimit"),
		}))
	}

	if err := registerHandlers(router); err != nil {
		return errors.Wrap(err, "handler registration failed")
	}

	wsHandler, err := gorilla.NewHandler(gorilla.Options{
		Router: router,
		Logger: logging.GetLogger("platform"),
		// Display name comes from the query string; real deployments would
		// verify a token here instead.
		Authenticate: func(r *http.Request) (map[string]any, error) {
			data := map[string]any{}
			if name := r.URL.Query().Get("name"); name != "" {
				data["name"] = name
			}
			return data, nil
		},
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening.", "name", cfg.Server.Name, "addr", addr,
			"pubsub", cfg.PubSub.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRateLimitBackend(cfg *Config, redisClient *goredis.Client) (ratelimit.Backend, error) {
	switch cfg.RateLimit.Driver {
	case "redis":
		return redisrl.New(redisrl.Options{
			Client: redisClient,
			Policy: redisrl.Policy{
				Capacity: cfg.RateLimit.Capacity,
				Window:   cfg.RateLimit.Window,
			},
		})
	default:
		return memoryrl.New(memoryrl.Policy{
			Capacity: cfg.RateLimit.Capacity,
			Window:   cfg.RateLimit.Window,
		})
	}
}
