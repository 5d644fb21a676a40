package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/jefftrojan/twigane/internal/api"
	"github.com/jefftrojan/twigane/internal/auth"
	"github.com/jefftrojan/twigane/internal/config"
	"github.com/jefftrojan/twigane/internal/hub"
	"github.com/jefftrojan/twigane/internal/kafka"
	"github.com/jefftrojan/twigane/internal/logger"
	"github.com/jefftrojan/twigane/internal/metrics"
	"github.com/jefftrojan/twigane/internal/redis"
	"github.com/jefftrojan/twigane/internal/repository"
	"github.com/jefftrojan/twigane/internal/ws"
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	lg, err := logger.New(cfg.App.IsDev(), cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store       repository.Store
		mongoClient *mongo.Client
	)
	switch cfg.Storage.Driver {
	case "memory":
		lg.Warn("using in-memory notification store; records are lost on restart")
		store = repository.NewMemoryStore()
	default:
		mongoClient, err = repository.NewMongoClient(ctx, cfg.Mongo.URI)
		if err != nil {
			lg.Fatalw("mongo init", "error", err)
		}
		col := mongoClient.Database(cfg.Mongo.DB).Collection(cfg.Mongo.Collection)
		store, err = repository.NewMongoStore(ctx, col)
		if err != nil {
			lg.Fatalw("mongo store init", "error", err)
		}
	}

	var (
		rdb      *goredis.Client
		pres     *redis.Presence
		limiter  *api.RateLimiter
		presence hub.Presence
		reader   api.PresenceReader
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := rdb.Ping(ctx).Err(); err != nil {
			lg.Warnw("redis unreachable, presence and rate limiting may fail", "addr", cfg.Redis.Addr, "error", err)
		}
		pres = redis.NewPresence(rdb, cfg.Redis.Prefix, cfg.PresenceTTL)
		presence, reader = pres, pres
		if cfg.Redis.RateLimit > 0 {
			limiter = api.NewRateLimiter(api.RedisCounter{Redis: rdb}, cfg.Redis.Prefix, cfg.Redis.RateLimit, cfg.RateWindow)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	h := hub.New(hub.Options{
		Store:         store,
		Logger:        lg.Named("hub"),
		Metrics:       m,
		Presence:      presence,
		SweepInterval: cfg.SweepInterval,
		SendTimeout:   cfg.SendTimeout,
		PageSize:      cfg.Hub.PageSize,
	})
	h.Start(ctx)

	jv, err := auth.New(cfg.JWT.Alg, cfg.JWT.HSSecret, cfg.JWT.PublicKeyPath)
	if err != nil {
		lg.Fatalw("jwt validator init", "error", err)
	}

	var (
		consumer *kafka.Consumer
		dlq      *kafka.Producer
		consumed = make(chan struct{})
	)
	if len(cfg.Kafka.Brokers) > 0 {
		opts := kafka.HandlerOptions{
			MaxRetries:   cfg.Kafka.MaxRetries,
			RetryBackoff: cfg.RetryBackoff,
			Metrics:      m,
			Logger:       lg.Named("kafka"),
		}
		if cfg.Kafka.DLQTopic != "" {
			dlq = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.DLQTopic)
			opts.DLQ = dlq
		}
		consumer = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.GroupID,
			kafka.NewHandler(h, opts), lg.Named("kafka"))
		go func() {
			defer close(consumed)
			consumer.Run(ctx)
		}()
		lg.Infow("consuming events", "topic", cfg.Kafka.TopicEvents, "group", cfg.Kafka.GroupID)
	} else {
		close(consumed)
	}

	wsSrv := ws.NewServer(ctx, h, ws.Options{
		PingInterval:    cfg.PingInterval,
		PongWait:        cfg.PongWait,
		WriteTimeout:    cfg.WriteTimeout,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		InboundRPS:      cfg.WS.InboundRPS,
	}, lg.Named("ws"))

	app := api.NewServer(api.Deps{
		Hub:       h,
		Auth:      jv,
		WS:        wsSrv,
		Presence:  reader,
		Limiter:   limiter,
		Gatherer:  reg,
		Logger:    lg.Named("api"),
		AccessLog: cfg.App.IsDev(),

		CORSOrigins: cfg.App.CORSOrigins,
	})

	errs := make(chan error, 1)
	go func() {
		addr := ":" + cfg.App.PortString()
		lg.Infow("starting notification service", "addr", addr, "storage", cfg.Storage.Driver)
		errs <- app.Listen(addr)
	}()

	select {
	case e := <-errs:
		if e != nil {
			lg.Errorw("server error", "error", e)
		}
		stop()
	case <-ctx.Done():
		lg.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// closing the hub ends every websocket handler so fiber can drain
	h.Close()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		lg.Warnw("fiber shutdown", "error", err)
	}

	select {
	case <-consumed:
	case <-shutdownCtx.Done():
		lg.Warn("kafka consumer did not stop in time")
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			lg.Warnw("kafka reader close", "error", err)
		}
	}
	if dlq != nil {
		if err := dlq.Close(); err != nil {
			lg.Warnw("kafka writer close", "error", err)
		}
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			lg.Warnw("redis close", "error", err)
		}
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(shutdownCtx); err != nil {
			lg.Warnw("mongo disconnect", "error", err)
		}
	}
	lg.Info("shutdown complete")
}
