package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/op/go-logging"
	"github.com/redis/go-redis/v9"

	"chat_relay/internal/api"
	"chat_relay/internal/auth"
	"chat_relay/internal/broker"
	"chat_relay/internal/call"
	"chat_relay/internal/chat"
	"chat_relay/internal/config"
	"chat_relay/internal/gateway"
	"chat_relay/internal/outbox"
	"chat_relay/internal/presence"
	"chat_relay/internal/push"
	"chat_relay/internal/repository"
	"chat_relay/internal/ws"

	logsetup "chat_relay/internal/logging"
)

var log = logging.MustGetLogger("main")

type Options struct {
	Config   string `short:"c" long:"config" description:"path to a YAML config file"`
	LogLevel string `short:"l" long:"loglevel" description:"set the logging level [debug, info, notice, warning, error, critical]"`
	Verbose  bool   `short:"v" long:"verbose" description:"shorthand for --loglevel=debug"`
	Addr     string `short:"a" long:"addr" description:"listen address, overrides PORT and LISTEN_ADDR"`
}

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// 1. Configuration
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warningf("failed to load .env: %v", err)
	}
	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	closer := logsetup.Setup(logsetup.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	defer closer.Close()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if cfg.Server.NodeID == "" {
		cfg.Server.NodeID = uuid.New().String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Store
	var store repository.Store
	var outboxRepo repository.OutboxRepository
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		db, err := sql.Open("postgres", cfg.Store.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("Failed to reach DB: %v", err)
		}
		outboxRepo = repository.NewPostgresOutboxRepository(db)
		chatRepo := repository.NewChatRepository(db, outboxRepo)
		if cfg.Store.Migrate {
			if err := chatRepo.Migrate(ctx); err != nil {
				log.Fatalf("Failed to migrate schema: %v", err)
			}
		}
		store = chatRepo
	default:
		log.Warning("using the in-memory store; nothing survives a restart")
		store = repository.NewMemoryStore()
	}

	// 3. Presence mirror
	var mirror presence.Mirror
	registry := presence.NewRegistry()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		redisMirror := presence.NewRedisMirror(rdb, cfg.Server.NodeID, cfg.Redis.TTL)
		go redisMirror.KeepAlive(ctx, registry)
		mirror = redisMirror
	}

	// 4. Push notifications
	var sink push.Sink = push.LogSink{}
	if cfg.Broker.AMQPURL != "" {
		mqClient, err := broker.NewRabbitMQClient(cfg.Broker.AMQPURL)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer mqClient.Close()
		sink = push.NewBrokerSink(mqClient)

		pushWorker := push.NewWorker(mqClient, nil)
		go pushWorker.Start(ctx)
	}

	// 5. Outbox Worker
	if outboxRepo != nil && cfg.Broker.StreamURI != "" {
		publisher, err := broker.NewStreamPublisher(cfg.Broker.StreamURI, cfg.Broker.StreamName)
		if err != nil {
			log.Fatalf("Failed to connect to stream: %v", err)
		}
		defer publisher.Close()
		worker := outbox.NewWorker(outboxRepo, publisher, cfg.Broker.OutboxInterval, cfg.Broker.OutboxBatch)
		go worker.Start(ctx)
	}

	// 6. WebSocket Hub and services
	hub := ws.NewHub(registry, ws.Options{
		SendBuffer:      cfg.Limits.SendBuffer,
		EventsPerSecond: cfg.Limits.EventsPerSecond,
		EventBurst:      cfg.Limits.EventBurst,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	})
	coordinator := presence.NewCoordinator(registry, hub, mirror)
	chatSvc := chat.NewService(store, registry, hub, sink, chat.Options{MaxMessageLength: cfg.Limits.MaxMessageLength})
	issuer := call.NewJWTIssuer(cfg.Calls.AppID, cfg.CredentialSecret(), cfg.Calls.CredentialTTL)
	relay := call.NewRelay(registry, hub, issuer, call.Options{RingTimeout: cfg.Calls.RingTimeout})

	coordinator.SetSyncer(chatSvc)
	coordinator.OnOffline(relay.UserOffline)
	hub.Handle(gateway.NewDispatcher(hub, coordinator, chatSvc, relay, store))
	go hub.Run(ctx)

	// 7. HTTP
	server := api.NewServer(auth.NewVerifier(cfg.Auth.JWTSecret), hub, chatSvc, coordinator, issuer, cfg.Calls.AppID)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("HTTP shutdown: %v", err)
		}
	}()

	log.Infof("Relay node %s listening on %s", cfg.Server.NodeID, cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	log.Info("Relay stopped")
}
