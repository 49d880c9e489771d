/**
 * @description
 * This is the main entry point for the settlement-service. It loads configuration,
 * selects the store, custody and authorization backends, wires the cross-ledger
 * transport onto RabbitMQ or Kafka, starts the broker consumers, the outbox relay
 * and the invariant audit scheduler, and serves the HTTP API until signalled.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Shared rate limiting.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/*: Custody, identity, fee, broker and cross-ledger clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/proofpay/settlement-service/internal/api"
	"github.com/proofpay/settlement-service/internal/app"
	"github.com/proofpay/settlement-service/internal/config"
	"github.com/proofpay/settlement-service/internal/store"
	"github.com/proofpay/settlement-service/pkg/assetclient"
	"github.com/proofpay/settlement-service/pkg/crossledger"
	"github.com/proofpay/settlement-service/pkg/custody"
	"github.com/proofpay/settlement-service/pkg/feeoracle"
	"github.com/proofpay/settlement-service/pkg/identityclient"
	"github.com/proofpay/settlement-service/pkg/kafkabus"
	rmrabbit "github.com/proofpay/settlement-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.OwnerID) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"owner id must be configured\" env=OWNER_ID")
	}
	if strings.TrimSpace(cfg.LedgerSelector) == "" || strings.TrimSpace(cfg.EngineAddress) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"ledger selector and engine address must be configured\" env=LEDGER_SELECTOR,ENGINE_ADDRESS")
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured; inbound settlement routes trust the caller\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s ledger=%s store=%s transport=%s", cfg.ServerPort, cfg.LedgerSelector, cfg.StoreDriver, cfg.CrossLedgerTransport)

	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	repository := openStore(ctx, cfg)
	assets := openCustody(cfg)

	var authorizer app.Authorizer
	if cfg.AuthzDriver == config.AuthzDriverRemote {
		authorizer = identityclient.NewClient(cfg.IdentityServiceURL, cfg.InternalAPIKey)
		log.Printf("level=info component=bootstrap msg=\"using remote identity registry\" url=%s", cfg.IdentityServiceURL)
	}

	// The events producer backs both the outbox relay and, on the rabbitmq
	// transport, outbound cross-ledger envelopes.
	var eventProducer rmrabbit.Publisher
	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		eventProducer = &rmrabbit.EventProducerFallback{}
	} else {
		eventProducer = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	defer eventProducer.Close()

	var (
		publisher crossledger.Publisher
		bus       *kafkabus.Bus
	)
	switch cfg.CrossLedgerTransport {
	case config.TransportKafka:
		bus = kafkabus.New(cfg.Brokers())
		defer bus.Close()
		publisher = crossledger.NewKafkaPublisher(bus, cfg.KafkaTopicPrefix)
	default:
		publisher = crossledger.NewRabbitPublisher(eventProducer, cfg.CrossLedgerExchange)
	}

	quoter := feeoracle.NewLinearQuoter(cfg.FeeBase, cfg.FeePerByte)
	transport := crossledger.NewTransport(quoter, publisher, cfg.LedgerSelector, cfg.EngineAddress)

	settlementService := app.NewService(repository, assets, authorizer, transport, app.Config{
		OwnerID:      cfg.OwnerID,
		FeeAsset:     cfg.FeeAsset,
		FeeCollector: cfg.FeeCollector,
	})

	messageConsumer := app.NewCrossLedgerConsumer(settlementService, publisher, cfg.LedgerSelector)
	ackConsumer := app.NewAckConsumer(settlementService)

	switch cfg.CrossLedgerTransport {
	case config.TransportKafka:
		go runKafkaConsumer(ctx, bus, crossledger.MessageTopic(cfg.KafkaTopicPrefix, cfg.LedgerSelector), cfg.KafkaGroupID, messageConsumer.HandleMessage)
		go runKafkaConsumer(ctx, bus, crossledger.AckTopic(cfg.KafkaTopicPrefix, cfg.LedgerSelector), cfg.KafkaGroupID, ackConsumer.HandleMessage)
	default:
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
		}
		defer rabbitConsumer.Close()

		bindings := map[string]func([]byte) bool{
			crossledger.MessageRoutingKey(cfg.LedgerSelector): messageConsumer.HandleMessage,
			crossledger.AckRoutingKey(cfg.LedgerSelector):     ackConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.CrossLedgerExchange, cfg.CrossLedgerQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"cross-ledger consumer start failed\" err=%v", err)
		}
	}

	outbox := app.NewOutboxDispatcher(repository, eventProducer, cfg.EventsExchange)
	go outbox.Run(ctx)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(app.NewJobs(repository, logger), logger, cfg)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	var limiter api.RateLimiter
	if redisClient := openRedis(cfg); redisClient != nil {
		defer redisClient.Close()
		window := time.Duration(cfg.RateLimitWindowSeconds) * time.Second
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix, map[string]app.RatePolicy{
			app.RateScopeCreatePayment:   {Limit: cfg.RateLimitCreatePayment, Window: window},
			app.RateScopeSendCrossLedger: {Limit: cfg.RateLimitSendCrossLedger, Window: window},
		})
	}

	router := api.NewRouter(api.NewHandler(settlementService), api.RouterConfig{
		JWKSURL:        cfg.JWKSURL,
		JWTAudience:    cfg.JWTAudience,
		JWTIssuer:      cfg.JWTIssuer,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
		Limiter:        limiter,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	cancelRun()
	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func openStore(ctx context.Context, cfg config.Config) store.Store {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; state is lost on restart\"")
		return store.NewMemoryRepository()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repository := store.NewPostgresRepository(dbpool)
	schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := repository.EnsureSchema(schemaCtx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
	}
	return repository
}

func openCustody(cfg config.Config) app.AssetTransfer {
	if cfg.CustodyDriver == config.CustodyDriverRemote {
		log.Printf("level=info component=bootstrap msg=\"using remote custody\" url=%s account=%s", cfg.CustodyAPIBaseURL, cfg.EngineAddress)
		return assetclient.NewClient(cfg.CustodyAPIBaseURL, cfg.CustodyAPIKey, cfg.EngineAddress)
	}

	balances, err := config.ParseOpeningBalances(cfg.CustodyOpeningBalances)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"opening balances invalid\" err=%v", err)
	}
	book := custody.NewBook(cfg.EngineAddress)
	for _, b := range balances {
		book.Deposit(b.Party, b.Asset, b.Amount)
	}
	log.Printf("level=warn component=bootstrap msg=\"using in-memory custody book\" account=%s seeded=%d", cfg.EngineAddress, len(balances))
	return book
}

func openRedis(cfg config.Config) *redis.Client {
	if cfg.RateLimitPerMinute <= 0 {
		return nil
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

func runKafkaConsumer(ctx context.Context, bus *kafkabus.Bus, topic, groupID string, handler func([]byte) bool) {
	log.Printf("level=info component=kafka_consumer msg=\"consuming\" topic=%s group=%s", topic, groupID)
	if err := bus.Consume(ctx, topic, groupID, handler); err != nil {
		log.Printf("level=error component=kafka_consumer msg=\"consumer stopped\" topic=%s err=%v", topic, err)
	}
}
