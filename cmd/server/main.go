package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"marketplace-core/config"
	"marketplace-core/internal/api"
	"marketplace-core/internal/authentication"
	"marketplace-core/internal/broker"
	"marketplace-core/internal/ledger"
	"marketplace-core/internal/notify"
	"marketplace-core/internal/orders"
	"marketplace-core/internal/partner"
	"marketplace-core/internal/payment"
	"marketplace-core/internal/pricing"
	"marketplace-core/internal/redisclient"
	"marketplace-core/internal/retry"
	"marketplace-core/internal/service"
	"marketplace-core/internal/shipping"
	"marketplace-core/internal/store"
	"marketplace-core/internal/syncutil"
	"marketplace-core/internal/util"
	"marketplace-core/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		util.GetLogger().Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	logger.Info("Starting marketplace core")

	if cfg.Observ.JaegerEndpoint != "" {
		tp, err := util.InitTracer("marketplace-core", cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Warn("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]api.Check{}

	db := openStore(ctx, cfg, logger)
	defer db.Close()
	checks["store"] = db.Ping

	var (
		locks       service.Locker           = syncutil.NewKeyedMutex()
		idempotency service.IdempotencyCache = syncutil.NewIdempotencyMap()
	)
	if cfg.Redis.Addr != "" {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		locks, idempotency = redisClient, redisClient
		checks["redis"] = redisClient.Ping
		logger.Info("Redis connected, using distributed locks")
	} else {
		logger.Info("Redis not configured, using in-process locks")
	}

	// Without Kafka, events are handled synchronously in process.
	eventHandler := broker.NewEventHandler()
	var (
		eventPublisher *broker.EventPublisher
		notifier       notify.Sink = notify.NewLogSink(logger)
		kafkaEnabled               = len(cfg.Kafka.Brokers) > 0
	)
	if kafkaEnabled {
		eventsProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicMarketEvents)
		defer eventsProducer.Close()
		notificationsProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
		defer notificationsProducer.Close()

		eventPublisher = broker.NewEventPublisher(eventsProducer, notificationsProducer)
		notifier = notify.NewBrokerSink(eventPublisher, logger)
		logger.Info("Kafka producers initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	} else {
		eventPublisher = broker.NewEventPublisher(broker.NewLocalBus(eventHandler), nil)
		logger.Info("Kafka not configured, dispatching events in process")
	}

	var gateway payment.Gateway
	if cfg.Payments.StripeSecretKey != "" {
		gateway = payment.NewStripeGateway(cfg.Payments.StripeSecretKey, cfg.Business.Currency, nil)
		logger.Info("Using Stripe escrow gateway")
	} else {
		gateway = payment.NewMemoryGateway()
		logger.Warn("STRIPE_SECRET_KEY not set, escrow operations are simulated in memory")
	}

	registry := authentication.NewRegistry(authentication.DefaultPartners()...)
	policy := retry.Policy{
		Attempts:       cfg.Business.PartnerRetries,
		AttemptTimeout: cfg.Business.PartnerTimeout,
	}
	for _, p := range registry.All() {
		endpoint, ok := cfg.Partners.Endpoint(p.ID)
		if !ok {
			logger.Warn("No endpoint configured for authentication partner",
				zap.String("partner_id", p.ID),
				zap.String("env", config.PartnerEnvKey(p.ID)+"_URL"))
			continue
		}
		if err := registry.Attach(p.ID, partner.NewClient(p.ID, endpoint.BaseURL, endpoint.APIKey, policy)); err != nil {
			logger.Fatal("Failed to attach partner client", zap.Error(err))
		}
	}

	var insurance pricing.InsuranceFunc
	if cfg.Business.InsuranceRate.IsPositive() {
		insurance = pricing.FlatRateInsurance(cfg.Business.InsuranceRate)
	}

	coordinator := authentication.NewCoordinator(registry, db, cfg.Business.CancellationFee)
	ldg := ledger.New(cfg.Business.BidTTL)
	orderManager := orders.NewManager(cfg.Business.ReturnWindow)
	engine := pricing.NewEngine(cfg.Business.FlatShipping, insurance)
	escrowService := service.NewEscrowService(gateway, eventPublisher)
	shippingProvider := shipping.NewFlatRateProvider("marketplace-post", cfg.Business.FlatShipping, 3)

	listingService := service.NewListingService(db, ldg, orderManager, engine, coordinator, locks, idempotency, notifier, eventPublisher)
	sagaOrchestrator := service.NewSagaOrchestrator(db, ldg, orderManager, engine, coordinator, escrowService, locks, notifier, eventPublisher)
	orderService := service.NewOrderService(db, orderManager, coordinator, escrowService, shippingProvider, locks, notifier, eventPublisher, cfg.Business.PollInterval)
	defer orderService.Close()
	eventHandler.OnAuthenticationCompleted(sagaOrchestrator.HandleAuthenticationResult)

	resumed, err := orderService.ResumePolling(ctx)
	if err != nil {
		logger.Error("Failed to resume authentication polling", zap.Error(err))
	} else {
		logger.Info("Authentication polling resumed", zap.Int("requests", resumed))
	}

	g, gctx := errgroup.WithContext(ctx)

	sweeper := worker.NewSweeper(cfg.Business.SweepInterval)
	sweeper.Register("listings", listingService.SweepListings)
	sweeper.Register("accepted-orders", sagaOrchestrator.ReconcileAcceptedOrders)
	sweeper.Register("orders", orderService.SweepOrders)
	g.Go(func() error { return sweeper.Start(gctx) })

	if kafkaEnabled {
		authWorker := worker.NewAuthenticationWorker(
			broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicMarketEvents, cfg.Kafka.ConsumerGroup),
			sagaOrchestrator.HandleAuthenticationResult)
		notificationWorker := worker.NewNotificationWorker(
			broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, cfg.Kafka.ConsumerGroup+"-notifications"),
			notify.NewLogSink(logger))

		g.Go(func() error { return consumerExit(gctx, authWorker.Start(gctx)) })
		g.Go(func() error { return consumerExit(gctx, notificationWorker.Start(gctx)) })
		defer func() {
			if err := authWorker.Stop(); err != nil {
				logger.Warn("Error stopping authentication worker", zap.Error(err))
			}
			if err := notificationWorker.Stop(); err != nil {
				logger.Warn("Error stopping notification worker", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(listingService, sagaOrchestrator, orderService, checks)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
	}
	logger.Info("Server exited")
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) store.Store {
	if cfg.Database.Driver != config.DriverPostgres {
		logger.Info("Using in-memory store", zap.Int("capacity", cfg.Database.MemoryCapacity))
		return store.NewMemoryStore(cfg.Database.MemoryCapacity)
	}

	pg, err := store.NewPostgresStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if cfg.Database.MigrateOnStart {
		if err := pg.MigrateUp(ctx); err != nil {
			logger.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}
	logger.Info("Database connected")
	return pg
}

// consumerExit treats a consumer stopping because of shutdown as a clean exit.
func consumerExit(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
