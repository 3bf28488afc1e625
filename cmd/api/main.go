package main

import (
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/mohra-app/billing/admin"
	"github.com/mohra-app/billing/auth"
	"github.com/mohra-app/billing/broker"
	"github.com/mohra-app/billing/customer"
	"github.com/mohra-app/billing/db"
	"github.com/mohra-app/billing/dedup"
	"github.com/mohra-app/billing/external"
	"github.com/mohra-app/billing/ledger"
	"github.com/mohra-app/billing/payments"
	"github.com/mohra-app/billing/reconcile"
	"github.com/mohra-app/billing/subscription"
	"github.com/mohra-app/billing/webhook"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	production := "production" == env
	if production {
		dotFile = ".env.production"
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))
	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: env,
		Debug:       !production,
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Fatal("Cannot initialize zapsentry",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	db, err := db.New(logger, os.Getenv("POSTGRES_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	stripeClient := external.NewStripeClient(os.Getenv("STRIPE_KEY"))

	// The broker is optional: without AMQP the engine still reconciles, it
	// just skips the entitlement fan-out
	var producer reconcile.Producer
	if amqpURI := os.Getenv("AMQP_URI"); len(amqpURI) > 0 {
		amqpBroker, err := broker.NewAMQPBroker(amqpURI)
		if err != nil {
			logger.Fatal("Cannot connect to Broker",
				zap.Error(err),
			)
		}
		defer amqpBroker.Close()
		producer = amqpBroker
	}

	customerManager, err := customer.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize CustomerManager",
			zap.Error(err),
		)
	}

	subscriptionManager, err := subscription.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	ledgerManager, err := ledger.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize LedgerManager",
			zap.Error(err),
		)
	}

	aggregator, err := ledger.NewAggregator(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize Aggregator",
			zap.Error(err),
		)
	}

	store, err := reconcile.NewGormStore(db, subscriptionManager, ledgerManager)
	if err != nil {
		logger.Fatal("Cannot initialize reconcile Store",
			zap.Error(err),
		)
	}

	engine, err := reconcile.NewEngine(reconcile.Options{
		Store:    store,
		Producer: producer,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize reconcile Engine",
			zap.Error(err),
		)
	}

	deduper, err := dedup.NewRedisDeduper(rdb, time.Hour*72)
	if err != nil {
		logger.Fatal("Cannot initialize Deduper",
			zap.Error(err),
		)
	}

	prices := subscription.PriceTable{
		PlusMonthly:   os.Getenv("STRIPE_PRICE_PLUS_MONTHLY"),
		FamilyMonthly: os.Getenv("STRIPE_PRICE_FAMILY_MONTHLY"),
	}

	stripeWebhook, err := webhook.NewStripeService(webhook.StripeOptions{
		Engine:        engine,
		Backend:       stripeClient,
		Customers:     customerManager,
		Deduper:       deduper,
		Prices:        prices,
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Stripe Webhook Router",
			zap.Error(err),
		)
	}

	revenueCatWebhook, err := webhook.NewRevenueCatService(webhook.RevenueCatOptions{
		Engine:        engine,
		Customers:     customerManager,
		Deduper:       deduper,
		WebhookSecret: os.Getenv("REVENUECAT_WEBHOOK_SECRET"),
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize RevenueCat Webhook Router",
			zap.Error(err),
		)
	}

	paymentsRouter, err := payments.NewService(payments.Options{
		Backend:   stripeClient,
		Customers: customerManager,
		Ledger:    ledgerManager,
		Prices:    prices,
		SiteURL:   os.Getenv("SITE_URL"),
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Payments Service Router",
			zap.Error(err),
		)
	}

	authManager, err := auth.New(auth.Options{
		JWTSecret: []byte(os.Getenv("JWT_SECRET")),
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize AuthManager",
			zap.Error(err),
		)
	}

	adminRouter, err := admin.NewService(admin.Options{
		Auth:          authManager,
		Subscriptions: subscriptionManager,
		Ledger:        ledgerManager,
		Aggregator:    aggregator,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Admin Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()

	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{os.Getenv("SITE_URL")},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	rootRouter.Mount("/webhooks/stripe", stripeWebhook.Router())
	rootRouter.Mount("/webhooks/revenuecat", revenueCatWebhook.Router())
	rootRouter.Mount("/payments", paymentsRouter.Router())
	rootRouter.Mount("/admin", adminRouter.Router())

	rootRouter.HandleFunc("/pprof/*", pprof.Index)
	rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
	rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
	rootRouter.HandleFunc("/pprof/trace", pprof.Trace)

	rootRouter.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok")
	})

	srv := &http.Server{
		Handler:      rootRouter,
		Addr:         ":42069",
		ReadTimeout:  time.Second * 15,
		WriteTimeout: time.Second * 30,
		IdleTimeout:  time.Second * 60,
	}

	logger.Info("API listening",
		zap.String("Addr", srv.Addr),
	)

	log.Fatalln(srv.ListenAndServe())
}
