package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/paywatch/internal/core/config"
	"github.com/vietddude/paywatch/internal/core/cursor"
	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/indexing/applier"
	"github.com/vietddude/paywatch/internal/indexing/expiration"
	"github.com/vietddude/paywatch/internal/indexing/health"
	"github.com/vietddude/paywatch/internal/indexing/normalizer"
	"github.com/vietddude/paywatch/internal/indexing/poller"
	"github.com/vietddude/paywatch/internal/infra/chain"
	redisclient "github.com/vietddude/paywatch/internal/infra/redis"
	"github.com/vietddude/paywatch/internal/infra/storage"
	"github.com/vietddude/paywatch/internal/infra/storage/memory"
	"github.com/vietddude/paywatch/internal/infra/storage/postgres"
	"github.com/vietddude/paywatch/internal/webhook"
)

// HeaderStoreID names the merchant whose secret verifies an inbound webhook.
const HeaderStoreID = "X-Store-ID"

// Watcher is the main application struct that manages the service lifecycle.
type Watcher struct {
	cfg          *config.AppConfig
	store        storage.Store
	db           *postgres.DB
	redisClient  *redisclient.Client
	chain        *chain.HTTPClient
	cursors      *cursor.Manager
	poller       *poller.Poller
	scheduler    *webhook.RetryScheduler
	signer       *webhook.SignatureService
	healthMon    *health.Monitor
	healthServer *health.Server
	runners      []Runner
	log          *slog.Logger
}

// NewWatcher creates a new Watcher instance with all dependencies initialized.
func NewWatcher(ctx context.Context, cfg *config.AppConfig) (*Watcher, error) {
	w := &Watcher{
		cfg: cfg,
		log: slog.Default().With("component", "watcher"),
	}
	schedule := domain.RetrySchedule(cfg.Webhook.Backoff())

	// 1. Storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		w.db = db
		w.store = db.Store(schedule)
		w.log.Info("Using PostgreSQL storage")
	} else {
		w.store = memory.NewMemoryStorage(schedule).Store()
		w.log.Info("Using Memory storage")
	}

	// 2. Redis: replay cache and tick lock
	var replay webhook.ReplayCache = webhook.NewMemoryReplayCache()
	var lock poller.TickLock
	if cfg.Redis.Enabled() {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			w.log.Warn("Failed to connect to Redis, using in-process replay cache", "error", err)
		} else {
			w.redisClient = client
			replay = redisclient.NewReplayCache(client)
			lock = redisclient.NewLock(client, "poller-tick", uuid.NewString(), 2*cfg.Poller.PollInterval())
		}
	}

	// 3. Chain and cursor
	w.chain = chain.NewHTTPClient(cfg.Chain)
	w.cursors = cursor.NewManager(w.store.Cursors, cfg.Poller.ReorgWindowBlocks)

	// 4. Webhooks
	w.signer = webhook.NewSignatureService(
		time.Duration(cfg.Webhook.MaxSkewSeconds)*time.Second,
		time.Duration(cfg.Webhook.ReplayTTLSeconds)*time.Second,
		replay,
	)
	planner := webhook.NewPlanner(w.store.Webhooks, schedule, cfg.Webhook.MaxAttempts)
	w.scheduler = webhook.NewRetryScheduler(w.store.Webhooks, cfg.Webhook.RetryPollInterval, cfg.Poller.SweepLimit)
	dispatcher := webhook.NewDispatcher(
		w.store.Merchants,
		w.store.Invoices,
		planner,
		w.signer,
		w.scheduler,
		cfg.Webhook.Timeout,
	)

	// 5. Reconciliation
	w.poller = poller.New(poller.Config{
		MinConfirmations:  cfg.Poller.MinConfirmations,
		ReorgWindowBlocks: cfg.Poller.ReorgWindowBlocks,
		PollInterval:      cfg.Poller.PollInterval(),
		SweepLimit:        cfg.Poller.SweepLimit,
	}, poller.Deps{
		Chain:         w.chain,
		Events:        normalizer.New(w.chain, w.store.Invoices, w.store.Subscriptions),
		Cursors:       w.cursors,
		Invoices:      w.store.Invoices,
		Applier:       applier.NewInvoiceEventApplier(w.store.Invoices, w.store.Webhooks, dispatcher),
		Subscriptions: applier.NewSubscriptionLifecycleProcessor(w.store, dispatcher),
		Expirations:   expiration.NewMonitor(w.store.Invoices, w.store.Webhooks, dispatcher, cfg.Poller.SweepLimit),
		Lock:          lock,
	})
	w.runners = []Runner{w.scheduler, w.poller}

	// 6. Health
	w.healthMon = health.NewMonitor(w.poller, w.chain.Monitor, w.store.Webhooks)
	if w.db != nil {
		w.healthMon.AddComponent("database", w.db)
	}
	if w.redisClient != nil {
		w.healthMon.AddComponent("redis", w.redisClient)
	}
	w.healthServer = health.NewServer(w.healthMon, cfg.Server.Port, w.signer.Middleware(w.resolveSecret))

	return w, nil
}

// resolveSecret returns the webhook secret of the merchant named by the
// X-Store-ID header.
func (w *Watcher) resolveSecret(r *http.Request) (string, error) {
	storeID := r.Header.Get(HeaderStoreID)
	if storeID == "" {
		return "", errors.New("missing store id")
	}
	m, err := w.store.Merchants.Get(r.Context(), storeID)
	if err != nil {
		return "", err
	}
	if m.WebhookSecret == nil {
		return "", nil
	}
	return *m.WebhookSecret, nil
}

// Start starts the watcher and all its components.
func (w *Watcher) Start(ctx context.Context) error {
	// Start Health Server
	go func() {
		if err := w.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error("Health server failed", "error", err)
		}
	}()

	// Start DB Metrics Collector
	if w.db != nil {
		w.db.StartMetricsCollector(ctx)
	}

	for _, r := range w.runners {
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}
	}

	w.log.Info("Watcher started",
		"contract", w.chain.ContractID(),
		"port", w.cfg.Server.Port,
		"poll_interval", w.cfg.Poller.PollInterval(),
	)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop(ctx context.Context) error {
	w.log.Info("Stopping Watcher...")

	for i := len(w.runners) - 1; i >= 0; i-- {
		w.runners[i].Stop()
	}

	if err := w.chain.Close(); err != nil {
		w.log.Warn("Failed to close chain client", "error", err)
	}

	// Close Redis
	if w.redisClient != nil {
		if err := w.redisClient.Close(); err != nil {
			w.log.Warn("Failed to close Redis", "error", err)
		}
	}

	err := w.healthServer.Stop(ctx)

	if w.db != nil {
		if cerr := w.db.Close(); cerr != nil {
			w.log.Warn("Failed to close database", "error", cerr)
		}
	}
	return err
}

// Store exposes the repository bundle, e.g. for seeding merchants.
func (w *Watcher) Store() storage.Store {
	return w.store
}

// Cursors exposes the cursor manager for admin commands.
func (w *Watcher) Cursors() *cursor.Manager {
	return w.cursors
}

// Tick runs one reconciliation pass outside the loop.
func (w *Watcher) Tick(ctx context.Context) error {
	return w.poller.Tick(ctx)
}

// HealthHandler returns the HTTP routes of the health server.
func (w *Watcher) HealthHandler() http.Handler {
	return w.healthServer.Handler()
}
