package webhook

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/indexing/metrics"
	"github.com/vietddude/paywatch/internal/infra/storage"
)

type deliverer interface {
	Deliver(ctx context.Context, a *domain.WebhookAttempt) error
}

type inflightKey struct {
	storeID   string
	entityID  string
	eventType domain.EventType
}

func keyOf(a *domain.WebhookAttempt) inflightKey {
	return inflightKey{storeID: a.StoreID, entityID: a.EntityID(), eventType: a.EventType}
}

// RetryScheduler sends retries when their backoff elapses. In-process timers
// handle retries scheduled by this process; a periodic scan of the attempt
// log picks up rows left behind by a restart or another instance. At most
// one retry per (store, entity, event type) is in flight.
type RetryScheduler struct {
	repo         storage.WebhookRepository
	deliverer    deliverer
	pollInterval time.Duration
	batchSize    int

	mu       sync.Mutex
	inflight map[inflightKey]struct{}
	timers   map[string]*time.Timer

	running atomic.Bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	afterFn func(d time.Duration, f func()) *time.Timer
	log     *slog.Logger
	now     func() time.Time
}

// NewRetryScheduler creates a scheduler. It becomes usable once a Dispatcher
// is built with it.
func NewRetryScheduler(repo storage.WebhookRepository, pollInterval time.Duration, batchSize int) *RetryScheduler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RetryScheduler{
		repo:         repo,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		inflight:     make(map[inflightKey]struct{}),
		timers:       make(map[string]*time.Timer),
		baseCtx:      context.Background(),
		afterFn:      time.AfterFunc,
		log:          slog.Default().With("component", "webhook-scheduler"),
		now:          time.Now,
	}
}

// Enqueue schedules a after delay. It is a no-op when a retry for the same
// key is already pending in this process.
func (s *RetryScheduler) Enqueue(a *domain.WebhookAttempt, delay time.Duration) {
	key := keyOf(a)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return
	}
	s.inflight[key] = struct{}{}

	s.timers[a.ID] = s.afterFn(delay, func() {
		s.mu.Lock()
		delete(s.inflight, key)
		delete(s.timers, a.ID)
		ctx := s.baseCtx
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := s.deliverer.Deliver(ctx, a); err != nil {
			s.log.Error("Failed to deliver scheduled retry", "attempt_id", a.ID, "error", err)
		}
	})
}

// PollOnce delivers every due row not already scheduled in this process.
func (s *RetryScheduler) PollOnce(ctx context.Context) error {
	due, err := s.repo.ListDue(ctx, s.now(), s.batchSize)
	if err != nil {
		return err
	}

	for _, a := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.mu.Lock()
		_, busy := s.inflight[keyOf(a)]
		s.mu.Unlock()
		if busy {
			continue
		}
		if err := s.deliverer.Deliver(ctx, a); err != nil {
			s.log.Error("Failed to deliver due webhook", "attempt_id", a.ID, "error", err)
		}
	}

	if pending, err := s.repo.CountPending(ctx); err == nil {
		metrics.WebhookPending.Set(float64(pending))
	}
	return nil
}

// Start runs the recovery scan until ctx is canceled or Stop is called.
func (s *RetryScheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.baseCtx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	s.log.Info("Webhook retry scheduler started", "poll_interval", s.pollInterval)
	return nil
}

func (s *RetryScheduler) loop(ctx context.Context) {
	if err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("Webhook retry scan failed", "error", err)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("Webhook retry scan failed", "error", err)
			}
		}
	}
}

// Stop cancels pending timers and waits for the scan loop to exit. Rows whose
// timers were dropped stay in the log and are picked up after restart.
func (s *RetryScheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	clear(s.inflight)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("Webhook retry scheduler stopped")
}

// Pending returns the number of retries scheduled in this process.
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
