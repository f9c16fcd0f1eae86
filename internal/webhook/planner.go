package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/infra/storage"
)

// Planner owns the attempt log: it records attempts, marks their outcome and
// appends the follow-up row for a retry.
type Planner struct {
	repo        storage.WebhookRepository
	schedule    domain.RetrySchedule
	maxAttempts int
	now         func() time.Time
}

// NewPlanner creates a planner. maxAttempts bounds the rows per event.
func NewPlanner(repo storage.WebhookRepository, schedule domain.RetrySchedule, maxAttempts int) *Planner {
	return &Planner{
		repo:        repo,
		schedule:    schedule,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Record appends a pending attempt row for the event.
func (p *Planner) Record(ctx context.Context, ev Event, payload json.RawMessage) (*domain.WebhookAttempt, error) {
	attempts := ev.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	a := &domain.WebhookAttempt{
		ID:             uuid.NewString(),
		StoreID:        ev.StoreID,
		InvoiceID:      optional(ev.InvoiceID),
		SubscriptionID: optional(ev.SubscriptionID),
		EventType:      ev.Type,
		EventKey:       optional(ev.Key),
		Payload:        payload,
		Attempts:       attempts,
		State:          domain.AttemptPending,
		LastAttemptAt:  p.now(),
	}
	if err := p.repo.Insert(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to record webhook attempt: %w", err)
	}
	return a, nil
}

// MarkSuccess records a 2xx response. The stream ends here.
func (p *Planner) MarkSuccess(ctx context.Context, a *domain.WebhookAttempt, statusCode int) error {
	return p.repo.MarkDelivered(ctx, a.ID, statusCode, p.now())
}

// MarkFailure records a failed delivery and, while attempts remain, appends
// the next pending row. It returns that row, or nil when the stream is
// exhausted.
func (p *Planner) MarkFailure(
	ctx context.Context,
	a *domain.WebhookAttempt,
	statusCode *int,
) (*domain.WebhookAttempt, error) {
	now := p.now()
	if err := p.repo.MarkFailed(ctx, a.ID, statusCode, now); err != nil {
		return nil, err
	}
	if a.Attempts >= p.maxAttempts {
		return nil, nil
	}

	next := &domain.WebhookAttempt{
		ID:             uuid.NewString(),
		StoreID:        a.StoreID,
		InvoiceID:      a.InvoiceID,
		SubscriptionID: a.SubscriptionID,
		EventType:      a.EventType,
		EventKey:       a.EventKey,
		Payload:        a.Payload,
		Attempts:       a.Attempts + 1,
		State:          domain.AttemptPending,
		LastAttemptAt:  now,
	}
	if err := p.repo.Insert(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to record webhook retry: %w", err)
	}
	return next, nil
}

// RetryDelay is the wait before the given row may be sent.
func (p *Planner) RetryDelay(a *domain.WebhookAttempt) time.Duration {
	return p.schedule.Delay(a.Attempts - 1)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
