package domain

import (
	"encoding/json"
	"time"
)

type AttemptState string

const (
	AttemptPending   AttemptState = "pending"
	AttemptSending   AttemptState = "sending"
	AttemptDelivered AttemptState = "delivered"
	AttemptFailed    AttemptState = "failed"
)

// WebhookAttempt is one row of the append-only delivery log. A retry is a new
// row with Attempts+1. EventKey tells apart events that repeat for one
// entity, such as each refund of an invoice.
type WebhookAttempt struct {
	ID             string          `db:"id"`
	StoreID        string          `db:"store_id"`
	InvoiceID      *string         `db:"invoice_id"`
	SubscriptionID *string         `db:"subscription_id"`
	EventType      EventType       `db:"event_type"`
	EventKey       *string         `db:"event_key"`
	Payload        json.RawMessage `db:"payload"`
	Attempts       int             `db:"attempts"`
	State          AttemptState    `db:"state"`
	Success        bool            `db:"success"`
	StatusCode     *int            `db:"status_code"`
	LastAttemptAt  time.Time       `db:"last_attempt_at"`
	CreatedAt      time.Time       `db:"created_at"`
}

// EntityID returns the invoice or subscription id the attempt belongs to.
func (a *WebhookAttempt) EntityID() string {
	if a.InvoiceID != nil {
		return *a.InvoiceID
	}
	if a.SubscriptionID != nil {
		return *a.SubscriptionID
	}
	return ""
}

// StaleSendingAfter is how long a row may sit in sending before it is
// considered abandoned by a crashed process.
const StaleSendingAfter = 5 * time.Minute

// RetrySchedule is the webhook backoff table indexed by attempt number:
// entry k-1 is the delay after attempt k failed.
type RetrySchedule []time.Duration

// Delay returns the backoff after the given attempt failed, clamped to the
// table bounds.
func (s RetrySchedule) Delay(attempt int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	idx := min(max(attempt-1, 0), len(s)-1)
	return s[idx]
}

// DueAt returns when a row becomes eligible for delivery.
func (s RetrySchedule) DueAt(a *WebhookAttempt) time.Time {
	switch a.State {
	case AttemptSending:
		return a.LastAttemptAt.Add(StaleSendingAfter)
	case AttemptPending:
		if a.Attempts <= 1 {
			return a.LastAttemptAt
		}
		return a.LastAttemptAt.Add(s.Delay(a.Attempts - 1))
	default:
		return time.Time{}
	}
}

// IsDue reports whether the row should be delivered at now.
func (s RetrySchedule) IsDue(a *WebhookAttempt, now time.Time) bool {
	if a.State != AttemptPending && a.State != AttemptSending {
		return false
	}
	return !s.DueAt(a).After(now)
}
