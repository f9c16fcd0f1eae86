package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/infra/storage"
)

const attemptColumns = `id::text AS id, store_id, invoice_id, subscription_id, event_type, event_key, payload,
	attempts, state, success, status_code, last_attempt_at, created_at`

// attemptRow mirrors webhook_attempts; JSONB arrives as bytes.
type attemptRow struct {
	ID             string    `db:"id"`
	StoreID        string    `db:"store_id"`
	InvoiceID      *string   `db:"invoice_id"`
	SubscriptionID *string   `db:"subscription_id"`
	EventType      string    `db:"event_type"`
	EventKey       *string   `db:"event_key"`
	Payload        []byte    `db:"payload"`
	Attempts       int       `db:"attempts"`
	State          string    `db:"state"`
	Success        bool      `db:"success"`
	StatusCode     *int64    `db:"status_code"`
	LastAttemptAt  time.Time `db:"last_attempt_at"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r attemptRow) toDomain() *domain.WebhookAttempt {
	a := &domain.WebhookAttempt{
		ID:             r.ID,
		StoreID:        r.StoreID,
		InvoiceID:      r.InvoiceID,
		SubscriptionID: r.SubscriptionID,
		EventType:      domain.EventType(r.EventType),
		EventKey:       r.EventKey,
		Payload:        r.Payload,
		Attempts:       r.Attempts,
		State:          domain.AttemptState(r.State),
		Success:        r.Success,
		LastAttemptAt:  r.LastAttemptAt,
		CreatedAt:      r.CreatedAt,
	}
	if r.StatusCode != nil {
		code := int(*r.StatusCode)
		a.StatusCode = &code
	}
	return a
}

// WebhookRepo implements storage.WebhookRepository using PostgreSQL.
type WebhookRepo struct {
	db       *DB
	dueQuery string
}

// NewWebhookRepo creates a new PostgreSQL webhook attempt repository. The
// retry schedule is baked into the due-row query.
func NewWebhookRepo(db *DB, schedule domain.RetrySchedule) *WebhookRepo {
	return &WebhookRepo{
		db: db,
		dueQuery: `SELECT ` + attemptColumns + ` FROM webhook_attempts
			WHERE (state = 'pending' AND last_attempt_at + make_interval(secs => ` + dueDelayCase(schedule) + `) <= $1)
			   OR (state = 'sending' AND last_attempt_at <= $2)
			ORDER BY last_attempt_at
			LIMIT $3`,
	}
}

// dueDelayCase renders the backoff for a pending row as a SQL expression over
// its attempts column, in seconds. It matches RetrySchedule.DueAt.
func dueDelayCase(schedule domain.RetrySchedule) string {
	if len(schedule) == 0 {
		return "0"
	}
	var b strings.Builder
	b.WriteString("CASE WHEN attempts <= 1 THEN 0")
	for i, d := range schedule {
		fmt.Fprintf(&b, " WHEN attempts = %d THEN %s", i+2, seconds(d))
	}
	fmt.Fprintf(&b, " ELSE %s END", seconds(schedule[len(schedule)-1]))
	return b.String()
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func (r *WebhookRepo) Insert(ctx context.Context, a *domain.WebhookAttempt) error {
	var code *int64
	if a.StatusCode != nil {
		c := int64(*a.StatusCode)
		code = &c
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_attempts (id, store_id, invoice_id, subscription_id, event_type, event_key,
			payload, attempts, state, success, status_code, last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12)`,
		a.ID, a.StoreID, a.InvoiceID, a.SubscriptionID, string(a.EventType), a.EventKey, string(a.Payload),
		a.Attempts, string(a.State), a.Success, code, a.LastAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to insert webhook attempt: %w", err)
	}
	return nil
}

func (r *WebhookRepo) Get(ctx context.Context, id string) (*domain.WebhookAttempt, error) {
	var row attemptRow
	err := r.db.GetContext(ctx, &row, `SELECT `+attemptColumns+` FROM webhook_attempts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook attempt %s: %w", id, err)
	}
	return row.toDomain(), nil
}

func (r *WebhookRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_attempts SET state = 'sending', last_attempt_at = $2
		WHERE id = $1 AND (state = 'pending' OR (state = 'sending' AND last_attempt_at <= $3))`,
		id, now, now.Add(-domain.StaleSendingAfter))
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook attempt %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *WebhookRepo) MarkDelivered(ctx context.Context, id string, statusCode int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_attempts SET state = 'delivered', success = TRUE, status_code = $2, last_attempt_at = $3
		WHERE id = $1`, id, statusCode, at)
	if err != nil {
		return fmt.Errorf("failed to mark webhook attempt %s delivered: %w", id, err)
	}
	return nil
}

func (r *WebhookRepo) MarkFailed(ctx context.Context, id string, statusCode *int, at time.Time) error {
	var code *int64
	if statusCode != nil {
		c := int64(*statusCode)
		code = &c
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_attempts SET state = 'failed', success = FALSE, status_code = $2, last_attempt_at = $3
		WHERE id = $1`, id, code, at)
	if err != nil {
		return fmt.Errorf("failed to mark webhook attempt %s failed: %w", id, err)
	}
	return nil
}

func (r *WebhookRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookAttempt, error) {
	var rows []attemptRow
	if err := r.db.SelectContext(ctx, &rows, r.dueQuery, now, now.Add(-domain.StaleSendingAfter), limit); err != nil {
		return nil, fmt.Errorf("failed to list due webhook attempts: %w", err)
	}
	out := make([]*domain.WebhookAttempt, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

func (r *WebhookRepo) ExistsSuccessfulDeliveryFor(
	ctx context.Context,
	storeID, entityID string,
	eventType domain.EventType,
) (bool, error) {
	return r.exists(ctx, storeID, entityID, eventType, "AND success")
}

func (r *WebhookRepo) ExistsAttemptFor(
	ctx context.Context,
	storeID, entityID string,
	eventType domain.EventType,
) (bool, error) {
	return r.exists(ctx, storeID, entityID, eventType, "")
}

func (r *WebhookRepo) ExistsAttemptForKey(
	ctx context.Context,
	storeID string,
	eventType domain.EventType,
	key string,
) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM webhook_attempts
			WHERE store_id = $1 AND event_type = $2 AND event_key = $3
		)`, storeID, string(eventType), key)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook attempts: %w", err)
	}
	return exists, nil
}

func (r *WebhookRepo) exists(
	ctx context.Context,
	storeID, entityID string,
	eventType domain.EventType,
	extra string,
) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM webhook_attempts
			WHERE store_id = $1 AND (invoice_id = $2 OR subscription_id = $2) AND event_type = $3 `+extra+`
		)`, storeID, entityID, string(eventType))
	if err != nil {
		return false, fmt.Errorf("failed to check webhook attempts: %w", err)
	}
	return exists, nil
}

func (r *WebhookRepo) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM webhook_attempts WHERE state IN ('pending', 'sending')`)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending webhooks: %w", err)
	}
	return n, nil
}
