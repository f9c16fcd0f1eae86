// Package applier applies normalized contract events and chain sweeps to the
// store and emits the matching merchant webhooks.
//
// Every mutation is guarded in the store, so replaying an event after a
// reorg rewind leaves the same final state. Payloads are always built from a
// fresh read of the record after the mutation.
package applier

import (
	"context"
	"errors"
	"fmt"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/indexing/metrics"
	"github.com/vietddude/paywatch/internal/infra/storage"
	"github.com/vietddude/paywatch/internal/webhook"
)

// Dispatcher sends a webhook event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev webhook.Event) error
}

// emitGuarded dispatches ev when the mutation was applied, or when it was a
// no-op but no attempt row exists yet (a crash or a failed dispatch between
// the store write and the send). Events carrying a Key are checked per
// occurrence instead of per entity.
func emitGuarded(
	ctx context.Context,
	webhooks storage.WebhookRepository,
	dispatcher Dispatcher,
	applied bool,
	ev webhook.Event,
) error {
	if !applied {
		var exists bool
		var err error
		if ev.Key != "" {
			exists, err = webhooks.ExistsAttemptForKey(ctx, ev.StoreID, ev.Type, ev.Key)
		} else {
			exists, err = webhooks.ExistsAttemptFor(ctx, ev.StoreID, ev.EntityID(), ev.Type)
		}
		if err != nil {
			return fmt.Errorf("failed to check webhook history: %w", err)
		}
		if exists {
			return nil
		}
	}
	return dispatcher.Dispatch(ctx, ev)
}

func result(applied bool) string {
	if applied {
		return "applied"
	}
	return "noop"
}

func countEvent(t domain.EventType, applied bool) {
	metrics.EventsApplied.WithLabelValues(string(t), result(applied)).Inc()
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
