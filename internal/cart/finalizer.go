package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/CheeseBout/storefront-checkout/internal/backend"
	"github.com/CheeseBout/storefront-checkout/internal/events"
	"github.com/CheeseBout/storefront-checkout/internal/lock"
	"github.com/CheeseBout/storefront-checkout/internal/obs"
	"github.com/CheeseBout/storefront-checkout/internal/queue"
	"github.com/CheeseBout/storefront-checkout/internal/selection"
)

// ErrDeferred marks a finalization that could not complete now and has been
// queued for a later retry. The payment itself already succeeded; callers must
// never surface this as a payment error.
var ErrDeferred = errors.New("cart: finalization deferred")

// TaskKind is the queue task kind for deferred finalizations.
const TaskKind = "cart-finalize"

// Remover is the backend operation the finalizer depends on.
type Remover interface {
	RemoveSelected(ctx context.Context, userID string, productIDs []string) (*backend.CartSnapshot, error)
}

// Finalizer turns the persisted selection into a server-side cart mutation.
// Removal is idempotent: product identifiers form a set, so replaying the same
// finalization is harmless.
type Finalizer struct {
	Selection  *selection.Store
	Backend    Remover
	Locker     lock.Locker
	Enqueuer   queue.Enqueuer
	Bus        *events.Bus
	Logger     zerolog.Logger
	LockTTL    time.Duration
	RetryDelay time.Duration
}

type taskPayload struct {
	UserID string `json:"userId"`
}

// Finalize runs one finalization attempt for the user. On failure the work is
// queued for a deferred retry and ErrDeferred is returned.
func (f *Finalizer) Finalize(ctx context.Context, userID string) error {
	if err := f.run(ctx, userID); err != nil {
		f.Logger.Warn().Err(err).Str("user_id", userID).Msg("cart finalization failed, deferring")
		f.countFinalize("deferred")
		if enqueueErr := f.enqueueRetry(ctx, userID); enqueueErr != nil {
			f.Logger.Error().Err(enqueueErr).Str("user_id", userID).Msg("enqueue deferred finalization failed")
		}
		f.emit(ctx, events.TopicCartFinalizeDeferred, userID)
		return fmt.Errorf("%w: %v", ErrDeferred, err)
	}
	return nil
}

// HandleTask processes a deferred finalization from the queue. Errors are
// returned so the queue applies its own backoff and dead-letter policy.
func (f *Finalizer) HandleTask(ctx context.Context, task queue.Task) error {
	var payload taskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("cart: decode task payload: %w", err)
	}
	if payload.UserID == "" {
		return errors.New("cart: task payload missing user id")
	}
	if err := f.run(ctx, payload.UserID); err != nil {
		f.countFinalize("retry_failed")
		return err
	}
	return nil
}

func (f *Finalizer) run(ctx context.Context, userID string) error {
	ttl := f.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return f.Locker.WithLock(ctx, "finalize:"+userID, ttl, func(ctx context.Context) error {
		ids, err := f.Selection.Get(ctx, userID)
		if err != nil {
			return fmt.Errorf("read selection: %w", err)
		}
		if len(ids) == 0 {
			// nothing reserved; an earlier attempt already completed
			f.countFinalize("empty")
			return nil
		}
		snapshot, err := f.Backend.RemoveSelected(ctx, userID, ids)
		if err != nil {
			return fmt.Errorf("remove selected items: %w", err)
		}
		// clear only after the removal is confirmed; a failure here leaves
		// the selection in place for the next idempotent attempt
		if err := f.Selection.Clear(ctx, userID); err != nil {
			return fmt.Errorf("clear selection: %w", err)
		}
		f.Logger.Info().Str("user_id", userID).Int("removed", len(ids)).
			Float64("cart_total", snapshot.Total).Msg("cart finalized")
		f.countFinalize("ok")
		f.emit(ctx, events.TopicCartFinalized, userID)
		return nil
	})
}

func (f *Finalizer) enqueueRetry(ctx context.Context, userID string) error {
	payload, err := json.Marshal(taskPayload{UserID: userID})
	if err != nil {
		return err
	}
	delay := f.RetryDelay
	if delay <= 0 {
		delay = 10 * time.Second
	}
	return f.Enqueuer.Enqueue(ctx, queue.Task{
		Kind:           TaskKind,
		Payload:        payload,
		IdempotencyKey: userID,
		Delay:          delay,
	})
}

func (f *Finalizer) emit(ctx context.Context, topic, userID string) {
	if f.Bus == nil {
		return
	}
	if _, err := f.Bus.Emit(ctx, topic, "", map[string]string{"userId": userID}); err != nil {
		f.Logger.Warn().Err(err).Str("topic", topic).Msg("emit event failed")
	}
}

func (f *Finalizer) countFinalize(result string) {
	if obs.FinalizeTotal != nil {
		obs.FinalizeTotal.WithLabelValues(result).Inc()
	}
}
