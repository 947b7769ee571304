package cart

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CheeseBout/storefront-checkout/internal/backend"
	"github.com/CheeseBout/storefront-checkout/internal/lock"
	"github.com/CheeseBout/storefront-checkout/internal/queue"
	"github.com/CheeseBout/storefront-checkout/internal/selection"
)

type stubRemover struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (r *stubRemover) RemoveSelected(_ context.Context, _ string, productIDs []string) (*backend.CartSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, productIDs)
	if r.err != nil {
		return nil, r.err
	}
	return &backend.CartSnapshot{Total: 0}, nil
}

func (r *stubRemover) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestFinalizer(t *testing.T, remover Remover) (*Finalizer, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &Finalizer{
		Selection:  selection.NewStore(client, "selection"),
		Backend:    remover,
		Locker:     lock.Locker{R: client, RetryBackoff: time.Millisecond},
		Enqueuer:   queue.Enqueuer{R: client, Prefix: "storefront"},
		Logger:     zerolog.Nop(),
		RetryDelay: time.Millisecond,
	}
	return f, client
}

func TestFinalizeRemovesSelectionAndClearsSlot(t *testing.T) {
	remover := &stubRemover{}
	f, client := newTestFinalizer(t, remover)
	ctx := context.Background()

	require.NoError(t, f.Selection.Set(ctx, "user-1", []string{"p2", "p1"}))
	require.NoError(t, f.Finalize(ctx, "user-1"))

	require.Equal(t, 1, remover.callCount())
	assert.Equal(t, []string{"p1", "p2"}, remover.calls[0])

	ids, err := f.Selection.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	n, err := client.ZCard(ctx, "storefront:queue:cart-finalize").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFinalizeEmptySelectionIsNoop(t *testing.T) {
	remover := &stubRemover{}
	f, _ := newTestFinalizer(t, remover)

	require.NoError(t, f.Finalize(context.Background(), "user-1"))
	assert.Zero(t, remover.callCount())
}

func TestFinalizeFailureKeepsSelectionAndDefers(t *testing.T) {
	remover := &stubRemover{err: errors.New("backend unavailable")}
	f, client := newTestFinalizer(t, remover)
	ctx := context.Background()

	require.NoError(t, f.Selection.Set(ctx, "user-1", []string{"p1"}))
	err := f.Finalize(ctx, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeferred)

	// selection survives so the retry can replay the same removal
	ids, getErr := f.Selection.Get(ctx, "user-1")
	require.NoError(t, getErr)
	assert.Equal(t, []string{"p1"}, ids)

	n, zerr := client.ZCard(ctx, "storefront:queue:cart-finalize").Result()
	require.NoError(t, zerr)
	assert.Equal(t, int64(1), n)
}

func TestFinalizeIsIdempotentAcrossRetries(t *testing.T) {
	remover := &stubRemover{err: errors.New("backend unavailable")}
	f, _ := newTestFinalizer(t, remover)
	ctx := context.Background()

	require.NoError(t, f.Selection.Set(ctx, "user-1", []string{"p1", "p2"}))
	require.Error(t, f.Finalize(ctx, "user-1"))

	remover.mu.Lock()
	remover.err = nil
	remover.mu.Unlock()

	require.NoError(t, f.Finalize(ctx, "user-1"))
	require.Equal(t, 2, remover.callCount())
	assert.Equal(t, remover.calls[0], remover.calls[1])

	// a third run finds nothing to do
	require.NoError(t, f.Finalize(ctx, "user-1"))
	assert.Equal(t, 2, remover.callCount())
}

func TestHandleTaskReplaysFinalization(t *testing.T) {
	remover := &stubRemover{}
	f, _ := newTestFinalizer(t, remover)
	ctx := context.Background()

	require.NoError(t, f.Selection.Set(ctx, "user-1", []string{"p1"}))
	err := f.HandleTask(ctx, queue.Task{Kind: TaskKind, Payload: []byte(`{"userId":"user-1"}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, remover.callCount())
}

func TestHandleTaskReturnsErrorForQueueRetry(t *testing.T) {
	remover := &stubRemover{err: errors.New("still down")}
	f, client := newTestFinalizer(t, remover)
	ctx := context.Background()

	require.NoError(t, f.Selection.Set(ctx, "user-1", []string{"p1"}))
	err := f.HandleTask(ctx, queue.Task{Kind: TaskKind, Payload: []byte(`{"userId":"user-1"}`)})
	require.Error(t, err)

	// HandleTask must not enqueue again; the queue owns the retry
	n, zerr := client.ZCard(ctx, "storefront:queue:cart-finalize").Result()
	require.NoError(t, zerr)
	assert.Zero(t, n)
}

func TestHandleTaskRejectsBadPayload(t *testing.T) {
	f, _ := newTestFinalizer(t, &stubRemover{})
	require.Error(t, f.HandleTask(context.Background(), queue.Task{Payload: []byte("{")}))
	require.Error(t, f.HandleTask(context.Background(), queue.Task{Payload: []byte(`{}`)}))
}
