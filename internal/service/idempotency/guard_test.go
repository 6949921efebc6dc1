package idempotency

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func TestGuard_ReplaysStoredResponse(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo)

	var calls atomic.Int32
	run := func(context.Context) Response {
		calls.Add(1)
		return Response{Status: http.StatusCreated, Body: []byte(`{"id":"order-1"}`)}
	}

	first, replayed, err := guard.Execute(ctx, "key-1", "POST /orders", []byte(`{"userId":"u-1"}`), run)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, http.StatusCreated, first.Status)

	second, replayed, err := guard.Execute(ctx, "key-1", "POST /orders", []byte(`{"userId":"u-1"}`), run)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	record, err := repo.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusDone, record.Status)
}

func TestGuard_HashMismatch(t *testing.T) {
	ctx := context.Background()
	guard := NewGuard(memory.NewIdempotencyRepository())
	run := func(context.Context) Response { return Response{Status: http.StatusCreated} }

	_, _, err := guard.Execute(ctx, "key-1", "POST /orders", []byte(`{"a":1}`), run)
	require.NoError(t, err)

	_, _, err = guard.Execute(ctx, "key-1", "POST /orders", []byte(`{"a":2}`), run)
	assert.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
}

func TestGuard_InFlightRequestIsRejected(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo)

	_, err := repo.CreateProcessing(ctx, "key-1", RequestHash("POST /orders", []byte(`{}`)), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, _, err = guard.Execute(ctx, "key-1", "POST /orders", []byte(`{}`), func(context.Context) Response {
		t.Fatal("run must not be called while the key is processing")
		return Response{}
	})
	assert.ErrorIs(t, err, domain.ErrIdempotencyRequestInFlight)
}

func TestGuard_FailedResponseIsReplayed(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo, WithTTL(time.Minute))

	body := []byte(`{"error":"validation failed"}`)
	resp, _, err := guard.Execute(ctx, "key-bad", "POST /orders", nil, func(context.Context) Response {
		return Response{Status: http.StatusBadRequest, Body: body}
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	record, err := repo.Get(ctx, "key-bad")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, record.Status)

	replay, replayed, err := guard.Execute(ctx, "key-bad", "POST /orders", nil, func(context.Context) Response {
		return Response{Status: http.StatusCreated}
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, Response{Status: http.StatusBadRequest, Body: body}, replay)
}

func TestGuard_EmptyKeyBypassesStore(t *testing.T) {
	var calls int
	guard := NewGuard(memory.NewIdempotencyRepository())
	for i := 0; i < 2; i++ {
		_, replayed, err := guard.Execute(context.Background(), "  ", "POST /orders", nil, func(context.Context) Response {
			calls++
			return Response{Status: http.StatusCreated}
		})
		require.NoError(t, err)
		assert.False(t, replayed)
	}
	assert.Equal(t, 2, calls)
}

func TestRequestHash_DependsOnScope(t *testing.T) {
	assert.NotEqual(t, RequestHash("POST /orders", []byte("x")), RequestHash("POST /other", []byte("x")))
	assert.Equal(t, RequestHash("s", []byte("x")), RequestHash("s", []byte("x")))
}
