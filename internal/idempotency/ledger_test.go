package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantpay/reconciliation-service/internal/adapters/logging"
	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/testutil/mocks"
)

func newTestLedger(grace time.Duration) (*Ledger, *mocks.MemoryIdempotencyRepository) {
	repo := mocks.NewMemoryIdempotencyRepository()
	return NewLedger(repo, logging.NopLogger{}, grace), repo
}

func TestReserveFreshKey(t *testing.T) {
	ledger, _ := newTestLedger(time.Minute)

	res, err := ledger.Reserve(context.Background(), "key-1")
	require.NoError(t, err)
	assert.True(t, res.Fresh)
	assert.Nil(t, res.Result)
}

func TestReserveEmptyKeyRejected(t *testing.T) {
	ledger, _ := newTestLedger(time.Minute)

	_, err := ledger.Reserve(context.Background(), "")
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
}

func TestReserveReturnsCommittedResult(t *testing.T) {
	ledger, _ := newTestLedger(time.Minute)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, res.Fresh)

	stored := json.RawMessage(`{"transaction_id":"txn-1","status":"CAPTURED"}`)
	require.NoError(t, ledger.Commit(ctx, "key-1", stored))

	// every subsequent reserve replays the stored result without re-executing
	for i := 0; i < 3; i++ {
		res, err = ledger.Reserve(ctx, "key-1")
		require.NoError(t, err)
		assert.False(t, res.Fresh)
		assert.JSONEq(t, string(stored), string(res.Result))
	}
}

func TestReserveWhileInFlight(t *testing.T) {
	ledger, _ := newTestLedger(time.Minute)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, res.Fresh)

	_, err = ledger.Reserve(ctx, "key-1")
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeIdempotencyPending, domain.GetErrorCode(err))
}

func TestReserveExactlyOneWinnerUnderConcurrency(t *testing.T) {
	ledger, _ := newTestLedger(time.Minute)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	freshCount := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.Reserve(ctx, "contested")
			if err == nil && res.Fresh {
				freshCount <- true
			}
		}()
	}
	wg.Wait()
	close(freshCount)

	winners := 0
	for range freshCount {
		winners++
	}
	assert.Equal(t, 1, winners)
}

func TestReclaimAbandonedReservation(t *testing.T) {
	grace := 50 * time.Millisecond
	ledger, repo := newTestLedger(grace)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, res.Fresh)

	// winner crashes without committing; after the grace window a retry takes over
	time.Sleep(grace + 20*time.Millisecond)

	res, err = ledger.Reserve(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, res.Fresh)

	// the reclaimer can commit normally
	require.NoError(t, ledger.Commit(ctx, "key-1", json.RawMessage(`{"ok":true}`)))

	_, existing, err := repo.Reserve(ctx, "key-1", time.Now())
	require.NoError(t, err)
	assert.True(t, existing.Committed())
}

func TestCommittedKeyNotReclaimable(t *testing.T) {
	grace := 50 * time.Millisecond
	ledger, _ := newTestLedger(grace)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, res.Fresh)

	stored := json.RawMessage(`{"status":"CAPTURED"}`)
	require.NoError(t, ledger.Commit(ctx, "key-1", stored))

	time.Sleep(grace + 20*time.Millisecond)

	// age alone never invalidates a committed result
	res, err = ledger.Reserve(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, res.Fresh)
	assert.JSONEq(t, string(stored), string(res.Result))
}

func TestReleaseFreesKeyImmediately(t *testing.T) {
	ledger, _ := newTestLedger(time.Minute)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, res.Fresh)

	require.NoError(t, ledger.Release(ctx, "key-1"))

	res, err = ledger.Reserve(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, res.Fresh)
}
