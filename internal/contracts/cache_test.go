package contracts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradeloop/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	calls atomic.Int32
	specs map[string]types.ContractSpec
	err   error
	block chan struct{}
}

func (f *fakeLoader) ContractSpecs(ctx context.Context) (map[string]types.ContractSpec, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.specs, nil
}

func btcSpecs() map[string]types.ContractSpec {
	return map[string]types.ContractSpec{
		"BTCUSDT": {MinOrderSize: 0.001, MaxOrderSize: 100, TickSize: 0.1, StepSize: 0.001},
	}
}

func TestRefreshIfNeededNoopWhenFresh(t *testing.T) {
	loader := &fakeLoader{specs: btcSpecs()}
	c := NewCache(loader, time.Minute)
	require.NoError(t, c.Refresh(context.Background()))

	assert.False(t, c.RefreshIfNeeded(context.Background(), []string{"BTCUSDT"}))
	assert.Equal(t, int32(1), loader.calls.Load())

	spec, ok := c.Get("BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, "BTCUSDT", spec.Symbol)
}

func TestRefreshIfNeededOnMissingSymbol(t *testing.T) {
	loader := &fakeLoader{specs: btcSpecs()}
	c := NewCache(loader, time.Hour)
	require.NoError(t, c.Refresh(context.Background()))

	assert.True(t, c.RefreshIfNeeded(context.Background(), []string{"ETHUSDT"}))
	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestRefreshIfNeededOnExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	loader := &fakeLoader{specs: btcSpecs()}
	c := NewCache(loader, 30*time.Minute)
	c.nowFn = func() time.Time { return now }
	require.NoError(t, c.Refresh(context.Background()))

	now = now.Add(29 * time.Minute)
	assert.False(t, c.NeedsRefresh([]string{"BTCUSDT"}))
	now = now.Add(time.Minute)
	assert.True(t, c.NeedsRefresh([]string{"BTCUSDT"}))
}

func TestRefreshFailureKeepsTimestamp(t *testing.T) {
	loader := &fakeLoader{specs: btcSpecs()}
	c := NewCache(loader, time.Hour)
	require.NoError(t, c.Refresh(context.Background()))
	before := c.LastRefreshed()

	loader.err = errors.New("exchange down")
	assert.False(t, c.RefreshIfNeeded(context.Background(), []string{"ETHUSDT"}))
	assert.Equal(t, before, c.LastRefreshed())
	_, ok := c.Get("BTCUSDT")
	assert.True(t, ok)
}

func TestRefreshSingleFlight(t *testing.T) {
	loader := &fakeLoader{specs: btcSpecs(), block: make(chan struct{})}
	c := NewCache(loader, time.Hour)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Refresh(context.Background())
	}()
	assert.Eventually(t, c.Refreshing, time.Second, time.Millisecond)

	assert.False(t, c.RefreshIfNeeded(context.Background(), []string{"BTCUSDT"}))
	assert.ErrorIs(t, c.Refresh(context.Background()), ErrRefreshInProgress)

	close(loader.block)
	wg.Wait()
	assert.Equal(t, int32(1), loader.calls.Load())
	assert.False(t, c.Refreshing())
}

func TestReset(t *testing.T) {
	c := NewCache(&fakeLoader{specs: btcSpecs()}, time.Hour)
	require.NoError(t, c.Refresh(context.Background()))
	c.Reset()
	assert.Equal(t, 0, c.Len())
	assert.True(t, c.LastRefreshed().IsZero())
	assert.False(t, c.Refreshing())
}

func TestNormalizeQuantity(t *testing.T) {
	spec := types.ContractSpec{MinOrderSize: 0.001, MaxOrderSize: 5, StepSize: 0.001}

	q, ok, _ := NormalizeQuantity(spec, 0.12345)
	assert.True(t, ok)
	assert.InDelta(t, 0.123, q, 1e-12)

	q, ok, _ = NormalizeQuantity(spec, 12)
	assert.True(t, ok)
	assert.Equal(t, 5.0, q)

	_, ok, reason := NormalizeQuantity(spec, 0.0004)
	assert.False(t, ok)
	assert.Contains(t, reason, "below minimum")
}

func TestRoundPrice(t *testing.T) {
	spec := types.ContractSpec{TickSize: 0.1}
	assert.InDelta(t, 115.5, RoundPrice(spec, 115.52), 1e-9)
	assert.InDelta(t, 99.8, RoundPrice(spec, 99.75), 1e-9)
	assert.Equal(t, 10.0, RoundPrice(types.ContractSpec{}, 10))
}
