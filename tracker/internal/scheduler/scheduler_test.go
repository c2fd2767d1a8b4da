package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"token-listener/shared/logger"
	"token-listener/tracker/internal/multiplier"
	"token-listener/tracker/internal/pricing"
	"token-listener/tracker/internal/ratelimit"
	"token-listener/tracker/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// priceBook serves whatever market cap is currently scripted per address.
type priceBook struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (p *priceBook) set(addr string, marketCap float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[addr] = marketCap
}

func (p *priceBook) Name() string { return "scripted" }

func (p *priceBook) FetchBatch(ctx context.Context, addresses []string) (map[string]pricing.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]pricing.Result, len(addresses))
	for _, addr := range addresses {
		mc, ok := p.prices[addr]
		if !ok {
			continue
		}
		out[addr] = pricing.Result{Address: addr, MarketCapUsd: mc, Source: pricing.SourcePrimary}
	}
	return out, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []multiplier.Event
}

func (n *recordingNotifier) MultiplierReached(ctx context.Context, ev multiplier.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) all() []multiplier.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]multiplier.Event(nil), n.events...)
}

type fakeHistory struct {
	signals []Signal
	since   []time.Time
}

func (h *fakeHistory) MissedSignals(ctx context.Context, since time.Time) ([]Signal, error) {
	h.since = append(h.since, since)
	return h.signals, nil
}

type fakeSoldSource struct {
	addresses []string
}

func (s *fakeSoldSource) ConfirmedSold(ctx context.Context) ([]string, error) {
	return s.addresses, nil
}

type fixture struct {
	sched    *Scheduler
	tokens   *store.Store
	prices   *priceBook
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	appLogger, err := logger.NewLogger(logger.Config{Level: "error"})
	require.NoError(t, err)

	tokens := store.New(t.TempDir(), appLogger)
	prices := &priceBook{prices: make(map[string]float64)}
	fetcher := pricing.NewFetcher(prices, nil, pricing.RetryPolicy{MaxAttempts: 1}, appLogger)
	fetcher.SetSleep(func(ctx context.Context, d time.Duration) error { return nil })
	planner := ratelimit.NewPlanner(600, time.Minute, 0, 30)
	notifier := &recordingNotifier{}

	sched := New(tokens, fetcher, planner, notifier, Config{
		PollFloor: time.Minute,
	}, appLogger)

	return &fixture{sched: sched, tokens: tokens, prices: prices, notifier: notifier}
}

func TestPollTickNotifiesOncePerMultiple(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.sched.OnBuySignal("addr1", "TKA", 100_000))
	fx.prices.set("addr1", 210_000)

	_, err := fx.sched.pollTick(context.Background())
	require.NoError(t, err)

	events := fx.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].OldMultiple)
	assert.Equal(t, 2, events[0].NewMultiple)
	assert.Equal(t, 100_000.0, events[0].InitialMarketCap)
	assert.Equal(t, 210_000.0, events[0].CurrentMarketCap)

	// growth inside the same multiple produces no second event
	fx.prices.set("addr1", 250_000)
	_, err = fx.sched.pollTick(context.Background())
	require.NoError(t, err)
	assert.Len(t, fx.notifier.all(), 1)

	// next crossing fires exactly once more
	fx.prices.set("addr1", 305_000)
	_, err = fx.sched.pollTick(context.Background())
	require.NoError(t, err)
	events = fx.notifier.all()
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[1].OldMultiple)
	assert.Equal(t, 3, events[1].NewMultiple)

	token, ok := fx.tokens.Get("addr1")
	require.True(t, ok)
	assert.Equal(t, 3, token.LastNotifiedMultiple)
	assert.Equal(t, 305_000.0, token.CurrentMarketCap)
}

func TestPollTickNoRenotifyAfterDip(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.sched.OnBuySignal("addr1", "TKA", 100_000))

	fx.prices.set("addr1", 320_000)
	_, err := fx.sched.pollTick(context.Background())
	require.NoError(t, err)
	require.Len(t, fx.notifier.all(), 1)
	assert.Equal(t, 3, fx.notifier.all()[0].NewMultiple)

	// falling back to 2x and recovering to 3x stays silent
	fx.prices.set("addr1", 220_000)
	_, err = fx.sched.pollTick(context.Background())
	require.NoError(t, err)
	fx.prices.set("addr1", 310_000)
	_, err = fx.sched.pollTick(context.Background())
	require.NoError(t, err)
	assert.Len(t, fx.notifier.all(), 1)
}

func TestPollTickUnresolvedTokenKeepsState(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.sched.OnBuySignal("addr1", "TKA", 100_000))
	require.NoError(t, fx.sched.OnBuySignal("addr2", "TKB", 50_000))
	fx.prices.set("addr1", 210_000)
	// addr2 deliberately has no price this tick

	_, err := fx.sched.pollTick(context.Background())
	require.NoError(t, err)

	require.Len(t, fx.notifier.all(), 1)
	stale, ok := fx.tokens.Get("addr2")
	require.True(t, ok)
	assert.Equal(t, 50_000.0, stale.CurrentMarketCap)
	assert.True(t, stale.LastChecked.IsZero(), "unresolved token keeps its stale check time")
}

func TestPollTickIdlesWithNothingTracked(t *testing.T) {
	fx := newFixture(t)
	delay, err := fx.sched.pollTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Minute, delay)
	assert.Empty(t, fx.notifier.all())
}

func TestPollTickPersistsDurably(t *testing.T) {
	appLogger, err := logger.NewLogger(logger.Config{Level: "error"})
	require.NoError(t, err)
	dir := t.TempDir()

	tokens := store.New(dir, appLogger)
	prices := &priceBook{prices: map[string]float64{"addr1": 210_000}}
	fetcher := pricing.NewFetcher(prices, nil, pricing.RetryPolicy{MaxAttempts: 1}, appLogger)
	planner := ratelimit.NewPlanner(600, time.Minute, 0, 30)
	notifier := &recordingNotifier{}
	sched := New(tokens, fetcher, planner, notifier, Config{PollFloor: time.Minute}, appLogger)

	require.NoError(t, sched.OnBuySignal("addr1", "TKA", 100_000))
	_, err = sched.pollTick(context.Background())
	require.NoError(t, err)

	// a restart sees the advanced high-water mark and does not re-notify
	restored := store.New(dir, appLogger)
	require.NoError(t, restored.Load())
	token, ok := restored.Get("addr1")
	require.True(t, ok)
	assert.Equal(t, 2, token.LastNotifiedMultiple)
	assert.Equal(t, 210_000.0, token.CurrentMarketCap)
}

func TestPollTickPersistFailureIsHardError(t *testing.T) {
	appLogger, err := logger.NewLogger(logger.Config{Level: "error"})
	require.NoError(t, err)

	// a regular file as the data dir makes every Persist fail
	badDir := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(badDir, []byte("x"), 0o644))

	tokens := store.New(badDir, appLogger)
	_, err = tokens.Add("addr1", "TKA", 100_000)
	require.NoError(t, err)

	prices := &priceBook{prices: map[string]float64{"addr1": 210_000}}
	fetcher := pricing.NewFetcher(prices, nil, pricing.RetryPolicy{MaxAttempts: 1}, appLogger)
	planner := ratelimit.NewPlanner(600, time.Minute, 0, 30)
	sched := New(tokens, fetcher, planner, &recordingNotifier{}, Config{PollFloor: time.Minute}, appLogger)

	_, err = sched.pollTick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persistence failed")
}

func TestRunHaltsOnPersistFailure(t *testing.T) {
	appLogger, err := logger.NewLogger(logger.Config{Level: "error"})
	require.NoError(t, err)

	badDir := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(badDir, []byte("x"), 0o644))

	tokens := store.New(badDir, appLogger)
	_, err = tokens.Add("addr1", "TKA", 100_000)
	require.NoError(t, err)

	prices := &priceBook{prices: map[string]float64{"addr1": 150_000}}
	fetcher := pricing.NewFetcher(prices, nil, pricing.RetryPolicy{MaxAttempts: 1}, appLogger)
	planner := ratelimit.NewPlanner(600, time.Minute, 0, 30)
	sched := New(tokens, fetcher, planner, &recordingNotifier{}, Config{PollFloor: time.Minute}, appLogger)

	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "persistence failed")
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler kept running after a persistence failure")
	}
}

func TestBuySignalRejectedForSoldToken(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.sched.OnBuySignal("addr1", "TKA", 100_000))
	require.NoError(t, fx.sched.OnSellSignal("addr1"))

	err := fx.sched.OnBuySignal("addr1", "TKA", 80_000)
	assert.ErrorIs(t, err, store.ErrSoldToken)
	assert.Equal(t, 0, fx.tokens.Count())
}

func TestSellSignalForUnknownToken(t *testing.T) {
	fx := newFixture(t)
	assert.ErrorIs(t, fx.sched.OnSellSignal("missing"), store.ErrNotTracked)
}

func TestSoldTokenNotPolled(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.sched.OnBuySignal("addr1", "TKA", 100_000))
	require.NoError(t, fx.sched.OnSellSignal("addr1"))
	fx.prices.set("addr1", 500_000)

	_, err := fx.sched.pollTick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fx.notifier.all())
}

func TestCatchupTickReplaysMissedSignals(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.sched.OnBuySignal("addr1", "TKA", 100_000))

	missedAt := time.Now().Add(-7 * time.Minute).UTC()
	history := &fakeHistory{signals: []Signal{
		{Type: SignalBuy, Address: "addr2", Symbol: "TKB", InitialMarketCap: 40_000, At: missedAt},
		{Type: SignalSell, Address: "addr1"},
		{Type: SignalBuy, Address: "addr1", Symbol: "TKA", InitialMarketCap: 90_000}, // rejected: sold
	}}
	fx.sched.SetSignalHistory(history)
	fx.sched.lastCatchup = time.Now().Add(-10 * time.Minute)

	require.NoError(t, fx.sched.catchupTick(context.Background()))

	require.Len(t, history.since, 1)
	assert.True(t, time.Since(history.since[0]) >= 10*time.Minute)

	replayed, tracked := fx.tokens.Get("addr2")
	require.True(t, tracked)
	// entry time is when the signal fired, not when it was replayed
	assert.True(t, replayed.EntryTime.Equal(missedAt))
	_, tracked = fx.tokens.Get("addr1")
	assert.False(t, tracked)
}

func TestCatchupTickWithoutHistory(t *testing.T) {
	fx := newFixture(t)
	assert.NoError(t, fx.sched.catchupTick(context.Background()))
}

func TestCleanupTickEvictsConfirmedSold(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.sched.OnBuySignal("addr1", "TKA", 100_000))
	require.NoError(t, fx.sched.OnBuySignal("addr2", "TKB", 50_000))

	fx.sched.SetSoldSource(&fakeSoldSource{addresses: []string{"addr2", "untracked"}})
	require.NoError(t, fx.sched.cleanupTick(context.Background()))

	assert.Equal(t, 1, fx.tokens.Count())
	_, tracked := fx.tokens.Get("addr2")
	assert.False(t, tracked)
	assert.Len(t, fx.tokens.SoldSnapshot(), 1)
}

func TestCleanupTickWithoutSoldSource(t *testing.T) {
	fx := newFixture(t)
	assert.NoError(t, fx.sched.cleanupTick(context.Background()))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- fx.sched.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
