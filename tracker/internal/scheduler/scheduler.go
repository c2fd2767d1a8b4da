package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"token-listener/shared/logger"
	"token-listener/tracker/internal/multiplier"
	"token-listener/tracker/internal/pricing"
	"token-listener/tracker/internal/ratelimit"
	"token-listener/tracker/internal/store"
)

// Notifier is the outbound boundary to the notification transport.
type Notifier interface {
	MultiplierReached(ctx context.Context, ev multiplier.Event) error
}

type SignalType string

const (
	SignalBuy  SignalType = "buy"
	SignalSell SignalType = "sell"
)

// Signal is one buy/sell instruction from the ingestion pipeline.
type Signal struct {
	Type             SignalType
	Address          string
	Symbol           string
	InitialMarketCap float64
	At               time.Time
}

// SignalHistory replays buy/sell signals missed while disconnected. The
// catchup tick applies them as if they had arrived live.
type SignalHistory interface {
	MissedSignals(ctx context.Context, since time.Time) ([]Signal, error)
}

// SoldSource reports addresses the ingestion pipeline has already confirmed
// sold; the cleanup tick evicts any of them still being tracked.
type SoldSource interface {
	ConfirmedSold(ctx context.Context) ([]string, error)
}

type Config struct {
	PollFloor       time.Duration
	CleanupInterval time.Duration
	CatchupInterval time.Duration
}

// Scheduler owns the polling loop. A single goroutine drives the poll,
// cleanup and catchup ticks; fetches inside one poll tick run concurrently
// but all settle before any store update is applied.
type Scheduler struct {
	tokens    *store.Store
	fetcher   *pricing.Fetcher
	planner   *ratelimit.Planner
	notifier  Notifier
	history   SignalHistory
	soldSrc   SoldSource
	cfg       Config
	appLogger *logger.Logger

	lastCatchup time.Time
}

func New(tokens *store.Store, fetcher *pricing.Fetcher, planner *ratelimit.Planner, notifier Notifier, cfg Config, appLogger *logger.Logger) *Scheduler {
	if cfg.PollFloor <= 0 {
		cfg.PollFloor = time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.CatchupInterval <= 0 {
		cfg.CatchupInterval = 15 * time.Minute
	}
	return &Scheduler{
		tokens:    tokens,
		fetcher:   fetcher,
		planner:   planner,
		notifier:  notifier,
		cfg:       cfg,
		appLogger: appLogger,
	}
}

// SetSignalHistory wires the optional message-history collaborator.
func (s *Scheduler) SetSignalHistory(h SignalHistory) { s.history = h }

// SetSoldSource wires the optional sold-signal collaborator.
func (s *Scheduler) SetSoldSource(src SoldSource) { s.soldSrc = src }

// OnBuySignal starts tracking a token. Invariant violations (already tracked,
// previously sold) are rejected at the store boundary and reported back; the
// triggering signal is dropped, never allowed to corrupt state.
func (s *Scheduler) OnBuySignal(address, symbol string, initialMarketCap float64) error {
	token, err := s.tokens.Add(address, symbol, initialMarketCap)
	if err != nil {
		s.appLogger.Warn("Buy signal rejected", "address", address, "error", err)
		return err
	}
	if err := s.tokens.Persist(); err != nil {
		s.appLogger.Error("Failed to persist after buy signal", "address", address, "error", err)
		return err
	}
	s.appLogger.Info("Buy signal applied", "address", token.Address, "symbol", token.Symbol, "initialMarketCap", token.InitialMarketCap)
	return nil
}

// OnSellSignal stops tracking a token and records it as sold.
func (s *Scheduler) OnSellSignal(address string) error {
	if err := s.tokens.Remove(address); err != nil {
		s.appLogger.Warn("Sell signal rejected", "address", address, "error", err)
		return err
	}
	if err := s.tokens.Persist(); err != nil {
		s.appLogger.Error("Failed to persist after sell signal", "address", address, "error", err)
		return err
	}
	s.appLogger.Info("Sell signal applied", "address", address)
	return nil
}

// Run drives the scheduler until the context is cancelled or persistence
// fails. An in-flight tick always finishes its batch and persists before Run
// returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.lastCatchup = time.Now()

	s.appLogger.Info("Scheduler starting, running initial poll over restored tokens", "tracked", s.tokens.Count())
	delay, err := s.pollTick(ctx)
	if err != nil {
		return err
	}
	s.logStartupSummary()

	pollTimer := time.NewTimer(delay)
	defer pollTimer.Stop()
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanupTicker.Stop()
	catchupTicker := time.NewTicker(s.cfg.CatchupInterval)
	defer catchupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.appLogger.Info("Scheduler shutting down")
			return ctx.Err()

		case <-pollTimer.C:
			delay, err := s.pollTick(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				// durability failures must not degrade silently
				s.appLogger.Error("Poll tick failed with a hard error, halting scheduler", "error", err)
				return err
			}
			pollTimer.Reset(delay)

		case <-cleanupTicker.C:
			if err := s.cleanupTick(ctx); err != nil {
				s.appLogger.Warn("Cleanup tick failed", "error", err)
			}

		case <-catchupTicker.C:
			if err := s.catchupTick(ctx); err != nil {
				s.appLogger.Warn("Catchup tick failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) logStartupSummary() {
	snapshot := s.tokens.Snapshot()
	s.appLogger.Info("Startup summary", "tracked", len(snapshot), "sold", len(s.tokens.SoldSnapshot()))
	for _, t := range snapshot {
		current, _ := multiplier.Detect(t.InitialMarketCap, t.CurrentMarketCap, 0)
		s.appLogger.Info("Tracked token",
			"address", t.Address,
			"symbol", t.Symbol,
			"initialMarketCap", t.InitialMarketCap,
			"currentMarketCap", t.CurrentMarketCap,
			"multiple", current,
			"notifiedMultiple", t.LastNotifiedMultiple)
	}
}

// pollTick runs one full poll cycle and returns the recommended delay before
// the next one. The returned error is nil unless the tick hit a hard
// (persistence) failure or the context was cancelled.
func (s *Scheduler) pollTick(ctx context.Context) (time.Duration, error) {
	now := time.Now()
	snapshot := s.tokens.Snapshot()
	if len(snapshot) == 0 {
		s.appLogger.Debug("No tokens tracked, idling")
		return s.cfg.PollFloor, ctx.Err()
	}

	candidates := make([]ratelimit.Token, len(snapshot))
	byAddress := make(map[string]store.TrackedToken, len(snapshot))
	for i, t := range snapshot {
		candidates[i] = ratelimit.Token{Address: t.Address, LastChecked: t.LastChecked}
		byAddress[t.Address] = t
	}

	plan := s.planner.Plan(candidates, now)
	if plan.Skipped > 0 {
		s.appLogger.Info("Call budget cannot cover all due tokens this tick",
			"due", plan.Due, "skipped", plan.Skipped, "batches", len(plan.Batches))
	}
	if len(plan.Batches) == 0 {
		s.appLogger.Debug("No tokens due this tick", "tracked", len(snapshot), "delay", plan.Delay)
		return s.clampDelay(plan.Delay), ctx.Err()
	}

	// fetch concurrently, bounded by the planned batch count; all batches
	// settle before any store update so the tick sees one consistent snapshot
	results := make(map[string]pricing.Result)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, batch := range plan.Batches {
		wg.Add(1)
		go func(addrs []string) {
			defer wg.Done()
			got := s.fetcher.Fetch(ctx, addrs)
			mu.Lock()
			for addr, r := range got {
				results[addr] = r
			}
			mu.Unlock()
		}(batch)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil && len(results) == 0 {
		return s.cfg.PollFloor, err
	}

	checkedAt := time.Now()
	notified := 0
	for addr, result := range results {
		token, ok := byAddress[addr]
		if !ok {
			continue
		}

		provider := store.SourcePrimary
		if result.Source == pricing.SourceFallback {
			provider = store.SourceFallback
		}
		if err := s.tokens.Update(addr, result.MarketCapUsd, provider, checkedAt); err != nil {
			// token was sold mid-tick; nothing to update
			s.appLogger.Debug("Skipping update for token no longer tracked", "address", addr, "error", err)
			continue
		}

		newMultiple, crossed := multiplier.Detect(token.InitialMarketCap, result.MarketCapUsd, token.LastNotifiedMultiple)
		if !crossed {
			continue
		}

		ev := multiplier.Event{
			Address:          token.Address,
			Symbol:           token.Symbol,
			OldMultiple:      token.LastNotifiedMultiple,
			NewMultiple:      newMultiple,
			InitialMarketCap: token.InitialMarketCap,
			CurrentMarketCap: result.MarketCapUsd,
			EntryTime:        token.EntryTime,
		}
		if s.notifier != nil {
			if err := s.notifier.MultiplierReached(ctx, ev); err != nil {
				s.appLogger.Warn("Multiplier notification failed", "address", addr, "multiple", newMultiple, "error", err)
			}
		}
		if err := s.tokens.SetNotifiedMultiple(addr, newMultiple); err != nil {
			s.appLogger.Debug("Could not advance notified multiple", "address", addr, "error", err)
			continue
		}
		notified++
		s.appLogger.Info("Token crossed a new multiple",
			"address", addr, "symbol", token.Symbol,
			"oldMultiple", token.LastNotifiedMultiple, "newMultiple", newMultiple,
			"initialMarketCap", token.InitialMarketCap, "currentMarketCap", result.MarketCapUsd)
	}

	// a tick is not complete until its state changes are durable
	if err := s.tokens.Persist(); err != nil {
		return 0, fmt.Errorf("poll tick persistence failed: %w", err)
	}

	s.appLogger.Info("Poll tick complete",
		"tracked", len(snapshot), "due", plan.Due, "fetched", len(results),
		"notified", notified, "nextDelay", s.clampDelay(plan.Delay))
	return s.clampDelay(plan.Delay), ctx.Err()
}

// cleanupTick reconciles the store against the external sold-signal source,
// evicting tokens already confirmed sold but still tracked.
func (s *Scheduler) cleanupTick(ctx context.Context) error {
	if s.soldSrc == nil {
		s.appLogger.Debug("No sold source configured, skipping cleanup tick")
		return nil
	}
	sold, err := s.soldSrc.ConfirmedSold(ctx)
	if err != nil {
		return fmt.Errorf("querying sold source: %w", err)
	}

	evicted := 0
	for _, addr := range sold {
		if _, tracked := s.tokens.Get(addr); !tracked {
			continue
		}
		if err := s.tokens.Remove(addr); err != nil {
			s.appLogger.Warn("Cleanup eviction failed", "address", addr, "error", err)
			continue
		}
		evicted++
		s.appLogger.Info("Cleanup evicted confirmed-sold token", "address", addr)
	}
	if evicted == 0 {
		s.appLogger.Debug("Cleanup tick found nothing to evict", "confirmedSold", len(sold))
		return nil
	}
	if err := s.tokens.Persist(); err != nil {
		return fmt.Errorf("cleanup tick persistence failed: %w", err)
	}
	s.appLogger.Info("Cleanup tick complete", "evicted", evicted)
	return nil
}

// catchupTick replays buy/sell signals missed while disconnected.
func (s *Scheduler) catchupTick(ctx context.Context) error {
	if s.history == nil {
		s.appLogger.Debug("No signal history configured, skipping catchup tick")
		return nil
	}
	since := s.lastCatchup
	signals, err := s.history.MissedSignals(ctx, since)
	if err != nil {
		return fmt.Errorf("querying signal history: %w", err)
	}
	s.lastCatchup = time.Now()

	applied := 0
	for _, sig := range signals {
		switch sig.Type {
		case SignalBuy:
			// the signal's own timestamp becomes the entry time, not replay time
			if _, err := s.tokens.AddAt(sig.Address, sig.Symbol, sig.InitialMarketCap, sig.At); err != nil {
				s.appLogger.Debug("Catchup buy signal dropped", "address", sig.Address, "error", err)
				continue
			}
		case SignalSell:
			if err := s.tokens.Remove(sig.Address); err != nil {
				s.appLogger.Debug("Catchup sell signal dropped", "address", sig.Address, "error", err)
				continue
			}
		default:
			s.appLogger.Warn("Catchup received unknown signal type", "type", string(sig.Type), "address", sig.Address)
			continue
		}
		applied++
	}
	if applied == 0 {
		s.appLogger.Debug("Catchup tick applied no signals", "received", len(signals))
		return nil
	}
	if err := s.tokens.Persist(); err != nil {
		return fmt.Errorf("catchup tick persistence failed: %w", err)
	}
	s.appLogger.Info("Catchup tick complete", "received", len(signals), "applied", applied)
	return nil
}

func (s *Scheduler) clampDelay(d time.Duration) time.Duration {
	if d < s.cfg.PollFloor {
		return s.cfg.PollFloor
	}
	return d
}
