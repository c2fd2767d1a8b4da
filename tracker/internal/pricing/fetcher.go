package pricing

import (
	"context"
	"time"

	"token-listener/shared/logger"

	"github.com/jpillora/backoff"
)

// RetryPolicy is the retry schedule applied to the primary provider before a
// batch escalates to the fallback. Attempts and delay are tunables, not
// constants: source deployments disagreed on both.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

func (p RetryPolicy) schedule() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    p.Delay,
		Max:    p.Delay,
		Factor: 1,
		Jitter: false,
	}
}

// SleepFunc is injectable so retry behavior is testable without real delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fetcher wraps the primary provider with bounded retries and escalates
// still-unresolved addresses to the fallback provider once. A fully failed
// batch is never fatal: unresolved tokens just stay stale for the tick.
type Fetcher struct {
	primary   BatchProvider
	fallback  BatchProvider
	policy    RetryPolicy
	sleep     SleepFunc
	appLogger *logger.Logger
}

func NewFetcher(primary, fallback BatchProvider, policy RetryPolicy, appLogger *logger.Logger) *Fetcher {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Fetcher{
		primary:   primary,
		fallback:  fallback,
		policy:    policy,
		sleep:     defaultSleep,
		appLogger: appLogger,
	}
}

// SetSleep replaces the inter-attempt delay implementation. Tests use this to
// run the retry schedule without waiting.
func (f *Fetcher) SetSleep(sleep SleepFunc) {
	if sleep != nil {
		f.sleep = sleep
	}
}

// Fetch resolves as many of the given addresses as possible this tick.
func (f *Fetcher) Fetch(ctx context.Context, addresses []string) map[string]Result {
	results := make(map[string]Result, len(addresses))
	remaining := append([]string(nil), addresses...)
	if len(remaining) == 0 {
		return results
	}

	schedule := f.policy.schedule()
	for attempt := 1; attempt <= f.policy.MaxAttempts && len(remaining) > 0; attempt++ {
		got, err := f.primary.FetchBatch(ctx, remaining)
		if err != nil {
			f.appLogger.Warn("Primary provider batch failed",
				"provider", f.primary.Name(), "attempt", attempt, "maxAttempts", f.policy.MaxAttempts,
				"addresses", len(remaining), "error", err)
		} else {
			remaining = merge(results, got, remaining)
		}
		if len(remaining) == 0 || attempt == f.policy.MaxAttempts {
			break
		}
		if err := f.sleep(ctx, schedule.Duration()); err != nil {
			f.appLogger.Debug("Fetch retry interrupted", "error", err)
			return results
		}
	}

	if len(remaining) > 0 && f.fallback != nil {
		f.appLogger.Info("Escalating unresolved addresses to fallback provider",
			"provider", f.fallback.Name(), "addresses", len(remaining))
		got, err := f.fallback.FetchBatch(ctx, remaining)
		if err != nil {
			f.appLogger.Warn("Fallback provider batch failed", "provider", f.fallback.Name(), "error", err)
		} else {
			remaining = merge(results, got, remaining)
		}
	}

	if len(remaining) > 0 {
		f.appLogger.Debug("Addresses left unresolved this tick", "count", len(remaining))
	}
	return results
}

func merge(into map[string]Result, got map[string]Result, remaining []string) []string {
	for addr, r := range got {
		into[addr] = r
	}
	unresolved := remaining[:0]
	for _, addr := range remaining {
		if _, ok := into[addr]; !ok {
			unresolved = append(unresolved, addr)
		}
	}
	return unresolved
}
