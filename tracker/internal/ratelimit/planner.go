package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Token is the minimal view of a tracked token the planner needs.
type Token struct {
	Address     string
	LastChecked time.Time
}

// Plan is one poll tick's worth of provider work. Batches never exceed the
// remaining call budget for the current window; Delay is the recommended wait
// before the next tick (short when tokens were left unserved, otherwise tied
// to when the next token becomes due).
type Plan struct {
	Batches [][]string
	Delay   time.Duration
	Due     int
	Skipped int
}

// Planner enforces the provider call budget over a rolling window and the
// per-token minimum recheck interval, and sizes batches accordingly.
type Planner struct {
	mu         sync.Mutex
	budget     int
	window     time.Duration
	minRecheck time.Duration
	maxBatch   int
	calls      []time.Time
}

func NewPlanner(budget int, window, minRecheck time.Duration, maxBatch int) *Planner {
	if budget <= 0 {
		budget = 1
	}
	if maxBatch <= 0 {
		maxBatch = 1
	}
	return &Planner{
		budget:     budget,
		window:     window,
		minRecheck: minRecheck,
		maxBatch:   maxBatch,
	}
}

// Gate builds the call-level limiter matching this planner's budget, for
// wiring into a provider client.
func (p *Planner) Gate() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(p.budget)/p.window.Seconds()), p.budget)
}

// Plan partitions the due subset of tokens into provider-call batches and
// reserves the corresponding budget. Tokens checked more recently than the
// minimum recheck interval are skipped entirely.
func (p *Planner) Plan(tokens []Token, now time.Time) Plan {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prune(now)

	var due []string
	nextDue := time.Duration(0)
	for _, t := range tokens {
		age := now.Sub(t.LastChecked)
		if t.LastChecked.IsZero() || age >= p.minRecheck {
			due = append(due, t.Address)
			continue
		}
		wait := p.minRecheck - age
		if nextDue == 0 || wait < nextDue {
			nextDue = wait
		}
	}

	plan := Plan{Due: len(due)}
	remainingBudget := p.budget - len(p.calls)
	if remainingBudget < 0 {
		remainingBudget = 0
	}

	served := 0
	for served < len(due) && len(plan.Batches) < remainingBudget {
		end := served + p.maxBatch
		if end > len(due) {
			end = len(due)
		}
		plan.Batches = append(plan.Batches, due[served:end])
		served = end
	}
	plan.Skipped = len(due) - served

	for range plan.Batches {
		p.calls = append(p.calls, now)
	}

	switch {
	case plan.Skipped > 0:
		// budget exhausted; come back when the oldest call leaves the window
		plan.Delay = p.windowRelief(now)
	case nextDue > 0:
		plan.Delay = nextDue
	default:
		plan.Delay = p.minRecheck
	}
	return plan
}

// Remaining reports how many provider calls are still available in the
// current window.
func (p *Planner) Remaining(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune(now)
	return p.budget - len(p.calls)
}

func (p *Planner) prune(now time.Time) {
	cutoff := now.Add(-p.window)
	kept := p.calls[:0]
	for _, t := range p.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.calls = kept
}

func (p *Planner) windowRelief(now time.Time) time.Duration {
	if len(p.calls) == 0 {
		return p.window
	}
	relief := p.calls[0].Add(p.window).Sub(now)
	if relief <= 0 {
		relief = time.Second
	}
	return relief
}
