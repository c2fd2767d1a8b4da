package pricing

import "context"

// Source identifies which provider produced a price observation.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
)

// Result is one normalized per-address price observation.
type Result struct {
	Address      string
	PriceUsd     float64
	MarketCapUsd float64
	Supply       float64
	Source       Source
}

// BatchProvider translates a batch of token addresses into normalized price
// records in a single upstream call. A returned error means the whole call
// failed at the transport level; addresses simply absent from the returned
// map failed individually (bad entry, schema drift, not listed) and must not
// fail the rest of the batch.
type BatchProvider interface {
	Name() string
	FetchBatch(ctx context.Context, addresses []string) (map[string]Result, error)
}
