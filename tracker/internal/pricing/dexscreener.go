package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"token-listener/shared/logger"

	"golang.org/x/time/rate"
)

// Pair mirrors the DexScreener token endpoint response shape, trimmed to the
// fields the tracker consumes.
type Pair struct {
	ChainID     string   `json:"chainId"`
	DexID       string   `json:"dexId"`
	PairAddress string   `json:"pairAddress"`
	BaseToken   DexToken `json:"baseToken"`
	PriceUsd    string   `json:"priceUsd"`
	FDV         float64  `json:"fdv"`
	MarketCap   float64  `json:"marketCap"`
}

type DexToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// DexScreenerClient is the primary price source. The batch endpoint accepts a
// comma-separated address list and returns one entry per trading pair.
type DexScreenerClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	appLogger  *logger.Logger
}

func NewDexScreenerClient(baseURL string, timeout time.Duration, limiter *rate.Limiter, appLogger *logger.Logger) *DexScreenerClient {
	return &DexScreenerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		appLogger:  appLogger,
	}
}

func (c *DexScreenerClient) Name() string { return "dexscreener" }

func (c *DexScreenerClient) FetchBatch(ctx context.Context, addresses []string) (map[string]Result, error) {
	if len(addresses) == 0 {
		return map[string]Result{}, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	url := fmt.Sprintf("%s/tokens/v1/solana/%s", c.baseURL, strings.Join(addresses, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building DexScreener request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("DexScreener API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("rate limit exceeded (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DexScreener API request failed with status: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading DexScreener response: %w", err)
	}

	var pairs []Pair
	if err := json.Unmarshal(body, &pairs); err != nil {
		return nil, fmt.Errorf("DexScreener JSON parsing failed: %w", err)
	}

	requested := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		requested[a] = struct{}{}
	}

	results := make(map[string]Result, len(addresses))
	for _, pair := range pairs {
		addr := pair.BaseToken.Address
		if _, wanted := requested[addr]; !wanted {
			continue
		}
		// first pair wins, matching the upstream liquidity ordering
		if _, seen := results[addr]; seen {
			continue
		}

		marketCap := pair.MarketCap
		if marketCap <= 0 {
			marketCap = pair.FDV
		}
		if marketCap <= 0 {
			c.appLogger.Debug("DexScreener pair has no usable market cap, skipping address", "address", addr, "pair", pair.PairAddress)
			continue
		}

		price := 0.0
		if pair.PriceUsd != "" {
			p, parseErr := strconv.ParseFloat(pair.PriceUsd, 64)
			if parseErr != nil {
				c.appLogger.Debug("DexScreener priceUsd malformed, keeping market cap only", "address", addr, "priceUsd", pair.PriceUsd)
			} else {
				price = p
			}
		}

		supply := 0.0
		if price > 0 {
			supply = marketCap / price
		}

		results[addr] = Result{
			Address:      addr,
			PriceUsd:     price,
			MarketCapUsd: marketCap,
			Supply:       supply,
			Source:       SourcePrimary,
		}
	}

	c.appLogger.Debug("DexScreener batch fetched", "requested", len(addresses), "resolved", len(results))
	return results, nil
}
