package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"token-listener/shared/logger"

	"golang.org/x/time/rate"
)

type geckoMultiResponse struct {
	Data []geckoTokenData `json:"data"`
}

type geckoTokenData struct {
	ID         string               `json:"id"`
	Attributes geckoTokenAttributes `json:"attributes"`
}

type geckoTokenAttributes struct {
	Address      string `json:"address"`
	Symbol       string `json:"symbol"`
	Decimals     int    `json:"decimals"`
	PriceUsd     string `json:"price_usd"`
	MarketCapUsd string `json:"market_cap_usd"`
	FdvUsd       string `json:"fdv_usd"`
	TotalSupply  string `json:"total_supply"`
}

// GeckoTerminalClient is the unauthenticated fallback price source. Unlike
// DexScreener it does not always carry a market cap, so one is derived from
// price times circulating supply when missing.
type GeckoTerminalClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	appLogger  *logger.Logger
}

func NewGeckoTerminalClient(baseURL string, timeout time.Duration, limiter *rate.Limiter, appLogger *logger.Logger) *GeckoTerminalClient {
	return &GeckoTerminalClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		appLogger:  appLogger,
	}
}

func (c *GeckoTerminalClient) Name() string { return "geckoterminal" }

func (c *GeckoTerminalClient) FetchBatch(ctx context.Context, addresses []string) (map[string]Result, error) {
	if len(addresses) == 0 {
		return map[string]Result{}, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	url := fmt.Sprintf("%s/networks/solana/tokens/multi/%s", c.baseURL, strings.Join(addresses, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building GeckoTerminal request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GeckoTerminal API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("rate limit exceeded (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GeckoTerminal API request failed with status: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading GeckoTerminal response: %w", err)
	}

	var payload geckoMultiResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("GeckoTerminal JSON parsing failed: %w", err)
	}

	requested := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		requested[a] = struct{}{}
	}

	results := make(map[string]Result, len(addresses))
	for _, entry := range payload.Data {
		attrs := entry.Attributes
		if _, wanted := requested[attrs.Address]; !wanted {
			continue
		}

		price, err := strconv.ParseFloat(attrs.PriceUsd, 64)
		if err != nil {
			c.appLogger.Debug("GeckoTerminal price_usd malformed, skipping address", "address", attrs.Address, "priceUsd", attrs.PriceUsd)
			continue
		}

		supply := 0.0
		if attrs.TotalSupply != "" {
			raw, parseErr := strconv.ParseFloat(attrs.TotalSupply, 64)
			if parseErr == nil && attrs.Decimals > 0 {
				supply = raw / math.Pow10(attrs.Decimals)
			} else if parseErr == nil {
				supply = raw
			}
		}

		marketCap := parseOptionalFloat(attrs.MarketCapUsd)
		if marketCap <= 0 {
			marketCap = parseOptionalFloat(attrs.FdvUsd)
		}
		if marketCap <= 0 && supply > 0 {
			// market cap = price x circulating supply
			marketCap = price * supply
		}
		if marketCap <= 0 {
			c.appLogger.Debug("GeckoTerminal entry has no derivable market cap, skipping address", "address", attrs.Address)
			continue
		}

		results[attrs.Address] = Result{
			Address:      attrs.Address,
			PriceUsd:     price,
			MarketCapUsd: marketCap,
			Supply:       supply,
			Source:       SourceFallback,
		}
	}

	c.appLogger.Debug("GeckoTerminal batch fetched", "requested", len(addresses), "resolved", len(results))
	return results, nil
}

func parseOptionalFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
