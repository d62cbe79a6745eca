package apex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Pricer resolves a token holding to its USD value via a DexScreener-shaped
// token endpoint. Used only by the capital-flow dust classifier; pricing
// failures there fail safe (the worker is not released).
type Pricer struct {
	base string
	http *http.Client
}

func NewPricer(base string) *Pricer {
	return &Pricer{base: base, http: &http.Client{Timeout: 10 * time.Second}}
}

type pairInfo struct {
	PriceUSD json.Number `json:"priceUsd"`
}

type tokenPairs struct {
	Pairs []pairInfo `json:"pairs"`
}

// USDValue returns uiAmount priced in USD, or an error when no pair data
// is available.
func (p *Pricer) USDValue(ctx context.Context, mint string, uiAmount float64) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/"+mint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("price check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price check status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	var data tokenPairs
	if err := json.Unmarshal(raw, &data); err != nil {
		return 0, fmt.Errorf("price decode: %w", err)
	}
	if len(data.Pairs) == 0 {
		return 0, fmt.Errorf("no pairs for %s", mint)
	}
	price, err := strconv.ParseFloat(data.Pairs[0].PriceUSD.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("bad price for %s: %w", mint, err)
	}
	return uiAmount * price, nil
}
