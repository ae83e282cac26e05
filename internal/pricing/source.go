package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultChainID is the chain queried when none is configured.
const DefaultChainID int64 = 4352

// ErrNoPrice is returned when the price source has no usable quote.
var ErrNoPrice = errors.New("pricing: no price")

// Source fetches a fresh unit price for a non-native token.
type Source interface {
	Fetch(ctx context.Context, token string) (float64, error)
}

// SourceFunc adapts a function into a Source.
type SourceFunc func(ctx context.Context, token string) (float64, error)

func (f SourceFunc) Fetch(ctx context.Context, token string) (float64, error) {
	return f(ctx, token)
}

// HTTPSource reads prices from an HTTP endpoint shaped as
// {BaseURL}/{chainID}/{token} returning {"chainToken":{"priceNow":"…"}}.
type HTTPSource struct {
	BaseURL string
	ChainID int64
	Client  *http.Client
}

// NewHTTPSource returns a source with a bounded request timeout.
func NewHTTPSource(baseURL string, chainID int64) *HTTPSource {
	if chainID <= 0 {
		chainID = DefaultChainID
	}
	return &HTTPSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		ChainID: chainID,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type priceResponse struct {
	ChainToken *struct {
		PriceNow json.RawMessage `json:"priceNow"`
	} `json:"chainToken"`
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, token string) (float64, error) {
	if s == nil || s.BaseURL == "" {
		return 0, fmt.Errorf("%w: no price endpoint configured", ErrNoPrice)
	}
	url := fmt.Sprintf("%s/%d/%s", s.BaseURL, s.ChainID, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build price request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch price for %s: %w", token, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("fetch price for %s: status %d", token, resp.StatusCode)
	}
	var body priceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode price for %s: %w", token, err)
	}
	if body.ChainToken == nil || len(body.ChainToken.PriceNow) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, token)
	}
	return parsePrice(body.ChainToken.PriceNow)
}

// The upstream API sends priceNow either as a string or a bare number.
func parsePrice(raw json.RawMessage) (float64, error) {
	text := strings.Trim(string(raw), `"`)
	if text == "" || text == "null" {
		return 0, ErrNoPrice
	}
	price, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", text, err)
	}
	if price < 0 {
		return 0, fmt.Errorf("%w: negative price %v", ErrNoPrice, price)
	}
	return price, nil
}
