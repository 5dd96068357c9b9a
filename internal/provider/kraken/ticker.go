package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Ticker is the subset of a Kraken ticker used for quotes.
type Ticker struct {
	// Last is the last trade price.
	Last float64
	// Open is today's opening price.
	Open float64
	// Volume24h is the base-asset volume over the last 24 hours.
	Volume24h float64
}

// tickerResponse mirrors GET /0/public/Ticker.
//
//	{"error":[],"result":{"AAPLxUSD":{"c":["220.75","1"],"o":"218.02","v":["120.5","3400.1"], ...}}}
type tickerResponse struct {
	Error  []string              `json:"error"`
	Result map[string]tickerInfo `json:"result"`
}

type tickerInfo struct {
	C []string `json:"c" validate:"len=2,dive,required"`
	O string   `json:"o" validate:"required"`
	V []string `json:"v" validate:"len=2,dive,required"`
}

var validate = validator.New()

// GetTicker retrieves the ticker for a single pair. When Kraken answers with
// more than one result the lexically first key is used.
func (c *Client) GetTicker(ctx context.Context, pair string) (Ticker, error) {
	query := url.Values{}
	query.Set("pair", pair)
	u := fmt.Sprintf("%s/0/public/Ticker?%s", c.baseURL, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return Ticker{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.header.Clone()

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Ticker{}, fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	// Only a plain client lands here on non-2xx; httpx.Resilient reports
	// those as *httpx.UpstreamError from Do.
	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return Ticker{}, errors.New("kraken: rate limited")
	default:
		return Ticker{}, fmt.Errorf("kraken: unexpected status code: %d", res.StatusCode)
	}

	var body tickerResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return Ticker{}, fmt.Errorf("decoding ticker response: %w", err)
	}
	if len(body.Error) > 0 {
		return Ticker{}, fmt.Errorf("kraken: %s", strings.Join(body.Error, ", "))
	}
	if len(body.Result) == 0 {
		return Ticker{}, errors.New("kraken: empty result")
	}

	keys := make([]string, 0, len(body.Result))
	for k := range body.Result {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	info := body.Result[keys[0]]
	if err := validate.Struct(info); err != nil {
		return Ticker{}, fmt.Errorf("kraken: invalid ticker %s: %w", keys[0], err)
	}

	var t Ticker
	if t.Last, err = strconv.ParseFloat(info.C[0], 64); err != nil {
		return Ticker{}, fmt.Errorf("kraken: last price: %w", err)
	}
	if t.Open, err = strconv.ParseFloat(info.O, 64); err != nil {
		return Ticker{}, fmt.Errorf("kraken: opening price: %w", err)
	}
	if t.Volume24h, err = strconv.ParseFloat(info.V[1], 64); err != nil {
		return Ticker{}, fmt.Errorf("kraken: volume: %w", err)
	}
	return t, nil
}
