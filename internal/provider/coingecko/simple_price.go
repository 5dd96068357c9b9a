package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-playground/validator/v10"
)

// Price is a CoinGecko simple price in USD. Change and volume are nil when
// CoinGecko has no value for them.
type Price struct {
	USD          *float64 `json:"usd" validate:"required"`
	Change24hPct *float64 `json:"usd_24h_change"`
	Volume24hUSD *float64 `json:"usd_24h_vol"`
}

var validate = validator.New()

// GetSimplePrice retrieves the USD price, 24h change and 24h volume for id.
func (c *Client) GetSimplePrice(ctx context.Context, id string) (Price, error) {
	query := url.Values{}
	query.Set("ids", id)
	query.Set("vs_currencies", "usd")
	query.Set("include_24hr_change", "true")
	query.Set("include_24hr_vol", "true")
	u := fmt.Sprintf("%s/simple/price?%s", c.baseURL, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return Price{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.header.Clone()

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Price{}, fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	// Only a plain client lands here on non-2xx; httpx.Resilient reports
	// those as *httpx.UpstreamError from Do.
	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return Price{}, errors.New("coingecko: rate limit exceeded")
	default:
		return Price{}, fmt.Errorf("coingecko: unexpected status code: %d", res.StatusCode)
	}

	// {"apple-tokenized-stock-defichain":{"usd":220.1,"usd_24h_change":1.2,"usd_24h_vol":null}}
	var body map[string]Price
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return Price{}, fmt.Errorf("decoding price response: %w", err)
	}
	p, ok := body[id]
	if !ok {
		return Price{}, fmt.Errorf("coingecko: no data for %s", id)
	}
	if err := validate.Struct(p); err != nil {
		return Price{}, fmt.Errorf("coingecko: invalid price for %s: %w", id, err)
	}
	return p, nil
}
