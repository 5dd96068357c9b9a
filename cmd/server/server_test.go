package main

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tokenfeed/internal/aggregate"
	"tokenfeed/internal/app"
	"tokenfeed/internal/breaker"
	"tokenfeed/internal/config"
	"tokenfeed/internal/history"
	"tokenfeed/internal/instruments"
	"tokenfeed/internal/limiter"
	"tokenfeed/internal/metrics"
	"tokenfeed/internal/provider"
	"tokenfeed/internal/provider/synthetic"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeFetcher struct {
	name   string
	quotes map[string]provider.RawQuote
	panics bool
}

func (f fakeFetcher) Name() string { return f.name }

func (f fakeFetcher) Fetch(_ context.Context, inst instruments.Instrument) (provider.RawQuote, error) {
	if f.panics {
		panic("boom")
	}
	q, ok := f.quotes[inst.Symbol]
	if !ok {
		return provider.RawQuote{}, errors.New("no quote")
	}
	return q, nil
}

var (
	testInstruments = []instruments.Instrument{
		{Symbol: "AAPL", Name: "Apple Inc.", KrakenPair: "AAPLUSD", CoinGeckoID: "apple"},
		{Symbol: "NVDA", Name: "NVIDIA Corporation", CoinGeckoID: "nvidia"},
		{Symbol: "TSLA", Name: "Tesla, Inc.", KrakenPair: "TSLAUSD", CoinGeckoID: "tesla"},
	}
	fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	app    *app.App
	router *gin.Engine
}

func newFixture(t *testing.T, primary, secondary provider.Fetcher, mutate func(*config.Config)) fixture {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	m := metrics.New()
	br := breaker.New(breaker.DefaultConfig(), breaker.NewMemoryStore(), breaker.WithStateHook(m.BreakerTransition))
	gen := synthetic.New(synthetic.DefaultConfig())
	a := &app.App{
		Config:      cfg,
		Logger:      zap.NewNop(),
		Metrics:     m,
		Instruments: testInstruments,
		Limiter:     limiter.New(limiter.NewMemoryStore()),
		Breaker:     br,
		Primary:     primary,
		Secondary:   secondary,
		Synthetic:   gen,
		History:     history.NewBuilder(gen, func() time.Time { return fixedNow }),
		Aggregator: aggregate.New(primary, secondary,
			aggregate.WithSynthetic(gen),
			aggregate.WithBreakers(br),
			aggregate.WithObserver(m)),
	}
	return fixture{app: a, router: newServer(a).routes()}
}

func defaultFixture(t *testing.T, mutate func(*config.Config)) fixture {
	return newFixture(t,
		fakeFetcher{name: "kraken", quotes: map[string]provider.RawQuote{
			"AAPL": {PriceUSD: 220.754, Change24hPct: 1.25, Volume24hUSD: 5_000_000},
			"TSLA": {PriceUSD: 250, Change24hPct: -3, Volume24hUSD: 7_000_000},
		}},
		fakeFetcher{name: "coingecko", quotes: map[string]provider.RawQuote{
			"NVDA": {PriceUSD: 900, Change24hPct: 2, Volume24hUSD: 1_000_000},
		}},
		mutate)
}

func (f fixture) do(method, target, body string, header http.Header) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) aggregate.Envelope {
	t.Helper()
	var env aggregate.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestGetTokens(t *testing.T) {
	t.Parallel()

	// Arrange
	f := defaultFixture(t, nil)

	// Act
	rec := f.do(http.MethodGet, "/api/tokens", "", nil)

	// Assert
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "no-store, no-cache, must-revalidate, proxy-revalidate", rec.Header().Get("Cache-Control"))
	require.Equal(t, "no-cache", rec.Header().Get("Pragma"))
	require.Equal(t, "0", rec.Header().Get("Expires"))
	require.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	env := decodeEnvelope(t, rec)
	require.Len(t, env.Data, 3)
	require.Equal(t, []string{"AAPL", "NVDA", "TSLA"}, []string{env.Data[0].Symbol, env.Data[1].Symbol, env.Data[2].Symbol})
	require.InDelta(t, 220.75, env.Data[0].PriceUSD, 1e-9)
	require.Equal(t, aggregate.Sources{Primary: 2, Secondary: 1}, env.Sources)
	require.Empty(t, env.Warnings)
	require.NotNil(t, env.CircuitBreakers)
	require.Equal(t, breaker.StateClosed, env.CircuitBreakers.Primary)
}

func TestGetTokens_EchoesRequestID(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/tokens", "", http.Header{"X-Request-Id": {"abc-123"}})

	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestGetTokens_RateLimited(t *testing.T) {
	t.Parallel()

	// Arrange: two requests per window for the tokens endpoint
	f := defaultFixture(t, func(c *config.Config) { c.RateLimit.TokensMaxRequests = 2 })
	client := http.Header{"X-Forwarded-For": {"203.0.113.7, 10.0.0.1"}}

	// Act
	first := f.do(http.MethodGet, "/api/tokens", "", client)
	second := f.do(http.MethodGet, "/api/tokens", "", client)
	third := f.do(http.MethodGet, "/api/tokens", "", client)
	other := f.do(http.MethodGet, "/api/tokens", "", http.Header{"X-Forwarded-For": {"198.51.100.1"}})
	hist := f.do(http.MethodGet, "/api/tokens/AAPL/history", "", client)

	// Assert
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, http.StatusTooManyRequests, third.Code)
	require.Equal(t, "2", third.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", third.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, third.Header().Get("X-RateLimit-Reset"))
	require.NotEmpty(t, third.Header().Get("Retry-After"))

	var body errorResponse
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &body))
	require.Equal(t, "Rate limit exceeded", body.Error)
	require.Positive(t, body.RetryAfter)
	require.LessOrEqual(t, body.RetryAfter, 60)

	require.Equal(t, http.StatusOK, other.Code)
	require.Equal(t, http.StatusOK, hist.Code)
}

func TestGetTokens_AggregationFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		fakeFetcher{name: "kraken", panics: true},
		fakeFetcher{name: "coingecko"},
		nil)

	rec := f.do(http.MethodGet, "/api/tokens", "", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Failed to fetch token data", body.Error)
	require.Contains(t, body.Message, "panic")
	require.False(t, body.UpdatedAt.IsZero())
}

func TestGetTokens_TotalFailureStillSucceeds(t *testing.T) {
	t.Parallel()

	// Arrange: no provider answers and synthetic generation is off
	f := newFixture(t, fakeFetcher{name: "kraken"}, fakeFetcher{name: "coingecko"}, nil)
	f.app.Aggregator = aggregate.New(f.app.Primary, f.app.Secondary)
	f.router = newServer(f.app).routes()

	// Act
	rec := f.do(http.MethodGet, "/api/tokens", "", nil)

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"data":[]`)
	env := decodeEnvelope(t, rec)
	require.Equal(t, 3, env.Sources.Unavailable)
	require.Equal(t, []string{
		"Token AAPL unavailable from both APIs",
		"Token NVDA unavailable from both APIs",
		"Token TSLA unavailable from both APIs",
	}, env.Warnings)
}

func TestPostTokens(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/tokens", `{"symbols":["tsla","TSLA"]}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	require.Len(t, env.Data, 1)
	require.Equal(t, "TSLA", env.Data[0].Symbol)
	require.Equal(t, 1, env.Sources.Primary)
}

func TestPostTokens_BadRequests(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":       `symbols=AAPL`,
		"unknown field":  `{"symbols":["AAPL"],"extra":1}`,
		"empty list":     `{"symbols":[]}`,
		"unknown symbol": `{"symbols":["AAPL","MSFT"]}`,
		"too many":       `{"symbols":[` + strings.TrimSuffix(strings.Repeat(`"AAPL",`, maxSymbols+1), ",") + `]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := defaultFixture(t, nil)

			rec := f.do(http.MethodPost, "/api/tokens", body, nil)

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotEmpty(t, resp.Error)
		})
	}
}

func TestPostTokens_BodyTooLarge(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t, nil)
	body := `{"symbols":["` + strings.Repeat("A", maxBodyBytes) + `"]}`

	rec := f.do(http.MethodPost, "/api/tokens", body, nil)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGetHistory(t *testing.T) {
	t.Parallel()

	// Arrange
	f := defaultFixture(t, nil)

	// Act
	rec := f.do(http.MethodGet, "/api/tokens/aapl/history?timeframe=7d&limit=5", "", nil)

	// Assert
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "50", rec.Header().Get("X-RateLimit-Limit"))
	var s history.Series
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	require.Equal(t, "AAPL", s.Symbol)
	require.Equal(t, history.Timeframe7d, s.Timeframe)
	require.Equal(t, 5, s.Count)
	require.Len(t, s.Data, 5)
	require.Equal(t, fixedNow.UnixMilli(), s.Data[4].Timestamp)
	require.Equal(t, int64(24*time.Hour/time.Millisecond), s.Data[1].Timestamp-s.Data[0].Timestamp)
}

func TestGetHistory_Defaults(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/tokens/TSLA/history", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var s history.Series
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	require.Equal(t, history.DefaultTimeframe, s.Timeframe)
	require.Equal(t, history.DefaultLimit, s.Count)
}

func TestGetHistory_BadQuery(t *testing.T) {
	t.Parallel()

	for _, q := range []string{"timeframe=2w", "limit=0", "limit=101", "limit=abc"} {
		t.Run(q, func(t *testing.T) {
			t.Parallel()

			f := defaultFixture(t, nil)

			rec := f.do(http.MethodGet, "/api/tokens/AAPL/history?"+q, "", nil)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), "Invalid query parameters")
		})
	}
}

func TestGetBreakers(t *testing.T) {
	t.Parallel()

	// Arrange: open the primary breaker
	f := defaultFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.app.Breaker.RecordFailure(context.Background(), "kraken")
	}

	// Act
	rec := f.do(http.MethodGet, "/api/breakers", "", nil)

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Primary   breakerView `json:"primary"`
		Secondary breakerView `json:"secondary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, breaker.StateOpen, body.Primary.State)
	require.Equal(t, 5, body.Primary.Failures)
	require.NotNil(t, body.Primary.NextAttemptAt)
	require.Equal(t, breaker.StateClosed, body.Secondary.State)
	require.Nil(t, body.Secondary.NextAttemptAt)

	metricsRec := f.do(http.MethodGet, "/metrics", "", nil)
	require.Contains(t, metricsRec.Body.String(), `tokenfeed_breaker_state{provider="kraken"} 1`)
}

func TestGzip(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/tokens", "", http.Header{"Accept-Encoding": {"gzip, deflate"}})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	var env aggregate.Envelope
	require.NoError(t, json.NewDecoder(zr).Decode(&env))
	require.Len(t, env.Data, 3)
}

func TestHealthzAndMetrics(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t, nil)
	_ = f.do(http.MethodGet, "/api/tokens", "", nil)

	health := f.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, health.Code)
	require.Equal(t, "ok", health.Body.String())

	m := f.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, m.Code)
	require.Contains(t, m.Body.String(), `tokenfeed_http_requests_total{method="GET",route="/api/tokens",status="200"} 1`)
	require.Contains(t, m.Body.String(), `tokenfeed_provider_fetches_total{outcome="success",provider="kraken"} 2`)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t, nil)

	rec := f.do(http.MethodOptions, "/api/tokens", "", http.Header{
		"Origin":                        {"https://dashboard.example"},
		"Access-Control-Request-Method": {http.MethodPost},
	})

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
