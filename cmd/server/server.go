package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tokenfeed/internal/aggregate"
	"tokenfeed/internal/app"
	"tokenfeed/internal/breaker"
	"tokenfeed/internal/history"
	"tokenfeed/internal/instruments"
	"tokenfeed/internal/limiter"
)

const maxSymbols = 1000

// server holds the handlers' dependencies.
type server struct {
	app    *app.App
	logger *zap.Logger
	now    func() time.Time
	group  singleflight.Group
}

func newServer(a *app.App) *server {
	return &server{app: a, logger: a.Logger.Named("http"), now: time.Now}
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestID())
	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))
	r.Use(cors.New(corsConfig(s.app.Config.Server.CORSOrigins)))
	r.Use(observe(s.app.Metrics))
	r.Use(gzipResponse())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(s.app.Metrics.Handler()))

	rl := s.app.Config.RateLimit
	tokens := r.Group("/api/tokens")
	tokensLimit := s.rateLimit("tokens", limiter.Config{MaxRequests: rl.TokensMaxRequests, Window: rl.Window})
	tokens.GET("", tokensLimit, s.getTokens)
	tokens.POST("", tokensLimit, limitBody(), s.postTokens)
	tokens.GET("/:symbol/history",
		s.rateLimit("history", limiter.Config{MaxRequests: rl.HistoryMaxRequests, Window: rl.Window}),
		s.getHistory)

	r.GET("/api/breakers", s.getBreakers)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", "Authorization", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

type errorResponse struct {
	Error      string    `json:"error"`
	Message    string    `json:"message,omitempty"`
	RetryAfter int       `json:"retryAfter,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (s *server) fail(c *gin.Context, status int, title, message string) {
	noStore(c)
	c.AbortWithStatusJSON(status, errorResponse{Error: title, Message: message, UpdatedAt: s.now().UTC()})
}

// rateLimit enforces cfg per client. Each class of requests has its own
// budget.
func (s *server) rateLimit(class string, cfg limiter.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := class + ":" + limiter.ClientKey(c.Request.Header, c.Request.RemoteAddr)
		res := s.app.Limiter.Check(c.Request.Context(), key, cfg)

		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.UnixMilli(), 10))
		if res.Allowed {
			c.Next()
			return
		}

		retryAfter := res.RetryAfter(s.app.Limiter.Now())
		s.app.Metrics.RateLimited(class)
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		noStore(c)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
			Error:      "Rate limit exceeded",
			Message:    "Too many requests. Please try again later.",
			RetryAfter: retryAfter,
			UpdatedAt:  s.now().UTC(),
		})
	}
}

func (s *server) getTokens(c *gin.Context) {
	s.writeEnvelope(c, s.app.Instruments)
}

type tokensRequest struct {
	Symbols []string `json:"symbols"`
}

func (s *server) postTokens(c *gin.Context) {
	var body tokensRequest
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(c, http.StatusRequestEntityTooLarge, "Request body too large", err.Error())
			return
		}
		s.fail(c, http.StatusBadRequest, "Invalid JSON body", err.Error())
		return
	}
	switch {
	case len(body.Symbols) == 0:
		s.fail(c, http.StatusBadRequest, "Invalid symbols", "symbols cannot be empty")
		return
	case len(body.Symbols) > maxSymbols:
		s.fail(c, http.StatusBadRequest, "Invalid symbols", "too many symbols (max 1000)")
		return
	}
	list, err := instruments.Select(s.app.Instruments, body.Symbols)
	if err != nil {
		s.fail(c, http.StatusBadRequest, "Invalid symbols", err.Error())
		return
	}
	s.writeEnvelope(c, list)
}

// writeEnvelope aggregates list, sharing the run with concurrent requests for
// the same instruments.
func (s *server) writeEnvelope(c *gin.Context, list []instruments.Instrument) {
	symbols := instruments.Symbols(list)
	slices.Sort(symbols)

	// Detached from the first caller so its disconnect does not fail the
	// requests sharing this run.
	base := context.WithoutCancel(c.Request.Context())
	ch := s.group.DoChan(strings.Join(symbols, ","), func() (any, error) {
		ctx := base
		if d := s.app.Config.Server.AggregateTimeout; d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return s.app.Aggregator.Aggregate(ctx, list)
	})

	select {
	case <-c.Request.Context().Done():
		s.fail(c, http.StatusServiceUnavailable, "Request canceled", c.Request.Context().Err().Error())
	case res := <-ch:
		if res.Err != nil {
			s.logger.Error("aggregation failed", zap.Error(res.Err))
			s.fail(c, http.StatusInternalServerError, "Failed to fetch token data", res.Err.Error())
			return
		}
		noStore(c)
		c.JSON(http.StatusOK, res.Val.(aggregate.Envelope))
	}
}

type historyQuery struct {
	Timeframe string `form:"timeframe" binding:"omitempty,oneof=1h 24h 7d 30d"`
	Limit     int    `form:"limit,default=24" binding:"min=1,max=100"`
}

func (s *server) getHistory(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		s.fail(c, http.StatusBadRequest, "Invalid symbol", "Symbol parameter is required")
		return
	}
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.fail(c, http.StatusBadRequest, "Invalid query parameters", err.Error())
		return
	}
	tf, err := history.ParseTimeframe(q.Timeframe)
	if err != nil {
		s.fail(c, http.StatusBadRequest, "Invalid query parameters", err.Error())
		return
	}
	noStore(c)
	c.JSON(http.StatusOK, s.app.History.Build(symbol, tf, q.Limit))
}

type breakerView struct {
	Provider      string        `json:"provider"`
	State         breaker.State `json:"state"`
	Failures      int           `json:"failures"`
	LastFailureAt *time.Time    `json:"lastFailureAt,omitempty"`
	NextAttemptAt *time.Time    `json:"nextAttemptAt,omitempty"`
}

func (s *server) getBreakers(c *gin.Context) {
	ctx := c.Request.Context()
	view := func(name string) breakerView {
		v := breakerView{Provider: name, State: s.app.Breaker.State(ctx, name)}
		e, ok, err := s.app.Breaker.Entry(ctx, name)
		if err != nil || !ok {
			return v
		}
		v.Failures = e.Failures
		if !e.LastFailureAt.IsZero() {
			v.LastFailureAt = &e.LastFailureAt
		}
		if e.State == breaker.StateOpen {
			v.NextAttemptAt = &e.NextAttemptAt
		}
		return v
	}
	noStore(c)
	c.JSON(http.StatusOK, gin.H{
		"primary":   view(s.app.Primary.Name()),
		"secondary": view(s.app.Secondary.Name()),
		"updatedAt": s.now().UTC(),
	})
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
}
