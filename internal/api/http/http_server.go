package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/olyamironova/matching-engine/internal/account"
	"github.com/olyamironova/matching-engine/internal/api/dto"
	"github.com/olyamironova/matching-engine/internal/api/ws"
	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/olyamironova/matching-engine/internal/middleware"
	"github.com/olyamironova/matching-engine/internal/service"
	"go.uber.org/zap"
)

const (
	defaultTradeLimit  = 100
	maxTradeLimit      = 1000
	defaultStatsWindow = 24 * time.Hour
)

type HTTPServer struct {
	Svc      *service.Exchange
	Accounts *account.Manager
	Hub      *ws.Hub
	Limiter  *middleware.RateLimiter
	log      *zap.Logger
}

func NewHTTPServer(svc *service.Exchange, accounts *account.Manager, hub *ws.Hub, limiter *middleware.RateLimiter, log *zap.Logger) *HTTPServer {
	return &HTTPServer{Svc: svc, Accounts: accounts, Hub: hub, Limiter: limiter, log: log.Named("http")}
}

// Router builds the gin engine with every route registered.
func (s *HTTPServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), cors.Default(), middleware.RequestLogger(s.log), middleware.PrometheusMiddleware())

	r.GET("/health", s.health)

	v1 := r.Group("/v1")
	if s.Limiter != nil {
		v1.Use(s.Limiter.Middleware())
	}
	v1.POST("/traders", s.registerTrader)
	v1.GET("/traders", s.listTraders)
	v1.GET("/traders/:id", s.getTrader)
	v1.GET("/traders/:id/trades", s.traderTrades)
	v1.GET("/traders/:id/stats", s.traderStats)

	v1.POST("/orders", s.submitOrder)
	v1.GET("/orders", s.listOrders)
	v1.DELETE("/orders/:id", s.cancelOrder)
	v1.GET("/orders/:id", s.getOrder)
	v1.GET("/trades", s.listTrades)

	v1.GET("/orderbook", s.getOrderbook)
	v1.GET("/orderbook/top", s.getTop)
	v1.GET("/stats", s.stats)
	v1.GET("/market/stats", s.marketStats)

	if s.Hub != nil {
		v1.GET("/ws/trades", func(c *gin.Context) { s.Hub.ServeWS(c.Writer, c.Request) })
	}
	return r
}

// StatusFor maps a domain error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidOrder),
		errors.Is(err, domain.ErrInvalidTrader),
		errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrTraderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrOrderAlreadyTerminal),
		errors.Is(err, domain.ErrDuplicateOrder):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEngineHalted),
		errors.Is(err, domain.ErrInvariantViolation),
		errors.Is(err, service.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) fail(c *gin.Context, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(code, dto.ErrorResponse{Error: err.Error()})
}

func (s *HTTPServer) health(c *gin.Context) {
	if err := s.Svc.Healthy(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "halted", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *HTTPServer) registerTrader(c *gin.Context) {
	var req dto.RegisterTraderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	t, created, err := s.Accounts.Register(req.Username)
	if err != nil {
		s.fail(c, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, dto.FromTrader(t))
}

func (s *HTTPServer) listTraders(c *gin.Context) {
	traders := s.Accounts.List()
	res := dto.ListTradersResponse{Traders: make([]dto.Trader, len(traders))}
	for i, t := range traders {
		res.Traders[i] = dto.FromTrader(t)
	}
	c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) getTrader(c *gin.Context) {
	t, err := s.Accounts.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTrader(t))
}

func (s *HTTPServer) submitOrder(c *gin.Context) {
	var req dto.SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if header := c.GetHeader(middleware.TraderHeader); header != "" && header != req.TraderID {
		s.fail(c, domain.ErrNotOwner)
		return
	}
	res, err := s.Svc.Submit(c.Request.Context(), req.Domain())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromSubmit(res))
}

func (s *HTTPServer) cancelOrder(c *gin.Context) {
	id := c.Param("id")
	o, err := s.Svc.Cancel(c.Request.Context(), c.GetHeader(middleware.TraderHeader), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.CancelOrderResponse{OrderID: id, Cancelled: true, Order: dto.FromOrder(o)})
}

func (s *HTTPServer) getOrder(c *gin.Context) {
	o, err := s.Svc.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.GetOrderResponse{Order: dto.FromOrder(o)})
}

// listOrders returns the resting orders, optionally only those of trader_id.
func (s *HTTPServer) listOrders(c *gin.Context) {
	orders := s.Svc.OpenOrders(c.Query("trader_id"))
	c.JSON(http.StatusOK, dto.ListOrdersResponse{Orders: dto.FromOrders(orders)})
}

func (s *HTTPServer) listTrades(c *gin.Context) {
	limit, ok := tradeLimit(c)
	if !ok {
		return
	}
	trades, err := s.Svc.ListTrades(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListTradesResponse{Trades: dto.FromTrades(trades)})
}

func (s *HTTPServer) traderTrades(c *gin.Context) {
	limit, ok := tradeLimit(c)
	if !ok {
		return
	}
	trades, err := s.Svc.TraderTrades(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListTradesResponse{Trades: dto.FromTrades(trades)})
}

func (s *HTTPServer) traderStats(c *gin.Context) {
	st, err := s.Svc.TraderStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// marketStats covers [from, to], RFC 3339 timestamps defaulting to the last day.
func (s *HTTPServer) marketStats(c *gin.Context) {
	to, err := timeQuery(c, "to", time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "to must be an RFC 3339 timestamp"})
		return
	}
	from, err := timeQuery(c, "from", to.Add(-defaultStatsWindow))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "from must be an RFC 3339 timestamp"})
		return
	}
	if from.After(to) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "from must not be after to"})
		return
	}
	st, err := s.Svc.MarketStats(c.Request.Context(), from, to)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *HTTPServer) getOrderbook(c *gin.Context) {
	depth, err := intQuery(c, "depth", 0)
	if err != nil || depth < 0 {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "depth must be a non negative integer"})
		return
	}
	c.JSON(http.StatusOK, dto.FromDepth(s.Svc.Depth(c.Request.Context(), depth)))
}

func (s *HTTPServer) getTop(c *gin.Context) {
	c.JSON(http.StatusOK, dto.FromTop(s.Svc.Top()))
}

func (s *HTTPServer) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Svc.Stats())
}

func tradeLimit(c *gin.Context) (int, bool) {
	limit, err := intQuery(c, "limit", defaultTradeLimit)
	if err != nil || limit <= 0 || limit > maxTradeLimit {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "limit must be between 1 and 1000"})
		return 0, false
	}
	return limit, true
}

func timeQuery(c *gin.Context, key string, def time.Time) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
