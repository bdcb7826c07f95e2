// Package service runs the matching engine behind a single writer goroutine
// and fans every accepted mutation out to storage, cache, feeds and accounts.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olyamironova/matching-engine/internal/account"
	"github.com/olyamironova/matching-engine/internal/analytics"
	"github.com/olyamironova/matching-engine/internal/core"
	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/olyamironova/matching-engine/internal/middleware"
	"github.com/olyamironova/matching-engine/internal/port"
	"github.com/olyamironova/matching-engine/internal/pricepoint"
	"go.uber.org/zap"
)

var ErrStopped = errors.New("exchange stopped")

const (
	defaultSideEffectTimeout = 5 * time.Second
	defaultCacheLevels       = 50
)

type Options struct {
	Repo     port.Repository
	Cache    port.Cache
	Feeds    []port.TradeFeed
	Accounts *account.Manager
	Tracker  *analytics.Tracker
	// QueueSize bounds the number of commands waiting for the writer.
	QueueSize int
	// SideEffectTimeout bounds each storage, cache and feed call.
	SideEffectTimeout time.Duration
	// CacheLevels is how many levels per side the depth cache holds.
	CacheLevels int
	Logger      *zap.Logger
}

const (
	cmdPending int32 = iota
	cmdRunning
	cmdAbandoned
)

// command is run by the writer unless its caller gave up on it first.
type command struct {
	run   func()
	done  chan struct{}
	state atomic.Int32
}

// Exchange serializes submissions and cancels through one goroutine so the
// trades of a submission reach every consumer in execution order.
type Exchange struct {
	engine   *core.Engine
	repo     port.Repository
	cache    port.Cache
	feeds    []port.TradeFeed
	accounts *account.Manager
	tracker  *analytics.Tracker
	timeout  time.Duration
	levels   int
	breakers *breakers
	log      *zap.Logger

	cmds     chan *command
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Stats struct {
	Engine    core.Stats        `json:"engine"`
	Analytics analytics.Summary `json:"analytics"`
}

func New(engine *core.Engine, opts Options) *Exchange {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = defaultSideEffectTimeout
	}
	if opts.CacheLevels <= 0 {
		opts.CacheLevels = defaultCacheLevels
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracker == nil {
		opts.Tracker = analytics.NewTracker(engine.Config().TickSize)
	}
	log := opts.Logger.Named("exchange")
	return &Exchange{
		engine:   engine,
		repo:     opts.Repo,
		cache:    opts.Cache,
		feeds:    opts.Feeds,
		accounts: opts.Accounts,
		tracker:  opts.Tracker,
		timeout:  opts.SideEffectTimeout,
		levels:   opts.CacheLevels,
		breakers: newBreakers(log),
		log:      log,
		cmds:     make(chan *command, opts.QueueSize),
		stop:     make(chan struct{}),
	}
}

func (x *Exchange) Engine() *core.Engine { return x.engine }

func (x *Exchange) Accounts() *account.Manager { return x.accounts }

// Start launches the writer loop.
func (x *Exchange) Start() {
	x.wg.Add(1)
	go x.run()
}

// Stop ends the writer loop after the command in flight. Commands that have
// not started are dropped and their callers get ErrStopped.
func (x *Exchange) Stop() {
	x.stopOnce.Do(func() { close(x.stop) })
	x.wg.Wait()
}

func (x *Exchange) run() {
	defer x.wg.Done()
	x.log.Info("writer started", zap.String("symbol", x.engine.Config().Symbol))
	for {
		select {
		case cmd := <-x.cmds:
			if cmd.state.CompareAndSwap(cmdPending, cmdRunning) {
				cmd.run()
			}
			close(cmd.done)
		case <-x.stop:
			x.log.Info("writer stopped")
			return
		}
	}
}

// do queues fn for the writer and waits for it. When ctx ends or the
// exchange stops before the writer picks fn up, fn never runs and the cause
// is returned. Once fn has started its outcome is always waited for.
func (x *Exchange) do(ctx context.Context, fn func()) error {
	cmd := &command{run: fn, done: make(chan struct{})}
	select {
	case x.cmds <- cmd:
	case <-x.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	var cause error
	select {
	case <-cmd.done:
		return nil
	case <-x.stop:
		cause = ErrStopped
	case <-ctx.Done():
		cause = ctx.Err()
	}
	if cmd.state.CompareAndSwap(cmdPending, cmdAbandoned) {
		return cause
	}
	<-cmd.done
	return nil
}

// Restore rebuilds the book from the resting orders in the repository. It must
// run before Start.
func (x *Exchange) Restore(ctx context.Context) (int, error) {
	if x.repo == nil {
		return 0, nil
	}
	orders, err := x.repo.LoadOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open orders: %w", err)
	}
	lastOrder, err := x.repo.LastOrderSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("load order sequence: %w", err)
	}
	lastTrade, err := x.repo.LastTradeSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("load trade sequence: %w", err)
	}
	if err := x.engine.Restore(orders, lastOrder, lastTrade); err != nil {
		return 0, err
	}
	x.afterMutation()
	x.log.Info("book restored",
		zap.Int("orders", len(orders)),
		zap.Uint64("order_sequence", lastOrder),
		zap.Uint64("trade_sequence", lastTrade),
	)
	return len(orders), nil
}

// Submit matches req and returns the taker state with its trades. Storage,
// cache, feed and settlement failures are logged and never fail the request.
func (x *Exchange) Submit(ctx context.Context, req domain.OrderRequest) (*core.SubmitResult, error) {
	var (
		res *core.SubmitResult
		err error
	)
	if qerr := x.do(ctx, func() { res, err = x.submit(req) }); qerr != nil {
		return nil, qerr
	}
	return res, err
}

func (x *Exchange) submit(req domain.OrderRequest) (*core.SubmitResult, error) {
	if err := x.checkFunds(req); err != nil {
		middleware.OrdersTotal.WithLabelValues("submit", "rejected").Inc()
		return nil, err
	}
	res, err := x.engine.Submit(req)
	if err != nil {
		x.recordFailure("submit", err)
		return nil, err
	}
	middleware.OrdersTotal.WithLabelValues("submit", string(res.Order.Status)).Inc()
	if res.SelfTradePrevented {
		middleware.SelfTradePrevented.Inc()
	}
	for _, t := range res.Trades {
		middleware.TradesTotal.Inc()
		middleware.TradedQuantity.Add(float64(t.Quantity))
	}

	orders := make([]*domain.Order, 0, 1+len(res.Makers)+len(res.Cancelled))
	orders = append(orders, res.Order)
	orders = append(orders, res.Makers...)
	orders = append(orders, res.Cancelled...)
	x.persist(orders, res.Trades)
	x.settle(res.Trades)
	x.publish(res.Trades)
	x.afterMutation()

	x.log.Debug("order submitted",
		zap.String("order_id", res.Order.ID),
		zap.String("trader_id", res.Order.TraderID),
		zap.String("side", string(res.Order.Side)),
		zap.String("price", res.Order.Price.String()),
		zap.Int64("quantity", res.Order.Quantity),
		zap.String("status", string(res.Order.Status)),
		zap.Int("trades", len(res.Trades)),
	)
	return res, nil
}

// checkFunds rejects a buy whose notional exceeds the trader balance. Unknown
// traders are left for the engine to reject.
func (x *Exchange) checkFunds(req domain.OrderRequest) error {
	if x.accounts == nil || req.Side != domain.Buy || !x.accounts.TraderExists(req.TraderID) {
		return nil
	}
	if req.Quantity <= 0 || !req.Price.IsPositive() {
		return nil
	}
	return x.accounts.CanAfford(req.TraderID, pricepoint.Notional(req.Price, req.Quantity))
}

// Cancel removes a resting order. A non empty traderID must own the order.
func (x *Exchange) Cancel(ctx context.Context, traderID, orderID string) (*domain.Order, error) {
	var (
		o   *domain.Order
		err error
	)
	if qerr := x.do(ctx, func() { o, err = x.cancel(traderID, orderID) }); qerr != nil {
		return nil, qerr
	}
	return o, err
}

func (x *Exchange) cancel(traderID, orderID string) (*domain.Order, error) {
	if resting, ok := x.engine.Order(orderID); ok && traderID != "" && resting.TraderID != traderID {
		middleware.OrdersTotal.WithLabelValues("cancel", "rejected").Inc()
		return nil, fmt.Errorf("%w: %s", domain.ErrNotOwner, orderID)
	}
	o, err := x.engine.Cancel(orderID)
	if err != nil {
		x.recordFailure("cancel", err)
		return nil, err
	}
	middleware.OrdersTotal.WithLabelValues("cancel", "cancelled").Inc()
	x.persist([]*domain.Order{o}, nil)
	x.afterMutation()
	x.log.Debug("order cancelled", zap.String("order_id", o.ID), zap.Int64("remaining", o.Remaining))
	return o, nil
}

func (x *Exchange) recordFailure(action string, err error) {
	switch {
	case errors.Is(err, domain.ErrEngineHalted):
		middleware.OrdersTotal.WithLabelValues(action, "halted").Inc()
	case errors.Is(err, domain.ErrInvariantViolation):
		middleware.OrdersTotal.WithLabelValues(action, "halted").Inc()
		middleware.EngineHalted.Set(1)
		x.log.Error("engine halted", zap.String("action", action), zap.Error(err))
	default:
		middleware.OrdersTotal.WithLabelValues(action, "rejected").Inc()
	}
}

func (x *Exchange) sideEffectCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), x.timeout)
}

func (x *Exchange) persist(orders []*domain.Order, trades []*domain.Trade) {
	if x.repo == nil {
		return
	}
	err := x.breakers.run(targetRepository, func() error {
		ctx, cancel := x.sideEffectCtx()
		defer cancel()
		return x.repo.SaveExecution(ctx, orders, trades)
	})
	if err != nil {
		middleware.SideEffectFailures.WithLabelValues(targetRepository).Inc()
		x.log.Error("persist execution", zap.String("order_id", orders[0].ID), zap.Int("trades", len(trades)), zap.Bool("breaker_open", isOpen(err)), zap.Error(err))
	}
}

func (x *Exchange) settle(trades []*domain.Trade) {
	if x.accounts == nil || len(trades) == 0 {
		return
	}
	if err := x.accounts.Settle(trades); err != nil {
		middleware.SideEffectFailures.WithLabelValues("settlement").Inc()
		x.log.Warn("settle trades", zap.Error(err))
	}
}

func (x *Exchange) publish(trades []*domain.Trade) {
	if len(trades) == 0 {
		return
	}
	for i, f := range x.feeds {
		err := x.breakers.run(fmt.Sprintf("%s-%d", targetFeed, i), func() error {
			ctx, cancel := x.sideEffectCtx()
			defer cancel()
			return f.PublishTrades(ctx, trades)
		})
		if err != nil {
			middleware.SideEffectFailures.WithLabelValues(targetFeed).Inc()
			x.log.Warn("publish trades", zap.Int("trades", len(trades)), zap.Bool("breaker_open", isOpen(err)), zap.Error(err))
		}
	}
}

// afterMutation refreshes the cached depth, gauges and spread analytics.
func (x *Exchange) afterMutation() {
	snap := x.engine.Depth(x.levels)
	if x.cache != nil {
		err := x.breakers.run(targetCache, func() error {
			ctx, cancel := x.sideEffectCtx()
			defer cancel()
			return x.cache.SetDepth(ctx, snap.Symbol, &snap)
		})
		if err != nil {
			middleware.SideEffectFailures.WithLabelValues(targetCache).Inc()
			x.log.Warn("cache depth", zap.Bool("breaker_open", isOpen(err)), zap.Error(err))
		}
	}
	st := x.engine.Stats()
	middleware.OrderBookDepth.WithLabelValues("bid").Set(float64(st.BidQuantity))
	middleware.OrderBookDepth.WithLabelValues("ask").Set(float64(st.AskQuantity))
	middleware.SequencerSeq.WithLabelValues("orders").Set(float64(st.Sequence))
	middleware.SequencerSeq.WithLabelValues("trades").Set(float64(st.TradeSequence))

	x.tracker.Observe(x.engine.Top())
}

// GetOrder returns a resting order from the book, otherwise the last state
// stored in the repository.
func (x *Exchange) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	if o, ok := x.engine.Order(id); ok {
		return o, nil
	}
	if x.repo == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return x.repo.GetOrder(ctx, id)
}

// ListTrades returns up to limit trades, newest first.
func (x *Exchange) ListTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	if x.repo == nil {
		return []*domain.Trade{}, nil
	}
	return x.repo.ListTrades(ctx, limit)
}

// Depth returns up to limit levels per side, all of them for limit <= 0. The
// cache serves the request while its snapshot matches the current book
// version and holds enough levels to answer it.
func (x *Exchange) Depth(ctx context.Context, limit int) domain.DepthSnapshot {
	if x.cache != nil && limit <= x.levels {
		snap, err := x.cache.GetDepth(ctx, x.engine.Config().Symbol)
		if err != nil {
			x.log.Warn("read cached depth", zap.Error(err))
		} else if snap != nil && snap.Version == x.engine.Version() && x.covers(snap, limit) {
			snap.Bids = head(snap.Bids, limit)
			snap.Asks = head(snap.Asks, limit)
			return *snap
		}
	}
	return x.engine.Depth(limit)
}

// covers reports whether a cached snapshot answers a request for limit
// levels. A side cut at the cache size may hide deeper levels.
func (x *Exchange) covers(snap *domain.DepthSnapshot, limit int) bool {
	if limit > 0 {
		return true
	}
	return len(snap.Bids) < x.levels && len(snap.Asks) < x.levels
}

func head(levels []domain.PriceLevel, limit int) []domain.PriceLevel {
	if limit > 0 && len(levels) > limit {
		return levels[:limit]
	}
	return levels
}

// OpenOrders returns the resting orders in priority order, bids first. A non
// empty traderID keeps only that trader's orders.
func (x *Exchange) OpenOrders(traderID string) []*domain.Order {
	all := x.engine.OpenOrders()
	if traderID == "" {
		return all
	}
	out := make([]*domain.Order, 0)
	for _, o := range all {
		if o.TraderID == traderID {
			out = append(out, o)
		}
	}
	return out
}

// TraderTrades returns up to limit trades of traderID, newest first.
func (x *Exchange) TraderTrades(ctx context.Context, traderID string, limit int) ([]*domain.Trade, error) {
	if err := x.knownTrader(traderID); err != nil {
		return nil, err
	}
	if x.repo == nil {
		return []*domain.Trade{}, nil
	}
	return x.repo.ListTraderTrades(ctx, traderID, limit)
}

func (x *Exchange) TraderStats(ctx context.Context, traderID string) (analytics.TraderStats, error) {
	trades, err := x.TraderTrades(ctx, traderID, 0)
	if err != nil {
		return analytics.TraderStats{}, err
	}
	return analytics.ForTrader(traderID, trades), nil
}

// MarketStats summarizes the trades executed in [from, to].
func (x *Exchange) MarketStats(ctx context.Context, from, to time.Time) (analytics.MarketStats, error) {
	if x.repo == nil {
		return analytics.ForPeriod(from, to, nil), nil
	}
	trades, err := x.repo.TradesBetween(ctx, from, to)
	if err != nil {
		return analytics.MarketStats{}, err
	}
	return analytics.ForPeriod(from, to, trades), nil
}

func (x *Exchange) knownTrader(traderID string) error {
	if x.accounts == nil {
		return nil
	}
	_, err := x.accounts.Get(traderID)
	return err
}

func (x *Exchange) Top() domain.BookTop { return x.engine.Top() }

func (x *Exchange) Stats() Stats {
	return Stats{Engine: x.engine.Stats(), Analytics: x.tracker.Summary()}
}

// Healthy reports the engine defect that stopped matching, nil while healthy.
func (x *Exchange) Healthy() error { return x.engine.Halted() }
