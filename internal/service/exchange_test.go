package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/olyamironova/matching-engine/internal/account"
	"github.com/olyamironova/matching-engine/internal/adapter/in_memory"
	"github.com/olyamironova/matching-engine/internal/core"
	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/olyamironova/matching-engine/internal/port"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingFeed struct {
	mu     sync.Mutex
	trades []*domain.Trade
}

func (f *recordingFeed) PublishTrades(_ context.Context, trades []*domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, trades...)
	return nil
}

type brokenRepo struct {
	*in_memory.MemoryRepo
}

func (brokenRepo) SaveExecution(context.Context, []*domain.Order, []*domain.Trade) error {
	return errors.New("connection refused")
}

type fixture struct {
	x     *Exchange
	repo  *in_memory.MemoryRepo
	cache *in_memory.Cache
	feed  *recordingFeed
	accts *account.Manager
}

func engineConfig() core.Config {
	cfg := core.DefaultConfig()
	cfg.Symbol = "TEST"
	cfg.PriceScale = 2
	cfg.TickSize = decimal.RequireFromString("0.01")
	return cfg
}

func newFixture(t *testing.T, repo port.Repository) *fixture {
	t.Helper()
	f := &fixture{
		repo:  in_memory.NewMemoryRepo(),
		cache: in_memory.NewCache(),
		feed:  &recordingFeed{},
		accts: account.NewManager(decimal.NewFromInt(1000), zap.NewNop()),
	}
	opts := Options{
		Repo:     f.repo,
		Cache:    f.cache,
		Feeds:    []port.TradeFeed{f.feed},
		Accounts: f.accts,
		Logger:   zap.NewNop(),
	}
	if repo != nil {
		opts.Repo = repo
	}
	f.x = New(core.NewEngine(f.accts, engineConfig()), opts)
	f.x.Start()
	t.Cleanup(f.x.Stop)
	return f
}

func (f *fixture) trader(t *testing.T, name string) string {
	t.Helper()
	tr, _, err := f.accts.Register(name)
	require.NoError(t, err)
	return tr.ID
}

func order(trader string, side domain.Side, price string, qty int64) domain.OrderRequest {
	return domain.OrderRequest{TraderID: trader, Side: side, Price: decimal.RequireFromString(price), Quantity: qty}
}

func TestSubmitFansOut(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice, bob := f.trader(t, "alice"), f.trader(t, "bob")

	sell, err := f.x.Submit(ctx, order(bob, domain.Sell, "10", 10))
	require.NoError(t, err)
	res, err := f.x.Submit(ctx, order(alice, domain.Buy, "10", 4))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, domain.Filled, res.Order.Status)
	assert.Equal(t, sell.Order.ID, res.Trades[0].MakerOrderID)

	trades, err := f.x.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, res.Trades[0].ID, trades[0].ID)

	stored, err := f.repo.GetOrder(ctx, sell.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PartiallyFilled, stored.Status)
	assert.Equal(t, int64(6), stored.Remaining)

	assert.Len(t, f.feed.trades, 1)

	a, _ := f.accts.Balance(alice)
	b, _ := f.accts.Balance(bob)
	assert.True(t, a.Equal(decimal.NewFromInt(960)), a.String())
	assert.True(t, b.Equal(decimal.NewFromInt(1040)), b.String())

	cached, err := f.cache.GetDepth(ctx, "TEST")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, f.x.Engine().Version(), cached.Version)
	require.Len(t, cached.Asks, 1)
	assert.Equal(t, int64(6), cached.Asks[0].Quantity)

	st := f.x.Stats()
	assert.Equal(t, 1, st.Engine.OpenOrders)
	assert.Equal(t, uint64(1), st.Engine.TradeSequence)
}

func TestSubmitRejectsUnaffordableBuy(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.trader(t, "alice")

	_, err := f.x.Submit(context.Background(), order(alice, domain.Buy, "10", 101))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, 0, f.x.Stats().Engine.OpenOrders)

	_, err = f.x.Submit(context.Background(), order(alice, domain.Sell, "10", 101))
	assert.NoError(t, err, "sells are not checked against cash")
}

func TestSubmitRejectsUnknownTrader(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.x.Submit(context.Background(), order("ghost", domain.Buy, "10", 1))
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestCancelChecksOwner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice, bob := f.trader(t, "alice"), f.trader(t, "bob")

	res, err := f.x.Submit(ctx, order(alice, domain.Buy, "10", 5))
	require.NoError(t, err)

	_, err = f.x.Cancel(ctx, bob, res.Order.ID)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	o, err := f.x.Cancel(ctx, alice, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Cancelled, o.Status)
	assert.Equal(t, int64(5), o.Remaining)

	_, err = f.x.Cancel(ctx, alice, res.Order.ID)
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyTerminal)

	stored, err := f.x.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Cancelled, stored.Status)
}

func TestPersistenceFailureKeepsMatch(t *testing.T) {
	f := newFixture(t, brokenRepo{in_memory.NewMemoryRepo()})
	ctx := context.Background()
	alice, bob := f.trader(t, "alice"), f.trader(t, "bob")

	_, err := f.x.Submit(ctx, order(bob, domain.Sell, "10", 1))
	require.NoError(t, err)
	res, err := f.x.Submit(ctx, order(alice, domain.Buy, "10", 1))
	require.NoError(t, err)
	assert.Len(t, res.Trades, 1)
	assert.Len(t, f.feed.trades, 1)
}

func TestGetOrderFallsBackToRepository(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice, bob := f.trader(t, "alice"), f.trader(t, "bob")

	sell, err := f.x.Submit(ctx, order(bob, domain.Sell, "10", 1))
	require.NoError(t, err)
	_, err = f.x.Submit(ctx, order(alice, domain.Buy, "10", 1))
	require.NoError(t, err)

	_, resting := f.x.Engine().Order(sell.Order.ID)
	assert.False(t, resting)
	o, err := f.x.GetOrder(ctx, sell.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Filled, o.Status)

	_, err = f.x.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestDepthIgnoresStaleCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := f.trader(t, "alice")

	_, err := f.x.Submit(ctx, order(alice, domain.Buy, "9.99", 3))
	require.NoError(t, err)

	stale := domain.DepthSnapshot{Symbol: "TEST", Version: 0}
	require.NoError(t, f.cache.SetDepth(ctx, "TEST", &stale))

	snap := f.x.Depth(ctx, 0)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(3), snap.Bids[0].Quantity)

	top := f.x.Top()
	require.NotNil(t, top.Bid)
	assert.Nil(t, top.Ask)
}

func TestRestoreRebuildsBook(t *testing.T) {
	repo := in_memory.NewMemoryRepo()
	ctx := context.Background()
	resting := []*domain.Order{
		{ID: "b1", TraderID: "t1", Side: domain.Buy, Price: decimal.RequireFromString("9.98"), Quantity: 5, Remaining: 5, Sequence: 3, Status: domain.Open},
		{ID: "s1", TraderID: "t2", Side: domain.Sell, Price: decimal.RequireFromString("10.02"), Quantity: 8, Remaining: 2, Sequence: 7, Status: domain.PartiallyFilled},
	}
	require.NoError(t, repo.SaveExecution(ctx, resting, []*domain.Trade{{ID: "tr", Sequence: 4, Price: decimal.NewFromInt(10), Quantity: 6}}))

	x := New(core.NewEngine(nil, engineConfig()), Options{Repo: repo, Logger: zap.NewNop()})
	n, err := x.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	x.Start()
	defer x.Stop()
	res, err := x.Submit(ctx, order("t3", domain.Buy, "10.02", 2))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "s1", res.Trades[0].MakerOrderID)
	assert.Equal(t, uint64(5), res.Trades[0].Sequence)
	assert.Equal(t, uint64(8), res.Order.Sequence)
}

func TestStoppedExchangeRejectsCommands(t *testing.T) {
	f := newFixture(t, nil)
	f.x.Stop()
	_, err := f.x.Submit(context.Background(), order("a", domain.Buy, "1", 1))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSubmitHonoursCancelledContext(t *testing.T) {
	x := New(core.NewEngine(nil, engineConfig()), Options{Logger: zap.NewNop()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// the writer is not running, so the command never completes
	_, err := x.Submit(ctx, order("a", domain.Buy, "1", 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRestoreNeverReusesOrderSequences(t *testing.T) {
	repo := in_memory.NewMemoryRepo()
	ctx := context.Background()

	x := New(core.NewEngine(nil, engineConfig()), Options{Repo: repo, Logger: zap.NewNop()})
	x.Start()
	first, err := x.Submit(ctx, order("a", domain.Buy, "10", 1))
	require.NoError(t, err)
	second, err := x.Submit(ctx, order("b", domain.Buy, "10", 1))
	require.NoError(t, err)
	_, err = x.Cancel(ctx, "b", second.Order.ID)
	require.NoError(t, err)
	x.Stop()

	restarted := New(core.NewEngine(nil, engineConfig()), Options{Repo: repo, Logger: zap.NewNop()})
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	restarted.Start()
	defer restarted.Stop()

	third, err := restarted.Submit(ctx, order("c", domain.Buy, "9", 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Order.Sequence)
	assert.Equal(t, uint64(2), second.Order.Sequence)
	assert.Equal(t, uint64(3), third.Order.Sequence)
}

// gatedFeed blocks every publish until release is closed.
type gatedFeed struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedFeed() *gatedFeed {
	return &gatedFeed{entered: make(chan struct{}), release: make(chan struct{})}
}

func (f *gatedFeed) PublishTrades(ctx context.Context, _ []*domain.Trade) error {
	f.once.Do(func() { close(f.entered) })
	select {
	case <-f.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newGatedExchange(t *testing.T, feed *gatedFeed) *Exchange {
	t.Helper()
	x := New(core.NewEngine(nil, engineConfig()), Options{
		Repo:   in_memory.NewMemoryRepo(),
		Feeds:  []port.TradeFeed{feed},
		Logger: zap.NewNop(),
	})
	x.Start()
	t.Cleanup(x.Stop)
	return x
}

func TestExpiredSubmitNeverExecutes(t *testing.T) {
	feed := newGatedFeed()
	x := newGatedExchange(t, feed)
	ctx := context.Background()

	_, err := x.Submit(ctx, order("a", domain.Sell, "10", 1))
	require.NoError(t, err)
	crossed := make(chan error, 1)
	go func() {
		_, err := x.Submit(ctx, order("b", domain.Buy, "10", 1))
		crossed <- err
	}()
	<-feed.entered // the writer is stuck publishing the trade

	late := order("c", domain.Buy, "9", 1)
	late.ID = "late"
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = x.Submit(short, late)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(feed.release)
	require.NoError(t, <-crossed)
	// a later command proves the writer has moved past the abandoned one
	_, err = x.Submit(ctx, order("d", domain.Buy, "8", 1))
	require.NoError(t, err)

	_, resting := x.Engine().Order("late")
	assert.False(t, resting)
	_, err = x.GetOrder(ctx, "late")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestStartedSubmitOutlivesItsContext(t *testing.T) {
	feed := newGatedFeed()
	x := newGatedExchange(t, feed)
	ctx := context.Background()

	_, err := x.Submit(ctx, order("a", domain.Sell, "10", 1))
	require.NoError(t, err)

	go func() {
		<-feed.entered
		time.Sleep(100 * time.Millisecond)
		close(feed.release)
	}()
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	res, err := x.Submit(short, order("b", domain.Buy, "10", 1))
	require.NoError(t, err, "the match happened, so its result is reported")
	assert.Len(t, res.Trades, 1)
}

func TestDepthServedFromBoundedCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := f.trader(t, "alice")
	for _, p := range []string{"9.99", "9.98", "9.97"} {
		_, err := f.x.Submit(ctx, order(alice, domain.Buy, p, 1))
		require.NoError(t, err)
	}

	// a marker only the cache carries shows where the answer came from
	cached, err := f.cache.GetDepth(ctx, "TEST")
	require.NoError(t, err)
	cached.Sequence = 999
	require.NoError(t, f.cache.SetDepth(ctx, "TEST", cached))

	snap := f.x.Depth(ctx, 2)
	assert.Equal(t, uint64(999), snap.Sequence)
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, "9.98", snap.Bids[1].Price.String())

	full := f.x.Depth(ctx, 0)
	assert.Equal(t, uint64(999), full.Sequence, "three levels fit the cache")
	assert.Len(t, full.Bids, 3)
}

func TestDepthBypassesTruncatedCache(t *testing.T) {
	x := New(core.NewEngine(nil, engineConfig()), Options{Cache: in_memory.NewCache(), CacheLevels: 2, Logger: zap.NewNop()})
	x.Start()
	defer x.Stop()
	ctx := context.Background()
	for _, p := range []string{"9.99", "9.98", "9.97"} {
		_, err := x.Submit(ctx, order("a", domain.Buy, p, 1))
		require.NoError(t, err)
	}

	assert.Len(t, x.Depth(ctx, 0).Bids, 3)
	assert.Len(t, x.Depth(ctx, 2).Bids, 2)
	assert.Equal(t, int64(3), x.Stats().Engine.BidQuantity)
}

func TestOpenOrdersAndTraderHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice, bob := f.trader(t, "alice"), f.trader(t, "bob")

	_, err := f.x.Submit(ctx, order(bob, domain.Sell, "10", 5))
	require.NoError(t, err)
	_, err = f.x.Submit(ctx, order(alice, domain.Buy, "10", 2))
	require.NoError(t, err)
	_, err = f.x.Submit(ctx, order(alice, domain.Buy, "9", 1))
	require.NoError(t, err)

	assert.Len(t, f.x.OpenOrders(""), 2)
	mine := f.x.OpenOrders(alice)
	require.Len(t, mine, 1)
	assert.Equal(t, "9", mine[0].Price.String())

	trades, err := f.x.TraderTrades(ctx, bob, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	st, err := f.x.TraderStats(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalTrades)
	assert.Equal(t, "20", st.SellVolume.String())
	assert.Equal(t, 1, st.MakerTrades)

	_, err = f.x.TraderStats(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrTraderNotFound)

	ms, err := f.x.MarketStats(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, ms.TotalTrades)
	assert.Equal(t, "10", ms.VWAP.String())
}
