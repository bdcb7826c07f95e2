package pg

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/olyamironova/matching-engine/internal/port"
)

//go:embed schema.sql
var schema string

var _ port.Repository = (*PgRepo)(nil)

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PgRepo struct {
	pool *pgxpool.Pool
}

// call Close when finish to work with database.
func NewPgRepo(ctx context.Context, dsn string) (*PgRepo, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return &PgRepo{pool: pool}, nil
}

func (p *PgRepo) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Migrate creates the tables when missing.
func (p *PgRepo) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pg: migrate: %w", err)
	}
	return nil
}

func (p *PgRepo) SaveOrder(ctx context.Context, o *domain.Order) error {
	return saveOrder(ctx, p.pool, o)
}

func (p *PgRepo) SaveTrade(ctx context.Context, t *domain.Trade) error {
	return saveTrade(ctx, p.pool, t)
}

func (p *PgRepo) SaveExecution(ctx context.Context, orders []*domain.Order, trades []*domain.Trade) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		for _, o := range orders {
			if err := saveOrder(ctx, tx, o); err != nil {
				return err
			}
		}
		for _, t := range trades {
			if err := saveTrade(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveOrder(ctx context.Context, db execer, o *domain.Order) error {
	if o == nil {
		return errors.New("nil order")
	}
	_, err := db.Exec(ctx, `
INSERT INTO orders(id, trader_id, side, price, quantity, remaining, sequence, status, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
  remaining = EXCLUDED.remaining,
  status = EXCLUDED.status,
  updated_at = EXCLUDED.updated_at
`, o.ID, o.TraderID, string(o.Side), o.Price, o.Quantity, o.Remaining, int64(o.Sequence), string(o.Status), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("pg: save order %s: %w", o.ID, err)
	}
	return nil
}

func saveTrade(ctx context.Context, db execer, t *domain.Trade) error {
	if t == nil {
		return errors.New("nil trade")
	}
	_, err := db.Exec(ctx, `
INSERT INTO trades(id, maker_order_id, taker_order_id, maker_trader_id, taker_trader_id, taker_side, price, quantity, sequence, executed_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO NOTHING
`, t.ID, t.MakerOrderID, t.TakerOrderID, t.MakerTraderID, t.TakerTraderID, string(t.TakerSide), t.Price, t.Quantity, int64(t.Sequence), t.Timestamp)
	if err != nil {
		return fmt.Errorf("pg: save trade %s: %w", t.ID, err)
	}
	return nil
}

const orderColumns = `id, trader_id, side, price, quantity, remaining, sequence, status, created_at, updated_at`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o            domain.Order
		side, status string
		seq          int64
	)
	if err := row.Scan(&o.ID, &o.TraderID, &side, &o.Price, &o.Quantity, &o.Remaining, &seq, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Status = domain.OrderStatus(status)
	o.Sequence = uint64(seq)
	return &o, nil
}

func (p *PgRepo) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanOrder(p.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("pg: get order %s: %w", id, err)
	}
	return o, nil
}

// LoadOpenOrders returns resting orders ordered by sequence (FIFO)
func (p *PgRepo) LoadOpenOrders(ctx context.Context) ([]*domain.Order, error) {
	rows, err := p.pool.Query(ctx, `
SELECT `+orderColumns+`
FROM orders
WHERE remaining > 0 AND status IN ('OPEN', 'PARTIALLY_FILLED')
ORDER BY sequence ASC
`)
	if err != nil {
		return nil, fmt.Errorf("pg: load open orders: %w", err)
	}
	defer rows.Close()

	var res []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

const tradeColumns = `id, maker_order_id, taker_order_id, maker_trader_id, taker_trader_id, taker_side, price, quantity, sequence, executed_at`

func (p *PgRepo) ListTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.queryTrades(ctx, "list trades", `
SELECT `+tradeColumns+`
FROM trades
ORDER BY sequence DESC
LIMIT $1
`, limit)
}

func (p *PgRepo) ListTraderTrades(ctx context.Context, traderID string, limit int) ([]*domain.Trade, error) {
	// LIMIT NULL means no limit
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return p.queryTrades(ctx, "list trader trades", `
SELECT `+tradeColumns+`
FROM trades
WHERE maker_trader_id = $1 OR taker_trader_id = $1
ORDER BY sequence DESC
LIMIT $2
`, traderID, lim)
}

func (p *PgRepo) TradesBetween(ctx context.Context, from, to time.Time) ([]*domain.Trade, error) {
	return p.queryTrades(ctx, "trades between", `
SELECT `+tradeColumns+`
FROM trades
WHERE executed_at BETWEEN $1 AND $2
ORDER BY sequence ASC
`, from, to)
}

func (p *PgRepo) queryTrades(ctx context.Context, op, sql string, args ...any) ([]*domain.Trade, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("pg: %s: %w", op, err)
	}
	defer rows.Close()

	res := make([]*domain.Trade, 0)
	for rows.Next() {
		var (
			t    domain.Trade
			side string
			seq  int64
		)
		if err := rows.Scan(&t.ID, &t.MakerOrderID, &t.TakerOrderID, &t.MakerTraderID, &t.TakerTraderID, &side, &t.Price, &t.Quantity, &seq, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("pg: %s: %w", op, err)
		}
		t.TakerSide = domain.Side(side)
		t.Sequence = uint64(seq)
		res = append(res, &t)
	}
	return res, rows.Err()
}

func (p *PgRepo) LastTradeSequence(ctx context.Context) (uint64, error) {
	var seq int64
	if err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM trades`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("pg: last trade sequence: %w", err)
	}
	return uint64(seq), nil
}

func (p *PgRepo) LastOrderSequence(ctx context.Context) (uint64, error) {
	var seq int64
	if err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM orders`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("pg: last order sequence: %w", err)
	}
	return uint64(seq), nil
}
