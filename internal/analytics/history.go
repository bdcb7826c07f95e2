package analytics

import (
	"time"

	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/olyamironova/matching-engine/internal/pricepoint"
	"github.com/shopspring/decimal"
)

// TraderStats sums the trades one trader took part in, as maker or taker.
type TraderStats struct {
	TraderID       string          `json:"trader_id"`
	TotalTrades    int             `json:"total_trades"`
	TotalQuantity  int64           `json:"total_quantity"`
	TotalVolume    decimal.Decimal `json:"total_volume"`
	BuyVolume      decimal.Decimal `json:"buy_volume"`
	SellVolume     decimal.Decimal `json:"sell_volume"`
	MakerTrades    int             `json:"maker_trades"`
	TakerTrades    int             `json:"taker_trades"`
	AvgTradeVolume decimal.Decimal `json:"avg_trade_volume"`
}

// MarketStats summarizes every trade executed in a period.
type MarketStats struct {
	PeriodStart   time.Time       `json:"period_start"`
	PeriodEnd     time.Time       `json:"period_end"`
	TotalTrades   int             `json:"total_trades"`
	TotalQuantity int64           `json:"total_quantity"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
	// VWAP is the volume weighted average price, zero without trades.
	VWAP  decimal.Decimal `json:"vwap"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Open  decimal.Decimal `json:"open"`
	Close decimal.Decimal `json:"close"`
}

// ForTrader computes the stats of traderID over trades. Trades it was not
// part of are ignored.
func ForTrader(traderID string, trades []*domain.Trade) TraderStats {
	s := TraderStats{TraderID: traderID}
	for _, t := range trades {
		var side domain.Side
		switch traderID {
		case t.TakerTraderID:
			side = t.TakerSide
			s.TakerTrades++
		case t.MakerTraderID:
			side = t.TakerSide.Opposite()
			s.MakerTrades++
		default:
			continue
		}
		value := pricepoint.Notional(t.Price, t.Quantity)
		s.TotalTrades++
		s.TotalQuantity += t.Quantity
		s.TotalVolume = s.TotalVolume.Add(value)
		if side == domain.Buy {
			s.BuyVolume = s.BuyVolume.Add(value)
		} else {
			s.SellVolume = s.SellVolume.Add(value)
		}
	}
	if s.TotalTrades > 0 {
		s.AvgTradeVolume = s.TotalVolume.DivRound(decimal.NewFromInt(int64(s.TotalTrades)), 4)
	}
	return s
}

// ForPeriod computes market stats over trades ordered oldest first.
func ForPeriod(from, to time.Time, trades []*domain.Trade) MarketStats {
	s := MarketStats{PeriodStart: from, PeriodEnd: to}
	for i, t := range trades {
		if i == 0 {
			s.Open, s.High, s.Low = t.Price, t.Price, t.Price
		}
		s.High = decimal.Max(s.High, t.Price)
		s.Low = decimal.Min(s.Low, t.Price)
		s.Close = t.Price
		s.TotalTrades++
		s.TotalQuantity += t.Quantity
		s.TotalVolume = s.TotalVolume.Add(pricepoint.Notional(t.Price, t.Quantity))
	}
	if s.TotalQuantity > 0 {
		s.VWAP = s.TotalVolume.DivRound(decimal.NewFromInt(s.TotalQuantity), 8)
	}
	return s
}
