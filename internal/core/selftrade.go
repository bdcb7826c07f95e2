package core

import "fmt"

// SelfTradePolicy decides what happens when an incoming order would match a
// resting order of the same trader.
type SelfTradePolicy int

const (
	// RestRemainder leaves the maker untouched, stops matching and rests
	// whatever is left of the incoming order.
	RestRemainder SelfTradePolicy = iota
	// CancelResting cancels the maker and keeps matching.
	CancelResting
	// CancelIncoming cancels the unfilled part of the incoming order. Trades
	// already made against other traders stand.
	CancelIncoming
)

func (p SelfTradePolicy) String() string {
	switch p {
	case RestRemainder:
		return "rest"
	case CancelResting:
		return "cancel_resting"
	case CancelIncoming:
		return "cancel_incoming"
	default:
		return fmt.Sprintf("SelfTradePolicy(%d)", int(p))
	}
}

func ParseSelfTradePolicy(s string) (SelfTradePolicy, error) {
	switch s {
	case "", "rest":
		return RestRemainder, nil
	case "cancel_resting":
		return CancelResting, nil
	case "cancel_incoming":
		return CancelIncoming, nil
	default:
		return 0, fmt.Errorf("unknown self trade policy %q", s)
	}
}
