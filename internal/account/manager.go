// Package account keeps trader registrations and cash balances. It is the
// trader directory consulted by the matching engine.
package account

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Manager struct {
	mu         sync.RWMutex
	byID       map[string]*domain.Trader
	byUsername map[string]string
	initial    decimal.Decimal
	log        *zap.Logger
}

func NewManager(initialBalance decimal.Decimal, log *zap.Logger) *Manager {
	return &Manager{
		byID:       make(map[string]*domain.Trader),
		byUsername: make(map[string]string),
		initial:    initialBalance,
		log:        log,
	}
}

// Register creates a trader with the initial balance. Registering a taken
// username returns the existing trader and created=false.
func (m *Manager) Register(username string) (trader *domain.Trader, created bool, err error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, false, fmt.Errorf("%w: username required", domain.ErrInvalidTrader)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byUsername[username]; ok {
		return m.copyOf(id), false, nil
	}
	t := &domain.Trader{
		ID:        uuid.NewString(),
		Username:  username,
		Balance:   m.initial,
		Active:    true,
		CreatedAt: time.Now(),
	}
	m.byID[t.ID] = t
	m.byUsername[username] = t.ID
	m.log.Info("trader registered", zap.String("trader_id", t.ID), zap.String("username", username))
	return m.copyOf(t.ID), true, nil
}

func (m *Manager) copyOf(id string) *domain.Trader {
	cp := *m.byID[id]
	return &cp
}

func (m *Manager) Get(id string) (*domain.Trader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.byID[id]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTraderNotFound, id)
	}
	return m.copyOf(id), nil
}

func (m *Manager) GetByUsername(username string) (*domain.Trader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUsername[username]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTraderNotFound, username)
	}
	return m.copyOf(id), nil
}

// List returns all traders ordered by registration time.
func (m *Manager) List() []*domain.Trader {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Trader, 0, len(m.byID))
	for id := range m.byID {
		out = append(out, m.copyOf(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Username < out[j].Username
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Deactivate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTraderNotFound, id)
	}
	t.Active = false
	m.log.Info("trader deactivated", zap.String("trader_id", id))
	return nil
}

// TraderExists reports whether id belongs to an active trader.
func (m *Manager) TraderExists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	return ok && t.Active
}

// UpdateBalance adds delta to the balance. A change that would make the
// balance negative is rejected and leaves it untouched.
func (m *Manager) UpdateBalance(id string, delta decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(id, delta)
}

func (m *Manager) updateLocked(id string, delta decimal.Decimal) (decimal.Decimal, error) {
	t, ok := m.byID[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrTraderNotFound, id)
	}
	next := t.Balance.Add(delta)
	if next.IsNegative() {
		return t.Balance, fmt.Errorf("%w: trader %s has %s, needs %s", domain.ErrInsufficientFunds, id, t.Balance, delta.Neg())
	}
	t.Balance = next
	return next, nil
}

// CanAfford checks that the trader holds at least amount.
func (m *Manager) CanAfford(id string, amount decimal.Decimal) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTraderNotFound, id)
	}
	if t.Balance.LessThan(amount) {
		return fmt.Errorf("%w: trader %s has %s, order needs %s", domain.ErrInsufficientFunds, id, t.Balance, amount)
	}
	return nil
}

// Settle moves cash for each trade from the buyer to the seller. The seller
// is credited exactly what the buyer was debited, so cash is never created.
// A buyer that can no longer cover a trade pays what it holds and the
// shortfall is reported.
func (m *Manager) Settle(trades []*domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, t := range trades {
		buyerID, sellerID := t.TakerTraderID, t.MakerTraderID
		if t.TakerSide == domain.Sell {
			buyerID, sellerID = sellerID, buyerID
		}
		buyer, ok := m.byID[buyerID]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: buyer %s of trade %s", domain.ErrTraderNotFound, buyerID, t.ID))
			continue
		}
		seller, ok := m.byID[sellerID]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: seller %s of trade %s", domain.ErrTraderNotFound, sellerID, t.ID))
			continue
		}
		amount := t.Notional()
		paid := decimal.Min(amount, decimal.Max(buyer.Balance, decimal.Zero))
		buyer.Balance = buyer.Balance.Sub(paid)
		seller.Balance = seller.Balance.Add(paid)
		if paid.LessThan(amount) {
			err := fmt.Errorf("%w: trader %s short %s on trade %s", domain.ErrInsufficientFunds, buyerID, amount.Sub(paid), t.ID)
			m.log.Warn("settlement shortfall", zap.String("trade_id", t.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Balance(id string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrTraderNotFound, id)
	}
	return t.Balance, nil
}
