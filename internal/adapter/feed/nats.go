// Package feed publishes executed trades to NATS.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/olyamironova/matching-engine/internal/port"
)

var _ port.TradeFeed = (*NatsPublisher)(nil)

type NatsPublisher struct {
	nc      *nats.Conn
	subject string
}

func NewNatsPublisher(url, subject string, opts ...nats.Option) (*NatsPublisher, error) {
	opts = append([]nats.Option{
		nats.Name("matching-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	return &NatsPublisher{nc: nc, subject: subject}, nil
}

// PublishTrades sends one message per trade in execution order.
func (p *NatsPublisher) PublishTrades(ctx context.Context, trades []*domain.Trade) error {
	for _, t := range trades {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := p.nc.Publish(p.subject, b); err != nil {
			return fmt.Errorf("nats: publish trade %s: %w", t.ID, err)
		}
	}
	return nil
}

func (p *NatsPublisher) Close() error {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
			return err
		}
	}
	return nil
}
