// Package natsbus wraps a NATS connection used for realtime broadcasts and device traffic.
package natsbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Bus publishes and subscribes on one NATS connection.
type Bus struct {
	nc  *nats.Conn
	log *zap.SugaredLogger
}

// Connect dials url and keeps reconnecting for the life of the process.
func Connect(url, name string, log *zap.SugaredLogger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warnf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &Bus{nc: nc, log: log}, nil
}

func (b *Bus) Publish(ctx context.Context, subject string, payload []byte) error {
	if b.nc == nil || b.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return b.nc.Publish(subject, payload)
}

// Subscribe delivers messages on subject to fn. The returned func unsubscribes.
func (b *Bus) Subscribe(subject string, fn func(subject string, data []byte)) (func() error, error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		fn(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

func (b *Bus) Close() {
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.log.Warnf("nats drain: %v", err)
		}
		b.nc.Close()
	}
}
