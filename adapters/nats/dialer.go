package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/next-trace/scg-amqp-bus/config"
	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

// natsTransport is the Transport backed by a live *nats.Conn.
type natsTransport struct{ nc *nats.Conn }

func (t natsTransport) Publish(m *nats.Msg) error {
	if err := t.nc.PublishMsg(m); err != nil {
		return err
	}

	return t.nc.Flush()
}

func (t natsTransport) Subscribe(subject, group string, ch chan *nats.Msg) (Subscription, error) {
	if group != "" {
		return t.nc.ChanQueueSubscribe(subject, group, ch)
	}

	return t.nc.ChanSubscribe(subject, ch)
}

func (t natsTransport) Close() error {
	if t.nc.IsClosed() {
		return nil
	}

	err := t.nc.Drain()
	t.nc.Close()

	return err
}

func (t natsTransport) IsClosed() bool { return t.nc.IsClosed() }

// Options renders the nats.go options for cfg.
func Options(cfg config.NATS, logger *logrus.Entry) []nats.Option {
	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	if logger != nil {
		opts = append(opts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.WithError(err).Warn("nats disconnected")
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.WithField("url", nc.ConnectedUrlRedacted()).Info("nats reconnected")
			}),
		)
	}

	return opts
}

// NewDialer returns a DialFunc connecting to cfg.URL.
func NewDialer(cfg config.NATS, logger *logrus.Entry) (cbus.DialFunc, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats url required", berr.ErrConfiguration)
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	opts := Options(cfg, logger)

	return func(ctx context.Context) (cbus.Connection, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		nc, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}

		return NewConnection(natsTransport{nc: nc}), nil
	}, nil
}
