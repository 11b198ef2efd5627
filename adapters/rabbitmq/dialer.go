package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/next-trace/scg-amqp-bus/config"
	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

const (
	product        = "scg-amqp-bus"
	maxBackoff     = 30 * time.Second
	defaultTimeout = 30 * time.Second
)

// URL renders the connection URI for cfg.
func URL(cfg config.AMQP) string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		Password: cfg.Password,
		Vhost:    cfg.VHost,
	}.String()
}

type dialer struct {
	cfg    config.AMQP
	logger *logrus.Entry
	dial   func(url string, c amqp.Config) (*amqp.Connection, error)
	// initial backoff; doubled after every failure up to maxBackoff
	backoff time.Duration
}

// NewDialer returns a DialFunc connecting to the broker described by cfg.
// Failed dials are retried cfg.DialRetries times with exponential backoff and jitter.
func NewDialer(cfg config.AMQP, logger *logrus.Entry) (cbus.DialFunc, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("%w: rabbitmq user required", berr.ErrConfiguration)
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: rabbitmq host required", berr.ErrConfiguration)
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	d := &dialer{cfg: cfg, logger: logger, dial: amqp.DialConfig, backoff: time.Second}

	return d.Dial, nil
}

func (d *dialer) Dial(ctx context.Context) (cbus.Connection, error) {
	timeout := d.cfg.ConnTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	amqpCfg := amqp.Config{
		Vhost:      d.cfg.VHost,
		Locale:     "en_US",
		Properties: amqp.Table{"product": product},
		Dial:       amqp.DefaultDial(timeout),
	}

	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter
	backoff := d.backoff

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := d.dial(URL(d.cfg), amqpCfg)
		if err == nil {
			return &Connection{conn: conn}, nil
		}

		if attempt >= d.cfg.DialRetries {
			return nil, fmt.Errorf("rabbitmq dial: %w", err)
		}

		sleep := jittered(rng, backoff)

		d.logger.WithError(err).WithFields(logrus.Fields{
			"host":    d.cfg.Host,
			"attempt": attempt + 1,
			"retry":   sleep.String(),
		}).Warn("rabbitmq dial failed")

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()

			return nil, errors.Join(ctx.Err(), err)
		case <-t.C:
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

// jittered adds up to a quarter of backoff, capped at maxBackoff.
func jittered(rng *rand.Rand, backoff time.Duration) time.Duration {
	if backoff <= 0 {
		return 0
	}

	jitter := time.Duration(rng.Int63n(int64(backoff/2) + 1))

	return min(backoff+jitter/2, maxBackoff)
}
