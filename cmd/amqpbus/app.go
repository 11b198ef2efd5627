package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/next-trace/scg-amqp-bus/adapters/inmemory"
	"github.com/next-trace/scg-amqp-bus/adapters/kafka"
	"github.com/next-trace/scg-amqp-bus/adapters/nats"
	"github.com/next-trace/scg-amqp-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-amqp-bus/config"
	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
	"github.com/next-trace/scg-amqp-bus/diagnostic"
	"github.com/next-trace/scg-amqp-bus/dispatch"
	"github.com/next-trace/scg-amqp-bus/servicebus"
)

// diagnosticInterpreter is the name listener.interpreters entries use to send
// an exchange to the console logger.
const diagnosticInterpreter = "diagnostic"

// busBuilder turns a configuration into a ready bus and its cleanup.
type busBuilder func(cfg config.Config, logger *logrus.Entry) (*servicebus.MessageBus, func(), error)

func buildBus(cfg config.Config, logger *logrus.Entry) (*servicebus.MessageBus, func(), error) {
	var (
		dial cbus.DialFunc
		err  error
	)

	conncfg := cfg.AMQP

	switch cfg.Transport {
	case config.TransportAMQP:
		dial, err = rabbitmq.NewDialer(cfg.AMQP, logger)
	case config.TransportNATS:
		dial, err = nats.NewDialer(cfg.NATS, logger)

		// the connection manager only checks that a user is present
		user := cfg.NATS.Name
		if user == "" {
			user = config.TransportNATS
		}

		conncfg = config.AMQP{Host: cfg.NATS.URL, User: user}
	case config.TransportMemory:
		dial = inmemory.New().Dial
		conncfg = config.AMQP{Host: config.TransportMemory, User: "guest"}
	default:
		err = fmt.Errorf("%w: unknown transport %q", berr.ErrConfiguration, cfg.Transport)
	}

	if err != nil {
		return nil, nil, err
	}

	opts := []servicebus.Option{servicebus.WithLogger(logger)}
	release := func() {}

	if len(cfg.Kafka.Brokers) > 0 {
		mirror, cleanup, err := kafka.NewWithKgo(cfg.Kafka)
		if err != nil {
			return nil, nil, err
		}

		opts = append(opts, servicebus.WithMirror(mirror))
		release = cleanup
	}

	b := servicebus.New(servicebus.NewConnectionManager(conncfg, dial, logger), opts...)

	return b, func() {
		_ = b.Close()
		release()
	}, nil
}

func newLogger(cfg config.Log, w io.Writer) (*logrus.Entry, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log.level: %w", berr.ErrConfiguration, err)
	}

	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)

	return logrus.NewEntry(l), nil
}

// newRegistry registers the built-in interpreters and applies the configured bindings.
func newRegistry(cfg config.Listener, out io.Writer) (*dispatch.HandlerRegistry, error) {
	r := dispatch.NewHandlerRegistry()
	if err := r.Register(diagnosticInterpreter, func() any { return diagnostic.New(out) }); err != nil {
		return nil, err
	}

	r.BindAll(cfg.InterpreterMap())

	if err := r.Validate(); err != nil {
		return nil, err
	}

	return r, nil
}

// confirm asks prompt on out and reads the answer from in. Anything but y/yes is a no.
func confirm(in io.Reader, out io.Writer, prompt string, yes bool) (bool, error) {
	if yes {
		return true, nil
	}

	fmt.Fprintf(out, "%s (yes|no) [no]:", prompt)

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
