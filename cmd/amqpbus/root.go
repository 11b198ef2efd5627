package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/next-trace/scg-amqp-bus/config"
	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
	"github.com/next-trace/scg-amqp-bus/diagnostic"
	"github.com/next-trace/scg-amqp-bus/servicebus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type rootOptions struct {
	yes        bool
	exchange   string
	configPath string

	in    io.Reader
	out   io.Writer
	build busBuilder
}

// consoleWorker handles no routing key itself, so every message reaches the
// bound interpreter or the diagnostic logger.
type consoleWorker struct{}

func newRootCmd(in io.Reader, out io.Writer, build busBuilder) *cobra.Command {
	o := &rootOptions{in: in, out: out, build: build}

	root := &cobra.Command{
		Use:           "amqpbus",
		Short:         "Listen, send and ask on an AMQP message bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)

	root.PersistentFlags().BoolVarP(&o.yes, "yes", "y", false, "answer yes to every confirmation")
	root.PersistentFlags().StringVar(&o.exchange, "exchange", "exchange", "exchange name (overrides listener.exchange)")
	root.PersistentFlags().StringVar(&o.configPath, "config", "", "config file (yaml, json, toml)")

	root.AddCommand(o.listenCmd(), o.sendCmd(), o.askCmd())

	return root
}

// setup loads configuration and builds the logger and bus for one command.
func (o *rootOptions) setup(cmd *cobra.Command) (config.Config, *logrus.Entry, *servicebus.MessageBus, func(), error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}

	if cmd.Flags().Changed("exchange") || cfg.Listener.Exchange == "" {
		cfg.Listener.Exchange = o.exchange
	}

	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}

	b, cleanup, err := o.build(cfg, logger)
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}

	return cfg, logger.WithField("exchange", cfg.Listener.Exchange), b, cleanup, nil
}

func (o *rootOptions) listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen [routing-key] [type]",
		Short: "Consume messages and route them to interpreters",
		Long: `Binds a queue to the exchange with routing-key (default "#") and exchange
type (default "topic") and runs until interrupted.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			routingKey, kind := cbus.MatchAll, cbus.ExchangeTopic
			if len(args) > 0 {
				routingKey = args[0]
			}

			if len(args) > 1 {
				kind = cbus.ExchangeType(args[1])
			}

			if !kind.Valid() {
				return fmt.Errorf("listen: %w: %q", berr.ErrInvalidExchangeType, kind)
			}

			cfg, logger, b, cleanup, err := o.setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			registry, err := newRegistry(cfg.Listener, o.out)
			if err != nil {
				return err
			}

			l := servicebus.NewListener(b, cfg.Listener.Exchange, registry, consoleWorker{},
				servicebus.WithListenOptions(cbus.ListenOptions{
					Queue:         cfg.Listener.Queue,
					ManualAck:     cfg.Listener.ManualAck,
					IsolateErrors: cfg.Listener.IsolateErrors,
				}),
				servicebus.WithListenerLogger(logger),
				servicebus.WithFallback(func() cbus.Interpreter { return diagnostic.New(o.out) }),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.WithFields(logrus.Fields{"routing_key": routingKey, "type": kind}).Info("listening")

			return l.Run(ctx, routingKey, kind)
		},
	}
}

func (o *rootOptions) sendCmd() *cobra.Command {
	var (
		kind   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "send <routing-key> <message>",
		Short: "Publish one message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			message, err := payload(args[1], asJSON)
			if err != nil {
				return err
			}

			cfg, _, b, cleanup, err := o.setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			prompt := fmt.Sprintf("Send message to exchange '%s' with routing key '%s'?", cfg.Listener.Exchange, args[0])

			ok, err := confirm(o.in, o.out, prompt, o.yes)
			if err != nil {
				return err
			}

			if !ok {
				fmt.Fprintln(o.out, "Aborted.")

				return nil
			}

			return b.Send(cmd.Context(), cfg.Listener.Exchange, args[0], message,
				cbus.SendOptions{Kind: cbus.ExchangeType(kind)})
		},
	}

	cmd.Flags().StringVar(&kind, "type", string(cbus.ExchangeTopic), "exchange type")
	cmd.Flags().BoolVar(&asJSON, "json", false, "send the message as JSON instead of text")

	return cmd
}

func (o *rootOptions) askCmd() *cobra.Command {
	var (
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "ask <routing-key> <message>",
		Short: "Publish one message and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			message, err := payload(args[1], asJSON)
			if err != nil {
				return err
			}

			cfg, _, b, cleanup, err := o.setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reply, err := b.Ask(ctx, cfg.Listener.Exchange, args[0], message, timeout)
			if err != nil {
				return err
			}

			fmt.Fprintln(o.out, reply)

			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", servicebus.DefaultAskTimeout, "how long to wait for the reply")
	cmd.Flags().BoolVar(&asJSON, "json", false, "send the message as JSON instead of text")

	return cmd
}

func payload(arg string, asJSON bool) (any, error) {
	if !asJSON {
		return arg, nil
	}

	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return nil, fmt.Errorf("message: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	return v, nil
}
