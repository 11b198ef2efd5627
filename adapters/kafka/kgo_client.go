package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/next-trace/scg-amqp-bus/config"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	return w.cl.ProduceSync(ctx, Record(topic, key, value, headers)).FirstErr()
}

// Record builds the franz-go record written for one envelope.
func Record(topic string, key, value []byte, headers map[string]string) *kgo.Record {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return rec
}

// NewWithKgo builds a franz-go backed Mirror. The returned cleanup closes the client.
func NewWithKgo(cfg config.Kafka) (*Mirror, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", berr.ErrConfiguration)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrConfiguration, err)
	}

	return New(kgoWriter{cl: cl}, cfg.TopicPrefix), cl.Close, nil
}
