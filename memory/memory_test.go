package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	"github.com/next-trace/scg-amqp-bus/memory"
)

func TestNew_AskRoundTrip(t *testing.T) {
	responder, broker, cleanup := memory.New()
	defer cleanup()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() {
		done <- responder.Listen(ctx, "rpc", "time.now", func(ctx context.Context, d cbus.Delivery) error {
			return responder.Reply(ctx, d.Metadata(), "noon")
		}, cbus.ListenOptions{Kind: cbus.ExchangeDirect})
	}()

	require.Eventually(t, func() bool { return broker.Bindings("rpc") == 1 }, time.Second, 2*time.Millisecond)

	asker := memory.NewOn(broker)
	defer func() { _ = asker.Close() }()

	answer, err := asker.Ask(t.Context(), "rpc", "time.now", "?", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "noon", answer)

	cancel()
	require.NoError(t, <-done)
}

func TestNew_CloseIsSafe(t *testing.T) {
	b, _, cleanup := memory.New()

	require.NoError(t, b.Send(t.Context(), "events", "k", "v", cbus.SendOptions{}))

	cleanup()
	cleanup()
}
