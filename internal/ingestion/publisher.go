package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"CrashLedger/internal/event"
	"CrashLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamPublisher is the subset of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher queues room messages and publishes them to
// crash.<room>.out.room.<type> or crash.<room>.out.user.<account>.<type>.
// Publish never blocks the caller; a full queue drops the message.
type OutboundPublisher struct {
	js      JetStreamPublisher
	queue   chan event.Outbound
	metrics *observability.Metrics
}

func NewOutboundPublisher(js JetStreamPublisher, buffer int, metrics *observability.Metrics) *OutboundPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &OutboundPublisher{
		js:      js,
		queue:   make(chan event.Outbound, buffer),
		metrics: metrics,
	}
}

// Publish enqueues msg. It satisfies crash.Broadcaster.
func (op *OutboundPublisher) Publish(msg event.Outbound) {
	select {
	case op.queue <- msg:
	default:
		if op.metrics != nil {
			op.metrics.PublishDrops.Inc()
		}
	}
}

// Run drains the queue until ctx is cancelled.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-op.queue:
			if err := op.publish(ctx, msg); err != nil {
				// Non-fatal: clients resync from the next round_state.
				log.Printf("WARN: outbound publish failed type=%s: %v", msg.Kind, err)
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, msg event.Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Kind, err)
	}
	_, err = op.js.Publish(ctx, OutboundSubject(msg), data)
	return err
}
