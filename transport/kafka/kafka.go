// Package kafka is the log-broker adapter on watermill-kafka. It serves
// pub/sub only: Kafka has no request/reply primitive worth benchmarking, so
// Request and RegisterResponder are capability-gated off and roles that
// need them fail fast at startup.
package kafka

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wkafka "github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/mqbench/internal/logging"
	"github.com/drblury/mqbench/transport"
)

const defaultGroup = "mqbench"

var capabilities = transport.Capabilities{
	Name:                 "kafka",
	SupportsRequest:      false,
	SupportsResponder:    false,
	SupportsWildcards:    false,
	SupportsSharedHandle: true,
}

func init() {
	transport.Register(transport.EngineKafka, connect, capabilities)
}

type handle struct {
	log        *slog.Logger
	publisher  message.Publisher
	subscriber message.Subscriber

	mu     sync.Mutex
	closed bool
	subs   []context.CancelFunc
}

func connect(ctx context.Context, opts *transport.Options, log *slog.Logger) (transport.Transport, error) {
	opts.WarnUnknown(log, transport.EngineKafka, "brokers", "group")

	brokerList, err := opts.Require("brokers")
	if err != nil {
		return nil, err
	}
	brokers := strings.Split(brokerList, ",")
	group := opts.GetDefault("group", defaultGroup)

	wmLogger := logging.WatermillAdapter(log)

	publisher, err := wkafka.NewPublisher(wkafka.PublisherConfig{
		Brokers:   brokers,
		Marshaler: wkafka.DefaultMarshaler{},
	}, wmLogger)
	if err != nil {
		return nil, transport.Wrap(transport.KindConnect, err)
	}
	subscriber, err := wkafka.NewSubscriber(wkafka.SubscriberConfig{
		Brokers:       brokers,
		Unmarshaler:   wkafka.DefaultMarshaler{},
		ConsumerGroup: group,
	}, wmLogger)
	if err != nil {
		_ = publisher.Close()
		return nil, transport.Wrap(transport.KindConnect, err)
	}

	return &handle{log: log, publisher: publisher, subscriber: subscriber}, nil
}

type publisher struct {
	h     *handle
	topic string
}

func (h *handle) CreatePublisher(ctx context.Context, topic string) (transport.Publisher, error) {
	return &publisher{h: h, topic: topic}, nil
}

func (p *publisher) Publish(ctx context.Context, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return transport.Wrap(transport.KindPublish, p.h.publisher.Publish(p.topic, msg))
}

func (p *publisher) Close(ctx context.Context) error { return nil }

type subscription struct {
	cancel context.CancelFunc
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	s.cancel()
	return nil
}

func (h *handle) Subscribe(ctx context.Context, expr string, handler transport.Handler) (transport.Subscription, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	msgs, err := h.subscriber.Subscribe(subCtx, expr)
	if err != nil {
		cancel()
		return nil, transport.Wrap(transport.KindSubscribe, err)
	}
	h.mu.Lock()
	h.subs = append(h.subs, cancel)
	h.mu.Unlock()

	go func() {
		for msg := range msgs {
			handler(transport.Message{Topic: expr, Payload: msg.Payload})
			msg.Ack()
		}
	}()
	return &subscription{cancel: cancel}, nil
}

func (h *handle) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	return nil, transport.ErrNotSupported
}

func (h *handle) RegisterResponder(ctx context.Context, prefix string, handler transport.QueryHandler) (transport.Registration, error) {
	return nil, transport.ErrNotSupported
}

func (h *handle) HealthCheck(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrClosed
	}
	return nil
}

func (h *handle) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cancels := h.subs
	h.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	err := h.publisher.Close()
	if serr := h.subscriber.Close(); err == nil {
		err = serr
	}
	return transport.Wrap(transport.KindOther, err)
}
