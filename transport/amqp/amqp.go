// Package amqp is the AMQP 0-9-1 adapter on the rabbitmq client. Pub/sub
// maps to a topic exchange with an auto-delete queue per subscription;
// request/reply uses one exclusive reply-to queue per handle and the
// broker's correlation-id field. One connection per handle; publishers get
// their own channels because AMQP channels are not safe for concurrent use.
package amqp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/mqbench/internal/ids"
	"github.com/drblury/mqbench/transport"
)

const exchangeName = "mqbench.topic"

var capabilities = transport.Capabilities{
	Name:                 "amqp",
	SupportsRequest:      true,
	SupportsResponder:    true,
	SupportsWildcards:    true,
	SupportsSharedHandle: true,
}

func init() {
	transport.Register(transport.EngineAMQP, connect, capabilities)
}

type handle struct {
	log  *slog.Logger
	conn *amqp091.Connection

	replyOnce  sync.Once
	replyErr   error
	replyQueue string

	mu           sync.Mutex
	waiters      map[string]chan []byte
	closed       bool
	disconnected bool
}

func connect(ctx context.Context, opts *transport.Options, log *slog.Logger) (transport.Transport, error) {
	opts.WarnUnknown(log, transport.EngineAMQP, "url")

	url, err := opts.Require("url")
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, transport.Wrap(transport.KindConnect, err)
	}

	h := &handle{log: log, conn: conn, waiters: make(map[string]chan []byte)}

	closes := conn.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		if err, ok := <-closes; ok && err != nil {
			h.mu.Lock()
			h.disconnected = true
			h.mu.Unlock()
			log.Warn("amqp connection lost", "err", err)
		}
	}()
	return h, nil
}

// channel opens a fresh AMQP channel with the shared topic exchange
// declared.
func (h *handle) channel() (*amqp091.Channel, error) {
	ch, err := h.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchangeName, "topic", false, true, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

type publisher struct {
	mu    sync.Mutex
	ch    *amqp091.Channel
	topic string
}

func (h *handle) CreatePublisher(ctx context.Context, topic string) (transport.Publisher, error) {
	ch, err := h.channel()
	if err != nil {
		return nil, transport.Wrap(transport.KindPublish, err)
	}
	return &publisher{ch: ch, topic: topic}, nil
}

func (p *publisher) Publish(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.PublishWithContext(ctx, exchangeName, p.topic, false, false, amqp091.Publishing{
		Body: payload,
	})
	return transport.Wrap(transport.KindPublish, err)
}

func (p *publisher) Close(ctx context.Context) error {
	return p.ch.Close()
}

type subscription struct {
	ch *amqp091.Channel
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	// Closing the channel cancels the consumer and drops the auto-delete
	// queue.
	return transport.Wrap(transport.KindSubscribe, s.ch.Close())
}

func (h *handle) Subscribe(ctx context.Context, expr string, handler transport.Handler) (transport.Subscription, error) {
	ch, err := h.channel()
	if err != nil {
		return nil, transport.Wrap(transport.KindSubscribe, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, transport.Wrap(transport.KindSubscribe, err)
	}
	// The binding key passes through untranslated; AMQP wildcard syntax
	// (*, #) is the caller's concern.
	if err := ch.QueueBind(q.Name, expr, exchangeName, false, nil); err != nil {
		_ = ch.Close()
		return nil, transport.Wrap(transport.KindSubscribe, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, transport.Wrap(transport.KindSubscribe, err)
	}
	go func() {
		for d := range deliveries {
			handler(transport.Message{Topic: d.RoutingKey, Payload: d.Body})
		}
	}()
	return &subscription{ch: ch}, nil
}

// ensureReplyQueue declares the per-handle exclusive reply queue and starts
// routing replies to waiters by correlation id.
func (h *handle) ensureReplyQueue() error {
	h.replyOnce.Do(func() {
		ch, err := h.conn.Channel()
		if err != nil {
			h.replyErr = transport.Wrap(transport.KindRequest, err)
			return
		}
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			h.replyErr = transport.Wrap(transport.KindRequest, err)
			return
		}
		deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
		if err != nil {
			h.replyErr = transport.Wrap(transport.KindRequest, err)
			return
		}
		h.replyQueue = q.Name
		go func() {
			for d := range deliveries {
				h.mu.Lock()
				waiter := h.waiters[d.CorrelationId]
				h.mu.Unlock()
				if waiter != nil {
					select {
					case waiter <- d.Body:
					default:
					}
				}
			}
		}()
	})
	return h.replyErr
}

func (h *handle) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	if err := h.ensureReplyQueue(); err != nil {
		return nil, err
	}
	corr := ids.New()
	waiter := make(chan []byte, 1)
	h.mu.Lock()
	h.waiters[corr] = waiter
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.waiters, corr)
		h.mu.Unlock()
	}()

	ch, err := h.conn.Channel()
	if err != nil {
		return nil, transport.Wrap(transport.KindRequest, err)
	}
	defer ch.Close()
	// Direct publish to the responder's queue via the default exchange.
	err = ch.PublishWithContext(ctx, "", subject, false, false, amqp091.Publishing{
		CorrelationId: corr,
		ReplyTo:       h.replyQueue,
		Body:          payload,
	})
	if err != nil {
		return nil, transport.Wrap(transport.KindRequest, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-waiter:
		return reply, nil
	case <-timer.C:
		return nil, transport.ErrTimeout
	case <-ctx.Done():
		return nil, transport.Wrap(transport.KindRequest, ctx.Err())
	}
}

type registration struct {
	ch *amqp091.Channel
}

func (r *registration) Close(ctx context.Context) error {
	return transport.Wrap(transport.KindSubscribe, r.ch.Close())
}

type responder struct {
	mu      *sync.Mutex
	ch      *amqp091.Channel
	replyTo string
	corr    string
}

func (r *responder) Send(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.ch.PublishWithContext(ctx, "", r.replyTo, false, false, amqp091.Publishing{
		CorrelationId: r.corr,
		Body:          payload,
	})
	return transport.Wrap(transport.KindPublish, err)
}

// End is a no-op: the requester consumes exactly one correlated reply.
func (r *responder) End(ctx context.Context) error { return nil }

func (h *handle) RegisterResponder(ctx context.Context, prefix string, handler transport.QueryHandler) (transport.Registration, error) {
	ch, err := h.conn.Channel()
	if err != nil {
		return nil, transport.Wrap(transport.KindSubscribe, err)
	}
	// The serve queue is named by the prefix so requesters reach it through
	// the default exchange.
	if _, err := ch.QueueDeclare(prefix, false, true, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, transport.Wrap(transport.KindSubscribe, err)
	}
	deliveries, err := ch.Consume(prefix, "", true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, transport.Wrap(transport.KindSubscribe, err)
	}
	var sendMu sync.Mutex
	go func() {
		for d := range deliveries {
			handler(transport.Query{
				Subject: prefix,
				Payload: d.Body,
				Responder: &responder{
					mu:      &sendMu,
					ch:      ch,
					replyTo: d.ReplyTo,
					corr:    d.CorrelationId,
				},
			})
		}
	}()
	return &registration{ch: ch}, nil
}

func (h *handle) HealthCheck(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrClosed
	}
	if h.disconnected || h.conn.IsClosed() {
		return transport.ErrDisconnected
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
	h.mu.Unlock()
	return transport.Wrap(transport.KindOther, h.conn.Close())
}
