// Package nats is the subject-oriented bus adapter. Topics map directly to
// NATS subjects and request/reply uses the broker's native inbox
// correlation.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/drblury/mqbench/internal/ids"
	"github.com/drblury/mqbench/transport"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 4222
)

var capabilities = transport.Capabilities{
	Name:                 "nats",
	SupportsRequest:      true,
	SupportsResponder:    true,
	SupportsWildcards:    true,
	SupportsSharedHandle: true,
}

func init() {
	transport.Register(transport.EngineNATS, connect, capabilities)
}

type handle struct {
	log *slog.Logger
	nc  *nats.Conn

	disconnected atomic.Bool
}

func connect(ctx context.Context, opts *transport.Options, log *slog.Logger) (transport.Transport, error) {
	opts.WarnUnknown(log, transport.EngineNATS, "host", "port", "url")

	url, ok := opts.Get("url")
	if !ok {
		host := opts.GetDefault("host", defaultHost)
		port, err := opts.GetInt("port", defaultPort)
		if err != nil {
			return nil, err
		}
		url = fmt.Sprintf("nats://%s:%d", host, port)
	}

	h := &handle{log: log}
	nc, err := nats.Connect(url,
		nats.Name("mqbench-"+ids.New()),
		// The role decides retry policy; internal reconnects would mask
		// disconnects mid-measurement.
		nats.RetryOnFailedConnect(false),
		nats.MaxReconnects(0),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			h.disconnected.Store(true)
			log.Warn("nats disconnected", "err", err)
		}),
	)
	if err != nil {
		return nil, transport.Wrap(transport.KindConnect, err)
	}
	h.nc = nc
	return h, nil
}

type publisher struct {
	h       *handle
	subject string
}

func (h *handle) CreatePublisher(ctx context.Context, topic string) (transport.Publisher, error) {
	return &publisher{h: h, subject: topic}, nil
}

func (p *publisher) Publish(ctx context.Context, payload []byte) error {
	if p.h.disconnected.Load() {
		return transport.ErrDisconnected
	}
	return transport.Wrap(transport.KindPublish, p.h.nc.Publish(p.subject, payload))
}

func (p *publisher) Close(ctx context.Context) error { return nil }

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	return transport.Wrap(transport.KindSubscribe, s.sub.Unsubscribe())
}

func (h *handle) Subscribe(ctx context.Context, expr string, handler transport.Handler) (transport.Subscription, error) {
	sub, err := h.nc.Subscribe(expr, func(m *nats.Msg) {
		handler(transport.Message{Topic: m.Subject, Payload: m.Data})
	})
	if err != nil {
		return nil, transport.Wrap(transport.KindSubscribe, err)
	}
	return &subscription{sub: sub}, nil
}

func (h *handle) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	// Broker-native timeout, no outer wrapper.
	msg, err := h.nc.Request(subject, payload, timeout)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, nats.ErrNoResponders):
			return nil, transport.ErrTimeout
		case errors.Is(err, nats.ErrConnectionClosed):
			return nil, transport.ErrDisconnected
		default:
			return nil, transport.Wrap(transport.KindRequest, err)
		}
	}
	return msg.Data, nil
}

type registration struct {
	sub *nats.Subscription
}

func (r *registration) Close(ctx context.Context) error {
	return transport.Wrap(transport.KindSubscribe, r.sub.Unsubscribe())
}

type responder struct {
	msg *nats.Msg
}

func (r *responder) Send(ctx context.Context, payload []byte) error {
	return transport.Wrap(transport.KindPublish, r.msg.Respond(payload))
}

// End is a no-op: NATS request/reply is unary.
func (r *responder) End(ctx context.Context) error { return nil }

func (h *handle) RegisterResponder(ctx context.Context, prefix string, handler transport.QueryHandler) (transport.Registration, error) {
	sub, err := h.nc.Subscribe(prefix, func(m *nats.Msg) {
		handler(transport.Query{Subject: m.Subject, Payload: m.Data, Responder: &responder{msg: m}})
	})
	if err != nil {
		return nil, transport.Wrap(transport.KindSubscribe, err)
	}
	return &registration{sub: sub}, nil
}

func (h *handle) HealthCheck(ctx context.Context) error {
	if h.nc.IsClosed() {
		return transport.ErrClosed
	}
	if h.disconnected.Load() || !h.nc.IsConnected() {
		return transport.ErrDisconnected
	}
	return nil
}

func (h *handle) Shutdown(ctx context.Context) error {
	// Drain flushes buffered publishes before closing.
	if err := h.nc.Drain(); err != nil {
		h.nc.Close()
		return transport.Wrap(transport.KindOther, err)
	}
	return nil
}
