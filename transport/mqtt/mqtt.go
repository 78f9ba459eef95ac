// Package mqtt is the MQTT adapter, built on the Eclipse paho client. One
// paho session per handle; QoS 0 by default so throughput numbers stay
// comparable across engines. Request/reply is synthesized with the
// reply-topic envelope <base>/replies/<client_id>/<correlation_id> and one
// reply subscription per handle.
package mqtt

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/drblury/mqbench/internal/ids"
	"github.com/drblury/mqbench/transport"
)

const (
	defaultHost      = "127.0.0.1"
	defaultPort      = 1883
	defaultReplyBase = "mqbench"

	connectTimeout = 5 * time.Second
	opTimeout      = 10 * time.Second
)

var capabilities = transport.Capabilities{
	Name:                 "mqtt",
	SupportsRequest:      true,
	SupportsResponder:    true,
	SupportsWildcards:    true,
	SupportsSharedHandle: true,
}

func init() {
	transport.Register(transport.EngineMQTT, connect, capabilities)
}

type handle struct {
	log       *slog.Logger
	client    paho.Client
	clientID  string
	replyBase string
	qos       byte

	replyOnce sync.Once
	replyErr  error

	mu      sync.Mutex
	waiters map[string]chan []byte

	disconnected atomic.Bool
}

func connect(ctx context.Context, opts *transport.Options, log *slog.Logger) (transport.Transport, error) {
	opts.WarnUnknown(log, transport.EngineMQTT,
		"host", "port", "username", "password", "client_id", "qos", "reply_base")

	host := opts.GetDefault("host", defaultHost)
	port, err := opts.GetInt("port", defaultPort)
	if err != nil {
		return nil, err
	}
	qos, err := opts.GetInt("qos", 0)
	if err != nil {
		return nil, err
	}
	if qos < 0 || qos > 2 {
		return nil, transport.Errf(transport.KindConfig, "qos must be 0, 1 or 2, got %d", qos)
	}
	clientID := opts.GetDefault("client_id", "mqbench-"+ids.New())

	h := &handle{
		log:       log,
		clientID:  clientID,
		replyBase: opts.GetDefault("reply_base", defaultReplyBase),
		qos:       byte(qos),
		waiters:   make(map[string]chan []byte),
	}

	po := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", host, port)).
		SetClientID(clientID).
		SetCleanSession(true).
		// Reconnects are the role's decision, not the adapter's; hiding a
		// disconnect here would falsify the measurement.
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			h.disconnected.Store(true)
			log.Warn("mqtt connection lost", "err", err)
		})
	if user, ok := opts.Get("username"); ok {
		po.SetUsername(user)
	}
	if pass, ok := opts.Get("password"); ok {
		po.SetPassword(pass)
	}

	h.client = paho.NewClient(po)
	token := h.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, transport.Errf(transport.KindConnect, "mqtt connect to %s:%d timed out", host, port)
	}
	if err := token.Error(); err != nil {
		return nil, transport.Wrap(transport.KindConnect, err)
	}
	return h, nil
}

func (h *handle) tokenErr(kind transport.Kind, token paho.Token) error {
	if !token.WaitTimeout(opTimeout) {
		return transport.ErrTimeout
	}
	if err := token.Error(); err != nil {
		return transport.Wrap(kind, err)
	}
	return nil
}

type publisher struct {
	h     *handle
	topic string
}

func (h *handle) CreatePublisher(ctx context.Context, topic string) (transport.Publisher, error) {
	return &publisher{h: h, topic: topic}, nil
}

func (p *publisher) Publish(ctx context.Context, payload []byte) error {
	if p.h.disconnected.Load() {
		return transport.ErrDisconnected
	}
	return p.h.tokenErr(transport.KindPublish, p.h.client.Publish(p.topic, p.h.qos, false, payload))
}

func (p *publisher) Close(ctx context.Context) error { return nil }

type subscription struct {
	h    *handle
	expr string
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	return s.h.tokenErr(transport.KindSubscribe, s.h.client.Unsubscribe(s.expr))
}

func (h *handle) Subscribe(ctx context.Context, expr string, handler transport.Handler) (transport.Subscription, error) {
	token := h.client.Subscribe(expr, h.qos, func(_ paho.Client, msg paho.Message) {
		handler(transport.Message{Topic: msg.Topic(), Payload: msg.Payload()})
	})
	if err := h.tokenErr(transport.KindSubscribe, token); err != nil {
		return nil, err
	}
	return &subscription{h: h, expr: expr}, nil
}

// replyTopicPrefix is this handle's reply inbox root.
func (h *handle) replyTopicPrefix() string {
	return h.replyBase + "/replies/" + h.clientID
}

// ensureReplySubscription subscribes the per-handle reply inbox exactly
// once; replies route to waiters by the correlation id in the last topic
// segment.
func (h *handle) ensureReplySubscription() error {
	h.replyOnce.Do(func() {
		token := h.client.Subscribe(h.replyTopicPrefix()+"/#", h.qos, func(_ paho.Client, msg paho.Message) {
			corr := msg.Topic()[strings.LastIndexByte(msg.Topic(), '/')+1:]
			h.mu.Lock()
			ch := h.waiters[corr]
			h.mu.Unlock()
			if ch != nil {
				select {
				case ch <- msg.Payload():
				default:
				}
			}
		})
		h.replyErr = h.tokenErr(transport.KindSubscribe, token)
	})
	return h.replyErr
}

// encodeEnvelope prefixes the payload with its reply topic so the
// responder knows where to publish the answer.
func encodeEnvelope(replyTopic string, payload []byte) []byte {
	out := make([]byte, 2+len(replyTopic)+len(payload))
	binary.LittleEndian.PutUint16(out[:2], uint16(len(replyTopic)))
	copy(out[2:], replyTopic)
	copy(out[2+len(replyTopic):], payload)
	return out
}

func decodeEnvelope(buf []byte) (string, []byte, bool) {
	if len(buf) < 2 {
		return "", nil, false
	}
	n := int(binary.LittleEndian.Uint16(buf[:2]))
	if len(buf) < 2+n {
		return "", nil, false
	}
	return string(buf[2 : 2+n]), buf[2+n:], true
}

func (h *handle) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	if err := h.ensureReplySubscription(); err != nil {
		return nil, err
	}
	corr := ids.New()
	replyTopic := h.replyTopicPrefix() + "/" + corr

	ch := make(chan []byte, 1)
	h.mu.Lock()
	h.waiters[corr] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.waiters, corr)
		h.mu.Unlock()
	}()

	if err := h.tokenErr(transport.KindRequest, h.client.Publish(subject, h.qos, false, encodeEnvelope(replyTopic, payload))); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, transport.ErrTimeout
	case <-ctx.Done():
		return nil, transport.Wrap(transport.KindRequest, ctx.Err())
	}
}

type registration struct {
	h      *handle
	prefix string
}

func (r *registration) Close(ctx context.Context) error {
	return r.h.tokenErr(transport.KindSubscribe, r.h.client.Unsubscribe(r.prefix))
}

type responder struct {
	h          *handle
	replyTopic string
}

func (r *responder) Send(ctx context.Context, payload []byte) error {
	return r.h.tokenErr(transport.KindPublish, r.h.client.Publish(r.replyTopic, r.h.qos, false, payload))
}

// End is a no-op: MQTT replies are unary publications.
func (r *responder) End(ctx context.Context) error { return nil }

func (h *handle) RegisterResponder(ctx context.Context, prefix string, handler transport.QueryHandler) (transport.Registration, error) {
	token := h.client.Subscribe(prefix, h.qos, func(_ paho.Client, msg paho.Message) {
		replyTopic, payload, ok := decodeEnvelope(msg.Payload())
		if !ok {
			h.log.Debug("mqtt query without reply envelope", "topic", msg.Topic())
			return
		}
		handler(transport.Query{
			Subject:   msg.Topic(),
			Payload:   payload,
			Responder: &responder{h: h, replyTopic: replyTopic},
		})
	})
	if err := h.tokenErr(transport.KindSubscribe, token); err != nil {
		return nil, err
	}
	return &registration{h: h, prefix: prefix}, nil
}

func (h *handle) HealthCheck(ctx context.Context) error {
	if h.disconnected.Load() || !h.client.IsConnectionOpen() {
		return transport.ErrDisconnected
	}
	return nil
}

func (h *handle) Shutdown(ctx context.Context) error {
	h.client.Disconnect(250)
	return nil
}
