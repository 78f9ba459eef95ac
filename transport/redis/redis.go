// Package redis is the key/value-cache pub/sub adapter on go-redis. Topics
// map to the cache's pub/sub primitive; a separate connection is dedicated
// to the subscriber side so blocking subscribe frames never deadlock
// command multiplexing. Request/reply uses a request list per subject and a
// per-correlation reply list with a blocking pop.
package redis

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/mqbench/internal/ids"
	"github.com/drblury/mqbench/transport"
)

// responderPollInterval bounds how long an idle responder blocks before
// rechecking for shutdown.
const responderPollInterval = time.Second

var capabilities = transport.Capabilities{
	Name:                 "redis",
	SupportsRequest:      true,
	SupportsResponder:    true,
	SupportsWildcards:    true,
	SupportsSharedHandle: true,
}

func init() {
	transport.Register(transport.EngineRedis, connect, capabilities)
}

type handle struct {
	log *slog.Logger

	// cmd serves commands (PUBLISH, list ops); sub is a dedicated client
	// for subscriptions.
	cmd *redis.Client
	sub *redis.Client

	pubMode string

	mu     sync.Mutex
	closed bool
	cancel []context.CancelFunc
	wg     sync.WaitGroup
}

func connect(ctx context.Context, opts *transport.Options, log *slog.Logger) (transport.Transport, error) {
	opts.WarnUnknown(log, transport.EngineRedis, "url", "pub_mode")

	url, err := opts.Require("url")
	if err != nil {
		return nil, err
	}
	pubMode := opts.GetDefault("pub_mode", "pool")
	if pubMode != "single" && pubMode != "pool" {
		return nil, transport.Errf(transport.KindConfig, "pub_mode must be single or pool, got %q", pubMode)
	}

	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, transport.Wrap(transport.KindConfig, err)
	}
	if pubMode == "single" {
		ropts.PoolSize = 1
	}

	cmd := redis.NewClient(ropts)
	if err := cmd.Ping(ctx).Err(); err != nil {
		_ = cmd.Close()
		return nil, transport.Wrap(transport.KindConnect, err)
	}
	subOpts := *ropts
	sub := redis.NewClient(&subOpts)

	return &handle{log: log, cmd: cmd, sub: sub, pubMode: pubMode}, nil
}

func (h *handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func wrapRedisErr(kind transport.Kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.ErrTimeout
	}
	return transport.Wrap(kind, err)
}

type publisher struct {
	h     *handle
	topic string
}

func (h *handle) CreatePublisher(ctx context.Context, topic string) (transport.Publisher, error) {
	return &publisher{h: h, topic: topic}, nil
}

func (p *publisher) Publish(ctx context.Context, payload []byte) error {
	if p.h.isClosed() {
		return transport.Wrap(transport.KindPublish, transport.ErrClosed)
	}
	return wrapRedisErr(transport.KindPublish, p.h.cmd.Publish(ctx, p.topic, payload).Err())
}

func (p *publisher) Close(ctx context.Context) error { return nil }

type subscription struct {
	h  *handle
	ps *redis.PubSub
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	return wrapRedisErr(transport.KindSubscribe, s.ps.Close())
}

// hasPattern mirrors the glob characters redis itself treats as patterns.
func hasPattern(expr string) bool {
	return strings.ContainsAny(expr, "*?[")
}

func (h *handle) Subscribe(ctx context.Context, expr string, handler transport.Handler) (transport.Subscription, error) {
	if h.isClosed() {
		return nil, transport.Wrap(transport.KindSubscribe, transport.ErrClosed)
	}
	var ps *redis.PubSub
	if hasPattern(expr) {
		ps = h.sub.PSubscribe(ctx, expr)
	} else {
		ps = h.sub.Subscribe(ctx, expr)
	}
	// Force the subscription handshake so errors surface here, not on the
	// first delivery.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, transport.Wrap(transport.KindSubscribe, err)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for msg := range ps.Channel() {
			handler(transport.Message{Topic: msg.Channel, Payload: []byte(msg.Payload)})
		}
	}()
	return &subscription{h: h, ps: ps}, nil
}

func reqList(subject string) string { return subject + ":req" }

// encodeEnvelope prefixes the request payload with its reply-list key.
func encodeEnvelope(replyList string, payload []byte) []byte {
	out := make([]byte, 2+len(replyList)+len(payload))
	binary.LittleEndian.PutUint16(out[:2], uint16(len(replyList)))
	copy(out[2:], replyList)
	copy(out[2+len(replyList):], payload)
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
	if h.isClosed() {
		return nil, transport.Wrap(transport.KindRequest, transport.ErrClosed)
	}
	corr := ids.New()
	replyList := subject + ":rep:" + corr

	if err := h.cmd.RPush(ctx, reqList(subject), encodeEnvelope(replyList, payload)).Err(); err != nil {
		return nil, wrapRedisErr(transport.KindRequest, err)
	}
	res, err := h.cmd.BLPop(ctx, timeout, replyList).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, transport.ErrTimeout
		}
		return nil, wrapRedisErr(transport.KindRequest, err)
	}
	// BLPop returns [key, value].
	if len(res) != 2 {
		return nil, transport.Errf(transport.KindRequest, "unexpected BLPOP reply of %d fields", len(res))
	}
	return []byte(res[1]), nil
}

type registration struct {
	cancel context.CancelFunc
}

func (r *registration) Close(ctx context.Context) error {
	r.cancel()
	return nil
}

type responder struct {
	h         *handle
	replyList string
}

func (r *responder) Send(ctx context.Context, payload []byte) error {
	return wrapRedisErr(transport.KindPublish, r.h.cmd.RPush(ctx, r.replyList, payload).Err())
}

// End is a no-op: each reply list entry is consumed independently.
func (r *responder) End(ctx context.Context) error { return nil }

func (h *handle) RegisterResponder(ctx context.Context, prefix string, handler transport.QueryHandler) (transport.Registration, error) {
	if h.isClosed() {
		return nil, transport.Wrap(transport.KindSubscribe, transport.ErrClosed)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.cancel = append(h.cancel, cancel)
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			res, err := h.cmd.BLPop(loopCtx, responderPollInterval, reqList(prefix)).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue // idle poll, recheck shutdown
				}
				if loopCtx.Err() != nil || h.isClosed() {
					return
				}
				h.log.Debug("redis responder pop failed", "err", err)
				continue
			}
			if len(res) != 2 {
				continue
			}
			replyList, payload, ok := decodeEnvelope([]byte(res[1]))
			if !ok {
				h.log.Debug("redis query without reply envelope", "list", reqList(prefix))
				continue
			}
			handler(transport.Query{
				Subject:   prefix,
				Payload:   payload,
				Responder: &responder{h: h, replyList: replyList},
			})
		}
	}()
	return &registration{cancel: cancel}, nil
}

func (h *handle) HealthCheck(ctx context.Context) error {
	if h.isClosed() {
		return transport.ErrClosed
	}
	if err := h.cmd.Ping(ctx).Err(); err != nil {
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
	cancels := h.cancel
	h.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	err := h.sub.Close()
	if cerr := h.cmd.Close(); err == nil {
		err = cerr
	}
	h.wg.Wait()
	return transport.Wrap(transport.KindOther, err)
}
