// Package mockbus is the in-process mock engine used by tests and dry
// runs. Deliveries cross a channel-free in-memory matrix with configurable
// injected latency and drop probability, and every operation is recorded so
// tests can assert on adapter usage. Handles connected to the same space
// share one matrix, which emulates separate clients on one broker.
package mockbus

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/drblury/mqbench/internal/bus"
	"github.com/drblury/mqbench/transport"
)

var capabilities = transport.Capabilities{
	Name:                 "mock",
	SupportsRequest:      true,
	SupportsResponder:    true,
	SupportsWildcards:    true,
	SupportsSharedHandle: true,
	MultiReply:           true,
}

func init() {
	transport.Register(transport.EngineMock, connect, capabilities)
}

// OpRecord is one recorded adapter operation.
type OpRecord struct {
	Op    string
	Topic string
}

// matrix is the broker state shared by all handles in one space.
type matrix struct {
	mu         sync.RWMutex
	subs       map[*subscription]struct{}
	queryables map[*registration]struct{}
}

var (
	spacesMu sync.Mutex
	spaces   = map[string]*matrix{}
)

func space(name string) *matrix {
	spacesMu.Lock()
	defer spacesMu.Unlock()
	m, ok := spaces[name]
	if !ok {
		m = &matrix{
			subs:       make(map[*subscription]struct{}),
			queryables: make(map[*registration]struct{}),
		}
		spaces[name] = m
	}
	return m
}

// Handle is the mock transport. Tests may type-assert transport.Transport
// to *Handle for the recording surface.
type Handle struct {
	log     *slog.Logger
	m       *matrix
	latency time.Duration
	drop    float64

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.Mutex
	ops    []OpRecord
	closed bool

	wg sync.WaitGroup // delayed deliveries in flight
}

func connect(ctx context.Context, opts *transport.Options, log *slog.Logger) (transport.Transport, error) {
	opts.WarnUnknown(log, transport.EngineMock, "space", "latency_ms", "drop_rate", "seed")

	latencyMS, err := opts.GetInt("latency_ms", 0)
	if err != nil {
		return nil, err
	}
	drop, err := opts.GetFloat("drop_rate", 0)
	if err != nil {
		return nil, err
	}
	if drop < 0 || drop >= 1 {
		if drop != 0 {
			return nil, transport.Errf(transport.KindConfig, "drop_rate must be in [0,1), got %v", drop)
		}
	}
	seed, err := opts.GetInt("seed", 1)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		log:     log,
		m:       space(opts.GetDefault("space", "default")),
		latency: time.Duration(latencyMS) * time.Millisecond,
		drop:    drop,
		rng:     rand.New(rand.NewSource(int64(seed))),
	}
	h.record("connect", "")
	return h, nil
}

func (h *Handle) record(op, topic string) {
	h.mu.Lock()
	h.ops = append(h.ops, OpRecord{Op: op, Topic: topic})
	h.mu.Unlock()
}

// Ops returns a copy of the recorded operations.
func (h *Handle) Ops() []OpRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]OpRecord, len(h.ops))
	copy(out, h.ops)
	return out
}

// LiveSubscriptions counts broker-side registrations still alive in the
// handle's space (subscriptions plus query registrations).
func (h *Handle) LiveSubscriptions() int {
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	return len(h.m.subs) + len(h.m.queryables)
}

func (h *Handle) dropped() bool {
	if h.drop <= 0 {
		return false
	}
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return h.rng.Float64() < h.drop
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type publisher struct {
	h     *Handle
	topic string
}

func (h *Handle) CreatePublisher(ctx context.Context, topic string) (transport.Publisher, error) {
	if h.isClosed() {
		return nil, transport.Wrap(transport.KindPublish, transport.ErrClosed)
	}
	h.record("create_publisher", topic)
	return &publisher{h: h, topic: topic}, nil
}

func (p *publisher) Publish(ctx context.Context, payload []byte) error {
	if p.h.isClosed() {
		return transport.Wrap(transport.KindPublish, transport.ErrClosed)
	}
	p.h.record("publish", p.topic)
	p.h.fanOut(p.topic, payload)
	return nil
}

func (p *publisher) Close(ctx context.Context) error { return nil }

// fanOut delivers to every matching subscription, applying the receiving
// handle's injected drop and latency.
func (h *Handle) fanOut(topic string, payload []byte) {
	h.m.mu.RLock()
	targets := make([]*subscription, 0, len(h.m.subs))
	for s := range h.m.subs {
		if bus.Match(s.expr, topic) {
			targets = append(targets, s)
		}
	}
	h.m.mu.RUnlock()

	msg := transport.Message{Topic: topic, Payload: payload}
	for _, s := range targets {
		rh := s.h
		if rh.dropped() {
			continue
		}
		if rh.latency > 0 {
			rh.wg.Add(1)
			time.AfterFunc(rh.latency, func() {
				defer rh.wg.Done()
				if !rh.isClosed() {
					s.handler(msg)
				}
			})
			continue
		}
		s.handler(msg)
	}
}

type subscription struct {
	h       *Handle
	expr    string
	handler transport.Handler
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	s.h.m.mu.Lock()
	delete(s.h.m.subs, s)
	s.h.m.mu.Unlock()
	s.h.record("unsubscribe", s.expr)
	return nil
}

func (h *Handle) Subscribe(ctx context.Context, expr string, handler transport.Handler) (transport.Subscription, error) {
	if h.isClosed() {
		return nil, transport.Wrap(transport.KindSubscribe, transport.ErrClosed)
	}
	s := &subscription{h: h, expr: expr, handler: handler}
	h.m.mu.Lock()
	h.m.subs[s] = struct{}{}
	h.m.mu.Unlock()
	h.record("subscribe", expr)
	return s, nil
}

type registration struct {
	h       *Handle
	prefix  string
	handler transport.QueryHandler
}

func (r *registration) Close(ctx context.Context) error {
	r.h.m.mu.Lock()
	delete(r.h.m.queryables, r)
	r.h.m.mu.Unlock()
	r.h.record("unregister_responder", r.prefix)
	return nil
}

func (h *Handle) RegisterResponder(ctx context.Context, prefix string, handler transport.QueryHandler) (transport.Registration, error) {
	if h.isClosed() {
		return nil, transport.Wrap(transport.KindSubscribe, transport.ErrClosed)
	}
	r := &registration{h: h, prefix: prefix, handler: handler}
	h.m.mu.Lock()
	h.m.queryables[r] = struct{}{}
	h.m.mu.Unlock()
	h.record("register_responder", prefix)
	return r, nil
}

type responder struct {
	replies chan []byte
	done    chan struct{}
	once    sync.Once
}

func (r *responder) Send(ctx context.Context, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case r.replies <- buf:
	default:
	}
	return nil
}

func (r *responder) End(ctx context.Context) error {
	r.once.Do(func() { close(r.done) })
	return nil
}

// issueQuery routes a query to the first matching registration, honoring
// the handle's injected drop and latency.
func (h *Handle) issueQuery(subject string, payload []byte) *responder {
	h.m.mu.RLock()
	var target *registration
	for r := range h.m.queryables {
		if prefixMatches(r.prefix, subject) {
			target = r
			break
		}
	}
	h.m.mu.RUnlock()

	resp := &responder{replies: make(chan []byte, 16), done: make(chan struct{})}
	if target != nil && !h.dropped() {
		delay := h.latency
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			target.handler(transport.Query{Subject: subject, Payload: payload, Responder: resp})
		}()
	}
	return resp
}

func (h *Handle) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	if h.isClosed() {
		return nil, transport.Wrap(transport.KindRequest, transport.ErrClosed)
	}
	h.record("request", subject)
	resp := h.issueQuery(subject, payload)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-resp.replies:
		return reply, nil
	case <-timer.C:
		return nil, transport.ErrTimeout
	case <-ctx.Done():
		return nil, transport.Wrap(transport.KindRequest, ctx.Err())
	}
}

// RequestMulti returns the first reply plus the count of additional
// replies the responder sent before calling End (or the timeout lapsing).
func (h *Handle) RequestMulti(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, time.Duration, int, error) {
	if h.isClosed() {
		return nil, 0, 0, transport.Wrap(transport.KindRequest, transport.ErrClosed)
	}
	h.record("request_multi", subject)
	resp := h.issueQuery(subject, payload)

	t0 := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first []byte
	select {
	case first = <-resp.replies:
	case <-timer.C:
		return nil, 0, 0, transport.ErrTimeout
	case <-ctx.Done():
		return nil, 0, 0, transport.Wrap(transport.KindRequest, ctx.Err())
	}
	firstAfter := time.Since(t0)

	extra := 0
	for {
		select {
		case <-resp.replies:
			extra++
		case <-resp.done:
			// Drain replies that raced the End call.
			for {
				select {
				case <-resp.replies:
					extra++
				default:
					return first, firstAfter, extra, nil
				}
			}
		case <-timer.C:
			return first, firstAfter, extra, nil
		case <-ctx.Done():
			return first, firstAfter, extra, nil
		}
	}
}

func prefixMatches(prefix, subject string) bool {
	if p, ok := strings.CutSuffix(prefix, "/**"); ok {
		prefix = p
	}
	return subject == prefix || strings.HasPrefix(subject, prefix+"/")
}

func (h *Handle) HealthCheck(ctx context.Context) error {
	if h.isClosed() {
		return transport.ErrClosed
	}
	return nil
}

func (h *Handle) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	// Release everything this handle still holds in its space.
	h.m.mu.Lock()
	for s := range h.m.subs {
		if s.h == h {
			delete(h.m.subs, s)
		}
	}
	for r := range h.m.queryables {
		if r.h == h {
			delete(h.m.queryables, r)
		}
	}
	h.m.mu.Unlock()

	h.wg.Wait() // delayed deliveries quiescent
	h.record("shutdown", "")
	return nil
}
