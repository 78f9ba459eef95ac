// Package bus is the distributed-bus adapter. It speaks the harness bus
// protocol over one TCP session per handle. mode=client (default) dials a
// running bus-serve broker at the endpoint locator; mode=peer embeds a
// broker in-process and links to it over loopback, which gives
// deterministic single-process runs. There is no ambient discovery: the
// endpoint is always explicit.
package bus

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/mqbench/internal/bus"
	"github.com/drblury/mqbench/internal/ids"
	"github.com/drblury/mqbench/transport"
)

const (
	defaultEndpoint = "tcp/127.0.0.1:7447"

	// subDepth bounds each subscription's dispatch queue; overflow drops
	// the delivery (at-most-once).
	subDepth = 4096
)

var capabilities = transport.Capabilities{
	Name:                 "bus",
	SupportsRequest:      true,
	SupportsResponder:    true,
	SupportsWildcards:    true,
	SupportsSharedHandle: true,
	MultiReply:           true,
}

func init() {
	transport.Register(transport.EngineBus, connect, capabilities)
}

type handle struct {
	log      *slog.Logger
	conn     net.Conn
	embedded *bus.Server // peer mode only

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint32
	subs    map[uint32]*subscription
	queries map[uint32]*registration
	waiters map[string]*replyWaiter
	pongs   []chan struct{}

	closed       atomic.Bool
	disconnected atomic.Bool
	readerDone   chan struct{}
}

func connect(ctx context.Context, opts *transport.Options, log *slog.Logger) (transport.Transport, error) {
	opts.WarnUnknown(log, transport.EngineBus, "endpoint", "mode")

	mode := opts.GetDefault("mode", "client")
	endpoint := opts.GetDefault("endpoint", defaultEndpoint)

	var embedded *bus.Server
	switch mode {
	case "client":
	case "peer":
		srv, err := bus.Listen("tcp/127.0.0.1:0", log)
		if err != nil {
			return nil, transport.Wrap(transport.KindConnect, err)
		}
		embedded = srv
		endpoint = srv.Addr()
	default:
		return nil, transport.Errf(transport.KindConfig, "bus mode must be client or peer, got %q", mode)
	}

	addr, err := bus.ParseLocator(endpoint)
	if err != nil {
		if embedded != nil {
			embedded.Close()
		}
		return nil, transport.Wrap(transport.KindConfig, err)
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if embedded != nil {
			embedded.Close()
		}
		return nil, transport.Wrap(transport.KindConnect, err)
	}

	h := &handle{
		log:        log,
		conn:       conn,
		embedded:   embedded,
		subs:       make(map[uint32]*subscription),
		queries:    make(map[uint32]*registration),
		waiters:    make(map[string]*replyWaiter),
		readerDone: make(chan struct{}),
	}
	go h.readLoop()
	return h, nil
}

func (h *handle) send(frame []byte) error {
	if h.closed.Load() {
		return transport.ErrClosed
	}
	if h.disconnected.Load() {
		return transport.ErrDisconnected
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := bus.WriteFrame(h.conn, frame); err != nil {
		h.disconnected.Store(true)
		return transport.ErrDisconnected
	}
	return nil
}

func (h *handle) readLoop() {
	defer close(h.readerDone)
	for {
		body, err := bus.ReadFrame(h.conn)
		if err != nil {
			h.disconnected.Store(true)
			h.drainSubs()
			return
		}
		if len(body) == 0 {
			continue
		}
		h.dispatch(body[0], body[1:])
	}
}

func (h *handle) dispatch(op byte, body []byte) {
	fr := bus.NewFrameReader(body)
	switch op {
	case bus.OpMsg:
		topic, err := fr.Str()
		if err != nil {
			return
		}
		payload := fr.Rest()
		h.mu.Lock()
		targets := make([]*subscription, 0, len(h.subs))
		for _, s := range h.subs {
			if bus.Match(s.expr, topic) {
				targets = append(targets, s)
			}
		}
		h.mu.Unlock()
		for _, s := range targets {
			s.deliver(transport.Message{Topic: topic, Payload: payload})
		}
	case bus.OpQueryTo:
		regID, err := fr.U32()
		if err != nil {
			return
		}
		corr, err := fr.Str()
		if err != nil {
			return
		}
		subject, err := fr.Str()
		if err != nil {
			return
		}
		payload := fr.Rest()
		h.mu.Lock()
		reg := h.queries[regID]
		h.mu.Unlock()
		if reg == nil {
			return
		}
		reg.handler(transport.Query{
			Subject:   subject,
			Payload:   payload,
			Responder: &responder{h: h, corr: corr},
		})
	case bus.OpReplyTo:
		corr, err := fr.Str()
		if err != nil {
			return
		}
		payload := fr.Rest()
		h.mu.Lock()
		w := h.waiters[corr]
		h.mu.Unlock()
		if w != nil {
			select {
			case w.first <- payload:
			default:
				// First reply already delivered; count the extra.
				w.mu.Lock()
				w.extra++
				w.mu.Unlock()
			}
		}
	case bus.OpReplyEndTo:
		corr, err := fr.Str()
		if err != nil {
			return
		}
		h.mu.Lock()
		w := h.waiters[corr]
		delete(h.waiters, corr)
		h.mu.Unlock()
		if w != nil {
			w.endOnce.Do(func() { close(w.done) })
		}
	case bus.OpPong:
		h.mu.Lock()
		pongs := h.pongs
		h.pongs = nil
		h.mu.Unlock()
		for _, ch := range pongs {
			close(ch)
		}
	}
}

func (h *handle) drainSubs() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		s.stop()
	}
}

// publisher holds the topic; each Publish encodes a fresh frame of topic
// and payload.
type publisher struct {
	h     *handle
	topic string
}

func (h *handle) CreatePublisher(ctx context.Context, topic string) (transport.Publisher, error) {
	return &publisher{h: h, topic: topic}, nil
}

func (p *publisher) Publish(ctx context.Context, payload []byte) error {
	frame := bus.NewFrame(bus.OpPub).Str(p.topic).Raw(payload).Bytes()
	return transport.Wrap(transport.KindPublish, p.h.send(frame))
}

func (p *publisher) Close(ctx context.Context) error { return nil }

type subscription struct {
	h       *handle
	id      uint32
	expr    string
	ch      chan transport.Message
	stopped sync.Once
}

func (s *subscription) deliver(msg transport.Message) {
	defer func() {
		// Unsubscribe may close the channel concurrently with a dispatch; a
		// delivery racing a teardown is equivalent to the subscription being
		// gone already.
		_ = recover()
	}()
	select {
	case s.ch <- msg:
	default: // bounded queue full, drop (at-most-once)
	}
}

func (s *subscription) stop() {
	s.stopped.Do(func() { close(s.ch) })
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	s.h.mu.Lock()
	delete(s.h.subs, s.id)
	s.h.mu.Unlock()
	s.stop()
	err := s.h.send(bus.NewFrame(bus.OpUnsub).U32(s.id).Bytes())
	if err != nil && err != transport.ErrClosed && err != transport.ErrDisconnected {
		return transport.Wrap(transport.KindSubscribe, err)
	}
	return nil
}

func (h *handle) Subscribe(ctx context.Context, expr string, handler transport.Handler) (transport.Subscription, error) {
	h.mu.Lock()
	h.nextID++
	sub := &subscription{
		h:    h,
		id:   h.nextID,
		expr: expr,
		ch:   make(chan transport.Message, subDepth),
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	go func() {
		for msg := range sub.ch {
			handler(msg)
		}
	}()

	if err := h.send(bus.NewFrame(bus.OpSub).U32(sub.id).Str(expr).Bytes()); err != nil {
		_ = sub.Unsubscribe(ctx)
		return nil, transport.Wrap(transport.KindSubscribe, err)
	}
	return sub, nil
}

// replyWaiter correlates one in-flight query: a reply lands on the channel
// when it is empty, otherwise it bumps the extra counter, and done closes
// when the responder ends the exchange.
type replyWaiter struct {
	first   chan []byte
	done    chan struct{}
	endOnce sync.Once

	mu    sync.Mutex
	extra int
}

func (w *replyWaiter) extras() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.extra
}

// sendQuery registers a waiter and fires the query frame.
func (h *handle) sendQuery(subject string, payload []byte) (string, *replyWaiter, error) {
	corr := ids.New()
	w := &replyWaiter{first: make(chan []byte, 1), done: make(chan struct{})}

	h.mu.Lock()
	h.waiters[corr] = w
	h.mu.Unlock()

	frame := bus.NewFrame(bus.OpQuery).Str(corr).Str(subject).Raw(payload).Bytes()
	if err := h.send(frame); err != nil {
		h.forgetWaiter(corr)
		return "", nil, transport.Wrap(transport.KindRequest, err)
	}
	return corr, w, nil
}

func (h *handle) forgetWaiter(corr string) {
	h.mu.Lock()
	delete(h.waiters, corr)
	h.mu.Unlock()
}

func (h *handle) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	corr, w, err := h.sendQuery(subject, payload)
	if err != nil {
		return nil, err
	}
	defer h.forgetWaiter(corr)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-w.first:
		return reply, nil
	case <-timer.C:
		return nil, transport.ErrTimeout
	case <-ctx.Done():
		return nil, transport.Wrap(transport.KindRequest, ctx.Err())
	}
}

// RequestMulti waits for the first reply, then keeps the waiter open until
// the responder ends the exchange (or the timeout budget runs out) and
// reports how many additional replies arrived.
func (h *handle) RequestMulti(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, time.Duration, int, error) {
	corr, w, err := h.sendQuery(subject, payload)
	if err != nil {
		return nil, 0, 0, err
	}
	defer h.forgetWaiter(corr)

	t0 := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first []byte
	select {
	case first = <-w.first:
	case <-timer.C:
		return nil, 0, 0, transport.ErrTimeout
	case <-ctx.Done():
		return nil, 0, 0, transport.Wrap(transport.KindRequest, ctx.Err())
	}
	firstAfter := time.Since(t0)

	// Accumulate extras until the responder's end frame; the remaining
	// timeout budget bounds a responder that never ends.
	select {
	case <-w.done:
	case <-timer.C:
	case <-ctx.Done():
	}
	extra := w.extras()
	// Once the first reply was taken, the next one lands on the emptied
	// channel instead of the counter; it is an extra reply too.
	select {
	case <-w.first:
		extra++
	default:
	}
	return first, firstAfter, extra, nil
}

type registration struct {
	h       *handle
	id      uint32
	handler transport.QueryHandler
}

func (r *registration) Close(ctx context.Context) error {
	r.h.mu.Lock()
	delete(r.h.queries, r.id)
	r.h.mu.Unlock()
	err := r.h.send(bus.NewFrame(bus.OpQueryableUn).U32(r.id).Bytes())
	if err != nil && err != transport.ErrClosed && err != transport.ErrDisconnected {
		return transport.Wrap(transport.KindSubscribe, err)
	}
	return nil
}

func (h *handle) RegisterResponder(ctx context.Context, prefix string, handler transport.QueryHandler) (transport.Registration, error) {
	h.mu.Lock()
	h.nextID++
	reg := &registration{h: h, id: h.nextID, handler: handler}
	h.queries[reg.id] = reg
	h.mu.Unlock()

	if err := h.send(bus.NewFrame(bus.OpQueryableReg).U32(reg.id).Str(prefix).Bytes()); err != nil {
		_ = reg.Close(ctx)
		return nil, transport.Wrap(transport.KindSubscribe, err)
	}
	return reg, nil
}

type responder struct {
	h    *handle
	corr string
}

func (r *responder) Send(ctx context.Context, payload []byte) error {
	frame := bus.NewFrame(bus.OpReply).Str(r.corr).Raw(payload).Bytes()
	return transport.Wrap(transport.KindPublish, r.h.send(frame))
}

func (r *responder) End(ctx context.Context) error {
	return transport.Wrap(transport.KindPublish, r.h.send(bus.NewFrame(bus.OpReplyEnd).Str(r.corr).Bytes()))
}

func (h *handle) HealthCheck(ctx context.Context) error {
	if h.closed.Load() {
		return transport.ErrClosed
	}
	if h.disconnected.Load() {
		return transport.ErrDisconnected
	}
	ch := make(chan struct{})
	h.mu.Lock()
	h.pongs = append(h.pongs, ch)
	h.mu.Unlock()

	if err := h.send(bus.NewFrame(bus.OpPing).Bytes()); err != nil {
		return err
	}
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return transport.ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) Shutdown(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.drainSubs()
	err := h.conn.Close()
	select {
	case <-h.readerDone:
	case <-ctx.Done():
	}
	if h.embedded != nil {
		if cerr := h.embedded.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return transport.Wrap(transport.KindOther, err)
	}
	return nil
}
