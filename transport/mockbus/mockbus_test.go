package mockbus

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/mqbench/internal/ids"
	"github.com/drblury/mqbench/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandle(t *testing.T, kv ...string) *Handle {
	t.Helper()
	opts := transport.NewOptions()
	// Isolate each test in its own space.
	opts.Set("space", t.Name()+"/"+ids.New())
	for i := 0; i+1 < len(kv); i += 2 {
		opts.Set(kv[i], kv[i+1])
	}
	tr, err := connect(context.Background(), opts, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	return tr.(*Handle)
}

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	h := newHandle(t)
	ctx := context.Background()

	var wildcard, exact, other atomic.Int64
	_, err := h.Subscribe(ctx, "bench/**", func(transport.Message) { wildcard.Add(1) })
	require.NoError(t, err)
	_, err = h.Subscribe(ctx, "bench/topic/0", func(transport.Message) { exact.Add(1) })
	require.NoError(t, err)
	_, err = h.Subscribe(ctx, "elsewhere/*", func(transport.Message) { other.Add(1) })
	require.NoError(t, err)

	pub, err := h.CreatePublisher(ctx, "bench/topic/0")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, pub.Publish(ctx, []byte("m")))
	}

	assert.EqualValues(t, 10, wildcard.Load())
	assert.EqualValues(t, 10, exact.Load())
	assert.Zero(t, other.Load())
}

func TestDropRateDropsDeliveriesNotMessages(t *testing.T) {
	h := newHandle(t, "drop_rate", "0.1", "seed", "7")
	ctx := context.Background()

	var recv atomic.Int64
	_, err := h.Subscribe(ctx, "d/**", func(transport.Message) { recv.Add(1) })
	require.NoError(t, err)

	pub, err := h.CreatePublisher(ctx, "d/t")
	require.NoError(t, err)
	const n = 10_000
	for i := 0; i < n; i++ {
		require.NoError(t, pub.Publish(ctx, []byte("m")), "drops must not surface as publish errors")
	}

	got := recv.Load()
	assert.InDelta(t, n*0.9, got, n*0.03, "~10%% of deliveries dropped")
	assert.Less(t, got, int64(n))
}

func TestInjectedLatencyDelaysDelivery(t *testing.T) {
	h := newHandle(t, "latency_ms", "50")
	ctx := context.Background()

	done := make(chan time.Time, 1)
	_, err := h.Subscribe(ctx, "lat/t", func(transport.Message) { done <- time.Now() })
	require.NoError(t, err)

	pub, err := h.CreatePublisher(ctx, "lat/t")
	require.NoError(t, err)
	start := time.Now()
	require.NoError(t, pub.Publish(ctx, []byte("m")))

	select {
	case at := <-done:
		assert.GreaterOrEqual(t, at.Sub(start), 45*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("delivery never arrived")
	}
}

func TestRequestReply(t *testing.T) {
	h := newHandle(t)
	ctx := context.Background()

	reg, err := h.RegisterResponder(ctx, "qry/items", func(q transport.Query) {
		require.NoError(t, q.Responder.Send(ctx, []byte("pong")))
		require.NoError(t, q.Responder.End(ctx))
	})
	require.NoError(t, err)
	defer reg.Close(ctx)

	reply, err := h.Request(ctx, "qry/items/1", []byte("ping"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), reply)
}

func TestRequestMultiCountsExtraReplies(t *testing.T) {
	h := newHandle(t)
	ctx := context.Background()

	reg, err := h.RegisterResponder(ctx, "qry/multi", func(q transport.Query) {
		require.NoError(t, q.Responder.Send(ctx, []byte("one")))
		require.NoError(t, q.Responder.Send(ctx, []byte("two")))
		require.NoError(t, q.Responder.Send(ctx, []byte("three")))
		require.NoError(t, q.Responder.End(ctx))
	})
	require.NoError(t, err)
	defer reg.Close(ctx)

	first, firstAfter, extra, err := h.RequestMulti(ctx, "qry/multi/1", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), first)
	assert.Positive(t, firstAfter)
	assert.Equal(t, 2, extra)
}

func TestRequestMultiTimeoutWithoutResponder(t *testing.T) {
	h := newHandle(t)

	_, _, _, err := h.RequestMulti(context.Background(), "void/multi", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, transport.KindTimeout, transport.KindOf(err))
}

func TestRequestTimeoutWithoutResponder(t *testing.T) {
	h := newHandle(t)

	_, err := h.Request(context.Background(), "void/subject", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, transport.KindTimeout, transport.KindOf(err))
}

func TestSharedHandleConcurrentPublish(t *testing.T) {
	h := newHandle(t)
	ctx := context.Background()

	var recv atomic.Int64
	_, err := h.Subscribe(ctx, "shared/**", func(transport.Message) { recv.Add(1) })
	require.NoError(t, err)

	const workers = 100
	const per = 100
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			pub, err := h.CreatePublisher(ctx, "shared/topic")
			if err != nil {
				errs <- err
				return
			}
			for j := 0; j < per; j++ {
				if err := pub.Publish(ctx, []byte("m")); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errs)
	}
	assert.EqualValues(t, workers*per, recv.Load())
}

func TestShutdownReleasesAllSubscriptions(t *testing.T) {
	h := newHandle(t)
	ctx := context.Background()

	_, err := h.Subscribe(ctx, "a/**", func(transport.Message) {})
	require.NoError(t, err)
	_, err = h.RegisterResponder(ctx, "b", func(transport.Query) {})
	require.NoError(t, err)
	assert.Equal(t, 2, h.LiveSubscriptions())

	require.NoError(t, h.Shutdown(ctx))
	assert.Zero(t, h.LiveSubscriptions())

	_, err = h.CreatePublisher(ctx, "a/t")
	assert.Error(t, err)
}

func TestOpsRecording(t *testing.T) {
	h := newHandle(t)
	ctx := context.Background()

	sub, err := h.Subscribe(ctx, "rec/*", func(transport.Message) {})
	require.NoError(t, err)
	pub, err := h.CreatePublisher(ctx, "rec/x")
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, nil))
	require.NoError(t, sub.Unsubscribe(ctx))

	var kinds []string
	for _, op := range h.Ops() {
		kinds = append(kinds, op.Op)
	}
	assert.Equal(t, []string{"connect", "subscribe", "create_publisher", "publish", "unsubscribe"}, kinds)
}
