package roles

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/mqbench/internal/ids"
	"github.com/drblury/mqbench/transport"
	"github.com/drblury/mqbench/transport/mockbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testCommon isolates each test in its own mock space and silences logs.
func testCommon(t *testing.T, space string, extra ...string) Common {
	t.Helper()
	connect := append([]string{"space=" + space}, extra...)
	return Common{
		Engine:           "mock",
		Connect:          connect,
		SnapshotInterval: time.Second,
		RunID:            ids.New(),
		Log:              testLogger(),
	}
}

// observer opens an extra mock handle on the space for assertions.
func observer(t *testing.T, space string) *mockbus.Handle {
	t.Helper()
	opts := transport.NewOptions()
	opts.Set("space", space)
	tr, err := transport.Connect(context.Background(), transport.EngineMock, opts, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	return tr.(*mockbus.Handle)
}

func readCSV(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestPubSubEndToEnd(t *testing.T) {
	space := "e2e-" + ids.New()
	dir := t.TempDir()
	subCSV := filepath.Join(dir, "sub.csv")
	pubCSV := filepath.Join(dir, "pub.csv")

	var wg sync.WaitGroup
	var subErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		cfg := SubscriberConfig{
			Common:      testCommon(t, space),
			Expr:        "bench/topic",
			Subscribers: 1,
			Duration:    2 * time.Second,
		}
		cfg.CSVPath = subCSV
		subErr = RunSubscriber(context.Background(), cfg)
	}()
	// Let the subscription land before publishing.
	time.Sleep(200 * time.Millisecond)

	pubCfg := PublisherConfig{
		Common:      testCommon(t, space),
		TopicPrefix: "bench/topic",
		Topics:      1,
		Publishers:  1,
		PayloadSize: 256,
		Rate:        500,
		Duration:    time.Second,
	}
	pubCfg.CSVPath = pubCSV
	require.NoError(t, RunPublisher(context.Background(), pubCfg))
	wg.Wait()
	require.NoError(t, subErr)

	pubRows := readCSV(t, pubCSV)
	require.GreaterOrEqual(t, len(pubRows), 2)
	last := strings.Split(pubRows[len(pubRows)-1], ",")
	sent := last[1]
	assert.NotEqual(t, "0", sent)

	subRows := readCSV(t, subCSV)
	require.GreaterOrEqual(t, len(subRows), 2)
	final := strings.Split(subRows[len(subRows)-1], ",")
	recv := final[2]
	errs := final[3]
	assert.Equal(t, "0", errs)
	assert.NotEqual(t, "0", recv)
	assert.Equal(t, sent, recv, "zero-loss mock delivery")
}

func TestPublisherRejectsSmallPayload(t *testing.T) {
	csv := filepath.Join(t.TempDir(), "out.csv")
	cfg := PublisherConfig{
		Common:      testCommon(t, "small-"+ids.New()),
		TopicPrefix: "bench/topic",
		Topics:      1,
		Publishers:  1,
		PayloadSize: 23,
		Duration:    time.Second,
	}
	cfg.CSVPath = csv

	err := RunPublisher(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))

	// Config failure happens before the writer exists: zero snapshots.
	_, statErr := os.Stat(csv)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRequesterTimeoutsNeverEnterHistogram(t *testing.T) {
	csv := filepath.Join(t.TempDir(), "req.csv")
	cfg := RequesterConfig{
		Common:      testCommon(t, "timeout-"+ids.New()),
		KeyExpr:     "qry/nobody",
		QPS:         100,
		Concurrency: 8,
		Timeout:     30 * time.Millisecond,
		Duration:    500 * time.Millisecond,
	}
	cfg.CSVPath = csv

	require.NoError(t, RunRequester(context.Background(), cfg))

	rows := readCSV(t, csv)
	final := strings.Split(rows[len(rows)-1], ",")
	recv, errs, p99 := final[2], final[3], final[8]
	assert.Equal(t, "0", recv)
	assert.NotEqual(t, "0", errs, "timeouts count as errors")
	assert.Equal(t, "0", p99, "timeouts contribute no latency")
}

func TestRequestReplyEndToEnd(t *testing.T) {
	space := "rr-" + ids.New()
	reqCSV := filepath.Join(t.TempDir(), "req.csv")

	var wg sync.WaitGroup
	var qryErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		cfg := ResponderConfig{
			Common:        testCommon(t, space),
			ServePrefixes: []string{"qry/items"},
			ReplySize:     128,
			Duration:      2 * time.Second,
		}
		qryErr = RunResponder(context.Background(), cfg)
	}()
	time.Sleep(200 * time.Millisecond)

	cfg := RequesterConfig{
		Common:      testCommon(t, space),
		KeyExpr:     "qry/items/1",
		QPS:         200,
		Concurrency: 32,
		Timeout:     time.Second,
		Duration:    time.Second,
	}
	cfg.CSVPath = reqCSV
	require.NoError(t, RunRequester(context.Background(), cfg))
	wg.Wait()
	require.NoError(t, qryErr)

	rows := readCSV(t, reqCSV)
	final := strings.Split(rows[len(rows)-1], ",")
	sent, recv, errs := final[1], final[2], final[3]
	assert.Equal(t, "0", errs)
	assert.Equal(t, sent, recv, "every request answered")
	assert.NotEqual(t, "0", final[8], "histogram populated from successful requests")
}

func TestRequesterAccumulatesMultiReplyCounts(t *testing.T) {
	space := "multi-" + ids.New()
	obs := observer(t, space)

	// A hand-rolled responder that answers every query twice: the second
	// reply must accumulate into recv without entering the histogram.
	ctx := context.Background()
	reg, err := obs.RegisterResponder(ctx, "qry/twice", func(q transport.Query) {
		require.NoError(t, q.Responder.Send(ctx, []byte("a")))
		require.NoError(t, q.Responder.Send(ctx, []byte("b")))
		require.NoError(t, q.Responder.End(ctx))
	})
	require.NoError(t, err)
	defer reg.Close(ctx)

	reqCSV := filepath.Join(t.TempDir(), "req.csv")
	cfg := RequesterConfig{
		Common:      testCommon(t, space),
		KeyExpr:     "qry/twice/item",
		QPS:         100,
		Concurrency: 8,
		Timeout:     time.Second,
		Duration:    time.Second,
	}
	cfg.CSVPath = reqCSV
	require.NoError(t, RunRequester(context.Background(), cfg))

	rows := readCSV(t, reqCSV)
	final := strings.Split(rows[len(rows)-1], ",")
	var sent, recv int
	_, err = fmt.Sscanf(final[1], "%d", &sent)
	require.NoError(t, err)
	_, err = fmt.Sscanf(final[2], "%d", &recv)
	require.NoError(t, err)
	assert.Equal(t, "0", final[3])
	assert.Equal(t, 2*sent, recv, "each query's extra reply counted once")
}

func TestRequesterFailsFastWithoutRequestCapability(t *testing.T) {
	cfg := RequesterConfig{
		Common:      testCommon(t, "cap-"+ids.New()),
		KeyExpr:     "qry/x",
		QPS:         10,
		Concurrency: 1,
		Timeout:     time.Second,
		Duration:    time.Second,
	}
	cfg.Engine = "kafka"

	err := RunRequester(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err), "capability gap is a config error at startup")
}

func TestSubscriptionReleasedOnShutdown(t *testing.T) {
	space := "release-" + ids.New()
	obs := observer(t, space)

	cfg := SubscriberConfig{
		Common:      testCommon(t, space),
		Expr:        "rel/**",
		Subscribers: 3,
		Duration:    300 * time.Millisecond,
	}
	require.NoError(t, RunSubscriber(context.Background(), cfg))

	assert.Zero(t, obs.LiveSubscriptions(), "all subscriptions released after shutdown")
}

func TestShareTransportManyPublishers(t *testing.T) {
	space := "share-" + ids.New()
	csv := filepath.Join(t.TempDir(), "pub.csv")
	cfg := PublisherConfig{
		Common:         testCommon(t, space),
		TopicPrefix:    "share/topic",
		Topics:         4,
		Publishers:     100,
		PayloadSize:    64,
		Rate:           100,
		Duration:       500 * time.Millisecond,
		ShareTransport: true,
	}
	cfg.CSVPath = csv

	require.NoError(t, RunPublisher(context.Background(), cfg))

	rows := readCSV(t, csv)
	final := strings.Split(rows[len(rows)-1], ",")
	assert.Equal(t, "0", final[3], "no errors from concurrent shared-handle publishes")
	assert.NotEqual(t, "0", final[1])
}

func TestCancellationStopsPublisherPromptly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	csv := filepath.Join(t.TempDir(), "pub.csv")
	cfg := PublisherConfig{
		Common:      testCommon(t, "cancel-"+ids.New()),
		TopicPrefix: "c/topic",
		Topics:      1,
		Publishers:  1,
		PayloadSize: 64,
		Rate:        100,
		Duration:    60 * time.Second,
	}
	cfg.CSVPath = csv

	start := time.Now()
	err := RunPublisher(ctx, cfg)
	elapsed := time.Since(start)

	require.NoError(t, err, "cancellation is a clean exit")
	assert.Less(t, elapsed, 3*time.Second, "final snapshot lands within the grace window")

	rows := readCSV(t, csv)
	assert.GreaterOrEqual(t, len(rows), 2, "final snapshot emitted")
}

func TestMultiTopicPublisherCoversKeyspace(t *testing.T) {
	space := "mt-" + ids.New()
	obs := observer(t, space)

	var mu sync.Mutex
	topics := make(map[string]struct{})
	_, err := obs.Subscribe(context.Background(), "mt/**", func(msg transport.Message) {
		mu.Lock()
		topics[msg.Topic] = struct{}{}
		mu.Unlock()
	})
	require.NoError(t, err)

	cfg := MultiTopicPublisherConfig{
		Common:         testCommon(t, space),
		TopicPrefix:    "mt",
		Dims:           Dims{Tenants: 2, Regions: 2, Services: 2, Shards: 2},
		Publishers:     16,
		PayloadSize:    64,
		Rate:           10,
		Duration:       2 * time.Second,
		Mapping:        MappingMDim,
		ShareTransport: true,
	}
	require.NoError(t, RunMultiTopicPublisher(context.Background(), cfg))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, topics, 16, "each of the 16 keys written at least once")
	for i := 0; i < 16; i++ {
		key := Dims{Tenants: 2, Regions: 2, Services: 2, Shards: 2}.Key("mt", uint32(i), MappingMDim)
		_, ok := topics[key]
		assert.True(t, ok, key)
	}
}

func TestMultiTopicSubscriberReceivesPerKey(t *testing.T) {
	space := "mts-" + ids.New()
	d := Dims{Tenants: 2, Regions: 2, Services: 1, Shards: 1}

	var wg sync.WaitGroup
	var subErr error
	subCSV := filepath.Join(t.TempDir(), "mtsub.csv")
	wg.Add(1)
	go func() {
		defer wg.Done()
		cfg := MultiTopicSubscriberConfig{
			Common:         testCommon(t, space),
			TopicPrefix:    "mts",
			Dims:           d,
			Subscribers:    4,
			Duration:       2 * time.Second,
			Mapping:        MappingMDim,
			ShareTransport: true,
		}
		cfg.CSVPath = subCSV
		subErr = RunMultiTopicSubscriber(context.Background(), cfg)
	}()
	time.Sleep(200 * time.Millisecond)

	pubCfg := MultiTopicPublisherConfig{
		Common:         testCommon(t, space),
		TopicPrefix:    "mts",
		Dims:           d,
		Publishers:     4,
		PayloadSize:    64,
		Rate:           100,
		Duration:       time.Second,
		Mapping:        MappingMDim,
		ShareTransport: true,
	}
	require.NoError(t, RunMultiTopicPublisher(context.Background(), pubCfg))
	wg.Wait()
	require.NoError(t, subErr)

	rows := readCSV(t, subCSV)
	final := strings.Split(rows[len(rows)-1], ",")
	assert.NotEqual(t, "0", final[2], "per-key subscriptions received traffic")
	assert.Equal(t, "0", final[3])
}

func TestDropRateRunStaysErrorFree(t *testing.T) {
	space := "drop-" + ids.New()
	subCSV := filepath.Join(t.TempDir(), "sub.csv")

	var wg sync.WaitGroup
	var subErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		cfg := SubscriberConfig{
			Common:      testCommon(t, space, "drop_rate=0.1", "seed=3"),
			Expr:        "lossy/topic",
			Subscribers: 1,
			Duration:    2 * time.Second,
		}
		cfg.CSVPath = subCSV
		subErr = RunSubscriber(context.Background(), cfg)
	}()
	time.Sleep(200 * time.Millisecond)

	pubCfg := PublisherConfig{
		Common:      testCommon(t, space),
		TopicPrefix: "lossy/topic",
		Topics:      1,
		Publishers:  1,
		PayloadSize: 64,
		Rate:        1000,
		Duration:    time.Second,
	}
	require.NoError(t, RunPublisher(context.Background(), pubCfg))
	wg.Wait()
	require.NoError(t, subErr)

	rows := readCSV(t, subCSV)
	final := strings.Split(rows[len(rows)-1], ",")
	var recv int
	_, err := fmt.Sscanf(final[2], "%d", &recv)
	require.NoError(t, err)
	assert.Equal(t, "0", final[3], "dropped messages are not errors in at-most-once mode")
	assert.Greater(t, recv, 700)
	assert.Less(t, recv, 1050)
}

func TestSummaryJSONWritten(t *testing.T) {
	dir := t.TempDir()
	sum := filepath.Join(dir, "summary.json")
	cfg := PublisherConfig{
		Common:      testCommon(t, "sum-"+ids.New()),
		TopicPrefix: "s/topic",
		Topics:      1,
		Publishers:  1,
		PayloadSize: 64,
		Rate:        200,
		Duration:    500 * time.Millisecond,
	}
	cfg.CSVPath = filepath.Join(dir, "pub.csv")
	cfg.SummaryJSON = sum

	require.NoError(t, RunPublisher(context.Background(), cfg))

	data, err := os.ReadFile(sum)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"role": "pub"`)
	assert.Contains(t, string(data), `"engine": "mock"`)
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(transport.Errf(transport.KindConfig, "bad")))
	assert.Equal(t, 3, ExitCode(transport.Errf(transport.KindConnect, "down")))
	assert.Equal(t, 4, ExitCode(transport.Errf(transport.KindOther, "boom")))
	assert.Equal(t, 4, ExitCode(transport.ErrTimeout))
}
