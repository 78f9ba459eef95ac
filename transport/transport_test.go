package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseEngine(t *testing.T) {
	cases := map[string]Engine{
		"bus":             EngineBus,
		"distributed-bus": EngineBus,
		"MQTT":            EngineMQTT,
		"redis":           EngineRedis,
		"amqp":            EngineAMQP,
		"nats":            EngineNATS,
		"kafka":           EngineKafka,
		"mock":            EngineMock,
	}
	for in, want := range cases {
		got, err := ParseEngine(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseEngine("zeromq")
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions([]string{"Host=localhost", "PORT=1883", "host=broker"})
	require.NoError(t, err)

	v, ok := opts.Get("host")
	assert.True(t, ok)
	assert.Equal(t, "broker", v, "later value overrides")

	port, err := opts.GetInt("port", 0)
	require.NoError(t, err)
	assert.Equal(t, 1883, port)

	assert.Equal(t, []string{"host", "port"}, opts.Keys(), "keys keep first-set order")
}

func TestParseOptionsRejectsBareToken(t *testing.T) {
	_, err := ParseOptions([]string{"justavalue"})
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestOptionsRequire(t *testing.T) {
	opts := NewOptions()
	_, err := opts.Require("url")
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))

	opts.Set("url", "redis://localhost:6379")
	v, err := opts.Require("url")
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379", v)
}

func TestOptionsGetFloat(t *testing.T) {
	opts := NewOptions()
	opts.Set("drop_rate", "0.1")

	f, err := opts.GetFloat("drop_rate", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.1, f)

	f, err = opts.GetFloat("missing", 2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)

	opts.Set("bad", "abc")
	_, err = opts.GetFloat("bad", 0)
	assert.Error(t, err)
}

func TestErrorTaxonomy(t *testing.T) {
	err := Errf(KindTimeout, "no reply within %s", time.Second)
	var te *Error
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Recoverable())
	assert.Equal(t, KindTimeout, KindOf(err))

	err = Errf(KindConfig, "missing url")
	require.True(t, errors.As(err, &te))
	assert.False(t, te.Recoverable())

	assert.Equal(t, KindTimeout, KindOf(ErrTimeout))
	assert.Equal(t, KindDisconnected, KindOf(ErrDisconnected))
	assert.Equal(t, KindNotSupported, KindOf(ErrNotSupported))
	assert.Equal(t, KindOther, KindOf(errors.New("anything")))
	assert.Nil(t, Wrap(KindPublish, nil))
}

func TestRegistryUnknownEngine(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Connect(context.Background(), EngineNATS, NewOptions(), discardLogger())
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestRegistryRegisterAndConnect(t *testing.T) {
	reg := NewRegistry()
	caps := Capabilities{Name: "fake", SupportsRequest: true}
	reg.Register("fake", func(ctx context.Context, opts *Options, log *slog.Logger) (Transport, error) {
		return nil, Errf(KindConnect, "unreachable")
	}, caps)

	assert.Equal(t, caps, reg.Capabilities("fake"))
	assert.Equal(t, []Engine{"fake"}, reg.Engines())

	_, err := reg.Connect(context.Background(), "fake", nil, discardLogger())
	require.Error(t, err)
	assert.Equal(t, KindConnect, KindOf(err))
}
