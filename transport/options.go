package transport

import (
	"log/slog"
	"strconv"
	"strings"
)

// Options is the ordered key=value bag accumulated from repeated --connect
// tokens. Keys are lowercased; a later value for the same key overrides the
// earlier one while keeping its original position.
type Options struct {
	keys   []string
	values map[string]string
}

// NewOptions builds an empty bag.
func NewOptions() *Options {
	return &Options{values: make(map[string]string)}
}

// ParseOptions folds repeated "key=value" tokens into a bag. A token
// without '=' is rejected; the back-compat shim for bare endpoints lives in
// the roles' option resolution, which maps --endpoint onto the bus
// "endpoint" key.
func ParseOptions(tokens []string) (*Options, error) {
	opts := NewOptions()
	for _, tok := range tokens {
		k, v, ok := strings.Cut(tok, "=")
		if !ok || k == "" {
			return nil, Errf(KindConfig, "connect option %q is not key=value", tok)
		}
		opts.Set(k, v)
	}
	return opts, nil
}

// Set stores value under the lowercased key.
func (o *Options) Set(key, value string) {
	key = strings.ToLower(key)
	if _, seen := o.values[key]; !seen {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Get returns the value and whether the key is present.
func (o *Options) Get(key string) (string, bool) {
	v, ok := o.values[strings.ToLower(key)]
	return v, ok
}

// GetDefault returns the value or def when absent.
func (o *Options) GetDefault(key, def string) string {
	if v, ok := o.Get(key); ok {
		return v
	}
	return def
}

// GetInt parses the value as an integer, falling back to def when absent.
func (o *Options) GetInt(key string, def int) (int, error) {
	v, ok := o.Get(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, Errf(KindConfig, "option %s=%q is not an integer", key, v)
	}
	return n, nil
}

// GetFloat parses the value as a float, falling back to def when absent.
func (o *Options) GetFloat(key string, def float64) (float64, error) {
	v, ok := o.Get(key)
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, Errf(KindConfig, "option %s=%q is not a number", key, v)
	}
	return f, nil
}

// Require returns the value or a Config error naming the missing key.
func (o *Options) Require(key string) (string, error) {
	v, ok := o.Get(key)
	if !ok {
		return "", Errf(KindConfig, "required connect option %q is missing", key)
	}
	return v, nil
}

// Keys returns the keys in first-set order.
func (o *Options) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// WarnUnknown logs a warning for every key the selected engine does not
// recognize. Unknown keys are ignored, not fatal.
func (o *Options) WarnUnknown(log *slog.Logger, engine Engine, recognized ...string) {
	known := make(map[string]struct{}, len(recognized))
	for _, k := range recognized {
		known[k] = struct{}{}
	}
	for _, k := range o.keys {
		if _, ok := known[k]; !ok {
			log.Warn("ignoring unknown connect option", "engine", string(engine), "key", k)
		}
	}
}

// ParseEngine resolves an engine tag. "distributed-bus" is an accepted
// alias for "bus".
func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(s) {
	case "bus", "distributed-bus":
		return EngineBus, nil
	case "mqtt":
		return EngineMQTT, nil
	case "redis":
		return EngineRedis, nil
	case "amqp":
		return EngineAMQP, nil
	case "nats":
		return EngineNATS, nil
	case "kafka":
		return EngineKafka, nil
	case "mock":
		return EngineMock, nil
	default:
		return "", Errf(KindConfig, "unknown engine %q", s)
	}
}
