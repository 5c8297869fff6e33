// Package statsd is a helper package that wraps the statsd calls made by the coordinator.
// It hides the datadog dependency so only this file changes if the metrics backend does.
package statsd

import (
	"strings"
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const namespace = "pairing."

var client ddstatsd.ClientInterface = &ddstatsd.NoOpClient{}

func Client() ddstatsd.ClientInterface {
	return client
}

// Count increments a counter, logging instead of failing when the agent is unreachable.
func Count(name string, value int64, tags ...string) {
	if err := Client().Count(name, value, tags, 1); err != nil {
		log.Logger.Warn().Msgf("failed to emit %s: %v", name, err)
	}
}

func Gauge(name string, value float64, tags ...string) {
	if err := Client().Gauge(name, value, tags, 1); err != nil {
		log.Logger.Warn().Msgf("failed to emit %s: %v", name, err)
	}
}

// EmitDuration records the time elapsed since start for stage, e.g. "process" or "reconcile".
func EmitDuration(start time.Time, stage string) {
	if err := Client().Timing("duration", time.Since(start), []string{"stage:" + stage}, 1); err != nil {
		log.Logger.Warn().Msgf("failed to emit %s duration: %v", stage, err)
	}
}

func Init(address string, tags []string) error {
	if address == "" {
		return eris.New("address must not be empty")
	}
	opts := []ddstatsd.Option{
		// The statsd namespace is the prefix of all metrics
		ddstatsd.WithNamespace(namespace),
	}
	if len(tags) > 0 {
		opts = append(opts, ddstatsd.WithTags(tags))
	}

	newClient, err := ddstatsd.New(address, opts...)
	if err != nil {
		return err
	}
	client = newClient
	return nil
}

// Close flushes and closes the client, restoring the no-op client.
func Close() error {
	c := client
	client = &ddstatsd.NoOpClient{}
	if err := c.Close(); err != nil {
		return eris.Wrap(err, "failed to close statsd client")
	}
	return nil
}

// Attributes converts metric tags into span attributes so traces and metrics share the same labels.
func Attributes(tags ...string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(tags))
	for _, tag := range tags {
		key, value := tagToTraceTag(tag)
		if key == "" {
			continue
		}
		out = append(out, attribute.String(key, value))
	}
	return out
}

// tagToTraceTag splits a "key:value" tag. Tags without a value produce an empty value.
func tagToTraceTag(tag string) (string, string) {
	key, value, _ := strings.Cut(tag, ":")
	if key == "" {
		return value, ""
	}
	return key, value
}
