// Package sentry reports coordinator panics and internal errors to Sentry. Every function is a no-op until
// New has been called with a DSN.
package sentry

import (
	"context"
	"time"

	sentrygo "github.com/getsentry/sentry-go"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/trace"
)

const flushTimeout = 5 * time.Second

type Options struct {
	DSN         string
	Environment string
	Tags        map[string]string

	// Transport replaces the HTTP transport. Tests use it to capture events.
	Transport sentrygo.Transport
}

// New installs the Sentry client. An empty DSN leaves reporting disabled.
func New(opt Options) error {
	if opt.DSN == "" {
		return nil
	}
	err := sentrygo.Init(sentrygo.ClientOptions{
		Dsn:         opt.DSN,
		Environment: opt.Environment,
		Tags:        opt.Tags,
		Transport:   opt.Transport,
	})
	if err != nil {
		return eris.Wrap(err, "failed to initialize sentry")
	}
	return nil
}

// Enabled reports whether a client is installed.
func Enabled() bool {
	return sentrygo.CurrentHub().Client() != nil
}

// CaptureException reports a handled error, tagged with the trace of ctx when there is one.
func CaptureException(ctx context.Context, err error) {
	if err == nil || !Enabled() {
		return
	}
	sentrygo.WithScope(func(scope *sentrygo.Scope) {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			scope.SetTag("trace_id", sc.TraceID().String())
			scope.SetTag("span_id", sc.SpanID().String())
		}
		scope.SetExtra("trace", eris.ToString(err, true))
		sentrygo.CaptureException(err)
	})
}

// RecoverAndFlush must be deferred. It reports a panic, if any, and flushes pending events.
// With repanic set the panic continues after the flush.
func RecoverAndFlush(repanic bool) {
	if !Enabled() {
		return
	}
	if r := recover(); r != nil {
		sentrygo.CurrentHub().Recover(r)
		sentrygo.Flush(flushTimeout)
		if repanic {
			panic(r)
		}
		return
	}
	sentrygo.Flush(flushTimeout)
}

// Close flushes pending events and uninstalls the client.
func Close() {
	if !Enabled() {
		return
	}
	sentrygo.Flush(flushTimeout)
	sentrygo.CurrentHub().BindClient(nil)
}
