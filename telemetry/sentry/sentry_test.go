package sentry

import (
	"context"
	"sync"
	"testing"
	"time"

	sentrygo "github.com/getsentry/sentry-go"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu     sync.Mutex
	events []*sentrygo.Event
}

func (t *recordingTransport) Configure(sentrygo.ClientOptions) {}

func (t *recordingTransport) SendEvent(event *sentrygo.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func (t *recordingTransport) Flush(time.Duration) bool { return true }

func (t *recordingTransport) Close() {}

func (t *recordingTransport) recorded() []*sentrygo.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sentrygo.Event(nil), t.events...)
}

func install(t *testing.T) *recordingTransport {
	t.Helper()
	transport := &recordingTransport{}
	require.NoError(t, New(Options{
		DSN:         "https://public@sentry.example.com/1",
		Environment: "test",
		Tags:        map[string]string{"namespace": "test"},
		Transport:   transport,
	}))
	t.Cleanup(Close)
	return transport
}

func TestEmptyDSNDisablesReporting(t *testing.T) {
	require.NoError(t, New(Options{}))
	assert.False(t, Enabled())

	CaptureException(context.Background(), eris.New("boom"))
	func() {
		defer RecoverAndFlush(false)
	}()
}

func TestCaptureException(t *testing.T) {
	transport := install(t)
	require.True(t, Enabled())

	CaptureException(context.Background(), nil)
	assert.Empty(t, transport.recorded())

	CaptureException(context.Background(), eris.New("store exploded"))
	events := transport.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, "test", events[0].Environment)
	assert.Equal(t, "test", events[0].Tags["namespace"])
	require.NotEmpty(t, events[0].Exception)
	assert.Contains(t, events[0].Exception[len(events[0].Exception)-1].Value, "store exploded")
}

func TestRecoverAndFlushReportsPanic(t *testing.T) {
	transport := install(t)

	func() {
		defer RecoverAndFlush(false)
		panic("reconciler crashed")
	}()
	require.Len(t, transport.recorded(), 1)

	assert.PanicsWithValue(t, "again", func() {
		defer RecoverAndFlush(true)
		panic("again")
	})
	assert.Len(t, transport.recorded(), 2)
}
