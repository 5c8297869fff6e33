package statsd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestTagToTraceTag(t *testing.T) {
	testCases := []struct {
		tag       string
		wantKey   string
		wantValue string
	}{
		{tag: "stage:process", wantKey: "stage", wantValue: "process"},
		{tag: "no_value", wantKey: "no_value", wantValue: ""},
		{tag: "many:colons:in:tag", wantKey: "many", wantValue: "colons:in:tag"},
		{tag: "no_tag_value:", wantKey: "no_tag_value", wantValue: ""},
		{tag: ":no_tag_key", wantKey: "no_tag_key", wantValue: ""},
	}

	for _, tc := range testCases {
		gotKey, gotValue := tagToTraceTag(tc.tag)
		assert.Equal(t, tc.wantKey, gotKey, tc.tag)
		assert.Equal(t, tc.wantValue, gotValue, tc.tag)
	}
}

func TestAttributesSkipsEmptyTags(t *testing.T) {
	got := Attributes("issue:orphaned_matches", "", ":")
	assert.Equal(t, []attribute.KeyValue{attribute.String("issue", "orphaned_matches")}, got)
}

func TestInitRequiresAddress(t *testing.T) {
	assert.Error(t, Init("", nil))
	// The no-op client keeps emitting safe.
	Count("matches.created", 1)
	Gauge("queue.length", 3)
}
