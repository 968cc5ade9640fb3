package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestCallAttrs(t *testing.T) {
	attrs := CallAttrs("chan-1", "1000", "Alice")
	assert.Equal(t, []attribute.KeyValue{
		attribute.String(AttrCallChannelID, "chan-1"),
		attribute.String(AttrCallRoom, "1000"),
		attribute.String(AttrCallerName, "Alice"),
	}, attrs)
}

func TestMediaAttrs(t *testing.T) {
	attrs := MediaAttrs(40000, 16000, "slin16")
	assert.Equal(t, []attribute.KeyValue{
		attribute.Int(AttrMediaPort, 40000),
		attribute.Int(AttrMediaSampleRate, 16000),
		attribute.String(AttrMediaCodec, "slin16"),
	}, attrs)
}

func TestIntentAttrs(t *testing.T) {
	attrs := IntentAttrs("transfer", true)
	assert.Equal(t, []attribute.KeyValue{
		attribute.String(AttrIntentName, "transfer"),
		attribute.Bool(AttrIntentEnding, true),
	}, attrs)
}
