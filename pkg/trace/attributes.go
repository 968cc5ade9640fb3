package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys used throughout the application
const (
	// Call attributes
	AttrCallChannelID = "call.channel_id"
	AttrCallRoom      = "call.room"
	AttrCallerName    = "call.caller_name"

	// Media attributes
	AttrMediaPort       = "media.port"
	AttrMediaCodec      = "media.codec"
	AttrMediaSampleRate = "media.sample_rate"

	// Backend stream attributes
	AttrStreamCycle  = "stream.cycle"
	AttrIntentName   = "intent.name"
	AttrIntentEnding = "intent.end_interaction"
)

// Helper functions to create common attributes

// CallAttrs creates attributes for a call
func CallAttrs(channelID, room, caller string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCallChannelID, channelID),
		attribute.String(AttrCallRoom, room),
		attribute.String(AttrCallerName, caller),
	}
}

// MediaAttrs creates attributes for a media session
func MediaAttrs(port, sampleRate int, codec string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrMediaPort, port),
		attribute.Int(AttrMediaSampleRate, sampleRate),
		attribute.String(AttrMediaCodec, codec),
	}
}

// IntentAttrs creates attributes for a resolved intent
func IntentAttrs(name string, endInteraction bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrIntentName, name),
		attribute.Bool(AttrIntentEnding, endInteraction),
	}
}
