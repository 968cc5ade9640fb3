// Package connector maintains one logical, indefinitely long
// conversation per call with the speech/intent backend, on top of
// backend streams whose practical lifetime is bounded. The logical
// session rotates through physical stream instances: a fresh instance
// is opened after every spoken response, after a voice-only result, and
// whenever the keepalive timer fires, and the superseded instance is
// only discarded once its replacement is established.
//
// Inbound call audio is written to whichever instance is currently
// writable; response audio is framed into RTP packets and paced onto
// the call's outbound path at a fixed cadence.
package connector

import "context"

// StreamConfig is the configuration message sent first on every
// physical stream instance.
type StreamConfig struct {
	// SampleRate of the input audio in hertz.
	SampleRate int

	// OutputSampleRate of synthesized response audio in hertz. Kept
	// separate from the input rate: Asterisk plays external-media
	// audio back at 8kHz regardless of what it captures.
	OutputSampleRate int

	// LanguageCode for recognition (e.g. "en-US").
	LanguageCode string

	// Codec is the input audio codec name ("slin16" or "ulaw").
	Codec string

	// InitialEventName, when non-empty, asks the backend to start the
	// conversation from a named event. It is set only on the logical
	// session's very first instance.
	InitialEventName string

	// EnableOutputSpeech requests synthesized response audio.
	EnableOutputSpeech bool
}

// Recognition is an interim or final transcription signal.
type Recognition struct {
	Transcript string
	IsFinal    bool
	Confidence float32
}

// Intent is the resolved intent inside a final result.
type Intent struct {
	Name           string
	DisplayName    string
	EndInteraction bool
}

// Result is the backend's final answer for one stream cycle.
type Result struct {
	QueryText       string
	FulfillmentText string
	Intent          *Intent
	Parameters      map[string]string
}

// Response is one message received from a physical stream instance.
// Fields are optional and not mutually exclusive: a single message may
// carry a result together with its response audio.
type Response struct {
	Recognition *Recognition
	Result      *Result
	OutputAudio []byte
}

// Instance is one physical bidirectional stream to the backend.
type Instance interface {
	// Send writes one chunk of input audio.
	Send(audio []byte) error

	// CloseSend half-closes the write side so the backend finalizes;
	// the read side stays open.
	CloseSend() error

	// Recv blocks for the next backend message. It returns an error
	// when the stream terminates.
	Recv() (*Response, error)

	// Close releases the instance entirely.
	Close() error
}

// Backend opens physical stream instances. Implementations own
// transport and authentication; see the dialogflow package.
type Backend interface {
	OpenStream(ctx context.Context, cfg StreamConfig) (Instance, error)
}

// Message is what the connector reports upward for relaying to the
// call's events topic: a transcript or a result, never both.
type Message struct {
	Transcript *Recognition
	Result     *Result
}
