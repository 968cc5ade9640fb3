package connector

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInstance is a scripted backend stream.
type fakeInstance struct {
	cycle int

	mu         sync.Mutex
	sent       [][]byte
	halfClosed bool
	closed     bool

	resp chan *Response
	done chan struct{}
}

func newFakeInstance(cycle int) *fakeInstance {
	return &fakeInstance{
		cycle: cycle,
		resp:  make(chan *Response, 8),
		done:  make(chan struct{}),
	}
}

func (f *fakeInstance) Send(audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, audio)
	return nil
}

func (f *fakeInstance) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halfClosed = true
	return nil
}

func (f *fakeInstance) Recv() (*Response, error) {
	select {
	case r := <-f.resp:
		return r, nil
	case <-f.done:
		return nil, io.EOF
	}
}

func (f *fakeInstance) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeInstance) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeInstance) isHalfClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.halfClosed
}

func (f *fakeInstance) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeBackend hands out scripted instances and records lifecycle order.
type fakeBackend struct {
	mu        sync.Mutex
	instances []*fakeInstance
	configs   []StreamConfig
	events    []string
}

func (b *fakeBackend) OpenStream(ctx context.Context, cfg StreamConfig) (Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in := newFakeInstance(len(b.instances) + 1)
	b.instances = append(b.instances, in)
	b.configs = append(b.configs, cfg)
	b.events = append(b.events, "open")
	return &trackedInstance{fakeInstance: in, backend: b}, nil
}

// trackedInstance appends a close event when the connector discards it.
type trackedInstance struct {
	*fakeInstance
	backend *fakeBackend
}

func (tin *trackedInstance) Close() error {
	tin.backend.mu.Lock()
	tin.backend.events = append(tin.backend.events, "close")
	tin.backend.mu.Unlock()
	return tin.fakeInstance.Close()
}

func (b *fakeBackend) instance(i int) *fakeInstance {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.instances) {
		return nil
	}
	return b.instances[i]
}

func (b *fakeBackend) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.instances)
}

func (b *fakeBackend) eventLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// messageRecorder collects connector messages.
type messageRecorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *messageRecorder) record(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *messageRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testConfig() Config {
	return Config{
		SampleRate:         16000,
		LanguageCode:       "en-US",
		Codec:              "ulaw", // headerless responses keep test payloads simple
		InitialEventName:   "welcome",
		EnableOutputSpeech: true,
		KeepaliveInterval:  time.Hour, // effectively off unless a test shortens it
		Pacer:              pacerConfig(time.Millisecond),
	}
}

func newTestConnector(t *testing.T, backend *fakeBackend, cfg Config, sink FrameSink, rec *messageRecorder) *Connector {
	t.Helper()
	if sink == nil {
		sink = &captureSink{}
	}
	if rec == nil {
		rec = &messageRecorder{}
	}
	c := New("abc", backend, sink, false, cfg, rec.record, testLogger())
	t.Cleanup(c.Close)
	return c
}

func TestConnector_InitialEventOnlyOnFirstInstance(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestConnector(t, backend, testConfig(), nil, nil)

	require.Equal(t, 1, backend.openCount())
	assert.Equal(t, "welcome", backend.configs[0].InitialEventName)
	assert.Equal(t, 16000, backend.configs[0].SampleRate)
	assert.Equal(t, DefaultOutputSampleRate, backend.configs[0].OutputSampleRate)
	assert.Equal(t, "en-US", backend.configs[0].LanguageCode)

	c.rotate()
	require.Equal(t, 2, backend.openCount())
	assert.Empty(t, backend.configs[1].InitialEventName, "initiating event must not repeat on later instances")
}

func TestConnector_WriteAudioReachesCurrentInstance(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestConnector(t, backend, testConfig(), nil, nil)

	c.WriteAudio([]byte{0x01})
	c.WriteAudio([]byte{0x02})
	assert.Equal(t, 2, backend.instance(0).sentCount())
}

func TestConnector_HalfCloseOnFinalRecognition(t *testing.T) {
	backend := &fakeBackend{}
	rec := &messageRecorder{}
	c := newTestConnector(t, backend, testConfig(), nil, rec)

	in := backend.instance(0)
	in.resp <- &Response{Recognition: &Recognition{Transcript: "hi", IsFinal: false}}
	in.resp <- &Response{Recognition: &Recognition{Transcript: "hi there", IsFinal: true}}

	waitFor(t, in.isHalfClosed, "final recognition must half-close the write side")

	// Writes while half-closed are dropped silently.
	before := in.sentCount()
	c.WriteAudio([]byte{0x03})
	assert.Equal(t, before, in.sentCount())

	// Both transcripts were reported upward.
	waitFor(t, func() bool { return rec.count() == 2 }, "transcripts not reported")
}

func TestConnector_ResponseAudioRotatesStream(t *testing.T) {
	backend := &fakeBackend{}
	sink := &captureSink{}
	newTestConnector(t, backend, testConfig(), sink, nil)

	in := backend.instance(0)
	in.resp <- &Response{
		Result:      &Result{Intent: &Intent{DisplayName: "greet"}},
		OutputAudio: make([]byte, 640),
	}

	waitFor(t, func() bool { return backend.openCount() == 2 }, "response audio must trigger rotation")
	waitFor(t, in.isClosed, "old instance must be discarded")

	// The replacement was established before the old instance closed.
	assert.Equal(t, []string{"open", "open", "close"}, backend.eventLog()[:3])

	// And the audio went out the paced path.
	sink.waitFrames(t, 2)
}

func TestConnector_KeepaliveRotation(t *testing.T) {
	cfg := testConfig()
	cfg.KeepaliveInterval = 50 * time.Millisecond
	backend := &fakeBackend{}
	newTestConnector(t, backend, cfg, nil, nil)

	require.Equal(t, 1, backend.openCount())

	// One keepalive period with no backend traffic: exactly one
	// rotation, old instance closed only after the new one opened.
	waitFor(t, func() bool { return backend.openCount() == 2 }, "keepalive did not rotate")
	waitFor(t, backend.instance(0).isClosed, "old instance left open")
	assert.Equal(t, []string{"open", "open", "close"}, backend.eventLog()[:3])
}

func TestConnector_VoiceOnlyContinuation(t *testing.T) {
	cfg := testConfig()
	cfg.EnableOutputSpeech = false
	backend := &fakeBackend{}
	newTestConnector(t, backend, cfg, nil, nil)

	in := backend.instance(0)
	in.resp <- &Response{Recognition: &Recognition{Transcript: "book a table", IsFinal: true}}
	waitFor(t, in.isHalfClosed, "final transcript must half-close")

	// A result without end-interaction keeps the conversation going on
	// a fresh stream.
	in.resp <- &Response{Result: &Result{Intent: &Intent{DisplayName: "book", EndInteraction: false}}}
	waitFor(t, func() bool { return backend.openCount() == 2 }, "voice-only result must rotate")
}

func TestConnector_VoiceOnlyEndInteractionStops(t *testing.T) {
	cfg := testConfig()
	cfg.EnableOutputSpeech = false
	backend := &fakeBackend{}
	newTestConnector(t, backend, cfg, nil, nil)

	in := backend.instance(0)
	in.resp <- &Response{Recognition: &Recognition{Transcript: "bye", IsFinal: true}}
	waitFor(t, in.isHalfClosed, "final transcript must half-close")

	in.resp <- &Response{Result: &Result{Intent: &Intent{DisplayName: "bye", EndInteraction: true}}}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, backend.openCount(), "ending interaction must not rotate")
}

func TestConnector_InstanceErrorDoesNotEndSession(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestConnector(t, backend, testConfig(), nil, nil)

	// Kill the instance out from under the session.
	backend.instance(0).Close()
	time.Sleep(20 * time.Millisecond)

	// The logical session is still live: a rotation succeeds.
	c.rotate()
	assert.Equal(t, 2, backend.openCount())
	assert.Equal(t, 2, c.Cycles())
}

func TestConnector_CloseIsIdempotentAndStopsRotation(t *testing.T) {
	backend := &fakeBackend{}
	rec := &messageRecorder{}
	c := newTestConnector(t, backend, testConfig(), nil, rec)

	c.Close()
	c.Close()

	waitFor(t, backend.instance(0).isClosed, "close must destroy the current instance")

	// Rotation requests after close are ignored.
	c.rotate()
	assert.Equal(t, 1, backend.openCount())
	assert.Equal(t, 1, c.Cycles())
}

func TestConnector_AttachPumpsUntilChannelCloses(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestConnector(t, backend, testConfig(), nil, nil)

	in := make(chan []byte, 4)
	c.Attach(in)
	in <- []byte{0x01}
	in <- []byte{0x02}
	close(in)

	waitFor(t, func() bool { return backend.instance(0).sentCount() == 2 }, "attached audio not forwarded")
}

func TestConnector_PlayResponseStripsWAVForSlin16(t *testing.T) {
	cfg := testConfig()
	cfg.Codec = "slin16"
	backend := &fakeBackend{}
	sink := &captureSink{}
	c := New("abc", backend, sink, true, cfg, func(Message) {}, testLogger())
	t.Cleanup(c.Close)

	// 44-byte container + one 320-byte frame of 0x01,0x02 pairs.
	payload := make([]byte, 44+320)
	for i := 44; i < len(payload); i += 2 {
		payload[i], payload[i+1] = 0x01, 0x02
	}
	c.playResponse(payload)

	frames := sink.waitFrames(t, 1)
	require.Len(t, frames[0].Payload, 320)
	// Byte order normalized for the wire.
	assert.Equal(t, byte(0x02), frames[0].Payload[0])
	assert.Equal(t, byte(0x01), frames[0].Payload[1])
}
