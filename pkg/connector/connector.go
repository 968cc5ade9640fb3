package connector

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/voicegrid/asterisk-ai-bridge/pkg/audio"
	"github.com/voicegrid/asterisk-ai-bridge/pkg/trace"
)

// DefaultKeepaliveInterval is how long an instance may sit idle before
// it is rotated. Backends cut idle streams at around a minute; rotating
// just under that keeps the logical session alive through silence.
const DefaultKeepaliveInterval = 59 * time.Second

// DefaultOutputSampleRate is the synthesized-audio rate requested from
// the backend. 8kHz regardless of the input rate: at higher rates the
// fixed frame size carries less than 20ms of audio and playback slows
// down.
const DefaultOutputSampleRate = 8000

// Instance states.
const (
	stateOpen int32 = iota
	stateWritable
	stateHalfClosed
	stateClosed
)

// Config controls one logical session.
type Config struct {
	// SampleRate, LanguageCode, Codec, InitialEventName and
	// EnableOutputSpeech configure every stream instance; see
	// StreamConfig.
	SampleRate         int
	OutputSampleRate   int
	LanguageCode       string
	Codec              string
	InitialEventName   string
	EnableOutputSpeech bool

	// KeepaliveInterval overrides DefaultKeepaliveInterval (tests use
	// a short one).
	KeepaliveInterval time.Duration

	// Pacer configures response-audio framing.
	Pacer PacerConfig
}

// Connector is one call's logical AI session.
type Connector struct {
	id      string
	backend Backend
	cfg     Config
	sink    FrameSink
	swap16  bool
	onMsg   func(Message)
	log     *logrus.Entry

	pacer *Pacer

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cur       *instance
	cycles    int
	closed    bool
	keepalive *time.Timer

	pumpWG sync.WaitGroup
}

// instance tracks one physical stream and its lifecycle state.
type instance struct {
	stream Instance
	state  atomic.Int32
	cancel context.CancelFunc
}

func (in *instance) writable() bool {
	return in.state.Load() == stateWritable
}

func (in *instance) halfClose(log *logrus.Entry) {
	if !in.state.CompareAndSwap(stateWritable, stateHalfClosed) {
		return
	}
	log.Info("half-closing stream to obtain final result")
	if err := in.stream.CloseSend(); err != nil {
		log.WithError(err).Warn("half-close failed")
	}
}

// shutdown fully releases the instance. Safe to call more than once.
func (in *instance) shutdown() {
	in.state.Store(stateClosed)
	_ = in.stream.CloseSend()
	in.cancel()
	_ = in.stream.Close()
}

// New starts a logical session: it opens the first stream instance
// (with the initial event name, if configured) and arms the keepalive.
// Response audio is normalized for the sink's byte order when swap16 is
// set, framed per cfg.Pacer and written to sink. Transcripts and
// results are reported through onMsg.
func New(id string, backend Backend, sink FrameSink, swap16 bool, cfg Config, onMsg func(Message), log *logrus.Entry) *Connector {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = DefaultOutputSampleRate
	}
	ctx, cancel := context.WithCancel(context.Background())
	entry := log.WithField("session", id)

	c := &Connector{
		id:      id,
		backend: backend,
		cfg:     cfg,
		sink:    sink,
		swap16:  swap16,
		onMsg:   onMsg,
		log:     entry,
		pacer:   NewPacer(sink, cfg.Pacer, entry),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.rotate()
	return c
}

// Attach consumes inbound call audio from in until it closes, writing
// each chunk to the current stream instance.
func (c *Connector) Attach(in <-chan []byte) {
	c.pumpWG.Add(1)
	go func() {
		defer c.pumpWG.Done()
		for chunk := range in {
			c.WriteAudio(chunk)
		}
	}()
}

// WriteAudio forwards one chunk of call audio to the backend. Chunks
// arriving while no instance is writable (mid-rotation, after half
// close) are dropped silently; there is no buffering across instances.
func (c *Connector) WriteAudio(chunk []byte) {
	c.mu.Lock()
	in := c.cur
	c.mu.Unlock()

	if in == nil || !in.writable() {
		return
	}
	if err := in.stream.Send(chunk); err != nil {
		c.log.WithError(err).Debug("audio write failed, chunk dropped")
	}
}

// Cycles returns how many physical instances the session has opened.
func (c *Connector) Cycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}

// Close permanently ends the logical session: the keepalive timer and
// any pending paced frames are cancelled and the current instance is
// destroyed. Rotation requests after Close are ignored.
func (c *Connector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.keepalive != nil {
		c.keepalive.Stop()
	}
	cur := c.cur
	c.cur = nil
	c.mu.Unlock()

	c.log.Info("closing AI session")
	c.pacer.Stop()
	c.cancel()
	if cur != nil {
		cur.shutdown()
	}
}

// rotate opens a new physical instance and retires the previous one.
// The old instance is shut down only after the new one is established,
// so there is never a window with zero instances.
func (c *Connector) rotate() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.log.Debug("rotation requested on closed session ignored")
		return
	}

	c.cycles++
	cfg := StreamConfig{
		SampleRate:         c.cfg.SampleRate,
		OutputSampleRate:   c.cfg.OutputSampleRate,
		LanguageCode:       c.cfg.LanguageCode,
		Codec:              c.cfg.Codec,
		EnableOutputSpeech: c.cfg.EnableOutputSpeech,
	}
	// The initiating event belongs to the conversation, not the
	// stream: only the very first instance carries it.
	if c.cycles == 1 {
		cfg.InitialEventName = c.cfg.InitialEventName
	}
	cycle := c.cycles

	_, span := trace.StartSpan(c.ctx, "session.rotate")
	span.SetAttributes(attribute.Int(trace.AttrStreamCycle, cycle))
	defer span.End()

	ctx, cancel := context.WithCancel(c.ctx)
	stream, err := c.backend.OpenStream(ctx, cfg)
	if err != nil {
		// Instance-level failure never ends the logical session; the
		// keepalive will drive another attempt.
		cancel()
		c.armKeepaliveLocked()
		c.mu.Unlock()
		trace.RecordError(span, err)
		c.log.WithError(err).Error("failed to open backend stream")
		return
	}

	in := &instance{stream: stream, cancel: cancel}
	in.state.Store(stateWritable)

	old := c.cur
	c.cur = in
	c.armKeepaliveLocked()
	c.mu.Unlock()

	c.log.WithField("cycle", cycle).Info("opened backend stream")
	go c.recvLoop(in)

	if old != nil {
		old.shutdown()
	}
}

// armKeepaliveLocked (re)starts the idle-rotation timer. Callers hold
// c.mu.
func (c *Connector) armKeepaliveLocked() {
	if c.keepalive != nil {
		c.keepalive.Stop()
	}
	c.keepalive = time.AfterFunc(c.cfg.KeepaliveInterval, func() {
		c.log.Info("keepalive elapsed, rotating backend stream")
		c.rotate()
	})
}

// recvLoop drains one instance's responses until the stream ends.
func (c *Connector) recvLoop(in *instance) {
	for {
		resp, err := in.stream.Recv()
		if err != nil {
			in.state.Store(stateClosed)
			if expectedStreamEnd(err) {
				c.log.Debug("backend stream closed")
			} else {
				// Logged only: the logical session survives instance
				// errors and continues on the next rotation.
				c.log.WithError(err).Error("backend stream error")
			}
			return
		}
		c.handleResponse(in, resp)
	}
}

func (c *Connector) handleResponse(in *instance, resp *Response) {
	if resp.Recognition != nil {
		c.onMsg(Message{Transcript: resp.Recognition})
	}
	if resp.Result != nil {
		c.onMsg(Message{Result: resp.Result})
	}

	if len(resp.OutputAudio) > 0 {
		c.playResponse(resp.OutputAudio)
		c.rotate()
		return
	}

	// No speech output configured: a result that does not end the
	// interaction still needs a fresh stream for the next utterance.
	if !c.cfg.EnableOutputSpeech && resp.Result != nil &&
		in.state.Load() == stateHalfClosed &&
		resp.Result.Intent != nil && !resp.Result.Intent.EndInteraction {
		c.rotate()
		return
	}

	// A final transcript means the caller stopped talking: half-close
	// so the backend finalizes and returns its result.
	if resp.Recognition != nil && resp.Recognition.IsFinal {
		in.halfClose(c.log)
	}
}

// playResponse normalizes a response-audio payload for the wire and
// hands it to the pacer.
func (c *Connector) playResponse(payload []byte) {
	if c.cfg.Codec == "slin16" {
		// LINEAR16 responses arrive in a WAV container with
		// little-endian samples; ulaw responses are headerless and
		// untouched.
		payload = audio.StripWAVHeader(payload)
		if c.swap16 {
			payload = audio.SwapBytes16(payload)
		}
	}
	if len(payload) == 0 {
		c.log.Warn("response audio empty after container strip")
		return
	}
	c.log.WithField("bytes", len(payload)).Info("pacing response audio to caller")
	c.pacer.Play(payload)
}

// expectedStreamEnd reports stream terminations that are part of
// normal rotation or shutdown rather than faults.
func expectedStreamEnd(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}
