package connector

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/voicegrid/asterisk-ai-bridge/pkg/audio"
)

// FrameSink receives framed RTP packets; the RTP stream handle
// satisfies it.
type FrameSink interface {
	Send(pkt []byte) error
}

// PacerConfig controls response-audio framing.
type PacerConfig struct {
	// FrameBytes is the payload size per RTP frame (320 for 8kHz
	// slin16, 640 for 16kHz).
	FrameBytes int

	// TimestampIncrement is added to the RTP timestamp per frame.
	TimestampIncrement uint32

	// PayloadType is the RTP payload-type tag.
	PayloadType uint8

	// Interval overrides the 20ms frame cadence (tests use a short
	// one).
	Interval time.Duration
}

// Pacer clocks one response-audio burst at a time onto the wire. All of
// a burst's pending frames hang off a single cancellable context, so
// starting a new burst (or stopping the pacer) cancels the remainder of
// the previous burst as one group and bursts never interleave.
type Pacer struct {
	cfg  PacerConfig
	sink FrameSink
	log  *logrus.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewPacer creates a pacer writing to sink.
func NewPacer(sink FrameSink, cfg PacerConfig, log *logrus.Entry) *Pacer {
	if cfg.Interval <= 0 {
		cfg.Interval = audio.FrameDurationMs * time.Millisecond
	}
	return &Pacer{cfg: cfg, sink: sink, log: log}
}

// Play schedules payload as one burst of fixed-size frames, cancelling
// whatever remains of a previous burst. The burst shares one random
// SSRC and one random starting sequence number; the timestamp is seeded
// from wall time and stepped by the configured increment.
func (p *Pacer) Play(payload []byte) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(ctx, payload)
}

// Stop cancels any pending frames.
func (p *Pacer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Pacer) run(ctx context.Context, payload []byte) {
	frames := audio.FrameCount(len(payload), p.cfg.FrameBytes)
	if frames == 0 {
		return
	}

	seq := randomUint16()
	ssrc := randomUint32()
	ts := uint32(time.Now().Unix())

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for i := 0; i < frames; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}

		start := i * p.cfg.FrameBytes
		end := start + p.cfg.FrameBytes
		if end > len(payload) {
			end = len(payload)
		}

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    p.cfg.PayloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           ssrc,
			},
			Payload: payload[start:end],
		}
		buf, err := pkt.Marshal()
		if err != nil {
			p.log.WithError(err).Error("RTP marshal failed, aborting burst")
			return
		}
		// The ticker may have fired in the same instant the burst was
		// cancelled; never put a stale frame on the wire after a
		// replacement burst has started.
		if ctx.Err() != nil {
			return
		}
		if err := p.sink.Send(buf); err != nil {
			// Sink gone: the rest of the burst is pointless.
			p.log.WithError(err).Debug("frame send failed, cancelling burst remainder")
			return
		}

		seq++
		ts += p.cfg.TimestampIncrement
	}
}

func randomUint16() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
