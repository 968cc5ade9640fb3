package rtpserver

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

var (
	// ErrStreamClosed is returned by Send after the stream has ended.
	ErrStreamClosed = errors.New("rtpserver: stream closed")

	// ErrNoPeer is returned by Send before any inbound datagram has
	// been observed on the stream's port. The peer address is only
	// learned from inbound traffic, so there is nowhere to send yet.
	ErrNoPeer = errors.New("rtpserver: peer address not yet known")
)

// Stream is the duplex per-call audio handle. The receive side is a
// channel of header-stripped, byte-order-normalized payloads in receipt
// order; the send side writes framed RTP packets to the most recently
// observed peer address for the stream's port.
type Stream struct {
	srv    *Server
	port   int
	swap16 bool

	in   chan []byte
	peer atomic.Pointer[net.UDPAddr]

	mu     sync.Mutex
	closed bool

	dropped atomic.Uint64
}

func newStream(srv *Server, port int, swap16 bool) *Stream {
	return &Stream{
		srv:    srv,
		port:   port,
		swap16: swap16,
		in:     make(chan []byte, streamQueueSize),
	}
}

// Port returns the peer source port this stream is keyed by.
func (st *Stream) Port() int {
	return st.port
}

// Swap16 reports whether 16-bit byte-order normalization applies to
// this stream's codec. Outbound payloads must be normalized the same
// way before framing.
func (st *Stream) Swap16() bool {
	return st.swap16
}

// Audio returns the inbound payload channel. It is closed when the
// stream ends; a new stream must be created to receive again.
func (st *Stream) Audio() <-chan []byte {
	return st.in
}

// Send writes one framed RTP packet to the stream's peer.
func (st *Stream) Send(pkt []byte) error {
	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}

	peer := st.peer.Load()
	if peer == nil {
		return ErrNoPeer
	}
	return st.srv.send(pkt, peer)
}

// Dropped returns how many inbound payloads were discarded because the
// consumer fell behind.
func (st *Stream) Dropped() uint64 {
	return st.dropped.Load()
}

// deliver hands one inbound payload to the consumer. It never blocks
// the socket read loop: if the consumer's queue is full the payload is
// dropped and counted. Delivery stops atomically with close, so no
// payload is seen after EndStream returns.
func (st *Stream) deliver(payload []byte, from *net.UDPAddr) {
	st.peer.Store(from)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	select {
	case st.in <- payload:
	default:
		st.dropped.Add(1)
	}
}

func (st *Stream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	close(st.in)
}
