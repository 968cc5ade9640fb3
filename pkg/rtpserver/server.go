// Package rtpserver implements the shared RTP/UDP media socket.
//
// One process-wide UDP socket receives audio for every active call.
// Asterisk allocates a distinct local port per external-media channel
// and sends from that port, so inbound datagrams are demultiplexed into
// per-call streams by their source port. Datagrams for ports with no
// registered stream are a normal transient condition (the stream is
// created asynchronously off the broker) and are dropped silently.
//
// Each datagram is assumed to carry a fixed 12-byte RTP header followed
// by raw linear PCM. The header is skipped, not parsed. When the
// configured codec requires it, every 16-bit sample is byte-swapped
// before delivery, and symmetrically on the outbound path.
package rtpserver

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/voicegrid/asterisk-ai-bridge/pkg/audio"
)

// RTPHeaderSize is the fixed RTP header length stripped from every
// inbound datagram.
const RTPHeaderSize = 12

const (
	readBufferSize  = 2048
	streamQueueSize = 64
)

var (
	// ErrStreamExists is returned when a stream is already registered
	// for the requested port.
	ErrStreamExists = errors.New("rtpserver: stream already registered for port")

	// ErrNotBound is returned for operations that need the socket
	// before Bind has succeeded.
	ErrNotBound = errors.New("rtpserver: socket not bound")
)

// Config holds the UDP listener settings.
type Config struct {
	// Host is the local bind address.
	Host string

	// Port is the local bind port.
	Port int

	// Swap16 enables 16-bit byte-order normalization on both
	// directions (slin16 deployments).
	Swap16 bool
}

// Server owns the shared UDP socket and the port-keyed stream registry.
type Server struct {
	cfg Config
	log *logrus.Entry

	conn *net.UDPConn

	mu      sync.RWMutex
	streams map[int]*Stream
	closed  bool

	fatal chan error
}

// New creates a Server. Call Bind to open the socket.
func New(cfg Config, log *logrus.Entry) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		streams: make(map[int]*Stream),
		fatal:   make(chan error, 1),
	}
}

// Bind opens the UDP socket and starts the read loop.
func (s *Server) Bind() error {
	addr := &net.UDPAddr{IP: net.ParseIP(s.cfg.Host), Port: s.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("rtpserver: bind %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}
	s.conn = conn
	s.log.WithFields(logrus.Fields{
		"addr":   conn.LocalAddr().String(),
		"swap16": s.cfg.Swap16,
	}).Info("RTP server bound")

	go s.readLoop()
	return nil
}

// LocalAddr returns the bound socket address, or nil before Bind.
func (s *Server) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Fatal delivers the socket-level error that tore the server down, if
// any. A socket error is fatal for all active streams, not just one.
func (s *Server) Fatal() <-chan error {
	return s.fatal
}

// CreateStream registers interest in inbound traffic from srcPort and
// returns the duplex stream handle. At most one stream may exist per
// port at a time.
func (s *Server) CreateStream(srcPort int) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrNotBound
	}
	if _, ok := s.streams[srcPort]; ok {
		return nil, fmt.Errorf("%w: %d", ErrStreamExists, srcPort)
	}

	st := newStream(s, srcPort, s.cfg.Swap16)
	s.streams[srcPort] = st
	s.log.WithField("port", srcPort).Info("created RTP stream")
	return st, nil
}

// EndStream deregisters the port and closes its stream handle. Ending a
// port with no registered stream is a no-op: the coordination layer
// delivers at least once, so duplicate endings are expected.
func (s *Server) EndStream(srcPort int) {
	s.mu.Lock()
	st, ok := s.streams[srcPort]
	if ok {
		delete(s.streams, srcPort)
	}
	s.mu.Unlock()

	if !ok {
		s.log.WithField("port", srcPort).Debug("endStream for unknown port ignored")
		return
	}
	st.close()
	s.log.WithField("port", srcPort).Info("ended RTP stream")
}

// Close tears down every stream and the socket itself.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = make(map[int]*Stream)
	s.mu.Unlock()

	for _, st := range streams {
		st.close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Server) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if closed {
				return
			}
			s.log.WithError(err).Error("RTP socket error, terminating all streams")
			s.fatal <- err
			s.Close()
			return
		}

		if n < RTPHeaderSize {
			s.log.WithFields(logrus.Fields{
				"bytes": n,
				"from":  raddr.String(),
			}).Debug("dropping runt datagram")
			continue
		}

		s.mu.RLock()
		st, ok := s.streams[raddr.Port]
		s.mu.RUnlock()
		if !ok {
			// No stream registered yet for this port.
			continue
		}

		payload := make([]byte, n-RTPHeaderSize)
		copy(payload, buf[RTPHeaderSize:n])
		if s.cfg.Swap16 {
			audio.SwapBytes16(payload)
		}
		st.deliver(payload, raddr)
	}
}

func (s *Server) send(b []byte, to *net.UDPAddr) error {
	if s.conn == nil {
		return ErrNotBound
	}
	_, err := s.conn.WriteToUDP(b, to)
	return err
}
