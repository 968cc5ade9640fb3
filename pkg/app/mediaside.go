package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voicegrid/asterisk-ai-bridge/pkg/config"
	"github.com/voicegrid/asterisk-ai-bridge/pkg/connector"
	"github.com/voicegrid/asterisk-ai-bridge/pkg/coordination"
	"github.com/voicegrid/asterisk-ai-bridge/pkg/dialogflow"
	"github.com/voicegrid/asterisk-ai-bridge/pkg/rtpserver"
	"github.com/voicegrid/asterisk-ai-bridge/pkg/trace"
)

// MediaSide owns the RTP socket and the per-call AI sessions. It reacts
// to stream announcements on the coordination bus: newStream binds a
// demux port and opens a logical backend session, streamEnded releases
// both.
type MediaSide struct {
	rtp     *rtpserver.Server
	backend *dialogflow.Backend
	coord   *coordination.Coordinator
	cfg     *config.Config
	log     *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*mediaSession
}

type mediaSession struct {
	port int
	conn *connector.Connector
}

// NewMediaSide wires the media side onto a bound RTP server and a
// dialed backend.
func NewMediaSide(rtp *rtpserver.Server, backend *dialogflow.Backend, coord *coordination.Coordinator, cfg *config.Config, log *logrus.Entry) *MediaSide {
	return &MediaSide{
		rtp:      rtp,
		backend:  backend,
		coord:    coord,
		cfg:      cfg,
		log:      log.WithField("component", "mediaside"),
		sessions: make(map[string]*mediaSession),
	}
}

// Start subscribes to stream announcements.
func (m *MediaSide) Start() error {
	return m.coord.SubscribeStreams(m.onNewStream, m.onStreamEnded)
}

func (m *MediaSide) onNewStream(info coordination.StreamInfo) {
	log := m.log.WithFields(logrus.Fields{"channel": info.ChannelID, "port": info.Port})

	m.mu.Lock()
	if _, dup := m.sessions[info.ChannelID]; dup {
		m.mu.Unlock()
		log.Debug("duplicate newStream ignored")
		return
	}
	m.mu.Unlock()

	stream, err := m.rtp.CreateStream(info.Port)
	if err != nil {
		if errors.Is(err, rtpserver.ErrStreamExists) {
			log.Debug("duplicate newStream ignored")
			return
		}
		log.WithError(err).Error("failed to create RTP stream")
		return
	}

	conn := connector.New(
		info.ChannelID,
		m.backend.Session(info.ChannelID),
		stream,
		stream.Swap16(),
		connector.Config{
			SampleRate:         m.cfg.Dialogflow.SampleRate,
			OutputSampleRate:   m.cfg.Dialogflow.OutputSampleRate,
			LanguageCode:       m.cfg.Dialogflow.LanguageCode,
			Codec:              m.cfg.RTP.Format,
			InitialEventName:   m.cfg.Dialogflow.InitialEvent,
			EnableOutputSpeech: m.cfg.Dialogflow.EnableOutputSpeech,
			Pacer: connector.PacerConfig{
				FrameBytes:         m.cfg.RTP.FrameBytes,
				TimestampIncrement: uint32(m.cfg.RTP.TimestampIncrement),
				PayloadType:        uint8(m.cfg.RTP.PayloadType),
				Interval:           20 * time.Millisecond,
			},
		},
		m.eventPublisher(info.ChannelID),
		m.log,
	)
	conn.Attach(stream.Audio())

	m.mu.Lock()
	m.sessions[info.ChannelID] = &mediaSession{port: info.Port, conn: conn}
	m.mu.Unlock()

	_, span := trace.StartSpan(context.Background(), "media.session.open")
	trace.SetAttributes(span, trace.CallAttrs(info.ChannelID, info.RoomName, info.CallerName)...)
	trace.SetAttributes(span, trace.MediaAttrs(info.Port, m.cfg.Dialogflow.SampleRate, m.cfg.RTP.Format)...)
	span.End()

	log.WithField("caller", info.CallerName).Info("media session established")
}

func (m *MediaSide) onStreamEnded(info coordination.StreamInfo) {
	m.mu.Lock()
	sess, ok := m.sessions[info.ChannelID]
	delete(m.sessions, info.ChannelID)
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.conn.Close()
	m.rtp.EndStream(sess.port)
	m.log.WithFields(logrus.Fields{"channel": info.ChannelID, "port": sess.port}).Info("media session released")
}

// eventPublisher relays connector messages onto the call's events
// topic.
func (m *MediaSide) eventPublisher(channelID string) func(connector.Message) {
	return func(msg connector.Message) {
		var ev coordination.AIEvent
		switch {
		case msg.Transcript != nil:
			ev.Transcript = &coordination.Transcript{
				Transcript: msg.Transcript.Transcript,
				IsFinal:    msg.Transcript.IsFinal,
				Confidence: msg.Transcript.Confidence,
			}
		case msg.Result != nil:
			intent := &coordination.Intent{
				QueryText:       msg.Result.QueryText,
				FulfillmentText: msg.Result.FulfillmentText,
				Parameters:      msg.Result.Parameters,
			}
			if msg.Result.Intent != nil {
				intent.Name = msg.Result.Intent.Name
				intent.DisplayName = msg.Result.Intent.DisplayName
				intent.EndInteraction = msg.Result.Intent.EndInteraction
			}
			ev.Intent = intent
		default:
			return
		}

		if err := m.coord.PublishAIEvent(channelID, ev); err != nil {
			m.log.WithError(err).WithField("channel", channelID).Error("failed to publish AI event")
		}
	}
}

// Close releases every live session.
func (m *MediaSide) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*mediaSession)
	m.mu.Unlock()

	for id, sess := range sessions {
		sess.conn.Close()
		m.rtp.EndStream(sess.port)
		m.log.WithField("channel", id).Debug("media session released on shutdown")
	}
}
