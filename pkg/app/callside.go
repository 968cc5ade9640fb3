package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CyCoreSystems/ari/v6"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voicegrid/asterisk-ai-bridge/pkg/bridge"
	"github.com/voicegrid/asterisk-ai-bridge/pkg/config"
	"github.com/voicegrid/asterisk-ai-bridge/pkg/coordination"
	"github.com/voicegrid/asterisk-ai-bridge/pkg/trace"
)

// externalMediaPrefix marks channel names Asterisk gives to
// external-media legs; those also enter the application and must not be
// treated as callers.
const externalMediaPrefix = "UnicastRTP"

const playbackTimeout = 10 * time.Second

// CallSide owns ARI orchestration: it answers arriving calls, builds a
// mixing bridge with an external-media leg per call and announces the
// allocated RTP port on the coordination bus.
type CallSide struct {
	client ari.Client
	cc     *bridge.AriCallControl
	coord  *coordination.Coordinator
	cfg    *config.Config
	log    *logrus.Entry

	mu    sync.Mutex
	calls map[string]*call
}

// call is one tracked conversation on the call side.
type call struct {
	orch     *bridge.Orchestrator
	handle   *ari.ChannelHandle
	dialplan ari.DialplanCEP
}

// NewCallSide wires the call side onto an established ARI client and
// coordination bus.
func NewCallSide(client ari.Client, coord *coordination.Coordinator, cfg *config.Config, log *logrus.Entry) *CallSide {
	return &CallSide{
		client: client,
		cc:     bridge.NewAriCallControl(client, log),
		coord:  coord,
		cfg:    cfg,
		log:    log.WithField("component", "callside"),
		calls:  make(map[string]*call),
	}
}

// Run consumes StasisStart events until ctx is cancelled.
func (s *CallSide) Run(ctx context.Context) error {
	sub := s.client.Bus().Subscribe(nil, ari.Events.StasisStart)
	defer sub.Cancel()

	s.log.WithField("app", s.cfg.ARI.AppName).Info("listening for calls")
	for {
		select {
		case <-ctx.Done():
			s.teardownAll()
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("callside: event subscription closed")
			}
			v, isStart := ev.(*ari.StasisStart)
			if !isStart {
				continue
			}
			if strings.HasPrefix(v.Channel.Name, externalMediaPrefix) {
				continue
			}
			go s.handleCall(ctx, v)
		}
	}
}

func (s *CallSide) handleCall(ctx context.Context, v *ari.StasisStart) {
	channelID := v.Channel.ID
	caller := v.Channel.Caller.Name
	if caller == "" {
		caller = "Unknown"
	}
	room := v.Channel.Dialplan.Exten

	s.mu.Lock()
	if _, dup := s.calls[channelID]; dup {
		s.mu.Unlock()
		return
	}
	s.calls[channelID] = &call{} // placeholder until the bridge is up
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{"channel": channelID, "room": room})
	log.WithField("caller", caller).Info("call entered application")

	ctx, span := trace.StartSpan(ctx, "call.setup")
	trace.SetAttributes(span, trace.CallAttrs(channelID, room, caller)...)
	defer span.End()

	handle := s.client.Channel().Get(ari.NewKey(ari.ChannelKey, channelID))
	if err := handle.Answer(); err != nil {
		trace.RecordError(span, err)
		log.WithError(err).Error("failed to answer call")
		s.dropCall(channelID)
		return
	}

	if s.cfg.PlaybackClip != "" {
		s.playClip(ctx, handle, log)
	}

	info := bridge.CallInfo{ChannelID: channelID, CallerName: caller, RoomName: room}
	orch := bridge.New(s.cc, bridge.Config{
		App:          s.cfg.ARI.AppName,
		ExternalHost: fmt.Sprintf("%s:%d", s.cfg.RTP.Host, s.cfg.RTP.Port),
		Format:       s.cfg.RTP.Format,
	}, info, &callHandler{side: s, channelID: channelID}, log)

	s.mu.Lock()
	s.calls[channelID] = &call{orch: orch, handle: handle, dialplan: *v.Channel.Dialplan}
	s.mu.Unlock()

	if err := orch.Create(); err != nil {
		trace.RecordError(span, err)
		log.WithError(err).Error("failed to create mixing bridge")
		s.dropCall(channelID)
		_ = handle.Hangup()
		return
	}
	if err := orch.AddChannel(s.cc.WrapChannel(handle)); err != nil {
		trace.RecordError(span, err)
		log.WithError(err).Error("failed to join call to bridge")
		s.endCall(channelID)
		_ = handle.Hangup()
		return
	}

	err := s.coord.WatchCallEvents(channelID, func(ev coordination.AIEvent) {
		if ev.Intent == nil {
			return
		}
		_, evSpan := trace.StartSpan(context.Background(), "call.ai_event")
		trace.SetAttributes(evSpan, trace.IntentAttrs(ev.Intent.DisplayName, ev.Intent.EndInteraction)...)
		defer evSpan.End()

		orch.ReceivedAIEvent(bridge.AIEvent{
			Parameters:     ev.Intent.Parameters,
			EndInteraction: ev.Intent.EndInteraction,
		})
	})
	if err != nil {
		log.WithError(err).Error("failed to watch call events")
	}
}

// playClip plays the configured greeting and waits for it to finish so
// the conversation does not start over the top of it.
func (s *CallSide) playClip(ctx context.Context, handle *ari.ChannelHandle, log *logrus.Entry) {
	pb, err := handle.Play(uuid.New().String(), s.cfg.PlaybackClip)
	if err != nil {
		log.WithError(err).Warn("playback failed to start")
		return
	}
	sub := pb.Subscribe(ari.Events.PlaybackFinished)
	defer sub.Cancel()

	select {
	case <-sub.Events():
	case <-time.After(playbackTimeout):
		log.Warn("playback did not finish in time")
	case <-ctx.Done():
	}
}

// applyAIEvent writes intent parameters onto channel variables and, on
// an ending interaction, hands the call back to the dialplan.
func (s *CallSide) applyAIEvent(channelID string, ev bridge.AIEvent) {
	s.mu.Lock()
	c, ok := s.calls[channelID]
	s.mu.Unlock()
	if !ok || c.handle == nil {
		return
	}

	log := s.log.WithField("channel", channelID)
	for k, v := range ev.Parameters {
		name := "AI_" + strings.ToUpper(k)
		if err := c.handle.SetVariable(name, v); err != nil {
			log.WithError(err).WithField("variable", name).Warn("failed to set channel variable")
		}
	}

	if !ev.EndInteraction {
		return
	}
	log.Info("interaction ended, returning call to dialplan")
	err := c.handle.Continue(c.dialplan.Context, c.dialplan.Exten, int(c.dialplan.Priority)+1)
	if err != nil {
		log.WithError(err).Error("failed to continue in dialplan")
		_ = c.handle.Hangup()
	}
}

// endCall releases everything call-scoped. Duplicate and unknown ids
// are no-ops.
func (s *CallSide) endCall(channelID string) {
	s.mu.Lock()
	c, ok := s.calls[channelID]
	delete(s.calls, channelID)
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := s.coord.UnwatchCallEvents(channelID); err != nil {
		s.log.WithError(err).WithField("channel", channelID).Warn("failed to unwatch call events")
	}
	if c.orch != nil {
		if err := c.orch.Destroy(); err != nil {
			s.log.WithError(err).WithField("channel", channelID).Warn("bridge teardown failed")
		}
	}
}

// dropCall removes a call that never got a bridge.
func (s *CallSide) dropCall(channelID string) {
	s.mu.Lock()
	delete(s.calls, channelID)
	s.mu.Unlock()
}

func (s *CallSide) teardownAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.calls))
	for id := range s.calls {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.endCall(id)
	}
}

// callHandler adapts orchestrator notifications for one call onto the
// coordination bus and the call registry.
type callHandler struct {
	side      *CallSide
	channelID string
}

func (h *callHandler) NewStream(info bridge.StreamInfo) {
	err := h.side.coord.PublishNewStream(coordination.StreamInfo{
		RoomName:   info.RoomName,
		Port:       info.Port,
		CallerName: info.CallerName,
		ChannelID:  info.ChannelID,
	})
	if err != nil {
		h.side.log.WithError(err).WithField("channel", h.channelID).Error("failed to announce new stream")
	}
}

func (h *callHandler) StreamEnded(info bridge.StreamInfo) {
	err := h.side.coord.PublishStreamEnded(coordination.StreamInfo{
		RoomName:   info.RoomName,
		Port:       info.Port,
		CallerName: info.CallerName,
		ChannelID:  info.ChannelID,
	})
	if err != nil {
		h.side.log.WithError(err).WithField("channel", h.channelID).Error("failed to announce stream end")
	}
}

func (h *callHandler) BridgeEmpty(channelID string) {
	h.side.log.WithField("channel", channelID).Info("bridge empty, tearing call down")
	h.side.endCall(channelID)
}

func (h *callHandler) AIEvent(ev bridge.AIEvent) {
	h.side.applyAIEvent(h.channelID, ev)
}
