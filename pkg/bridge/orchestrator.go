package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Orchestrator states.
const (
	StateCreated   = "created"
	StateBridging  = "bridging"
	StateActive    = "active"
	StateDraining  = "draining"
	StateDestroyed = "destroyed"
)

// FSM event names.
const (
	eventCreate  = "create"
	eventJoined  = "joined"
	eventEmpty   = "empty"
	eventDestroy = "destroy"
)

// Config holds the call-control parameters for external-media legs.
type Config struct {
	// App is the call-control application name.
	App string

	// ExternalHost is the RTP server's reachable "host:port".
	ExternalHost string

	// Format is the codec for external-media legs.
	Format string
}

// Orchestrator owns one call's mixing bridge and external-media leg.
// Lifecycle: Created → Bridging (Create) → Active (external leg joined)
// → Draining (bridge empty) → Destroyed (Destroy).
type Orchestrator struct {
	cc      CallControl
	cfg     Config
	call    CallInfo
	handler Handler
	log     *logrus.Entry

	machine *fsm.FSM

	mu     sync.Mutex
	bridge MixingBridge
	extLeg Leg
	port   int

	emptyOnce sync.Once
}

// New builds an orchestrator for one call. The handler's callbacks are
// registered here, at construction, and never change.
func New(cc CallControl, cfg Config, call CallInfo, handler Handler, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		cc:      cc,
		cfg:     cfg,
		call:    call,
		handler: handler,
		log:     log.WithField("channel", call.ChannelID),
		machine: fsm.NewFSM(
			StateCreated,
			fsm.Events{
				{Name: eventCreate, Src: []string{StateCreated}, Dst: StateBridging},
				{Name: eventJoined, Src: []string{StateBridging}, Dst: StateActive},
				{Name: eventEmpty, Src: []string{StateBridging, StateActive}, Dst: StateDraining},
				{Name: eventDestroy, Src: []string{StateDraining}, Dst: StateDestroyed},
			}, nil,
		),
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() string {
	return o.machine.Current()
}

// Create allocates the mixing bridge and starts watching membership.
// When the last member leaves, the handler's BridgeEmpty fires exactly
// once.
func (o *Orchestrator) Create() error {
	if err := o.machine.Event(context.Background(), eventCreate); err != nil {
		return fmt.Errorf("bridge: create in state %s: %w", o.State(), err)
	}

	br, err := o.cc.CreateBridge(o.call.ChannelID)
	if err != nil {
		return fmt.Errorf("bridge: create mixing bridge: %w", err)
	}

	o.mu.Lock()
	o.bridge = br
	o.mu.Unlock()

	go o.watchMembers(br)
	o.log.Info("mixing bridge created")
	return nil
}

func (o *Orchestrator) watchMembers(br MixingBridge) {
	for left := range br.MemberLeft() {
		o.log.WithFields(logrus.Fields{
			"leg":       left.LegID,
			"remaining": left.Remaining,
		}).Info("leg left bridge")
		if left.Remaining == 0 {
			o.signalEmpty()
		}
	}
}

func (o *Orchestrator) signalEmpty() {
	o.emptyOnce.Do(func() {
		if err := o.machine.Event(context.Background(), eventEmpty); err != nil {
			o.log.WithError(err).Debug("empty signal in terminal state ignored")
			return
		}
		o.handler.BridgeEmpty(o.call.ChannelID)
	})
}

// AddChannel joins the primary leg to the bridge and allocates the
// call's external-media leg. The allocated port is announced through
// NewStream immediately, before the leg has entered the application.
func (o *Orchestrator) AddChannel(primary Leg) error {
	o.mu.Lock()
	br := o.bridge
	o.mu.Unlock()
	if br == nil {
		return fmt.Errorf("bridge: AddChannel before Create")
	}

	if err := br.AddMember(primary.ID()); err != nil {
		return fmt.Errorf("bridge: join primary leg %s: %w", primary.ID(), err)
	}

	extLeg, port, err := o.cc.CreateExternalMediaLeg(ExternalMediaRequest{
		App:          o.cfg.App,
		ExternalHost: o.cfg.ExternalHost,
		Format:       o.cfg.Format,
	})
	if err != nil {
		return fmt.Errorf("bridge: create external media leg: %w", err)
	}

	o.mu.Lock()
	o.extLeg = extLeg
	o.port = port
	o.mu.Unlock()

	info := StreamInfo{
		ChannelID:  o.call.ChannelID,
		Port:       port,
		CallerName: o.call.CallerName,
		RoomName:   o.call.RoomName,
	}

	o.log.WithField("port", port).Info("external media leg created")
	o.handler.NewStream(info)

	go o.watchExternalLeg(br, primary, extLeg, info)
	return nil
}

// watchExternalLeg sequences the leg lifecycle events: the external leg
// joins the bridge once it enters the application; when the primary leg
// ends the external leg is hung up; when the external leg ends the
// stream ending is announced.
func (o *Orchestrator) watchExternalLeg(br MixingBridge, primary, extLeg Leg, info StreamInfo) {
	// Entered/Ended are closed channels; a fired case is disarmed by
	// nilling it so the select does not spin on it.
	entered := extLeg.Entered()
	primaryEnded := primary.Ended()
	for {
		select {
		case <-entered:
			entered = nil
			if err := br.AddMember(extLeg.ID()); err != nil {
				o.log.WithError(err).Error("failed to join external media leg")
				continue
			}
			if err := o.machine.Event(context.Background(), eventJoined); err != nil {
				o.log.WithError(err).Debug("joined event out of order")
			}
			o.log.Info("external media leg joined bridge")

		case <-primaryEnded:
			primaryEnded = nil
			o.log.Info("primary leg ended, hanging up external media leg")
			if err := extLeg.Hangup(); err != nil {
				o.log.WithError(err).Warn("external media hangup failed")
			}

		case <-extLeg.Ended():
			o.log.Info("external media leg ended")
			o.handler.StreamEnded(info)
			return
		}
	}
}

// ReceivedAIEvent re-emits a backend result for the owner to react to.
func (o *Orchestrator) ReceivedAIEvent(ev AIEvent) {
	o.handler.AIEvent(ev)
}

// Destroy removes the mixing bridge. Destroying an already-destroyed
// orchestrator is a no-op, not an error.
func (o *Orchestrator) Destroy() error {
	if o.State() == StateDestroyed {
		return nil
	}
	// Tolerate Destroy without a preceding empty signal (e.g. fatal
	// teardown): force the drain transition first.
	o.signalEmpty()
	if err := o.machine.Event(context.Background(), eventDestroy); err != nil {
		return nil
	}

	o.mu.Lock()
	br := o.bridge
	extLeg := o.extLeg
	o.mu.Unlock()

	if extLeg != nil {
		extLeg.Close()
	}
	if br == nil {
		return nil
	}
	defer br.Close()
	if err := br.Destroy(); err != nil {
		return fmt.Errorf("bridge: destroy: %w", err)
	}
	o.log.Info("mixing bridge destroyed")
	return nil
}

// Port returns the external-media leg's allocated UDP port (0 before
// AddChannel).
func (o *Orchestrator) Port() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.port
}
