package bridge

import (
	"fmt"
	"strconv"

	"github.com/CyCoreSystems/ari/v6"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AriCallControl implements CallControl over an ARI client connection.
type AriCallControl struct {
	client ari.Client
	log    *logrus.Entry
}

var _ CallControl = (*AriCallControl)(nil)

// NewAriCallControl wraps an established ARI client.
func NewAriCallControl(client ari.Client, log *logrus.Entry) *AriCallControl {
	return &AriCallControl{client: client, log: log}
}

// CreateBridge allocates a mixing bridge and subscribes its membership
// events.
func (a *AriCallControl) CreateBridge(name string) (MixingBridge, error) {
	key := ari.NewKey(ari.BridgeKey, uuid.New().String())
	handle, err := a.client.Bridge().Create(key, "mixing", name)
	if err != nil {
		return nil, fmt.Errorf("ari: create mixing bridge: %w", err)
	}

	br := &ariBridge{
		handle: handle,
		sub:    handle.Subscribe(ari.Events.ChannelLeftBridge),
		left:   make(chan MemberLeft, 8),
	}
	go br.pump()
	return br, nil
}

// CreateExternalMediaLeg allocates the RTP-exposed leg and reads back
// the UDP port Asterisk picked for it.
//
// The channel id is generated here so the Stasis subscription can be
// registered before the channel exists. Asterisk may emit the leg's
// StasisStart on the websocket before the create call returns, and
// events with no subscriber are not buffered; subscribing afterwards
// would lose the entered signal and the leg would never join the
// bridge.
func (a *AriCallControl) CreateExternalMediaLeg(req ExternalMediaRequest) (Leg, int, error) {
	id := uuid.New().String()
	key := ari.NewKey(ari.ChannelKey, id)
	leg := a.WrapChannel(a.client.Channel().Get(key))

	handle, err := a.client.Channel().ExternalMedia(key, ari.ExternalMediaOptions{
		ChannelID:    id,
		App:          req.App,
		ExternalHost: req.ExternalHost,
		Format:       req.Format,
	})
	if err != nil {
		leg.Close()
		return nil, 0, fmt.Errorf("ari: create external media leg: %w", err)
	}

	portVar, err := handle.GetVariable("UNICASTRTP_LOCAL_PORT")
	if err != nil {
		leg.Close()
		return nil, 0, fmt.Errorf("ari: read UNICASTRTP_LOCAL_PORT: %w", err)
	}
	port, err := strconv.Atoi(portVar)
	if err != nil {
		leg.Close()
		return nil, 0, fmt.Errorf("ari: parse UNICASTRTP_LOCAL_PORT %q: %w", portVar, err)
	}

	return leg, port, nil
}

// WrapChannel adapts an ARI channel handle (such as the primary leg
// from a StasisStart) into a Leg.
func (a *AriCallControl) WrapChannel(handle *ari.ChannelHandle) Leg {
	leg := &ariLeg{
		handle:  handle,
		sub:     handle.Subscribe(ari.Events.StasisStart, ari.Events.StasisEnd),
		entered: make(chan struct{}),
		ended:   make(chan struct{}),
	}
	go leg.pump()
	return leg
}

type ariBridge struct {
	handle *ari.BridgeHandle
	sub    ari.Subscription
	left   chan MemberLeft
}

func (b *ariBridge) AddMember(legID string) error {
	return b.handle.AddChannel(legID)
}

func (b *ariBridge) MemberLeft() <-chan MemberLeft {
	return b.left
}

func (b *ariBridge) Destroy() error {
	return b.handle.Delete()
}

func (b *ariBridge) Close() {
	b.sub.Cancel()
}

func (b *ariBridge) pump() {
	defer close(b.left)
	for ev := range b.sub.Events() {
		v, ok := ev.(*ari.ChannelLeftBridge)
		if !ok {
			continue
		}
		b.left <- MemberLeft{
			LegID:     v.Channel.ID,
			Remaining: len(v.Bridge.ChannelIDs),
		}
	}
}

type ariLeg struct {
	handle  *ari.ChannelHandle
	sub     ari.Subscription
	entered chan struct{}
	ended   chan struct{}
}

func (l *ariLeg) ID() string {
	return l.handle.ID()
}

func (l *ariLeg) Entered() <-chan struct{} { return l.entered }
func (l *ariLeg) Ended() <-chan struct{}   { return l.ended }

func (l *ariLeg) Hangup() error {
	return l.handle.Hangup()
}

func (l *ariLeg) Close() {
	l.sub.Cancel()
}

func (l *ariLeg) pump() {
	enteredClosed, endedClosed := false, false
	for ev := range l.sub.Events() {
		switch ev.(type) {
		case *ari.StasisStart:
			if !enteredClosed {
				enteredClosed = true
				close(l.entered)
			}
		case *ari.StasisEnd:
			if !endedClosed {
				endedClosed = true
				close(l.ended)
			}
		}
	}
}
