// Package bridge drives the per-call mixing-bridge state machine: it
// joins the caller's leg and a dedicated external-media leg into one
// mixing point, announces the allocated RTP port, and tears everything
// down when the bridge empties.
//
// The orchestrator talks to call control through the narrow interfaces
// below rather than a concrete client, so the state machine is testable
// with fakes; the ARI-backed implementation lives in ari.go.
package bridge

// CallInfo carries the caller-facing identity of one call.
type CallInfo struct {
	// ChannelID is the primary leg's channel id; it keys everything
	// call-scoped in the rest of the system.
	ChannelID string

	// CallerName is the caller's display name ("Unknown" if absent).
	CallerName string

	// RoomName is the dial-plan extension the caller landed on.
	RoomName string
}

// MemberLeft reports one leg leaving the mixing bridge.
type MemberLeft struct {
	// LegID is the channel id that left.
	LegID string

	// Remaining is the bridge's membership count after the departure.
	Remaining int
}

// MixingBridge is one mixing point owned by a call.
type MixingBridge interface {
	// AddMember joins a leg to the bridge.
	AddMember(legID string) error

	// MemberLeft streams departures. The channel closes when the
	// bridge is destroyed or its subscription is released.
	MemberLeft() <-chan MemberLeft

	// Destroy removes the mixing point.
	Destroy() error

	// Close releases event subscriptions without destroying the
	// bridge on the call-control side.
	Close()
}

// Leg is one call-control leg as seen by the orchestrator.
type Leg interface {
	// ID returns the leg's channel id.
	ID() string

	// Entered fires (closes) when the leg enters the application.
	Entered() <-chan struct{}

	// Ended fires (closes) when the leg leaves/hangs up.
	Ended() <-chan struct{}

	// Hangup terminates the leg.
	Hangup() error

	// Close releases event subscriptions.
	Close()
}

// ExternalMediaRequest describes the external-media leg to allocate.
type ExternalMediaRequest struct {
	// App is the call-control application name.
	App string

	// ExternalHost is the RTP server's reachable "host:port".
	ExternalHost string

	// Format is the audio codec name (e.g. "slin16", "ulaw").
	Format string
}

// CallControl is the slice of the call-control API the orchestrator
// needs. Failures are surfaced to the caller as-is; no retries happen
// at this level.
type CallControl interface {
	// CreateBridge allocates a mixing bridge.
	CreateBridge(name string) (MixingBridge, error)

	// CreateExternalMediaLeg allocates a leg whose audio is exposed as
	// plain RTP toward ExternalHost and returns it together with the
	// local UDP port the platform picked for it.
	CreateExternalMediaLeg(req ExternalMediaRequest) (Leg, int, error)
}

// StreamInfo describes a call's RTP endpoint in stream announcements.
type StreamInfo struct {
	ChannelID  string
	Port       int
	CallerName string
	RoomName   string
}

// Handler receives the orchestrator's outbound notifications. All
// methods are invoked from the orchestrator's watcher goroutines;
// implementations must be safe for that.
type Handler interface {
	// NewStream fires as soon as the external-media leg's port is
	// known, before the leg has joined the bridge. This is the signal
	// the AI connector waits for.
	NewStream(info StreamInfo)

	// StreamEnded fires when the external-media leg ends.
	StreamEnded(info StreamInfo)

	// BridgeEmpty fires exactly once when the bridge's membership
	// drops to zero.
	BridgeEmpty(channelID string)

	// AIEvent re-emits a backend result delivered to the call for the
	// owner to act on; interpretation is the owner's concern.
	AIEvent(ev AIEvent)
}

// AIEvent is the backend result relayed through ReceivedAIEvent. The
// orchestrator does not interpret it.
type AIEvent struct {
	// Parameters are string-valued intent parameters, if any.
	Parameters map[string]string

	// EndInteraction reports that the backend considers the
	// conversation finished.
	EndInteraction bool
}
