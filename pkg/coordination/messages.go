// Package coordination carries call-scoped messages between the call
// side (ARI orchestration) and the media side (RTP + AI connector) over
// a publish/subscribe broker. The two sides may run in one process or
// in separate ones; the broker is their only coupling.
//
// Topic layout, relative to the configured prefix:
//
//	{prefix}/newStream          a call's external-media port is ready
//	{prefix}/streamEnded        a call's external-media leg has ended
//	{prefix}/{channelId}/events AI results for one call
//
// Delivery is at least once; consumers must tolerate duplicates.
package coordination

import (
	"encoding/json"
	"fmt"
)

// StreamInfo identifies a call's allocated RTP endpoint. It is the
// payload of both newStream and streamEnded.
type StreamInfo struct {
	RoomName   string `json:"roomName"`
	Port       int    `json:"port"`
	CallerName string `json:"callerName"`
	ChannelID  string `json:"channelId"`
}

// Transcript is an interim or final recognition result.
type Transcript struct {
	Transcript string  `json:"transcript"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float32 `json:"confidence,omitempty"`
}

// Intent is a resolved query result.
type Intent struct {
	Name            string            `json:"name,omitempty"`
	DisplayName     string            `json:"displayName,omitempty"`
	QueryText       string            `json:"queryText,omitempty"`
	FulfillmentText string            `json:"fulfillmentText,omitempty"`
	EndInteraction  bool              `json:"endInteraction,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
}

// AIEvent is one message on a call's events topic: either a transcript
// or an intent, never both.
type AIEvent struct {
	Transcript *Transcript `json:"transcript"`
	Intent     *Intent     `json:"intent"`
}

// DecodeStreamInfo parses a newStream or streamEnded payload. Older
// producers published the room under "name" on streamEnded; that alias
// is still accepted.
func DecodeStreamInfo(data []byte) (StreamInfo, error) {
	var wire struct {
		StreamInfo
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return StreamInfo{}, fmt.Errorf("coordination: decode stream info: %w", err)
	}
	info := wire.StreamInfo
	if info.RoomName == "" {
		info.RoomName = wire.Name
	}
	if info.ChannelID == "" {
		return StreamInfo{}, fmt.Errorf("coordination: stream info missing channelId")
	}
	return info, nil
}

// DecodeAIEvent parses an events-topic payload.
func DecodeAIEvent(data []byte) (AIEvent, error) {
	var ev AIEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return AIEvent{}, fmt.Errorf("coordination: decode AI event: %w", err)
	}
	return ev, nil
}
