package coordination

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Bus is the publish/subscribe transport. The MQTT implementation lives
// in mqtt.go; tests use an in-memory one.
type Bus interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
}

// Coordinator maps the typed coordination messages onto bus topics and
// routes a call's events topic back to its registered handler.
type Coordinator struct {
	bus    Bus
	prefix string
	log    *logrus.Entry

	mu       sync.RWMutex
	handlers map[string]func(AIEvent)
}

// New creates a Coordinator publishing under the given topic prefix.
func New(bus Bus, prefix string, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		bus:      bus,
		prefix:   prefix,
		log:      log,
		handlers: make(map[string]func(AIEvent)),
	}
}

func (c *Coordinator) newStreamTopic() string   { return c.prefix + "/newStream" }
func (c *Coordinator) streamEndedTopic() string { return c.prefix + "/streamEnded" }

func (c *Coordinator) eventsTopic(channelID string) string {
	return fmt.Sprintf("%s/%s/events", c.prefix, channelID)
}

// PublishNewStream announces a freshly allocated external-media port.
func (c *Coordinator) PublishNewStream(info StreamInfo) error {
	return c.publishJSON(c.newStreamTopic(), info)
}

// PublishStreamEnded announces that a call's external-media leg ended.
func (c *Coordinator) PublishStreamEnded(info StreamInfo) error {
	return c.publishJSON(c.streamEndedTopic(), info)
}

// PublishAIEvent delivers an AI result onto the call's events topic.
func (c *Coordinator) PublishAIEvent(channelID string, ev AIEvent) error {
	return c.publishJSON(c.eventsTopic(channelID), ev)
}

func (c *Coordinator) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("coordination: marshal for %s: %w", topic, err)
	}
	if err := c.bus.Publish(topic, payload); err != nil {
		return fmt.Errorf("coordination: publish %s: %w", topic, err)
	}
	return nil
}

// SubscribeStreams registers the media-side handlers for newStream and
// streamEnded. Malformed payloads are logged and dropped.
func (c *Coordinator) SubscribeStreams(onNew, onEnded func(StreamInfo)) error {
	decode := func(fn func(StreamInfo)) func(string, []byte) {
		return func(topic string, payload []byte) {
			info, err := DecodeStreamInfo(payload)
			if err != nil {
				c.log.WithError(err).WithField("topic", topic).Warn("dropping malformed stream message")
				return
			}
			fn(info)
		}
	}
	if err := c.bus.Subscribe(c.newStreamTopic(), decode(onNew)); err != nil {
		return err
	}
	return c.bus.Subscribe(c.streamEndedTopic(), decode(onEnded))
}

// WatchCallEvents subscribes the call's events topic and registers its
// handler. It is called exactly when the call's orchestrator is
// created.
func (c *Coordinator) WatchCallEvents(channelID string, fn func(AIEvent)) error {
	c.mu.Lock()
	c.handlers[channelID] = fn
	c.mu.Unlock()

	if err := c.bus.Subscribe(c.eventsTopic(channelID), c.dispatchEvent); err != nil {
		c.mu.Lock()
		delete(c.handlers, channelID)
		c.mu.Unlock()
		return err
	}
	return nil
}

// UnwatchCallEvents drops the call's handler and topic subscription. It
// is called exactly when the call's bridge empties.
func (c *Coordinator) UnwatchCallEvents(channelID string) error {
	c.mu.Lock()
	delete(c.handlers, channelID)
	c.mu.Unlock()
	return c.bus.Unsubscribe(c.eventsTopic(channelID))
}

// dispatchEvent routes an events-topic message to the handler for its
// call id. Messages for unknown calls are logged and dropped, never
// fatal: with at-least-once delivery a message can straggle in after
// the call is gone.
func (c *Coordinator) dispatchEvent(topic string, payload []byte) {
	channelID, ok := c.channelIDFromTopic(topic)
	if !ok {
		c.log.WithField("topic", topic).Warn("dropping message on unrecognized topic")
		return
	}

	c.mu.RLock()
	fn, ok := c.handlers[channelID]
	c.mu.RUnlock()
	if !ok {
		c.log.WithField("channel", channelID).Info("dropping AI event for unknown call")
		return
	}

	ev, err := DecodeAIEvent(payload)
	if err != nil {
		c.log.WithError(err).WithField("topic", topic).Warn("dropping malformed AI event")
		return
	}
	fn(ev)
}

// channelIDFromTopic extracts the call id from "{prefix}/{id}/events".
func (c *Coordinator) channelIDFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, c.prefix+"/")
	if !ok {
		return "", false
	}
	channelID, ok := strings.CutSuffix(rest, "/events")
	if !ok || channelID == "" || strings.Contains(channelID, "/") {
		return "", false
	}
	return channelID, true
}
