package events

import "time"

// Topic names a stream of lifecycle events.
type Topic string

const (
	TopicRunStarted     Topic = "run.started"
	TopicRunStopped     Topic = "run.stopped"
	TopicRunTick        Topic = "run.tick"
	TopicRunError       Topic = "run.error"
	TopicPositionOpened Topic = "position.opened"
	TopicPositionClosed Topic = "position.closed"
)

// AllTopics lists every topic the core publishes.
var AllTopics = []Topic{
	TopicRunStarted,
	TopicRunStopped,
	TopicRunTick,
	TopicRunError,
	TopicPositionOpened,
	TopicPositionClosed,
}

// Event is the envelope delivered to subscribers.
type Event struct {
	Topic Topic     `json:"topic"`
	RunID string    `json:"run_id,omitempty"`
	At    time.Time `json:"at"`
	Data  any       `json:"data,omitempty"`
}
