package models

import "time"

// EventType names a live channel event
type EventType string

const (
	EventInit        EventType = "init"
	EventStepUpdate  EventType = "step.update"
	EventRunUpdate   EventType = "run.update"
	EventRunComplete EventType = "run.complete"
	EventRunError    EventType = "run.error"
)

// Event is published to live subscribers of a run. Events for one run are
// published in the order the engine produced them.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	RunID     string      `json:"run_id"`
	Run       *FlowRun    `json:"run,omitempty"`
	Step      *FlowStep   `json:"step,omitempty"`
	Steps     []*FlowStep `json:"steps,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Origin    string      `json:"origin,omitempty"`
}
