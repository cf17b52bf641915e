package types

import (
	"time"
)

const (
	// EventCardStarted is emitted when the scheduler dispatches a card.
	EventCardStarted = "card.started"

	// EventCardProgress is emitted by executors through the progress
	// callback while a card is running.
	EventCardProgress = "card.progress"

	// EventCardDelta carries an incremental update to a card's payload.
	// The sub-block format is producer-defined.
	EventCardDelta = "card.delta"

	// EventCardAppend carries items appended to a list within a card's
	// payload.
	EventCardAppend = "card.append"

	// EventCardCompleted is emitted when a card reaches completed.
	EventCardCompleted = "card.completed"

	// EventCardFailed is emitted when a card reaches failed or timeout.
	EventCardFailed = "card.failed"

	// EventJobCompleted is the job-terminal event for completed and
	// partial jobs. Emitted at most once per job.
	EventJobCompleted = "job.completed"

	// EventJobFailed is the job-terminal event for failed and cancelled
	// jobs. Emitted at most once per job.
	EventJobFailed = "job.failed"
)

// IsJobTerminalEvent returns true for the two job-terminal event types.
func IsJobTerminalEvent(eventType string) bool {
	return eventType == EventJobCompleted || eventType == EventJobFailed
}

// Event is one entry in a Job's append-only event log.
type Event struct {
	// JobId is the id of the Job this Event belongs to.
	JobId string `json:"job_id"`

	// Seq is the sequence number: dense, strictly increasing, unique per
	// Job, starting at 1.
	Seq int64 `json:"seq"`

	// CardId is the id of the Card this Event concerns, if any.
	CardId string `json:"card_id,omitempty"`

	// Type is one of the Event* constants.
	Type string `json:"event_type"`

	// Payload is the event body. Shape depends on Type.
	Payload map[string]interface{} `json:"payload"`

	// Created is the append timestamp. Ordering is by Seq, never by
	// Created.
	Created time.Time `json:"created"`
}

// Copy returns a deep copy of the Event.
func (e *Event) Copy() *Event {
	rv := *e
	rv.Payload = CopyObject(e.Payload)
	return &rv
}
