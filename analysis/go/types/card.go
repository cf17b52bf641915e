package types

import (
	"strings"
	"time"

	"github.com/elonfeng/dinq-analyze-sub001/go/util"
)

const (
	// CardStatusPending indicates that the Card is waiting on dependencies.
	CardStatusPending CardStatus = "pending"

	// CardStatusReady indicates that every dependency of the Card finished
	// and the Card may be dispatched.
	CardStatusReady CardStatus = "ready"

	// CardStatusRunning indicates that an executor is producing the Card.
	CardStatusRunning CardStatus = "running"

	// CardStatusCompleted indicates that the Card finished and its output
	// passed the quality gate.
	CardStatusCompleted CardStatus = "completed"

	// CardStatusFailed indicates that the Card failed permanently.
	CardStatusFailed CardStatus = "failed"

	// CardStatusTimeout indicates that the Card exceeded its deadline.
	CardStatusTimeout CardStatus = "timeout"

	// CardStatusSkipped indicates that the Card was not run, either because
	// a dependency failed or because a cache hit made it redundant.
	CardStatusSkipped CardStatus = "skipped"

	// CardTypeFullReport is the internal card which aggregates the whole
	// bundle. It is never surfaced to clients.
	CardTypeFullReport = "full_report"

	// ResourceCardPrefix prefixes internal fetcher cards, e.g.
	// "resource.github.profile".
	ResourceCardPrefix = "resource."
)

// ValidCardStatuses lists all valid values of CardStatus.
var ValidCardStatuses = []CardStatus{
	CardStatusPending,
	CardStatusReady,
	CardStatusRunning,
	CardStatusCompleted,
	CardStatusFailed,
	CardStatusTimeout,
	CardStatusSkipped,
}

// CardStatus represents the status of a Card.
type CardStatus string

// IsTerminal returns true if the status will never change again.
func (s CardStatus) IsTerminal() bool {
	switch s {
	case CardStatusCompleted, CardStatusFailed, CardStatusTimeout, CardStatusSkipped:
		return true
	}
	return false
}

// Success returns true if the status counts as satisfied for dependency
// release.
func (s CardStatus) Success() bool {
	return s == CardStatusCompleted || s == CardStatusSkipped
}

// Valid returns true if the status is a known CardStatus value.
func (s CardStatus) Valid() bool {
	for _, v := range ValidCardStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsInternalCardType returns true for cards which are not surfaced to
// clients: the full report and resource fetchers.
func IsInternalCardType(cardType string) bool {
	return cardType == CardTypeFullReport || strings.HasPrefix(cardType, ResourceCardPrefix)
}

// CardOutput is the client-visible envelope of a Card.
type CardOutput struct {
	// Data is the finished card payload. Absence means "not ready",
	// regardless of status.
	Data map[string]interface{} `json:"data"`

	// Stream holds incremental payload accumulated from delta/append
	// events, if the producer emits them.
	Stream map[string]interface{} `json:"stream"`
}

// Copy returns a deep copy of the CardOutput.
func (o *CardOutput) Copy() *CardOutput {
	if o == nil {
		return nil
	}
	return &CardOutput{
		Data:   CopyObject(o.Data),
		Stream: CopyObject(o.Stream),
	}
}

// Merge overlays the non-nil parts of other onto o and returns the result.
func (o *CardOutput) Merge(other *CardOutput) *CardOutput {
	rv := o.Copy()
	if rv == nil {
		rv = &CardOutput{}
	}
	if other != nil {
		if other.Data != nil {
			rv.Data = CopyObject(other.Data)
		}
		if other.Stream != nil {
			rv.Stream = CopyObject(other.Stream)
		}
	}
	return rv
}

// CardSpec describes one Card within a plan, before materialization.
type CardSpec struct {
	// Type is the card type, e.g. "profile" or "resource.github.profile".
	Type string `json:"card_type"`

	// DependsOn lists card types which must finish before this card runs.
	DependsOn []string `json:"depends_on,omitempty"`

	// Priority orders dispatch; higher runs first.
	Priority int `json:"priority"`

	// ConcurrencyGroup names the semaphore which bounds parallelism for
	// this card.
	ConcurrencyGroup string `json:"concurrency_group"`
}

// Copy returns a deep copy of the CardSpec.
func (s *CardSpec) Copy() *CardSpec {
	rv := *s
	rv.DependsOn = util.CopyStringSlice(s.DependsOn)
	return &rv
}

// Card is one unit of a Job's response bundle.
type Card struct {
	// Id is a unique identifier for the Card. Assigned by the JobDB.
	Id string `json:"id"`

	// JobId is the id of the Job this Card belongs to.
	JobId string `json:"job_id"`

	// Type is the card type. Unique within a Job.
	Type string `json:"card_type"`

	// Status is the current status of the Card.
	Status CardStatus `json:"status"`

	// DependsOn lists card types within the same Job which must reach
	// completed or skipped before this Card becomes ready.
	DependsOn []string `json:"depends_on,omitempty"`

	// Priority orders dispatch; higher runs first.
	Priority int `json:"priority"`

	// ConcurrencyGroup names the semaphore which bounds parallelism.
	ConcurrencyGroup string `json:"concurrency_group"`

	// RetryCount is the number of times this Card has been re-queued.
	RetryCount int `json:"retry_count"`

	// Output is the client-visible envelope.
	Output *CardOutput `json:"output,omitempty"`

	// Internal marks cards which are not surfaced to clients.
	Internal bool `json:"internal"`

	// Created is the creation timestamp, which also fixes insertion order
	// for dispatch tie-breaking.
	Created time.Time `json:"created"`

	// DbModified is the time of the last successful write of this Card.
	DbModified time.Time `json:"db_modified"`
}

// Copy returns a deep copy of the Card.
func (c *Card) Copy() *Card {
	rv := *c
	rv.DependsOn = util.CopyStringSlice(c.DependsOn)
	rv.Output = c.Output.Copy()
	return &rv
}

// Done returns true if the Card is in a terminal status.
func (c *Card) Done() bool {
	return c.Status.IsTerminal()
}

// CardSlice implements sort.Interface to sort Cards by Created timestamp.
type CardSlice []*Card

func (s CardSlice) Len() int { return len(s) }

func (s CardSlice) Less(i, j int) bool {
	return s[i].Created.Before(s[j].Created)
}

func (s CardSlice) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}
