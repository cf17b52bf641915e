package types

import (
	"time"

	"github.com/elonfeng/dinq-analyze-sub001/go/util"
)

const (
	// JobStatusQueued indicates that the Job has been created but no Card
	// has started running yet.
	JobStatusQueued JobStatus = "queued"

	// JobStatusRunning indicates that at least one Card has been dispatched.
	JobStatusRunning JobStatus = "running"

	// JobStatusCompleted indicates that every Card finished and none failed
	// or timed out.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusPartial indicates that at least one Card completed and at
	// least one failed or timed out.
	JobStatusPartial JobStatus = "partial"

	// JobStatusFailed indicates that no Card completed.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled indicates that the Job was cancelled externally.
	JobStatusCancelled JobStatus = "cancelled"

	// SystemUserID is the user id recorded on jobs created internally, e.g.
	// background refreshes.
	SystemUserID = "system"
)

// ValidJobStatuses lists all valid values of JobStatus.
var ValidJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusRunning,
	JobStatusCompleted,
	JobStatusPartial,
	JobStatusFailed,
	JobStatusCancelled,
}

// JobStatus represents the status of a Job. Terminal statuses are immutable.
type JobStatus string

// IsTerminal returns true if the status will never change again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusPartial, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Valid returns true if the status is a known JobStatus value.
func (s JobStatus) Valid() bool {
	for _, v := range ValidJobStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Job is one analysis request: a subject to analyze plus the DAG of Cards
// which produce the response bundle.
type Job struct {
	// Id is a unique identifier for the Job. Assigned by the JobDB.
	Id string `json:"id"`

	// UserId identifies the requesting user, or SystemUserID for jobs the
	// service created on its own behalf.
	UserId string `json:"user_id"`

	// Source is the data source being analyzed, e.g. "github".
	Source string `json:"source"`

	// SubjectKey is the canonical identity of the analyzed subject within
	// Source, e.g. "login:torvalds". May be empty for non-canonical input.
	SubjectKey string `json:"subject_key"`

	// Input is the original request input, e.g. {"content": "torvalds"}.
	Input map[string]interface{} `json:"input"`

	// Options are the request options as supplied by the client.
	Options map[string]interface{} `json:"options"`

	// Status is the current status of the Job.
	Status JobStatus `json:"status"`

	// LastSeq is the sequence number of the most recent Event appended for
	// this Job, or 0 if none.
	LastSeq int64 `json:"last_seq"`

	// IdempotencyKey is the client-supplied replay token, if any.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// RequestHash is a hash over the request payload, used to detect
	// idempotency-key conflicts.
	RequestHash string `json:"request_hash,omitempty"`

	// Created is the creation timestamp. Never changes for a given Job.
	Created time.Time `json:"created"`

	// DbModified is the time of the last successful write of this Job.
	DbModified time.Time `json:"db_modified"`
}

// Copy returns a deep copy of the Job.
func (j *Job) Copy() *Job {
	rv := *j
	rv.Input = CopyObject(j.Input)
	rv.Options = CopyObject(j.Options)
	return &rv
}

// Done returns true if the Job is in a terminal status.
func (j *Job) Done() bool {
	return j.Status.IsTerminal()
}

// Valid returns an error description if the Job is malformed, else "".
func (j *Job) Valid() string {
	if j.Source == "" {
		return "Source is required"
	}
	if !j.Status.Valid() {
		return "unknown job status " + string(j.Status)
	}
	if util.TimeIsZero(j.Created) {
		return "Created not set"
	}
	return ""
}

// JobSlice implements sort.Interface to sort Jobs by Created timestamp.
type JobSlice []*Job

func (s JobSlice) Len() int { return len(s) }

func (s JobSlice) Less(i, j int) bool {
	return s[i].Created.Before(s[j].Created)
}

func (s JobSlice) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}
