package types

import (
	"time"
)

// Artifact is an intermediate payload produced by an internal card, keyed by
// card type within a Job. Written once per key per Job.
type Artifact struct {
	// JobId is the id of the Job this Artifact belongs to.
	JobId string `json:"job_id"`

	// Key identifies the artifact within the Job, e.g.
	// "resource.github.profile".
	Key string `json:"key"`

	// Payload is the opaque JSON payload.
	Payload map[string]interface{} `json:"payload"`

	// Created is the write timestamp.
	Created time.Time `json:"created"`
}

// Copy returns a deep copy of the Artifact.
func (a *Artifact) Copy() *Artifact {
	rv := *a
	rv.Payload = CopyObject(a.Payload)
	return &rv
}
