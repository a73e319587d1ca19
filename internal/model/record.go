package model

import "time"

// RecordStatus represents the lifecycle state of a record in the pipeline.
type RecordStatus string

const (
	RecordStatusNew       RecordStatus = "new"
	RecordStatusAnnotated RecordStatus = "annotated"
	RecordStatusFailed    RecordStatus = "failed"
	RecordStatusSkipped   RecordStatus = "skipped"
)

// JobState represents the scheduler-internal state of an annotation job.
// Jobs are owned exclusively by the scheduler and collapse into a terminal
// RecordStatus when resolved.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateInFlight  JobState = "in_flight"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateExhausted JobState = "exhausted"
)

// Record is one unit of acquired content moving through the pipeline.
type Record struct {
	ID            string         `json:"id"`
	IdentityKey   string         `json:"identity_key"`
	RawPayload    string         `json:"raw_payload"`
	SourceLocator string         `json:"source_locator"`
	Status        RecordStatus   `json:"status"`
	Annotation    map[string]any `json:"annotation,omitempty"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// PersistedEntry is the durable projection of a Record in the sink,
// keyed by the record id.
type PersistedEntry struct {
	ID            string         `json:"id"`
	IdentityKey   string         `json:"identity_key"`
	SourceLocator string         `json:"source_locator"`
	Fields        map[string]any `json:"fields,omitempty"`
	Status        RecordStatus   `json:"status"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// EntryFromRecord projects a terminal record into its persisted form.
func EntryFromRecord(r Record, now time.Time) PersistedEntry {
	return PersistedEntry{
		ID:            r.ID,
		IdentityKey:   r.IdentityKey,
		SourceLocator: r.SourceLocator,
		Fields:        r.Annotation,
		Status:        r.Status,
		LastError:     r.LastError,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
