package model

import "time"

// RunState represents the current stage of an annotation run.
type RunState string

const (
	RunStateLoading       RunState = "loading"
	RunStateDeduplicating RunState = "deduplicating"
	RunStateFiltering     RunState = "filtering"
	RunStateAnnotating    RunState = "annotating"
	RunStatePersisting    RunState = "persisting"
	RunStateCompleted     RunState = "completed"
	RunStateFailed        RunState = "failed"
)

// TokenUsage tracks token consumption across annotation calls.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// FailedRecord identifies a record that reached a terminal failure,
// together with the last error observed, for manual re-inspection.
type FailedRecord struct {
	ID          string `json:"id"`
	IdentityKey string `json:"identity_key"`
	LastError   string `json:"last_error"`
}

// RunSummary is the user-visible outcome of a run. DuplicateKeys and
// FailedRecords preserve original encounter order.
type RunSummary struct {
	Total            int            `json:"total"`
	Duplicates       int            `json:"duplicates"`
	AlreadyProcessed int            `json:"already_processed"`
	Annotated        int            `json:"annotated"`
	Failed           int            `json:"failed"`
	Exhausted        int            `json:"exhausted"`
	DuplicateKeys    []string       `json:"duplicate_keys,omitempty"`
	FailedRecords    []FailedRecord `json:"failed_records,omitempty"`
	Usage            TokenUsage     `json:"usage"`
	DurationMS       int64          `json:"duration_ms"`
}

// Run represents a single pipeline run.
type Run struct {
	ID        string      `json:"id"`
	State     RunState    `json:"state"`
	Summary   *RunSummary `json:"summary,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
