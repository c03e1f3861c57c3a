package domain

import "time"

type JobKind string

const (
	JobSend          JobKind = "send"
	JobSendBatch     JobKind = "send-batch"
	JobSendBroadcast JobKind = "send-broadcast"
	JobSendDelayed   JobKind = "send-delayed"
)

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobDelayed   JobState = "delayed"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// JobPayload carries the dispatch intent. Exactly one of Draft/Drafts is
// set depending on the kind; broadcast jobs keep the recipient list here
// and expand into sub-batches only inside the worker.
type JobPayload struct {
	Draft        *Draft   `json:"draft,omitempty"`
	Drafts       []Draft  `json:"drafts,omitempty"`
	RecipientIDs []string `json:"recipient_ids,omitempty"`
	BatchSize    int      `json:"batch_size,omitempty"`
}

// Job lives only in the queue's own storage, never in the notification
// store.
type Job struct {
	ID           string     `json:"id"`
	Kind         JobKind    `json:"kind"`
	Weight       int        `json:"weight"`
	Payload      JobPayload `json:"payload"`
	AttemptsMade int        `json:"attempts_made"`
	MaxAttempts  int        `json:"max_attempts"`
	BackoffMS    int64      `json:"backoff_ms"` // base delay, doubled per attempt
	State        JobState   `json:"state"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ProcessAt    time.Time  `json:"process_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// NextBackoff returns the delay before the given attempt number
// (1-based): base * 2^(attempt-1).
func (j *Job) NextBackoff(attempt int) time.Duration {
	d := time.Duration(j.BackoffMS) * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
