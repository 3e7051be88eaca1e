package models

import "time"

// Channel is the transport a job delivers over
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Valid reports whether the channel is known
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// JobStatus is the lifecycle state of a campaign job
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobProcessing   JobStatus = "processing"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobFailedManual JobStatus = "failed_manual"
	JobStopped      JobStatus = "stopped"
)

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobFailedManual, JobStopped:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the job state machine
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobPending:
		return to == JobProcessing
	case JobProcessing:
		return to == JobCompleted || to == JobFailed || to == JobStopped || to == JobFailedManual
	}
	return false
}

// Job is one audience x template x channel send attempt
type Job struct {
	ID             string       `json:"id"`
	EventID        string       `json:"event_id"`
	TemplateID     string       `json:"template_id"`
	Channel        Channel      `json:"channel"`
	Segmentation   Segmentation `json:"segmentation"`
	Status         JobStatus    `json:"status"`
	TotalCount     int          `json:"total_count"`
	ProcessedCount int          `json:"processed_count"`
	SuccessCount   int          `json:"success_count"`
	FailCount      int          `json:"fail_count"`
	BatchID        string       `json:"batch_id,omitempty"`
	ABTestID       string       `json:"ab_test_id,omitempty"`
	Error          string       `json:"error,omitempty"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Remaining returns how many recipients may still be processed
func (j *Job) Remaining() int {
	if j.ProcessedCount >= j.TotalCount {
		return 0
	}
	return j.TotalCount - j.ProcessedCount
}

// JobListFilter for filtering jobs
type JobListFilter struct {
	EventID string
	Status  JobStatus
	BatchID string
	Limit   int
	Offset  int
}
