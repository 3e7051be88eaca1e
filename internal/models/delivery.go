package models

import "time"

// DeliveryStatus is the outcome of one delivery attempt
type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// FailureReason classifies a failed delivery
type FailureReason string

const (
	ReasonNone           FailureReason = ""
	ReasonTimeout        FailureReason = "timeout"
	ReasonInvalidAddress FailureReason = "invalid_address"
	ReasonBlocked        FailureReason = "blocked"
	ReasonRateLimit      FailureReason = "rate_limit"
	ReasonProviderError  FailureReason = "provider_error"
	ReasonOther          FailureReason = "other"
)

// DeliveryLog is one row per (job, recipient) delivery attempt
type DeliveryLog struct {
	ID            int64          `json:"id"`
	JobID         string         `json:"job_id"`
	RecipientID   string         `json:"recipient_id"`
	VariantID     string         `json:"variant_id,omitempty"`
	Address       string         `json:"address"`
	Status        DeliveryStatus `json:"status"`
	FailureReason FailureReason  `json:"failure_reason,omitempty"`
	Error         string         `json:"error,omitempty"`
	SentAt        time.Time      `json:"sent_at"`
}

// DeliveryFilter for listing delivery log rows of a job
type DeliveryFilter struct {
	JobID  string
	Status DeliveryStatus
	Limit  int
	Offset int
}

// DeliveryStats aggregates the delivery log of one job
type DeliveryStats struct {
	Total     int                   `json:"total"`
	Success   int                   `json:"success"`
	Failed    int                   `json:"failed"`
	ByReason  map[FailureReason]int `json:"by_reason,omitempty"`
	ByVariant map[string]int        `json:"by_variant,omitempty"`
}
