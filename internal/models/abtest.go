package models

import "time"

// ABTestStatus is the lifecycle state of an A/B test
type ABTestStatus string

const (
	ABTestDraft     ABTestStatus = "draft"
	ABTestRunning   ABTestStatus = "running"
	ABTestCompleted ABTestStatus = "completed"
)

// ABTest splits one segment across weighted template variants
type ABTest struct {
	ID           string       `json:"id"`
	EventID      string       `json:"event_id"`
	Name         string       `json:"name"`
	Channel      Channel      `json:"channel"`
	Segmentation Segmentation `json:"segmentation"`
	Status       ABTestStatus `json:"status"`
	JobID        string       `json:"job_id,omitempty"`
	Variants     []ABVariant  `json:"variants"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ABVariant is one arm of an A/B test
type ABVariant struct {
	ID         string  `json:"id"`
	TestID     string  `json:"test_id"`
	Name       string  `json:"name"`
	TemplateID string  `json:"template_id"`
	Weight     float64 `json:"weight"` // percentage
}
