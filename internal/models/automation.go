package models

import "time"

// AutomationType distinguishes clock-driven from signal-driven automations
type AutomationType string

const (
	AutomationTimeBased  AutomationType = "time_based"
	AutomationEventBased AutomationType = "event_based"
)

// Anchor is the event date a time trigger is relative to
type Anchor string

const (
	AnchorEventStart Anchor = "event_start"
	AnchorEventEnd   Anchor = "event_end"
)

// Direction places the trigger before or after its anchor
type Direction string

const (
	DirectionBefore Direction = "before"
	DirectionAfter  Direction = "after"
)

// OffsetUnit is the unit of a trigger offset
type OffsetUnit string

const (
	UnitHours OffsetUnit = "hours"
	UnitDays  OffsetUnit = "days"
)

// TimeTrigger positions an automation relative to the event dates,
// e.g. 24 hours before event_start
type TimeTrigger struct {
	Anchor      Anchor     `json:"anchor"`
	Direction   Direction  `json:"direction"`
	Amount      int        `json:"amount"`
	Unit        OffsetUnit `json:"unit"`
	RepeatHours int        `json:"repeat_hours,omitempty"`
}

// Offset returns the signed offset from the anchor
func (t TimeTrigger) Offset() time.Duration {
	d := time.Duration(t.Amount) * time.Hour
	if t.Unit == UnitDays {
		d = time.Duration(t.Amount) * 24 * time.Hour
	}
	if t.Direction == DirectionBefore {
		return -d
	}
	return d
}

// Automation creates campaign jobs on a time anchor or an event signal
type Automation struct {
	ID           string         `json:"id"`
	EventID      string         `json:"event_id"`
	Name         string         `json:"name"`
	Type         AutomationType `json:"type"`
	TemplateID   string         `json:"template_id"`
	Channel      Channel        `json:"channel"`
	Segmentation Segmentation   `json:"segmentation"`
	Trigger      TimeTrigger    `json:"trigger"`
	EventTrigger string         `json:"event_trigger,omitempty"`
	IsActive     bool           `json:"is_active"`
	NextRunAt    *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// FollowUpTrigger is the kind of gate a follow-up waits on
type FollowUpTrigger string

const (
	FollowUpAfterHours FollowUpTrigger = "after_hours"
)

// FollowUp sends a dependent campaign once its base job has completed
type FollowUp struct {
	ID           string          `json:"id"`
	EventID      string          `json:"event_id"`
	Name         string          `json:"name"`
	TriggerType  FollowUpTrigger `json:"trigger_type"`
	BaseJobID    string          `json:"base_job_id"`
	OffsetHours  int             `json:"offset_hours"`
	TemplateID   string          `json:"template_id"`
	Channel      Channel         `json:"channel"`
	Segmentation Segmentation    `json:"segmentation"` // empty inherits the base job's
	IsActive     bool            `json:"is_active"`
	NextRunAt    *time.Time      `json:"next_run_at,omitempty"`
	FiredJobID   string          `json:"fired_job_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
