// Package schedule computes when automations and follow-ups are next due.
// Nothing here owns a timer; callers invoke these functions when an
// automation or follow-up is toggled or when a base job changes status.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/eventcast/internal/models"
)

// MissedPolicy decides what happens to a next-run time already in the past
type MissedPolicy string

const (
	MissedSkip MissedPolicy = "skip"
	MissedFire MissedPolicy = "fire"
)

// ErrInvalidTrigger is returned for trigger parameters that cannot be scheduled
var ErrInvalidTrigger = errors.New("invalid trigger")

// ValidateTimeTrigger checks time-based automation parameters
func ValidateTimeTrigger(t models.TimeTrigger) error {
	switch t.Anchor {
	case models.AnchorEventStart, models.AnchorEventEnd:
	default:
		return fmt.Errorf("%w: unknown anchor %q", ErrInvalidTrigger, t.Anchor)
	}
	switch t.Direction {
	case models.DirectionBefore, models.DirectionAfter:
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidTrigger, t.Direction)
	}
	switch t.Unit {
	case models.UnitHours, models.UnitDays:
	default:
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidTrigger, t.Unit)
	}
	if t.Amount < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidTrigger)
	}
	if t.RepeatHours < 0 {
		return fmt.Errorf("%w: negative repeat_hours", ErrInvalidTrigger)
	}
	return nil
}

// ValidateFollowUp checks follow-up trigger parameters
func ValidateFollowUp(f *models.FollowUp) error {
	if f.TriggerType != models.FollowUpAfterHours {
		return fmt.Errorf("%w: unknown follow-up trigger %q", ErrInvalidTrigger, f.TriggerType)
	}
	if f.OffsetHours < 0 {
		return fmt.Errorf("%w: negative offset_hours", ErrInvalidTrigger)
	}
	if f.BaseJobID == "" {
		return fmt.Errorf("%w: base_job_id is required", ErrInvalidTrigger)
	}
	return nil
}

// AutomationNextRun returns the next trigger time of a time-based automation,
// or nil when it should not be scheduled.
//
// The first run is the anchor date shifted by the trigger offset. After a run,
// an automation with repeat_hours re-arms every repeat_hours until the event
// end; otherwise it is done.
func AutomationNextRun(a *models.Automation, ev *models.Event) *time.Time {
	if a == nil || ev == nil || !a.IsActive || a.Type != models.AutomationTimeBased {
		return nil
	}
	if ValidateTimeTrigger(a.Trigger) != nil {
		return nil
	}

	var anchor time.Time
	switch a.Trigger.Anchor {
	case models.AnchorEventStart:
		anchor = ev.StartDate
	case models.AnchorEventEnd:
		anchor = ev.EndDate
	}
	if anchor.IsZero() {
		return nil
	}
	first := anchor.Add(a.Trigger.Offset())

	if a.LastRunAt == nil {
		return &first
	}
	if a.Trigger.RepeatHours <= 0 {
		return nil
	}

	next := a.LastRunAt.Add(time.Duration(a.Trigger.RepeatHours) * time.Hour)
	if next.Before(first) {
		next = first
	}
	if !ev.EndDate.IsZero() && next.After(ev.EndDate) {
		return nil
	}
	return &next
}

// FollowUpNextRun returns completion time + offset for an after_hours follow-up
// whose base job has completed, or nil otherwise
func FollowUpNextRun(f *models.FollowUp, base *models.Job) *time.Time {
	if f == nil || base == nil || !f.IsActive || f.FiredJobID != "" {
		return nil
	}
	if f.TriggerType != models.FollowUpAfterHours {
		return nil
	}
	if base.Status != models.JobCompleted || base.CompletedAt == nil {
		return nil
	}
	next := base.CompletedAt.Add(time.Duration(f.OffsetHours) * time.Hour)
	return &next
}

// ApplyMissedPolicy resolves a next-run time that is already in the past
func ApplyMissedPolicy(next *time.Time, now time.Time, policy MissedPolicy) *time.Time {
	if next == nil || !next.Before(now) {
		return next
	}
	if policy == MissedFire {
		t := now
		return &t
	}
	return nil
}

// IsDue reports whether a next-run time has been reached
func IsDue(next *time.Time, now time.Time) bool {
	return next != nil && !next.After(now)
}
