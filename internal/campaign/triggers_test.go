package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxzi/eventcast/internal/models"
	"github.com/foxzi/eventcast/internal/schedule"
)

func (e *testEnv) timeAutomation(t *testing.T, trigger models.TimeTrigger) *models.Automation {
	t.Helper()
	a := &models.Automation{
		EventID:      e.event.ID,
		Name:         "reminder",
		Type:         models.AutomationTimeBased,
		TemplateID:   e.template.ID,
		Channel:      models.ChannelEmail,
		Segmentation: segOf(models.RuleAll),
		Trigger:      trigger,
		IsActive:     true,
	}
	if err := e.svc.SaveAutomation(context.Background(), a); err != nil {
		t.Fatalf("SaveAutomation failed: %v", err)
	}
	return a
}

func dayBefore() models.TimeTrigger {
	return models.TimeTrigger{Anchor: models.AnchorEventStart, Direction: models.DirectionBefore, Amount: 1, Unit: models.UnitDays}
}

func TestRunDueTriggers_Automation(t *testing.T) {
	env := newTestEnv(t, 3, 0)
	ctx := context.Background()
	env.svc.now = func() time.Time { return time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC) }

	a := env.timeAutomation(t, dayBefore())
	want := time.Date(2030, 5, 31, 9, 0, 0, 0, time.UTC)
	if a.NextRunAt == nil || !a.NextRunAt.Equal(want) {
		t.Fatalf("next run = %v, want %v", a.NextRunAt, want)
	}

	report, err := env.svc.RunDueTriggers(ctx, want.Add(-time.Minute))
	if err != nil {
		t.Fatalf("RunDueTriggers failed: %v", err)
	}
	if report.Automations != 0 || len(report.JobIDs) != 0 {
		t.Errorf("fired before due: %+v", report)
	}

	report, err = env.svc.RunDueTriggers(ctx, want.Add(time.Minute))
	if err != nil {
		t.Fatalf("RunDueTriggers failed: %v", err)
	}
	if report.Automations != 1 || len(report.JobIDs) != 1 {
		t.Fatalf("report = %+v, want one automation job", report)
	}

	job, err := env.svc.GetJob(ctx, env.event.ID, report.JobIDs[0])
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.BatchID != report.BatchID || job.TotalCount != 3 {
		t.Errorf("job batch=%s total=%d", job.BatchID, job.TotalCount)
	}

	stored, _ := env.repos.Automations.GetByID(ctx, a.ID)
	if stored.NextRunAt != nil {
		t.Errorf("one-shot automation re-armed at %v", stored.NextRunAt)
	}
	if stored.LastRunAt == nil {
		t.Error("expected last_run_at to be recorded")
	}

	report, _ = env.svc.RunDueTriggers(ctx, want.Add(time.Hour))
	if report.Automations != 0 {
		t.Errorf("automation fired twice: %+v", report)
	}
}

func TestRunDueTriggers_RepeatingAutomation(t *testing.T) {
	env := newTestEnv(t, 1, 0)
	ctx := context.Background()
	env.svc.now = func() time.Time { return time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC) }

	trigger := models.TimeTrigger{Anchor: models.AnchorEventStart, Direction: models.DirectionAfter, Amount: 0, Unit: models.UnitHours, RepeatHours: 24}
	a := env.timeAutomation(t, trigger)

	first := time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)
	report, _ := env.svc.RunDueTriggers(ctx, first)
	if report.Automations != 1 {
		t.Fatalf("report = %+v, want one run", report)
	}
	stored, _ := env.repos.Automations.GetByID(ctx, a.ID)
	if stored.NextRunAt == nil || !stored.NextRunAt.Equal(first.Add(24*time.Hour)) {
		t.Errorf("re-armed at %v, want %v", stored.NextRunAt, first.Add(24*time.Hour))
	}

	for day := 1; day <= 2; day++ {
		report, _ = env.svc.RunDueTriggers(ctx, first.Add(time.Duration(day)*24*time.Hour))
		if report.Automations != 1 {
			t.Fatalf("repeat %d did not fire: %+v", day, report)
		}
	}
	// the next repeat would fall after the event end
	stored, _ = env.repos.Automations.GetByID(ctx, a.ID)
	if stored.NextRunAt != nil {
		t.Errorf("expected no run after event end, got %v", stored.NextRunAt)
	}
}

func TestToggleAutomation_MissedPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy schedule.MissedPolicy
		now    time.Time
		want   *time.Time
	}{
		{
			name:   "future run kept",
			policy: schedule.MissedSkip,
			now:    time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC),
			want:   ptr(time.Date(2030, 5, 31, 9, 0, 0, 0, time.UTC)),
		},
		{
			name:   "past run skipped",
			policy: schedule.MissedSkip,
			now:    time.Date(2030, 6, 2, 0, 0, 0, 0, time.UTC),
			want:   nil,
		},
		{
			name:   "past run fired now",
			policy: schedule.MissedFire,
			now:    time.Date(2030, 6, 2, 0, 0, 0, 0, time.UTC),
			want:   ptr(time.Date(2030, 6, 2, 0, 0, 0, 0, time.UTC)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 1, 0)
			ctx := context.Background()
			env.svc.cfg.MissedPolicy = tt.policy
			env.svc.now = func() time.Time { return tt.now }

			a := env.timeAutomation(t, dayBefore())
			off, err := env.svc.ToggleAutomation(ctx, env.event.ID, a.ID, false)
			if err != nil {
				t.Fatalf("ToggleAutomation(off) failed: %v", err)
			}
			if off.IsActive || off.NextRunAt != nil {
				t.Errorf("deactivated automation active=%v next=%v", off.IsActive, off.NextRunAt)
			}

			on, err := env.svc.ToggleAutomation(ctx, env.event.ID, a.ID, true)
			if err != nil {
				t.Fatalf("ToggleAutomation(on) failed: %v", err)
			}
			switch {
			case tt.want == nil && on.NextRunAt != nil:
				t.Errorf("next run = %v, want nil", on.NextRunAt)
			case tt.want != nil && (on.NextRunAt == nil || !on.NextRunAt.Equal(*tt.want)):
				t.Errorf("next run = %v, want %v", on.NextRunAt, *tt.want)
			}
		})
	}
}

func TestToggleAutomation_Tenancy(t *testing.T) {
	env := newTestEnv(t, 1, 0)
	ctx := context.Background()
	a := env.timeAutomation(t, dayBefore())

	if _, err := env.svc.ToggleAutomation(ctx, env.other.ID, a.ID, false); !errors.Is(err, ErrCrossTenant) {
		t.Errorf("cross-tenant toggle = %v, want ErrCrossTenant", err)
	}
	if _, err := env.svc.ToggleAutomation(ctx, env.event.ID, "missing", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing automation = %v, want ErrNotFound", err)
	}
}

func TestSaveAutomation_Validation(t *testing.T) {
	env := newTestEnv(t, 1, 0)
	ctx := context.Background()

	bad := &models.Automation{
		EventID:      env.event.ID,
		Type:         models.AutomationTimeBased,
		TemplateID:   env.template.ID,
		Channel:      models.ChannelEmail,
		Segmentation: segOf(models.RuleAll),
		Trigger:      models.TimeTrigger{Anchor: "midday", Direction: models.DirectionBefore, Unit: models.UnitHours},
	}
	if err := env.svc.SaveAutomation(ctx, bad); !errors.Is(err, schedule.ErrInvalidTrigger) {
		t.Errorf("bad anchor = %v, want ErrInvalidTrigger", err)
	}

	signal := &models.Automation{
		EventID:      env.event.ID,
		Type:         models.AutomationEventBased,
		TemplateID:   env.template.ID,
		Channel:      models.ChannelEmail,
		Segmentation: segOf(models.RuleAll),
	}
	if err := env.svc.SaveAutomation(ctx, signal); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing event_trigger = %v, want ErrInvalidRequest", err)
	}
}

func TestTriggerEvent(t *testing.T) {
	env := newTestEnv(t, 4, 2)
	ctx := context.Background()

	a := &models.Automation{
		EventID:      env.event.ID,
		Name:         "welcome",
		Type:         models.AutomationEventBased,
		TemplateID:   env.template.ID,
		Channel:      models.ChannelEmail,
		Segmentation: segOf(models.RuleVIPOnly),
		EventTrigger: "participant_registered",
		IsActive:     true,
	}
	if err := env.svc.SaveAutomation(ctx, a); err != nil {
		t.Fatalf("SaveAutomation failed: %v", err)
	}
	if a.NextRunAt != nil {
		t.Errorf("event-based automation scheduled at %v", a.NextRunAt)
	}

	report, err := env.svc.TriggerEvent(ctx, env.event.ID, "participant_registered")
	if err != nil {
		t.Fatalf("TriggerEvent failed: %v", err)
	}
	if report.Automations != 1 || len(report.JobIDs) != 1 {
		t.Fatalf("report = %+v", report)
	}
	job, _ := env.svc.GetJob(ctx, env.event.ID, report.JobIDs[0])
	if job.TotalCount != 2 {
		t.Errorf("total = %d, want 2 VIPs", job.TotalCount)
	}

	report, _ = env.svc.TriggerEvent(ctx, env.event.ID, "participant_declined")
	if report.Automations != 0 {
		t.Errorf("unrelated signal fired %d automations", report.Automations)
	}
	if _, err := env.svc.TriggerEvent(ctx, "missing", "participant_registered"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown event = %v, want ErrNotFound", err)
	}
}

func TestFollowUpLifecycle(t *testing.T) {
	env := newTestEnv(t, 6, 3)
	ctx := context.Background()

	base := env.enqueue(t, segOf(models.RuleVIPOnly))
	f := &models.FollowUp{
		EventID:     env.event.ID,
		Name:        "thanks",
		TriggerType: models.FollowUpAfterHours,
		BaseJobID:   base.ID,
		OffsetHours: 2,
		TemplateID:  env.template.ID,
		Channel:     models.ChannelEmail,
		IsActive:    true,
	}
	if err := env.svc.SaveFollowUp(ctx, f); err != nil {
		t.Fatalf("SaveFollowUp failed: %v", err)
	}
	if f.NextRunAt != nil {
		t.Fatalf("follow-up on a pending base job scheduled at %v", f.NextRunAt)
	}

	if res := env.svc.RunNextPendingJob(ctx); res.Status != models.JobCompleted {
		t.Fatalf("base run = %+v", res)
	}
	completed, _ := env.svc.GetJob(ctx, env.event.ID, base.ID)

	stored, _ := env.repos.FollowUps.GetByID(ctx, f.ID)
	want := completed.CompletedAt.Add(2 * time.Hour)
	if stored.NextRunAt == nil || !stored.NextRunAt.Equal(want) {
		t.Fatalf("follow-up next run = %v, want %v", stored.NextRunAt, want)
	}

	report, _ := env.svc.RunDueTriggers(ctx, want.Add(-time.Minute))
	if report.FollowUps != 0 {
		t.Errorf("follow-up fired early")
	}

	report, err := env.svc.RunDueTriggers(ctx, want.Add(time.Minute))
	if err != nil {
		t.Fatalf("RunDueTriggers failed: %v", err)
	}
	if report.FollowUps != 1 || len(report.JobIDs) != 1 {
		t.Fatalf("report = %+v, want one follow-up job", report)
	}

	// an empty segmentation inherits the base job's audience
	job, _ := env.svc.GetJob(ctx, env.event.ID, report.JobIDs[0])
	if job.TotalCount != 2 {
		t.Errorf("follow-up total = %d, want 2 VIPs", job.TotalCount)
	}

	stored, _ = env.repos.FollowUps.GetByID(ctx, f.ID)
	if stored.FiredJobID != job.ID || stored.NextRunAt != nil {
		t.Errorf("fired=%s next=%v", stored.FiredJobID, stored.NextRunAt)
	}

	report, _ = env.svc.RunDueTriggers(ctx, want.Add(time.Hour))
	if report.FollowUps != 0 {
		t.Errorf("follow-up fired twice")
	}
	if on, _ := env.svc.ToggleFollowUp(ctx, env.event.ID, f.ID, true); on.NextRunAt != nil {
		t.Errorf("fired follow-up re-armed at %v", on.NextRunAt)
	}
}

func TestToggleFollowUp(t *testing.T) {
	env := newTestEnv(t, 2, 0)
	ctx := context.Background()

	base := env.enqueue(t, segOf(models.RuleAll))
	env.svc.RunNextPendingJob(ctx)

	f := &models.FollowUp{
		EventID:     env.event.ID,
		TriggerType: models.FollowUpAfterHours,
		BaseJobID:   base.ID,
		OffsetHours: 48,
		TemplateID:  env.template.ID,
		Channel:     models.ChannelEmail,
	}
	if err := env.svc.SaveFollowUp(ctx, f); err != nil {
		t.Fatalf("SaveFollowUp failed: %v", err)
	}
	if f.NextRunAt != nil {
		t.Errorf("inactive follow-up scheduled at %v", f.NextRunAt)
	}

	on, err := env.svc.ToggleFollowUp(ctx, env.event.ID, f.ID, true)
	if err != nil {
		t.Fatalf("ToggleFollowUp failed: %v", err)
	}
	completed, _ := env.svc.GetJob(ctx, env.event.ID, base.ID)
	if on.NextRunAt == nil || !on.NextRunAt.Equal(completed.CompletedAt.Add(48*time.Hour)) {
		t.Errorf("next run = %v", on.NextRunAt)
	}

	off, _ := env.svc.ToggleFollowUp(ctx, env.event.ID, f.ID, false)
	if off.NextRunAt != nil {
		t.Errorf("deactivated follow-up next run = %v", off.NextRunAt)
	}
	if _, err := env.svc.ToggleFollowUp(ctx, env.other.ID, f.ID, true); !errors.Is(err, ErrCrossTenant) {
		t.Errorf("cross-tenant toggle = %v", err)
	}
}

func ptr(t time.Time) *time.Time { return &t }

// flakyCounter fails the first n counts, then defers to next
type flakyCounter struct {
	next Counter
	n    int
}

func (c *flakyCounter) Count(ctx context.Context, eventID string, channel models.Channel, seg models.Segmentation) (int, error) {
	if c.n > 0 {
		c.n--
		return 0, errors.New("database is locked")
	}
	return c.next.Count(ctx, eventID, channel, seg)
}

func TestRunDueTriggers_EnqueueErrorReleasesClaim(t *testing.T) {
	env := newTestEnv(t, 4, 2)
	ctx := context.Background()

	base := env.enqueue(t, segOf(models.RuleAll))
	if res := env.svc.RunNextPendingJob(ctx); res.Status != models.JobCompleted {
		t.Fatalf("base run = %+v", res)
	}
	completed, _ := env.svc.GetJob(ctx, env.event.ID, base.ID)

	f := &models.FollowUp{
		EventID:      env.event.ID,
		TriggerType:  models.FollowUpAfterHours,
		BaseJobID:    base.ID,
		OffsetHours:  1,
		TemplateID:   env.template.ID,
		Channel:      models.ChannelEmail,
		Segmentation: segOf(models.RuleVIPOnly),
		IsActive:     true,
	}
	if err := env.svc.SaveFollowUp(ctx, f); err != nil {
		t.Fatalf("SaveFollowUp failed: %v", err)
	}
	env.svc.now = func() time.Time { return time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC) }
	a := env.timeAutomation(t, dayBefore())

	due := a.NextRunAt.Add(time.Minute)
	if fu := completed.CompletedAt.Add(time.Hour); fu.After(due) {
		t.Fatalf("follow-up due %v after automation %v", fu, due)
	}

	env.svc.counter = &flakyCounter{next: env.svc.counter, n: 2}
	report, err := env.svc.RunDueTriggers(ctx, due)
	if err != nil {
		t.Fatalf("RunDueTriggers failed: %v", err)
	}
	if len(report.JobIDs) != 0 || len(report.Errors) != 2 {
		t.Fatalf("failing pass report = %+v, want two errors and no jobs", report)
	}

	storedA, _ := env.repos.Automations.GetByID(ctx, a.ID)
	if storedA.NextRunAt == nil || !storedA.NextRunAt.Equal(*a.NextRunAt) {
		t.Errorf("automation next run = %v, want restored %v", storedA.NextRunAt, a.NextRunAt)
	}
	storedF, _ := env.repos.FollowUps.GetByID(ctx, f.ID)
	if storedF.NextRunAt == nil || !storedF.NextRunAt.Equal(*f.NextRunAt) || storedF.FiredJobID != "" || !storedF.IsActive {
		t.Errorf("follow-up next=%v fired=%q active=%v, want restored", storedF.NextRunAt, storedF.FiredJobID, storedF.IsActive)
	}

	report, err = env.svc.RunDueTriggers(ctx, due)
	if err != nil {
		t.Fatalf("RunDueTriggers failed: %v", err)
	}
	if report.Automations != 1 || report.FollowUps != 1 || len(report.JobIDs) != 2 || len(report.Errors) != 0 {
		t.Fatalf("retry pass report = %+v, want both triggers fired", report)
	}
	storedF, _ = env.repos.FollowUps.GetByID(ctx, f.ID)
	if storedF.FiredJobID == "" || storedF.NextRunAt != nil {
		t.Errorf("follow-up fired=%q next=%v after retry", storedF.FiredJobID, storedF.NextRunAt)
	}
}
