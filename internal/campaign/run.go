package campaign

import (
	"context"

	"github.com/foxzi/eventcast/internal/metrics"
	"github.com/foxzi/eventcast/internal/models"
	"github.com/foxzi/eventcast/internal/schedule"
)

// RunResult reports what one worker trigger did. Finding no pending job is
// a normal outcome with Processed false and no error.
type RunResult struct {
	Processed bool             `json:"processed"`
	Busy      bool             `json:"busy,omitempty"`
	JobID     string           `json:"job_id,omitempty"`
	Status    models.JobStatus `json:"status,omitempty"`
	Err       error            `json:"-"`
}

// RunNextPendingJob claims the oldest pending job and processes it to a
// terminal status. Overlapping calls in one process return Busy; across
// processes the claim compare-and-swap keeps a job from running twice.
func (s *Service) RunNextPendingJob(ctx context.Context) RunResult {
	if !s.runMu.TryLock() {
		metrics.IncWorkerRun("busy")
		return RunResult{Busy: true}
	}
	defer s.runMu.Unlock()

	job, err := s.runner.NextJob(ctx)
	if err != nil {
		s.logger.Error("failed to pick next job", "error", err)
		metrics.IncWorkerRun("error")
		return RunResult{Err: err}
	}
	if job == nil {
		metrics.IncWorkerRun("idle")
		return RunResult{}
	}

	status, err := s.runner.ProcessJob(ctx, job)
	res := RunResult{Processed: true, JobID: job.ID, Status: status, Err: err}
	if err != nil {
		metrics.IncWorkerRun("error")
	} else {
		metrics.IncWorkerRun(string(status))
	}

	s.afterRun(context.WithoutCancel(ctx), job, status)
	return res
}

// afterRun closes the A/B test of a job that reached any terminal status
// and schedules the follow-ups gated on it. Calling it twice is harmless.
func (s *Service) afterRun(ctx context.Context, job *models.Job, status models.JobStatus) {
	if !status.IsTerminal() {
		return
	}
	if job.ABTestID != "" {
		if _, err := s.repos.ABTests.SetStatus(ctx, job.ABTestID, models.ABTestRunning, models.ABTestCompleted); err != nil {
			s.logger.Error("failed to complete ab test", "test_id", job.ABTestID, "error", err)
		}
	}
	s.rescheduleFollowUps(ctx, job.ID)
}

// rescheduleFollowUps recomputes the next run of every follow-up on a base job
func (s *Service) rescheduleFollowUps(ctx context.Context, jobID string) {
	base, err := s.repos.Jobs.GetByID(ctx, jobID)
	if err != nil || base == nil {
		s.logger.Error("failed to reload base job", "job_id", jobID, "error", err)
		return
	}

	followUps, err := s.repos.FollowUps.ListByBaseJob(ctx, jobID)
	if err != nil {
		s.logger.Error("failed to list follow-ups", "job_id", jobID, "error", err)
		return
	}

	for i := range followUps {
		f := &followUps[i]
		if !f.IsActive || f.FiredJobID != "" {
			continue
		}
		next := schedule.FollowUpNextRun(f, base)
		if err := s.repos.FollowUps.SetNextRun(ctx, f.ID, next); err != nil {
			s.logger.Error("failed to schedule follow-up", "follow_up_id", f.ID, "error", err)
			continue
		}
		if next != nil {
			s.logger.Info("follow-up scheduled", "follow_up_id", f.ID, "base_job_id", jobID, "next_run_at", *next)
		}
	}
}
