// Package worker processes claimed campaign jobs batch by batch.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/foxzi/eventcast/internal/abtest"
	"github.com/foxzi/eventcast/internal/metrics"
	"github.com/foxzi/eventcast/internal/models"
	"github.com/foxzi/eventcast/internal/render"
	"github.com/foxzi/eventcast/internal/repository"
	"github.com/foxzi/eventcast/internal/sender"
)

// JobStore is the subset of the job repository the worker writes through
type JobStore interface {
	NextPending(ctx context.Context) (*models.Job, error)
	Claim(ctx context.Context, id string) (bool, error)
	ClaimStale(ctx context.Context, cutoff time.Time) (*models.Job, error)
	GetByID(ctx context.Context, id string) (*models.Job, error)
	Touch(ctx context.Context, id string) error
	Transition(ctx context.Context, id string, from, to models.JobStatus, errMsg string) (bool, error)
	LoggedRecipients(ctx context.Context, jobID string) (map[string]struct{}, error)
	RecordDelivery(ctx context.Context, entry *models.DeliveryLog) error
}

// RecipientResolver turns a segmentation into recipients
type RecipientResolver interface {
	Resolve(ctx context.Context, eventID string, channel models.Channel, seg models.Segmentation) ([]models.Recipient, error)
}

// EventStore loads events
type EventStore interface {
	GetByID(ctx context.Context, id string) (*models.Event, error)
}

// TemplateStore loads templates
type TemplateStore interface {
	GetByID(ctx context.Context, id string) (*models.Template, error)
}

// VariableStore returns the global merge variables
type VariableStore interface {
	Map(ctx context.Context) (map[string]string, error)
}

// ABTestStore loads A/B tests with their variants
type ABTestStore interface {
	GetByID(ctx context.Context, id string) (*models.ABTest, error)
}

// Stores groups the read/write collaborators of the worker
type Stores struct {
	Jobs      JobStore
	Events    EventStore
	Templates TemplateStore
	Variables VariableStore
	ABTests   ABTestStore
}

// Config holds worker configuration
type Config struct {
	BatchSize    int
	BatchPause   time.Duration
	StaleAfter   time.Duration // zero disables stale job recovery
	StoreRetries int
	RetryBase    time.Duration
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		BatchPause:   time.Second,
		StaleAfter:   10 * time.Minute,
		StoreRetries: 5,
		RetryBase:    200 * time.Millisecond,
	}
}

// Worker processes one campaign job at a time
type Worker struct {
	cfg      Config
	stores   Stores
	resolver RecipientResolver
	sender   sender.Sender
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a new worker
func New(cfg Config, stores Stores, resolver RecipientResolver, s sender.Sender, logger *slog.Logger) *Worker {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	}
	if cfg.StoreRetries <= 0 {
		cfg.StoreRetries = def.StoreRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	return &Worker{
		cfg:      cfg,
		stores:   stores,
		resolver: resolver,
		sender:   s,
		logger:   logger.With("component", "worker"),
		now:      time.Now,
	}
}

// maxClaimAttempts bounds how often NextJob retries after losing a claim race
const maxClaimAttempts = 5

// NextJob claims the oldest pending job. When none is pending and stale
// recovery is enabled, it re-leases a processing job whose heartbeat
// stopped. Returns nil when there is nothing to do.
func (w *Worker) NextJob(ctx context.Context) (*models.Job, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		job, err := w.stores.Jobs.NextPending(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get next pending job: %w", err)
		}
		if job == nil {
			break
		}

		ok, err := w.stores.Jobs.Claim(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		if !ok {
			w.logger.Debug("lost claim race", "job_id", job.ID)
			continue
		}

		claimed, err := w.stores.Jobs.GetByID(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload claimed job: %w", err)
		}
		if claimed == nil {
			return nil, fmt.Errorf("claimed job %s disappeared", job.ID)
		}
		w.logger.Info("claimed job", "job_id", claimed.ID, "event_id", claimed.EventID, "total", claimed.TotalCount)
		return claimed, nil
	}

	if w.cfg.StaleAfter <= 0 {
		return nil, nil
	}
	job, err := w.stores.Jobs.ClaimStale(ctx, w.now().UTC().Add(-w.cfg.StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to claim stale job: %w", err)
	}
	if job != nil {
		w.logger.Warn("resuming stale job", "job_id", job.ID, "processed", job.ProcessedCount, "total", job.TotalCount)
	}
	return job, nil
}

// plan is everything needed to render and send one job
type plan struct {
	recipients []models.Recipient
	baseVars   map[string]string
	template   *models.Template
	assigner   *abtest.Assigner
	variants   map[string]*models.Template
}

func (p *plan) templateFor(recipientID string) (*models.Template, string) {
	if p.assigner == nil {
		return p.template, ""
	}
	v := p.assigner.Variant(recipientID)
	return p.variants[v.TemplateID], v.ID
}

// ProcessJob sends a claimed job to every resolved recipient not yet in
// its delivery log and returns the status the job ended in. Stop and abort
// are observed between batches. Cancelling ctx stops the job before the next
// recipient and leaves it processing.
func (w *Worker) ProcessJob(ctx context.Context, job *models.Job) (models.JobStatus, error) {
	logger := w.logger.With("job_id", job.ID, "event_id", job.EventID)

	if job.Status != models.JobProcessing {
		return job.Status, fmt.Errorf("job %s is %s, not processing", job.ID, job.Status)
	}

	p, err := w.prepare(ctx, job)
	if err != nil {
		return w.fail(ctx, job, err)
	}
	if len(p.recipients) != job.TotalCount {
		logger.Info("recipient count differs from frozen total",
			"resolved", len(p.recipients), "total", job.TotalCount)
	}

	var logged map[string]struct{}
	err = w.retry(ctx, "load delivery log", func() error {
		var err error
		logged, err = w.stores.Jobs.LoggedRecipients(ctx, job.ID)
		return err
	})
	if err != nil {
		return w.fail(ctx, job, err)
	}

	processed := job.ProcessedCount
	remaining := job.Remaining()
	skipped := 0
	size := w.cfg.BatchSize

	for start := 0; start < len(p.recipients); start += size {
		end := min(start+size, len(p.recipients))
		batchStart := time.Now()

		for _, r := range p.recipients[start:end] {
			if _, done := logged[r.ParticipantID]; done {
				continue
			}
			if remaining <= 0 {
				skipped++
				continue
			}
			if err := ctx.Err(); err != nil {
				return w.interrupt(job, processed, err)
			}

			// once handed to the sender the outcome is always logged
			sendCtx := context.WithoutCancel(ctx)
			entry := w.deliver(sendCtx, job, p, r)
			err := w.retry(sendCtx, "record delivery", func() error {
				return w.stores.Jobs.RecordDelivery(sendCtx, entry)
			})
			switch {
			case err == nil:
				processed++
				remaining--
				logged[r.ParticipantID] = struct{}{}
				metrics.IncDelivery(string(job.Channel), string(entry.Status), string(entry.FailureReason))
			case errors.Is(err, repository.ErrAlreadyLogged):
				logger.Warn("recipient already logged", "recipient_id", r.ParticipantID)
				logged[r.ParticipantID] = struct{}{}
			case errors.Is(err, repository.ErrCounterLimit):
				// another writer used up the total after the last checkpoint
				logger.Warn("delivery not counted, frozen total reached", "recipient_id", r.ParticipantID)
				remaining = 0
				skipped++
			default:
				return w.fail(ctx, job, fmt.Errorf("failed to record delivery: %w", err))
			}
		}

		metrics.ObserveBatch(string(job.Channel), time.Since(batchStart))

		if end == len(p.recipients) {
			break
		}

		current, err := w.checkpoint(ctx, job)
		if err != nil {
			return w.fail(ctx, job, err)
		}
		if current.Status != models.JobProcessing {
			logger.Info("job halted between batches", "status", current.Status, "processed", processed)
			return current.Status, nil
		}
		remaining = current.Remaining()

		if w.cfg.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return w.interrupt(job, processed, ctx.Err())
			case <-time.After(w.cfg.BatchPause):
			}
		}
	}

	if skipped > 0 {
		logger.Warn("recipients beyond frozen total skipped", "skipped", skipped, "total", job.TotalCount)
	}

	return w.finish(ctx, job, models.JobCompleted, "")
}

// prepare loads the event, templates and variables and resolves the audience
func (w *Worker) prepare(ctx context.Context, job *models.Job) (*plan, error) {
	event, err := w.stores.Events.GetByID(ctx, job.EventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	if event == nil {
		return nil, fmt.Errorf("event %s not found", job.EventID)
	}

	globals, err := w.stores.Variables.Map(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load global variables: %w", err)
	}

	p := &plan{baseVars: render.MergeVariables(globals, render.EventVariables(event))}

	if job.ABTestID != "" {
		if err := w.prepareVariants(ctx, job, p); err != nil {
			return nil, err
		}
	} else {
		tmpl, err := w.loadTemplate(ctx, job, job.TemplateID)
		if err != nil {
			return nil, err
		}
		p.template = tmpl
	}

	p.recipients, err = w.resolver.Resolve(ctx, job.EventID, job.Channel, job.Segmentation)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipients: %w", err)
	}
	return p, nil
}

func (w *Worker) prepareVariants(ctx context.Context, job *models.Job, p *plan) error {
	test, err := w.stores.ABTests.GetByID(ctx, job.ABTestID)
	if err != nil {
		return fmt.Errorf("failed to load ab test: %w", err)
	}
	if test == nil {
		return fmt.Errorf("ab test %s not found", job.ABTestID)
	}

	p.assigner, err = abtest.NewAssigner(test.ID, test.Variants)
	if err != nil {
		return fmt.Errorf("invalid ab test %s: %w", test.ID, err)
	}

	p.variants = make(map[string]*models.Template, len(test.Variants))
	for _, v := range test.Variants {
		if _, ok := p.variants[v.TemplateID]; ok {
			continue
		}
		tmpl, err := w.loadTemplate(ctx, job, v.TemplateID)
		if err != nil {
			return err
		}
		p.variants[v.TemplateID] = tmpl
	}
	return nil
}

func (w *Worker) loadTemplate(ctx context.Context, job *models.Job, id string) (*models.Template, error) {
	tmpl, err := w.stores.Templates.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	if tmpl == nil {
		return nil, fmt.Errorf("template %s not found", id)
	}
	if tmpl.EventID != job.EventID {
		return nil, fmt.Errorf("template %s belongs to another event", id)
	}
	return tmpl, nil
}

// deliver renders and sends one message and returns the log entry
// describing the outcome. Sender errors never escape.
func (w *Worker) deliver(ctx context.Context, job *models.Job, p *plan, r models.Recipient) *models.DeliveryLog {
	tmpl, variantID := p.templateFor(r.ParticipantID)
	msg := render.Template(tmpl, render.MergeVariables(p.baseVars, r.MergeVars))

	entry := &models.DeliveryLog{
		JobID:       job.ID,
		RecipientID: r.ParticipantID,
		VariantID:   variantID,
		Address:     r.Address,
		Status:      models.DeliverySuccess,
	}

	err := w.sender.Send(ctx, &sender.Message{
		Channel:     job.Channel,
		EventID:     job.EventID,
		JobID:       job.ID,
		RecipientID: r.ParticipantID,
		To:          r.Address,
		Subject:     msg.Subject,
		Body:        msg.Body,
	})
	if err != nil {
		entry.Status = models.DeliveryFailed
		entry.FailureReason = sender.ReasonOf(err)
		entry.Error = err.Error()
		w.logger.Debug("delivery failed",
			"job_id", job.ID, "recipient_id", r.ParticipantID,
			"reason", entry.FailureReason, "error", err)
	}
	entry.SentAt = w.now().UTC()
	return entry
}

// checkpoint refreshes the job lease and re-reads the job
func (w *Worker) checkpoint(ctx context.Context, job *models.Job) (*models.Job, error) {
	if err := w.retry(ctx, "touch job", func() error {
		return w.stores.Jobs.Touch(ctx, job.ID)
	}); err != nil {
		return nil, err
	}

	var current *models.Job
	err := w.retry(ctx, "reload job", func() error {
		var err error
		current, err = w.stores.Jobs.GetByID(ctx, job.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("job %s disappeared", job.ID)
	}
	return current, nil
}

// interrupt leaves a cancelled job in processing. Its lease goes stale and
// NextJob resumes it after the already logged recipients.
func (w *Worker) interrupt(job *models.Job, processed int, cause error) (models.JobStatus, error) {
	w.logger.Warn("job interrupted, left processing for resume",
		"job_id", job.ID, "processed", processed, "error", cause)
	return models.JobProcessing, cause
}

// fail moves the job to failed. When ctx itself was cancelled the job is
// interrupted instead.
func (w *Worker) fail(ctx context.Context, job *models.Job, cause error) (models.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		if !errors.Is(cause, err) {
			cause = fmt.Errorf("%w: %w", err, cause)
		}
		return w.interrupt(job, job.ProcessedCount, cause)
	}
	w.logger.Error("job failed", "job_id", job.ID, "error", cause)
	status, err := w.finish(context.WithoutCancel(ctx), job, models.JobFailed, cause.Error())
	if err != nil {
		return status, errors.Join(cause, err)
	}
	return status, cause
}

// finish moves a processing job to a terminal status. When another writer
// got there first (stop, abort) the status it set is returned.
func (w *Worker) finish(ctx context.Context, job *models.Job, to models.JobStatus, errMsg string) (models.JobStatus, error) {
	var ok bool
	err := w.retry(ctx, "finish job", func() error {
		var err error
		ok, err = w.stores.Jobs.Transition(ctx, job.ID, models.JobProcessing, to, errMsg)
		return err
	})
	if err != nil {
		return models.JobProcessing, fmt.Errorf("failed to finish job: %w", err)
	}
	if ok {
		metrics.IncJobFinished(string(to))
		w.logger.Info("job finished", "job_id", job.ID, "status", to)
		return to, nil
	}

	current, err := w.stores.Jobs.GetByID(ctx, job.ID)
	if err != nil {
		return models.JobProcessing, fmt.Errorf("failed to reload job: %w", err)
	}
	if current == nil {
		return models.JobProcessing, fmt.Errorf("job %s disappeared", job.ID)
	}
	return current.Status, nil
}

// retry runs a store operation with exponential backoff. Duplicate and
// counter-limit rejections are returned at once.
func (w *Worker) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryBase
	b.MaxInterval = 20 * w.cfg.RetryBase

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if errors.Is(err, repository.ErrAlreadyLogged) || errors.Is(err, repository.ErrCounterLimit) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(w.cfg.StoreRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Warn("store operation failed, retrying", "op", op, "retry_in", next, "error", err)
		}),
	)
	return err
}
