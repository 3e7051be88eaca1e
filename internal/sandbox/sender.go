package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/foxzi/eventcast/internal/models"
	"github.com/foxzi/eventcast/internal/sender"
	"github.com/google/uuid"
)

const (
	ModeCapture  = "capture"
	ModeRedirect = "redirect"
)

// Config controls how the sandbox intercepts messages
type Config struct {
	Mode string `yaml:"mode"`
	// Redirect targets per channel, used in redirect mode
	RedirectTo map[string]string `yaml:"redirect_to,omitempty"`
	// Addresses that always fail with the given reason
	FailAddresses map[string]models.FailureReason `yaml:"fail_addresses,omitempty"`
	// Probability of a random simulated failure, 0 disables
	ErrorProbability float64 `yaml:"error_probability,omitempty"`
}

// Sender captures messages in storage instead of delivering them. In
// redirect mode the message is also passed to the real sender with the
// recipient replaced by the channel's redirect address.
type Sender struct {
	cfg     Config
	real    sender.Sender
	storage *Storage
	logger  *slog.Logger
	rand    func() float64
}

func NewSender(cfg Config, real sender.Sender, storage *Storage, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeCapture
	}
	return &Sender{
		cfg:     cfg,
		real:    real,
		storage: storage,
		logger:  logger.With("component", "sandbox"),
		rand:    rand.Float64,
	}
}

// simulatedReasons are drawn for random failures
var simulatedReasons = []models.FailureReason{
	models.ReasonInvalidAddress,
	models.ReasonTimeout,
	models.ReasonRateLimit,
	models.ReasonProviderError,
}

func (s *Sender) Send(ctx context.Context, msg *sender.Message) error {
	captured := &Message{
		ID:          uuid.New().String(),
		JobID:       msg.JobID,
		EventID:     msg.EventID,
		RecipientID: msg.RecipientID,
		Channel:     string(msg.Channel),
		To:          msg.To,
		Subject:     msg.Subject,
		Body:        msg.Body,
		Mode:        s.cfg.Mode,
		CapturedAt:  time.Now(),
	}

	reason, failed := s.cfg.FailAddresses[strings.ToLower(msg.To)]
	if !failed && s.cfg.ErrorProbability > 0 && s.rand() < s.cfg.ErrorProbability {
		reason = simulatedReasons[int(s.rand()*float64(len(simulatedReasons)))%len(simulatedReasons)]
		failed = true
	}

	if failed {
		captured.SimulatedErr = string(reason)
		if err := s.storage.Save(ctx, captured); err != nil {
			s.logger.Error("failed to save message", "error", err)
		}
		return &sender.DeliveryError{
			Reason:    reason,
			Temporary: reason == models.ReasonTimeout || reason == models.ReasonRateLimit,
			Message:   "simulated failure",
		}
	}

	if s.cfg.Mode == ModeRedirect {
		target := s.cfg.RedirectTo[string(msg.Channel)]
		if target == "" || s.real == nil {
			s.logger.Warn("no redirect target, capturing only", "channel", msg.Channel)
		} else {
			captured.OriginalTo = msg.To
			captured.To = target
			redirected := *msg
			redirected.To = target
			if err := s.real.Send(ctx, &redirected); err != nil {
				return err
			}
		}
	}

	if err := s.storage.Save(ctx, captured); err != nil {
		return fmt.Errorf("sandbox: failed to save message: %w", err)
	}

	s.logger.Debug("message captured",
		"job_id", msg.JobID,
		"recipient_id", msg.RecipientID,
		"mode", captured.Mode,
	)
	return nil
}
