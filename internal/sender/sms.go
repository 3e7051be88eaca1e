package sender

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/foxzi/eventcast/internal/models"
	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// SMSConfig configures the Twilio account used for SMS
type SMSConfig struct {
	AccountSID string        `yaml:"account_sid"`
	AuthToken  string        `yaml:"auth_token"`
	From       string        `yaml:"from"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Twilio error codes with a dedicated failure reason
const (
	twilioInvalidNumber = 21211
	twilioUnsubscribed  = 21610
	twilioNotMobile     = 21614
	twilioQueueOverflow = 14107
	twilioTooManyReqs   = 20429
)

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// SMSSender sends SMS through the Twilio REST API
type SMSSender struct {
	cfg    SMSConfig
	api    messageCreator
	logger *slog.Logger
}

func NewSMSSender(cfg SMSConfig, logger *slog.Logger) *SMSSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMSSender{
		cfg:    cfg,
		api:    rest.Api,
		logger: logger.With("component", "sender.sms"),
	}
}

func (s *SMSSender) Send(ctx context.Context, msg *Message) error {
	params := &api.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(s.cfg.From)
	params.SetBody(msg.Body)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type result struct {
		sid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.api.CreateMessage(params)
		var sid string
		if resp != nil && resp.Sid != nil {
			sid = *resp.Sid
		}
		done <- result{sid, err}
	}()

	select {
	case <-ctx.Done():
		return &DeliveryError{Reason: models.ReasonTimeout, Temporary: true, Message: "twilio did not answer in time", Err: ctx.Err()}
	case res := <-done:
		if res.err != nil {
			return classifyTwilioError(res.err)
		}
		s.logger.Debug("sms accepted", "job_id", msg.JobID, "recipient_id", msg.RecipientID, "sid", res.sid)
		return nil
	}
}

func classifyTwilioError(err error) *DeliveryError {
	var te *twclient.TwilioRestError
	if !errors.As(err, &te) {
		return &DeliveryError{Reason: models.ReasonProviderError, Temporary: true, Message: "twilio request failed", Err: err}
	}

	de := &DeliveryError{Message: te.Message, Err: err}
	switch {
	case te.Code == twilioInvalidNumber || te.Code == twilioNotMobile:
		de.Reason = models.ReasonInvalidAddress
	case te.Code == twilioUnsubscribed:
		de.Reason = models.ReasonBlocked
	case te.Code == twilioTooManyReqs || te.Code == twilioQueueOverflow || te.Status == http.StatusTooManyRequests:
		de.Reason = models.ReasonRateLimit
		de.Temporary = true
	default:
		de.Reason = models.ReasonProviderError
		de.Temporary = te.Status >= 500
	}
	return de
}
