package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/eventcast/internal/metrics"
	"github.com/foxzi/eventcast/internal/models"
	"github.com/foxzi/eventcast/internal/ratelimit"
)

// Limiter is the subset of *ratelimit.Limiter used by Limited
type Limiter interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
}

// Limited counts every message against provider caps before passing it on.
// A message over a cap fails with reason rate_limit and is not sent.
type Limited struct {
	next    Sender
	limiter Limiter
}

func NewLimited(next Sender, limiter Limiter) *Limited {
	return &Limited{next: next, limiter: limiter}
}

func (l *Limited) Send(ctx context.Context, msg *Message) error {
	req := &ratelimit.Request{
		Channel: string(msg.Channel),
		EventID: msg.EventID,
	}
	if msg.Channel == models.ChannelEmail {
		req.RecipientDomain = domainOf(msg.To)
	}

	res, err := l.limiter.Allow(ctx, req)
	if err != nil {
		return &DeliveryError{Reason: models.ReasonOther, Temporary: true, Message: "rate limiter unavailable", Err: err}
	}
	if !res.Allowed {
		metrics.IncRateLimitExceeded(string(res.DeniedBy))
		return &DeliveryError{
			Reason:    models.ReasonRateLimit,
			Temporary: true,
			Message:   fmt.Sprintf("%s cap reached, retry after %s", res.DeniedBy, res.RetryAfter.Round(time.Second)),
		}
	}

	return l.next.Send(ctx, msg)
}
