// Package sender delivers rendered campaign messages over email and SMS.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/foxzi/eventcast/internal/models"
)

// Message is one rendered message for one recipient
type Message struct {
	Channel     models.Channel
	EventID     string
	JobID       string
	RecipientID string
	To          string
	Subject     string
	Body        string
}

// Sender delivers a single message. Implementations return a *DeliveryError
// when they can classify the failure.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Func adapts a function to the Sender interface
type Func func(ctx context.Context, msg *Message) error

func (f Func) Send(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// DeliveryError is a classified delivery failure
type DeliveryError struct {
	Reason    models.FailureReason
	Temporary bool
	Message   string
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// ReasonOf maps any send error to a failure reason
func ReasonOf(err error) models.FailureReason {
	if err == nil {
		return models.ReasonNone
	}

	var de *DeliveryError
	if errors.As(err, &de) && de.Reason != models.ReasonNone {
		return de.Reason
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.ReasonTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return models.ReasonTimeout
	}

	return models.ReasonOther
}

// IsTemporary reports whether a send error may succeed on a later attempt
func IsTemporary(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return ReasonOf(err) == models.ReasonTimeout
}

// Router dispatches messages to the sender registered for their channel
type Router struct {
	senders map[models.Channel]Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[models.Channel]Sender)}
}

// Handle registers s for channel, replacing any previous sender
func (r *Router) Handle(channel models.Channel, s Sender) {
	r.senders[channel] = s
}

func (r *Router) Send(ctx context.Context, msg *Message) error {
	s, ok := r.senders[msg.Channel]
	if !ok {
		return &DeliveryError{
			Reason:  models.ReasonOther,
			Message: fmt.Sprintf("no sender configured for channel %q", msg.Channel),
		}
	}
	return s.Send(ctx, msg)
}
