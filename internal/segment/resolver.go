// Package segment resolves segmentation rule sets into recipient lists.
package segment

import (
	"context"
	"fmt"
	"strings"

	"github.com/foxzi/eventcast/internal/models"
	"github.com/foxzi/eventcast/internal/render"
)

// ParticipantStore lists the participants of one event
type ParticipantStore interface {
	ListByEvent(ctx context.Context, eventID string) ([]models.Participant, error)
}

// Resolver evaluates segmentation configs against the participant store
type Resolver struct {
	store ParticipantStore
}

// NewResolver creates a new resolver
func NewResolver(store ParticipantStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns every participant of the event matching all rules and
// having a deliverable address for the channel. An empty result is not an error.
func (r *Resolver) Resolve(ctx context.Context, eventID string, channel models.Channel, seg models.Segmentation) ([]models.Recipient, error) {
	if err := seg.Validate(); err != nil {
		return nil, err
	}
	if !channel.Valid() {
		return nil, fmt.Errorf("unknown channel %q", channel)
	}

	participants, err := r.store.ListByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	seen := make(map[string]struct{}, len(participants))
	recipients := make([]models.Recipient, 0)
	for i := range participants {
		p := &participants[i]
		if p.EventID != eventID {
			continue
		}
		if _, dup := seen[p.ID]; dup {
			continue
		}
		if !Match(seg, p) {
			continue
		}
		addr := Address(p, channel)
		if addr == "" {
			continue
		}
		seen[p.ID] = struct{}{}
		recipients = append(recipients, models.Recipient{
			ParticipantID: p.ID,
			Address:       addr,
			MergeVars:     render.ParticipantVariables(p),
		})
	}

	return recipients, nil
}

// Count returns the number of recipients the segmentation would resolve to
func (r *Resolver) Count(ctx context.Context, eventID string, channel models.Channel, seg models.Segmentation) (int, error) {
	recipients, err := r.Resolve(ctx, eventID, channel, seg)
	if err != nil {
		return 0, err
	}
	return len(recipients), nil
}

// Match reports whether a participant satisfies every rule
func Match(seg models.Segmentation, p *models.Participant) bool {
	for _, rule := range seg.Rules {
		if !matchRule(rule, p) {
			return false
		}
	}
	return true
}

func matchRule(rule models.Rule, p *models.Participant) bool {
	switch rule.Type {
	case models.RuleAll:
		return true
	case models.RuleRegisteredOnly:
		return p.Status == models.ParticipantRegistered
	case models.RuleInvitedOnly:
		return p.Status == models.ParticipantInvited
	case models.RuleVIPOnly:
		return p.VIP
	case models.RuleCompany:
		return contains(rule.Values, p.Company)
	case models.RuleLanguage:
		lang := strings.ToLower(strings.TrimSpace(p.Language))
		for _, v := range rule.Values {
			if strings.ToLower(strings.TrimSpace(v)) == lang {
				return true
			}
		}
		return false
	}
	// unknown rules never match
	return false
}

func contains(values []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

// Address returns the deliverable address of a participant for a channel,
// or an empty string when there is none
func Address(p *models.Participant, channel models.Channel) string {
	switch channel {
	case models.ChannelEmail:
		email := strings.TrimSpace(p.Email)
		at := strings.LastIndex(email, "@")
		if at <= 0 || at == len(email)-1 {
			return ""
		}
		return email
	case models.ChannelSMS:
		return NormalizePhone(p.Phone)
	}
	return ""
}

// NormalizePhone strips formatting from a phone number, keeping a leading +.
// Numbers with fewer than 7 digits are treated as absent.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, c := range phone {
		switch {
		case c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '+' && i == 0:
			b.WriteRune(c)
		}
	}
	out := b.String()
	digits := strings.TrimPrefix(out, "+")
	if len(digits) < 7 {
		return ""
	}
	return out
}
