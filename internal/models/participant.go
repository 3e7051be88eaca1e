package models

import (
	"strings"
	"time"
)

// ParticipantStatus is the registration state of a participant
type ParticipantStatus string

const (
	ParticipantInvited    ParticipantStatus = "invited"
	ParticipantRegistered ParticipantStatus = "registered"
	ParticipantDeclined   ParticipantStatus = "declined"
)

// Participant is a person attached to an event
type Participant struct {
	ID        string            `json:"id"`
	EventID   string            `json:"event_id"`
	FirstName string            `json:"first_name"`
	LastName  string            `json:"last_name"`
	Email     string            `json:"email"`
	Phone     string            `json:"phone"`
	Company   string            `json:"company"`
	Language  string            `json:"language"`
	Status    ParticipantStatus `json:"status"`
	VIP       bool              `json:"vip"`
	Variables map[string]string `json:"variables,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// FullName joins first and last name
func (p *Participant) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Recipient is a resolved delivery target with its merge variables
type Recipient struct {
	ParticipantID string            `json:"participant_id"`
	Address       string            `json:"address"`
	MergeVars     map[string]string `json:"merge_vars"`
}
