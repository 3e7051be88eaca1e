// Package render merges named values into message templates.
package render

import (
	"regexp"
	"strings"

	"github.com/foxzi/eventcast/internal/models"
)

// variable pattern for template substitution: {{variable_name}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// DateLayout is used for event date variables
const DateLayout = "2006-01-02 15:04"

// Render substitutes {{variable}} patterns in template string.
// Unknown variables are kept as-is.
func Render(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		varName := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[varName]; ok {
			return value
		}
		return match
	})
}

// MergeVariables merges variable maps; later layers take priority
func MergeVariables(layers ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			result[k] = v
		}
	}
	return result
}

// EventVariables returns the event-level merge variables
func EventVariables(ev *models.Event) map[string]string {
	if ev == nil {
		return map[string]string{}
	}
	vars := map[string]string{
		"event_name":     ev.Name,
		"event_location": ev.Location,
	}
	if !ev.StartDate.IsZero() {
		vars["event_start"] = ev.StartDate.Format(DateLayout)
	}
	if !ev.EndDate.IsZero() {
		vars["event_end"] = ev.EndDate.Format(DateLayout)
	}
	return vars
}

// ParticipantVariables returns the per-recipient merge variables.
// Custom variables never shadow the built-in ones.
func ParticipantVariables(p *models.Participant) map[string]string {
	vars := make(map[string]string, len(p.Variables)+8)
	for k, v := range p.Variables {
		vars[k] = v
	}
	vars["first_name"] = p.FirstName
	vars["last_name"] = p.LastName
	vars["full_name"] = p.FullName()
	vars["email"] = p.Email
	vars["phone"] = p.Phone
	vars["company"] = p.Company
	vars["language"] = p.Language
	return vars
}

// Message is a rendered subject and body pair
type Message struct {
	Subject string
	Body    string
}

// Template renders a stored template against the merged variables
func Template(tmpl *models.Template, vars map[string]string) Message {
	return Message{
		Subject: Render(tmpl.Subject, vars),
		Body:    Render(tmpl.Body, vars),
	}
}
