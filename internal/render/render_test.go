package render

import (
	"testing"
	"time"

	"github.com/foxzi/eventcast/internal/models"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     map[string]string
		want     string
	}{
		{
			name:     "simple substitution",
			template: "Hello, {{first_name}}!",
			vars:     map[string]string{"first_name": "Ada"},
			want:     "Hello, Ada!",
		},
		{
			name:     "multiple variables",
			template: "{{first_name}}, see you at {{event_name}} in {{event_location}}.",
			vars: map[string]string{
				"first_name":     "Ada",
				"event_name":     "GopherCon",
				"event_location": "Berlin",
			},
			want: "Ada, see you at GopherCon in Berlin.",
		},
		{
			name:     "missing variable unchanged",
			template: "Hello, {{first_name}}! Code {{code}}.",
			vars:     map[string]string{"first_name": "Ada"},
			want:     "Hello, Ada! Code {{code}}.",
		},
		{
			name:     "whitespace inside braces",
			template: "Hi {{ first_name }}",
			vars:     map[string]string{"first_name": "Ada"},
			want:     "Hi Ada",
		},
		{
			name:     "empty template",
			template: "",
			vars:     map[string]string{"first_name": "Ada"},
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.template, tt.vars)
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMergeVariables_Priority(t *testing.T) {
	global := map[string]string{"company": "Global Corp", "support": "global@example.com"}
	event := map[string]string{"support": "event@example.com", "event_name": "Summit"}
	recipient := map[string]string{"company": "Acme"}

	got := MergeVariables(global, event, recipient)

	if got["company"] != "Acme" {
		t.Errorf("company = %q, want recipient value", got["company"])
	}
	if got["support"] != "event@example.com" {
		t.Errorf("support = %q, want event override", got["support"])
	}
	if got["event_name"] != "Summit" {
		t.Errorf("event_name = %q, want Summit", got["event_name"])
	}
}

func TestMergeVariables_NilLayers(t *testing.T) {
	got := MergeVariables(nil, map[string]string{"a": "1"}, nil)
	if len(got) != 1 || got["a"] != "1" {
		t.Errorf("MergeVariables() = %v", got)
	}
}

func TestEventVariables(t *testing.T) {
	ev := &models.Event{
		Name:      "Summit",
		Location:  "Lisbon",
		StartDate: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 5, 2, 18, 0, 0, 0, time.UTC),
	}

	vars := EventVariables(ev)
	if vars["event_start"] != "2026-05-01 09:00" {
		t.Errorf("event_start = %q", vars["event_start"])
	}
	if vars["event_end"] != "2026-05-02 18:00" {
		t.Errorf("event_end = %q", vars["event_end"])
	}
	if len(EventVariables(nil)) != 0 {
		t.Error("EventVariables(nil) should be empty")
	}
}

func TestParticipantVariables_BuiltinsWin(t *testing.T) {
	p := &models.Participant{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Variables: map[string]string{"first_name": "spoofed", "table": "7"},
	}

	vars := ParticipantVariables(p)
	if vars["first_name"] != "Ada" {
		t.Errorf("first_name = %q, want Ada", vars["first_name"])
	}
	if vars["full_name"] != "Ada Lovelace" {
		t.Errorf("full_name = %q", vars["full_name"])
	}
	if vars["table"] != "7" {
		t.Errorf("table = %q, want custom variable", vars["table"])
	}
}

func TestTemplate(t *testing.T) {
	tmpl := &models.Template{Subject: "{{event_name}} update", Body: "Dear {{full_name}}"}
	msg := Template(tmpl, map[string]string{"event_name": "Summit", "full_name": "Ada Lovelace"})
	if msg.Subject != "Summit update" || msg.Body != "Dear Ada Lovelace" {
		t.Errorf("Template() = %+v", msg)
	}
}
