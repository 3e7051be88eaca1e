package models

import (
	"errors"
	"testing"
)

func TestParseSegmentation(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"all", `{"rules":[{"type":"all"}]}`, false},
		{"vip and company", `{"rules":[{"type":"vip_only"},{"type":"company","values":["Acme"]}]}`, false},
		{"unknown type", `{"rules":[{"type":"everyone"}]}`, true},
		{"unknown field", `{"rules":[{"type":"all"}],"mode":"or"}`, true},
		{"company without values", `{"rules":[{"type":"company"}]}`, true},
		{"vip with values", `{"rules":[{"type":"vip_only","values":["x"]}]}`, true},
		{"long language code", `{"rules":[{"type":"language","values":["eng"]}]}`, true},
		{"empty rules", `{"rules":[]}`, true},
		{"malformed", `{"rules":`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSegmentation([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSegmentation() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSegmentation) {
				t.Errorf("error %v does not wrap ErrInvalidSegmentation", err)
			}
		})
	}
}

func TestParseSegmentation_NormalizesLanguage(t *testing.T) {
	s, err := ParseSegmentation([]byte(`{"rules":[{"type":"language","values":[" EN ","De"]}]}`))
	if err != nil {
		t.Fatalf("ParseSegmentation() error = %v", err)
	}
	if s.Rules[0].Values[0] != "en" || s.Rules[0].Values[1] != "de" {
		t.Errorf("values = %v, want [en de]", s.Rules[0].Values)
	}
}

func TestSegmentation_ScanValue(t *testing.T) {
	in := Segmentation{Rules: []Rule{{Type: RuleCompany, Values: []string{"Acme"}}}}
	v, err := in.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}

	var out Segmentation
	if err := out.Scan(v); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(out.Rules) != 1 || out.Rules[0].Values[0] != "Acme" {
		t.Errorf("Scan() = %+v", out)
	}

	var empty Segmentation
	if err := empty.Scan(nil); err != nil || !empty.IsZero() {
		t.Errorf("Scan(nil) = %+v, %v", empty, err)
	}
}

func TestCanTransition_AllStatuses(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobPending, JobProcessing, true},
		{JobPending, JobStopped, false},
		{JobProcessing, JobCompleted, true},
		{JobProcessing, JobStopped, true},
		{JobProcessing, JobFailedManual, true},
		{JobProcessing, JobPending, false},
		{JobCompleted, JobProcessing, false},
		{JobStopped, JobCompleted, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
