package models

import "testing"

func TestJobRemaining(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		processed int
		want      int
	}{
		{"fresh", 5, 0, 5},
		{"partial", 5, 3, 2},
		{"done", 5, 5, 0},
		{"over frozen total", 5, 7, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{TotalCount: tt.total, ProcessedCount: tt.processed}
			if got := j.Remaining(); got != tt.want {
				t.Errorf("Remaining() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobPending, JobProcessing, true},
		{JobPending, JobCompleted, false},
		{JobProcessing, JobStopped, true},
		{JobProcessing, JobFailedManual, true},
		{JobCompleted, JobProcessing, false},
		{JobStopped, JobProcessing, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
