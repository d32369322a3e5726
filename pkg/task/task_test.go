package task

import (
	"testing"
	"time"
)

func TestPriority(t *testing.T) {
	cases := []struct {
		p     Priority
		name  string
		valid bool
	}{
		{PriorityLow, "low", true},
		{PriorityNormal, "normal", true},
		{PriorityHigh, "high", true},
		{PriorityCritical, "critical", true},
		{Priority(-1), "unknown", false},
		{Priority(4), "unknown", false},
	}
	for _, c := range cases {
		if c.p.String() != c.name {
			t.Errorf("Priority(%d).String() = %s, want %s", c.p, c.p.String(), c.name)
		}
		if c.p.Valid() != c.valid {
			t.Errorf("Priority(%d).Valid() = %v, want %v", c.p, c.p.Valid(), c.valid)
		}
	}
	if PriorityCritical <= PriorityLow {
		t.Error("critical must order above low")
	}
}

func TestStatus_Terminal(t *testing.T) {
	if StatusPending.Terminal() || StatusRunning.Terminal() {
		t.Error("pending and running are not terminal")
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestNew_GeneratesID(t *testing.T) {
	tk := New(Spec{Type: "batch"}, PriorityNormal, 5*time.Second, 3)

	if tk.ID == "" {
		t.Error("expected generated id")
	}
	if tk.Status != StatusPending {
		t.Errorf("new task should be pending, got %s", tk.Status)
	}
	if tk.Priority != PriorityNormal || tk.Timeout != 5*time.Second || tk.MaxRetries != 3 {
		t.Errorf("resolved fields not applied: %+v", tk)
	}
	if tk.SubmittedAt.IsZero() {
		t.Error("SubmittedAt not set")
	}

	other := New(Spec{Type: "batch"}, PriorityNormal, 5*time.Second, 3)
	if other.ID == tk.ID {
		t.Error("generated ids must be unique")
	}
}

func TestNew_KeepsCallerID(t *testing.T) {
	tk := New(Spec{ID: "task-9", Type: "batch"}, PriorityLow, time.Second, 0)
	if tk.ID != "task-9" {
		t.Errorf("expected caller id kept, got %s", tk.ID)
	}
}

func TestCanRetry(t *testing.T) {
	tk := &Task{MaxRetries: 2}

	if !tk.CanRetry() {
		t.Error("0 of 2 retries used, should allow retry")
	}
	tk.RetryCount = 2
	if tk.CanRetry() {
		t.Error("retries exhausted, should not allow retry")
	}
}
