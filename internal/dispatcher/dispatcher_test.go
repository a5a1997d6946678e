package dispatcher

import (
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRegisterSubmissionDefaults(t *testing.T) {
	t.Parallel()

	d := New()
	task := d.RegisterSubmission("t1", "render", "p1")
	if task.Status != StatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
	if task.Progress != 0 {
		t.Fatalf("expected 0 progress, got %v", task.Progress)
	}
	if task.Message != "queued" {
		t.Fatalf("expected queued message, got %q", task.Message)
	}
	if d.InFlightCount() != 1 {
		t.Fatalf("expected 1 in-flight task")
	}
}

func TestMarkStartedNoOpIfAbsent(t *testing.T) {
	t.Parallel()

	d := New()
	d.MarkStarted("unknown")
	if _, ok := d.Get("unknown"); ok {
		t.Fatalf("expected no task to be created")
	}
}

func TestMarkStartedTransitionsToRunning(t *testing.T) {
	t.Parallel()

	d := New()
	d.RegisterSubmission("t1", "render", "p1")
	d.MarkStarted("t1")
	task, _ := d.Get("t1")
	if task.Status != StatusRunning || task.Message != "started" {
		t.Fatalf("unexpected task after mark started: %+v", task)
	}
}

func TestApplyProgressClampsAndUpserts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   float64
		want float64
	}{
		{-1.5, 0},
		{0, 0},
		{0.42, 0.42},
		{1, 1},
		{5.5, 1},
	}

	for _, tc := range cases {
		d := New()
		d.ApplyProgress("ghost", tc.in, "working")
		task, ok := d.Get("ghost")
		if !ok {
			t.Fatalf("expected placeholder task to be created")
		}
		if task.Progress != tc.want {
			t.Fatalf("ApplyProgress(%v): got %v, want %v", tc.in, task.Progress, tc.want)
		}
		if task.Status != StatusRunning {
			t.Fatalf("expected running status, got %s", task.Status)
		}
		if d.InFlightCount() != 1 {
			t.Fatalf("expected placeholder to be in-flight")
		}
	}
}

func TestApplyResultCompletedSetsFullProgress(t *testing.T) {
	t.Parallel()

	d := New()
	d.RegisterSubmission("t1", "render", "p1")
	d.ApplyProgress("t1", 0.6, "working")
	d.ApplyResult("t1", "completed", map[string]int{"frames": 120}, "")

	task, _ := d.Get("t1")
	if task.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	if task.Progress != 1.0 {
		t.Fatalf("expected progress 1.0, got %v", task.Progress)
	}
	if task.Error != "" {
		t.Fatalf("expected no error on completed task, got %q", task.Error)
	}
	if d.InFlightCount() != 0 {
		t.Fatalf("expected task removed from in-flight set")
	}
}

func TestApplyResultUnknownStatusMapsToFailed(t *testing.T) {
	t.Parallel()

	d := New()
	d.RegisterSubmission("t1", "render", "p1")
	d.ApplyResult("t1", "something-weird", nil, "")

	task, _ := d.Get("t1")
	if task.Status != StatusFailed {
		t.Fatalf("expected failed for unknown status string, got %s", task.Status)
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	t.Parallel()

	d := New()
	d.RegisterSubmission("t1", "render", "p1")
	d.ApplyResult("t1", "completed", map[string]int{"frames": 1}, "")

	// A stray progress event referencing a completed task must not mutate it.
	d.ApplyProgress("t1", 0.1, "late progress")
	task, _ := d.Get("t1")
	if task.Status != StatusCompleted || task.Progress != 1.0 {
		t.Fatalf("terminal task was mutated by late progress event: %+v", task)
	}

	// A stray result for a cancelled task must not resurrect it.
	d.RegisterSubmission("t2", "render", "p1")
	d.Cancel("t2")
	d.ApplyResult("t2", "completed", nil, "")
	task2, _ := d.Get("t2")
	if task2.Status != StatusCancelled {
		t.Fatalf("cancelled task was resurrected by late result: %+v", task2)
	}
}

func TestCancelReportsPresence(t *testing.T) {
	t.Parallel()

	d := New()
	if d.Cancel("missing") {
		t.Fatalf("expected false for unknown task")
	}

	d.RegisterSubmission("t1", "render", "p1")
	if !d.Cancel("t1") {
		t.Fatalf("expected true for known task")
	}
	task, _ := d.Get("t1")
	if task.Status != StatusCancelled || task.Message != "cancelled" {
		t.Fatalf("unexpected task after cancel: %+v", task)
	}
	if d.InFlightCount() != 0 {
		t.Fatalf("expected task removed from in-flight set")
	}
}

func TestFailAllInFlight(t *testing.T) {
	t.Parallel()

	d := New()
	d.RegisterSubmission("t1", "render", "p1")
	d.RegisterSubmission("t2", "render", "p1")
	d.ApplyResult("t2", "completed", nil, "") // t2 finishes normally, t1 stays in flight

	d.FailAllInFlight()

	t1, _ := d.Get("t1")
	if t1.Status != StatusFailed {
		t.Fatalf("expected t1 failed, got %s", t1.Status)
	}
	if t1.Error == "" {
		t.Fatalf("expected error message on failed task")
	}

	t2, _ := d.Get("t2")
	if t2.Status != StatusCompleted {
		t.Fatalf("completed task should not be touched by FailAllInFlight: %+v", t2)
	}
	if d.InFlightCount() != 0 {
		t.Fatalf("expected in-flight set cleared")
	}
}

func TestListTasksSortedByUpdatedAtDescending(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	d := New()
	d.WithClock(fixedClock(base))
	d.RegisterSubmission("t1", "render", "p1")

	d.WithClock(fixedClock(base.Add(time.Minute)))
	d.RegisterSubmission("t2", "render", "p1")

	d.WithClock(fixedClock(base.Add(2 * time.Minute)))
	d.RegisterSubmission("t3", "render", "p1")

	tasks := d.ListTasks()
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].TaskID != "t3" || tasks[1].TaskID != "t2" || tasks[2].TaskID != "t1" {
		t.Fatalf("unexpected task order: %v", []string{tasks[0].TaskID, tasks[1].TaskID, tasks[2].TaskID})
	}
}
