package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func int64Ptr(v int64) *int64 { return &v }

func TestAddJob_Validation(t *testing.T) {
	svc := NewService(filepath.Join(t.TempDir(), "jobs.json"), nil)

	cases := []struct {
		name     string
		jobName  string
		schedule Schedule
		payload  Payload
	}{
		{"empty name", "", Schedule{Kind: "every", EveryMS: int64Ptr(1000)}, Payload{ToolName: "clock"}},
		{"missing tool", "tick", Schedule{Kind: "every", EveryMS: int64Ptr(1000)}, Payload{}},
		{"unknown kind", "tick", Schedule{Kind: "weekly"}, Payload{ToolName: "clock"}},
		{"every without interval", "tick", Schedule{Kind: "every"}, Payload{ToolName: "clock"}},
		{"at without timestamp", "tick", Schedule{Kind: "at"}, Payload{ToolName: "clock"}},
		{"bad cron expression", "tick", Schedule{Kind: "cron", Expr: "not a cron"}, Payload{ToolName: "clock"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.AddJob(tc.jobName, tc.schedule, tc.payload); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestAddJob_ComputesNextRun(t *testing.T) {
	svc := NewService(filepath.Join(t.TempDir(), "jobs.json"), nil)

	job, err := svc.AddJob("tick", Schedule{Kind: "every", EveryMS: int64Ptr(60_000)}, Payload{ToolName: "clock"})
	if err != nil {
		t.Fatalf("AddJob() error: %v", err)
	}
	if job.State.NextRunAtMS == nil {
		t.Fatal("expected next run to be computed")
	}
	if !job.Enabled {
		t.Fatal("expected new job to be enabled")
	}

	oneShot, err := svc.AddJob("once", Schedule{Kind: "at", AtMS: int64Ptr(time.Now().Add(time.Hour).UnixMilli())}, Payload{ToolName: "clock"})
	if err != nil {
		t.Fatalf("AddJob() error: %v", err)
	}
	if !oneShot.DeleteAfterRun {
		t.Fatal("expected one-shot job to be delete-after-run")
	}

	cronJob, err := svc.AddJob("daily", Schedule{Kind: "cron", Expr: "0 9 * * *"}, Payload{ToolName: "clock"})
	if err != nil {
		t.Fatalf("AddJob() error: %v", err)
	}
	if cronJob.State.NextRunAtMS == nil {
		t.Fatal("expected cron next run to be computed")
	}
	if next := time.UnixMilli(*cronJob.State.NextRunAtMS); next.Hour() != 9 {
		t.Fatalf("expected next run at 09:00, got %v", next)
	}
}

func TestService_PersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")

	svc := NewService(path, nil)
	job, err := svc.AddJob("tick", Schedule{Kind: "every", EveryMS: int64Ptr(1000)}, Payload{
		ToolName:  "web/search",
		Arguments: map[string]any{"query": "news"},
		TaskID:    "task-1",
	})
	if err != nil {
		t.Fatalf("AddJob() error: %v", err)
	}

	reloaded := NewService(path, nil)
	if err := reloaded.store.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	got, ok := reloaded.GetJob(job.ID)
	if !ok {
		t.Fatalf("expected job %s after reload", job.ID)
	}
	if got.Payload.ToolName != "web/search" || got.Payload.TaskID != "task-1" {
		t.Fatalf("unexpected payload after reload: %+v", got.Payload)
	}
	if got.Payload.Arguments["query"] != "news" {
		t.Fatalf("unexpected arguments after reload: %v", got.Payload.Arguments)
	}
}

func TestTick_ExecutesDueJobAndReschedules(t *testing.T) {
	fired := make(chan *Job, 1)
	svc := NewService(filepath.Join(t.TempDir(), "jobs.json"), func(ctx context.Context, job *Job) error {
		fired <- job
		return nil
	})

	job, err := svc.AddJob("tick", Schedule{Kind: "every", EveryMS: int64Ptr(50)}, Payload{ToolName: "clock"})
	if err != nil {
		t.Fatalf("AddJob() error: %v", err)
	}

	// Make the job due now and tick manually instead of running the loop.
	due := job
	due.State.NextRunAtMS = int64Ptr(time.Now().Add(-time.Second).UnixMilli())
	svc.store.Put(due)

	svc.tick()

	select {
	case got := <-fired:
		if got.ID != job.ID {
			t.Fatalf("unexpected job fired: %s", got.ID)
		}
	default:
		t.Fatal("expected job to fire")
	}

	after, ok := svc.GetJob(job.ID)
	if !ok {
		t.Fatal("expected interval job to survive execution")
	}
	if after.State.LastStatus != "ok" {
		t.Fatalf("unexpected last status: %q", after.State.LastStatus)
	}
	if after.State.NextRunAtMS == nil {
		t.Fatal("expected interval job to be rescheduled")
	}
}

func TestTick_FailedHandlerRecordsError(t *testing.T) {
	svc := NewService(filepath.Join(t.TempDir(), "jobs.json"), func(ctx context.Context, job *Job) error {
		return errors.New("tool unavailable")
	})

	job, err := svc.AddJob("tick", Schedule{Kind: "every", EveryMS: int64Ptr(50)}, Payload{ToolName: "clock"})
	if err != nil {
		t.Fatalf("AddJob() error: %v", err)
	}
	due := job
	due.State.NextRunAtMS = int64Ptr(time.Now().Add(-time.Second).UnixMilli())
	svc.store.Put(due)

	svc.tick()

	after, ok := svc.GetJob(job.ID)
	if !ok {
		t.Fatal("expected job to survive execution")
	}
	if after.State.LastStatus != "error" || after.State.LastError != "tool unavailable" {
		t.Fatalf("unexpected state after failure: %+v", after.State)
	}
}

func TestTick_OneShotJobIsDeleted(t *testing.T) {
	svc := NewService(filepath.Join(t.TempDir(), "jobs.json"), func(ctx context.Context, job *Job) error {
		return nil
	})

	job, err := svc.AddJob("once", Schedule{Kind: "at", AtMS: int64Ptr(time.Now().Add(-time.Second).UnixMilli())}, Payload{ToolName: "clock"})
	if err != nil {
		t.Fatalf("AddJob() error: %v", err)
	}

	svc.tick()

	if _, ok := svc.GetJob(job.ID); ok {
		t.Fatal("expected one-shot job to be deleted after firing")
	}
}

func TestRunJob_ExecutesImmediately(t *testing.T) {
	fired := 0
	svc := NewService(filepath.Join(t.TempDir(), "jobs.json"), func(ctx context.Context, job *Job) error {
		fired++
		return nil
	})

	job, err := svc.AddJob("tick", Schedule{Kind: "every", EveryMS: int64Ptr(60_000)}, Payload{ToolName: "clock"})
	if err != nil {
		t.Fatalf("AddJob() error: %v", err)
	}

	after, err := svc.RunJob(job.ID)
	if err != nil {
		t.Fatalf("RunJob() error: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected one execution, got %d", fired)
	}
	if after == nil || after.State.LastStatus != "ok" {
		t.Fatalf("unexpected job after run: %+v", after)
	}

	if _, err := svc.RunJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestRemoveJob_NotFound(t *testing.T) {
	svc := NewService(filepath.Join(t.TempDir(), "jobs.json"), nil)
	if err := svc.RemoveJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestEnableJob_TogglesScheduling(t *testing.T) {
	svc := NewService(filepath.Join(t.TempDir(), "jobs.json"), nil)

	job, err := svc.AddJob("tick", Schedule{Kind: "every", EveryMS: int64Ptr(1000)}, Payload{ToolName: "clock"})
	if err != nil {
		t.Fatalf("AddJob() error: %v", err)
	}

	disabled, err := svc.EnableJob(job.ID, false)
	if err != nil {
		t.Fatalf("EnableJob(false) error: %v", err)
	}
	if disabled.Enabled || disabled.State.NextRunAtMS != nil {
		t.Fatalf("expected disabled job without next run, got %+v", disabled)
	}

	enabled, err := svc.EnableJob(job.ID, true)
	if err != nil {
		t.Fatalf("EnableJob(true) error: %v", err)
	}
	if !enabled.Enabled || enabled.State.NextRunAtMS == nil {
		t.Fatalf("expected enabled job with next run, got %+v", enabled)
	}
}
