package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// ErrValidation is returned for malformed job definitions.
var ErrValidation = errors.New("invalid job")

// Schedule defines when a job should run.
type Schedule struct {
	Kind    string `json:"kind"`               // "at" | "every" | "cron"
	AtMS    *int64 `json:"at_ms,omitempty"`    // one-shot timestamp (milliseconds)
	EveryMS *int64 `json:"every_ms,omitempty"` // interval (milliseconds)
	Expr    string `json:"expr,omitempty"`     // cron expression (5-field)
}

// Payload defines which tool a job invokes when it fires.
type Payload struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
}

// JobState holds runtime state for a job.
type JobState struct {
	NextRunAtMS *int64 `json:"next_run_at_ms,omitempty"`
	LastRunAtMS *int64 `json:"last_run_at_ms,omitempty"`
	LastStatus  string `json:"last_status,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Job represents a scheduled tool invocation.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMS    int64    `json:"created_at_ms"`
	UpdatedAtMS    int64    `json:"updated_at_ms"`
	DeleteAfterRun bool     `json:"delete_after_run,omitempty"`
}

// NewJob creates a job with a generated ID and timestamps.
func NewJob(name string, schedule Schedule, payload Payload) *Job {
	now := time.Now().UnixMilli()
	return &Job{
		ID:          uuid.NewString()[:8],
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
}

// ScheduleDescription returns a human-readable schedule summary.
func (j *Job) ScheduleDescription() string {
	switch j.Schedule.Kind {
	case "at":
		if j.Schedule.AtMS != nil {
			t := time.UnixMilli(*j.Schedule.AtMS)
			return "at " + t.Format(time.RFC3339)
		}
		return "at (unset)"
	case "every":
		if j.Schedule.EveryMS != nil {
			d := time.Duration(*j.Schedule.EveryMS) * time.Millisecond
			return "every " + d.String()
		}
		return "every (unset)"
	case "cron":
		return "cron: " + j.Schedule.Expr
	default:
		return "unknown"
	}
}

func validateJob(name string, schedule Schedule, payload Payload) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if strings.TrimSpace(payload.ToolName) == "" {
		return fmt.Errorf("%w: tool name is required", ErrValidation)
	}

	switch schedule.Kind {
	case "at":
		if schedule.AtMS == nil || *schedule.AtMS <= 0 {
			return fmt.Errorf("%w: schedule kind %q requires at_ms", ErrValidation, schedule.Kind)
		}
	case "every":
		if schedule.EveryMS == nil || *schedule.EveryMS <= 0 {
			return fmt.Errorf("%w: schedule kind %q requires a positive every_ms", ErrValidation, schedule.Kind)
		}
	case "cron":
		if _, err := cron.ParseStandard(schedule.Expr); err != nil {
			return fmt.Errorf("%w: bad cron expression %q: %v", ErrValidation, schedule.Expr, err)
		}
	default:
		return fmt.Errorf("%w: unknown schedule kind %q", ErrValidation, schedule.Kind)
	}
	return nil
}
