package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gantrydev/gantry/internal/action"
	"github.com/gantrydev/gantry/internal/config"
	"github.com/gantrydev/gantry/internal/jobs"
	"github.com/gantrydev/gantry/internal/mcp"
	"github.com/spf13/cobra"
)

// NewJobsCmd creates the jobs command
func NewJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled tool invocations",
	}

	cmd.AddCommand(
		newJobsListCmd(),
		newJobsAddCmd(),
		newJobsRunCmd(),
		newJobsRemoveCmd(),
		newJobsEnableCmd(),
		newJobsDisableCmd(),
	)

	return cmd
}

func newJobsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all scheduled jobs",
		RunE:  runJobsList,
	}
}

func newJobsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a new scheduled job",
		RunE:  runJobsAdd,
	}

	cmd.Flags().StringP("name", "n", "", "Job name (required)")
	cmd.Flags().StringP("tool", "t", "", "Catalog tool name to invoke (required)")
	cmd.Flags().String("args", "{}", "Tool arguments as a JSON object")
	cmd.Flags().String("task", "", "Task id for recorded actions")
	cmd.Flags().Int64("every", 0, "Repeat interval in seconds")
	cmd.Flags().String("cron", "", "Cron expression (e.g., '0 9 * * *')")
	cmd.Flags().String("at", "", "One-shot timestamp (RFC3339)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("tool")

	return cmd
}

func newJobsRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job_id>",
		Short: "Run a scheduled job immediately",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobsNow,
	}
}

func newJobsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job_id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobsRemove,
	}
}

func newJobsEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <job_id>",
		Short: "Enable a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsSetEnabled(args[0], true)
		},
	}
}

func newJobsDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <job_id>",
		Short: "Disable a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsSetEnabled(args[0], false)
		},
	}
}

func loadJobService(handler jobs.Handler) (*jobs.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	svc := jobs.NewService(cfg.Jobs.File, handler)
	if err := svc.Start(); err != nil {
		return nil, err
	}
	return svc, nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	svc, err := loadJobService(nil)
	if err != nil {
		return err
	}
	defer svc.Stop()

	all := svc.ListJobs(true)
	if len(all) == 0 {
		fmt.Println("No scheduled jobs.")
		return nil
	}

	fmt.Printf("%-10s %-20s %-25s %-20s %s\n", "ID", "NAME", "SCHEDULE", "NEXT RUN", "STATUS")
	for _, j := range all {
		nextRun := "-"
		if j.State.NextRunAtMS != nil {
			nextRun = time.UnixMilli(*j.State.NextRunAtMS).Format("2006-01-02 15:04:05")
		}
		status := "enabled"
		if !j.Enabled {
			status = "disabled"
		}
		fmt.Printf("%-10s %-20s %-25s %-20s %s\n", j.ID, truncate(j.Name, 20), truncate(j.ScheduleDescription(), 25), nextRun, status)
	}
	return nil
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	toolName, _ := cmd.Flags().GetString("tool")
	argsJSON, _ := cmd.Flags().GetString("args")
	taskID, _ := cmd.Flags().GetString("task")
	every, _ := cmd.Flags().GetInt64("every")
	cronExpr, _ := cmd.Flags().GetString("cron")
	at, _ := cmd.Flags().GetString("at")

	var toolArgs map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
		return fmt.Errorf("--args must be a JSON object: %w", err)
	}

	var schedule jobs.Schedule
	switch {
	case every > 0:
		ms := every * 1000
		schedule = jobs.Schedule{Kind: "every", EveryMS: &ms}
	case cronExpr != "":
		schedule = jobs.Schedule{Kind: "cron", Expr: cronExpr}
	case at != "":
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("invalid --at timestamp (expected RFC3339): %w", err)
		}
		ms := ts.UnixMilli()
		schedule = jobs.Schedule{Kind: "at", AtMS: &ms}
	default:
		return fmt.Errorf("one of --every, --cron, or --at is required")
	}

	svc, err := loadJobService(nil)
	if err != nil {
		return err
	}
	defer svc.Stop()

	job, err := svc.AddJob(name, schedule, jobs.Payload{
		ToolName:  toolName,
		Arguments: toolArgs,
		TaskID:    taskID,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Job created: %s (%s)\n", job.ID, job.ScheduleDescription())
	return nil
}

func runJobsRemove(cmd *cobra.Command, args []string) error {
	svc, err := loadJobService(nil)
	if err != nil {
		return err
	}
	defer svc.Stop()

	if err := svc.RemoveJob(args[0]); err != nil {
		return err
	}
	fmt.Printf("Job %s removed.\n", args[0])
	return nil
}

func runJobsSetEnabled(jobID string, enabled bool) error {
	svc, err := loadJobService(nil)
	if err != nil {
		return err
	}
	defer svc.Stop()

	job, err := svc.EnableJob(jobID, enabled)
	if err != nil {
		return err
	}
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	fmt.Printf("Job %s (%s) %s.\n", job.ID, job.Name, state)
	return nil
}

func runJobsNow(cmd *cobra.Command, args []string) error {
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	mgr := mcp.NewManager(mcp.DefaultConnectors())
	defer func() { _ = mgr.DisconnectAll() }()

	reg, err := buildRegistry(cfg, mgr)
	if err != nil {
		return err
	}
	if _, err := reg.Initialize(context.Background()); err != nil {
		return err
	}

	store, err := action.NewStore(cfg.Store.ActionDB)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := jobs.NewService(cfg.Jobs.File, jobToolHandler(reg, store))
	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Stop()

	job, err := svc.RunJob(jobID)
	if err != nil {
		return err
	}

	if job == nil {
		fmt.Printf("Job %s executed (one-shot job removed after run).\n", jobID)
		return nil
	}

	status := job.State.LastStatus
	if status == "" {
		status = "unknown"
	}
	fmt.Printf("Job %s (%s) executed, status=%s.\n", job.ID, job.Name, status)
	return nil
}

// jobToolHandler executes a job's tool through the registry and records
// the invocation as an action with its normalized result.
func jobToolHandler(reg toolExecutor, store *action.Store) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) error {
		taskID := strings.TrimSpace(job.Payload.TaskID)
		if taskID == "" {
			taskID = "job/" + job.ID
		}

		payloadRaw, err := json.Marshal(job.Payload.Arguments)
		if err != nil {
			return fmt.Errorf("marshal job arguments: %w", err)
		}

		act, err := store.CreateAction(ctx, action.Action{
			TaskID:  taskID,
			Name:    job.Payload.ToolName,
			Payload: payloadRaw,
		})
		if err != nil {
			return err
		}

		rawResult, execErr := reg.Execute(ctx, job.Payload.ToolName, job.Payload.Arguments)
		if execErr != nil {
			if _, updateErr := store.UpdateAction(ctx, act.ID, action.StatusFailed, execErr.Error()); updateErr != nil {
				return fmt.Errorf("record failed action: %w", updateErr)
			}
			return execErr
		}

		_, err = action.NewNormalizer(store).UpdateActionWithResult(ctx, act.ID, rawResult)
		return err
	}
}

// toolExecutor is the slice of the registry the job handler needs.
type toolExecutor interface {
	Execute(ctx context.Context, name string, payload map[string]any) (any, error)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
