package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gantrydev/gantry/internal/action"
	"github.com/gantrydev/gantry/internal/config"
	"github.com/gantrydev/gantry/internal/mcp"
	"github.com/gantrydev/gantry/internal/registry"
	"github.com/spf13/cobra"
)

// NewToolsCmd creates the tools command
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and invoke the tool catalog",
	}

	cmd.AddCommand(
		newToolsListCmd(),
		newToolsCallCmd(),
	)

	return cmd
}

func newToolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Initialize the registry and print the merged catalog",
		RunE:  runToolsList,
	}
}

func newToolsCallCmd() *cobra.Command {
	var (
		payloadJSON string
		taskID      string
	)

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke one tool and record the action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsCall(strings.TrimSpace(args[0]), payloadJSON, taskID)
		},
	}

	cmd.Flags().StringVar(&payloadJSON, "payload", "{}", "Tool arguments as a JSON object")
	cmd.Flags().StringVar(&taskID, "task", "cli", "Task id the recorded action belongs to")

	return cmd
}

func runToolsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	mgr := mcp.NewManager(mcp.DefaultConnectors())
	defer func() { _ = mgr.DisconnectAll() }()

	reg, err := buildRegistry(cfg, mgr)
	if err != nil {
		return err
	}

	results, err := reg.Initialize(context.Background())
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.Err != nil {
			fmt.Printf("server %s: failed (%v)\n", result.ServerID, result.Err)
			continue
		}
		fmt.Printf("server %s: %d tools\n", result.ServerID, result.ToolCount)
	}

	catalog := reg.Catalog()
	if catalog.Len() == 0 {
		fmt.Println("No tools available.")
		return nil
	}

	fmt.Println()
	fmt.Print(catalog.Describe())
	return nil
}

func runToolsCall(toolName, payloadJSON, taskID string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return fmt.Errorf("payload must be a JSON object: %w", err)
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

	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx := context.Background()
	act, err := store.CreateAction(ctx, action.Action{
		TaskID:  taskID,
		Name:    toolName,
		Payload: payloadRaw,
	})
	if err != nil {
		return err
	}

	rawResult, execErr := reg.Execute(ctx, toolName, payload)
	if execErr != nil {
		if _, updateErr := store.UpdateAction(ctx, act.ID, action.StatusFailed, execErr.Error()); updateErr != nil {
			return fmt.Errorf("record failed action: %w", updateErr)
		}
		return execErr
	}

	updated, err := action.NewNormalizer(store).UpdateActionWithResult(ctx, act.ID, rawResult)
	if err != nil {
		return err
	}

	fmt.Println(updated.Result)
	return nil
}

// buildRegistry assembles the registry from config: the local catalog with
// its builtin executors, plus the configured capability servers.
func buildRegistry(cfg *config.Config, mgr *mcp.Manager) (*registry.Registry, error) {
	localCat := registry.NewLocalCatalog(cfg.Store.LocalCatalog)
	if err := localCat.Load(); err != nil {
		return nil, err
	}
	if err := seedBuiltinTools(localCat); err != nil {
		return nil, err
	}

	return registry.New(mgr, cfg.Servers, builtinExecutors(), localCat), nil
}

// builtinExecutors is the static map of local operations shipped with the CLI.
func builtinExecutors() map[string]registry.Handler {
	return map[string]registry.Handler{
		"time.now": func(ctx context.Context, name string, payload map[string]any) (any, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	}
}

// seedBuiltinTools makes sure every builtin executor has a catalog entry,
// so a fresh install exposes local tools without manual catalog edits.
func seedBuiltinTools(localCat *registry.LocalCatalog) error {
	existing := make(map[string]bool)
	for _, entry := range localCat.All() {
		existing[entry.Name] = true
	}

	seeded := false
	for name := range builtinExecutors() {
		if existing[name] {
			continue
		}
		entry := registry.LocalTool{Name: name}
		if name == "time.now" {
			entry.DisplayName = "Current Time"
			entry.Description = "Returns the current local time"
		}
		if err := localCat.Put(entry); err != nil {
			return err
		}
		seeded = true
	}

	if seeded {
		return localCat.Save()
	}
	return nil
}
