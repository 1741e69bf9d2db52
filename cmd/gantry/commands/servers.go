package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gantrydev/gantry/internal/config"
	"github.com/gantrydev/gantry/internal/mcp"
	"github.com/spf13/cobra"
)

const serverProbeTimeout = 8 * time.Second

var serverProbe = probeServer

// NewServersCmd creates the servers command
func NewServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage capability servers",
	}

	cmd.AddCommand(
		newServersStatusCmd(),
		newServersDisableCmd(),
		newServersEnableCmd(),
	)

	return cmd
}

func newServersStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe configured capability servers",
		RunE:  runServersStatus,
	}
}

func newServersDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <server>",
		Short: "Disable a capability server in config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setServerEnabled(strings.TrimSpace(args[0]), false)
		},
	}
}

func newServersEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <server>",
		Short: "Enable a capability server in config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setServerEnabled(strings.TrimSpace(args[0]), true)
		},
	}
}

func runServersStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if len(cfg.Servers) == 0 {
		fmt.Println("No capability servers configured.")
		return nil
	}

	fmt.Println("Capability servers:")
	for _, server := range cfg.Servers {
		if !server.IsEnabled() {
			fmt.Printf("  %s: disabled\n", server.ID)
			continue
		}

		toolCount, probeErr := probeServerWithTimeout(server)
		if probeErr != nil {
			fmt.Printf("  %s: degraded (%v)\n", server.ID, probeErr)
			continue
		}
		fmt.Printf("  %s: connected (tools=%d)\n", server.ID, toolCount)
	}

	return nil
}

func setServerEnabled(serverID string, enabled bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	found := false
	for i := range cfg.Servers {
		if cfg.Servers[i].ID == serverID {
			value := enabled
			cfg.Servers[i].Enabled = &value
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("server not found: %s", serverID)
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Server %s %s in config.\n", serverID, state)
	return nil
}

func probeServerWithTimeout(server config.ServerConfig) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), serverProbeTimeout)
	defer cancel()

	return serverProbe(ctx, server)
}

// probeServer connects to one server with a throwaway manager, lists its
// tools, and tears the session down again.
func probeServer(ctx context.Context, server config.ServerConfig) (int, error) {
	mgr := mcp.NewManager(mcp.DefaultConnectors())
	defer func() { _ = mgr.DisconnectAll() }()

	client, err := mgr.GetClient(ctx, server)
	if err != nil {
		return 0, err
	}
	defs, err := mgr.ListTools(ctx, server.ID, client)
	if err != nil {
		return 0, err
	}
	return len(defs), nil
}
