package commands

import (
	"context"
	"strings"
	"testing"

	"github.com/gantrydev/gantry/internal/config"
)

func TestServersDisable_SetsServerDisabled(t *testing.T) {
	prepareWorkspace(t)
	seedServerConfig(t)

	output := captureOutput(t, func() {
		if err := setServerEnabled("localfs", false); err != nil {
			t.Fatalf("setServerEnabled: %v", err)
		}
	})
	if !strings.Contains(output, "disabled") {
		t.Fatalf("expected disable confirmation, got: %s", output)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if cfg.Servers[0].IsEnabled() {
		t.Fatalf("expected localfs server disabled, got %+v", cfg.Servers[0])
	}
}

func TestServersStatus_ShowsDisabledServer(t *testing.T) {
	prepareWorkspace(t)
	seedServerConfig(t)

	if err := setServerEnabled("localfs", false); err != nil {
		t.Fatalf("setServerEnabled: %v", err)
	}

	output := captureOutput(t, func() {
		if err := runServersStatus(nil, nil); err != nil {
			t.Fatalf("runServersStatus: %v", err)
		}
	})
	if !strings.Contains(strings.ToLower(output), "disabled") {
		t.Fatalf("expected disabled status in output, got: %s", output)
	}
}

func TestServersStatus_UsesProbe(t *testing.T) {
	prepareWorkspace(t)
	seedServerConfig(t)

	origProbe := serverProbe
	serverProbe = func(ctx context.Context, server config.ServerConfig) (int, error) {
		return 2, nil
	}
	defer func() { serverProbe = origProbe }()

	output := captureOutput(t, func() {
		if err := runServersStatus(nil, nil); err != nil {
			t.Fatalf("runServersStatus: %v", err)
		}
	})
	if !strings.Contains(output, "connected (tools=2)") {
		t.Fatalf("expected connected status in output, got: %s", output)
	}
}

func TestServersEnable_UnknownServer(t *testing.T) {
	prepareWorkspace(t)

	if err := setServerEnabled("missing", true); err == nil {
		t.Fatal("expected error for unknown server")
	}
}

func TestServersCommand_RegisteredInRoot(t *testing.T) {
	root := NewRootCmd()
	found, _, err := root.Find([]string{"servers", "status"})
	if err != nil {
		t.Fatalf("find servers status command: %v", err)
	}
	if found == nil || found.Name() != "status" {
		t.Fatalf("expected status command, got %#v", found)
	}
}
