package mcp

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gantrydev/gantry/internal/config"
)

type fakeClient struct {
	tools      []ToolDefinition
	listErr    error
	callResult any
	callErr    error
	closed     atomic.Int32
	closeErr   error

	mu    sync.Mutex
	calls []fakeCall
}

type fakeCall struct {
	toolName string
	args     map[string]any
}

func (f *fakeClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeClient) CallTool(ctx context.Context, toolName string, args map[string]any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{toolName: toolName, args: args})
	f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callResult, nil
}

func (f *fakeClient) Close() error {
	f.closed.Add(1)
	return f.closeErr
}

type fakeConnector struct {
	client Client
	err    error

	calls   atomic.Int32
	release chan struct{} // when set, Connect blocks until closed
}

func (f *fakeConnector) Connect(ctx context.Context, cfg config.ServerConfig) (Client, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

func stdioServer(id string) config.ServerConfig {
	return config.ServerConfig{
		ID:        id,
		Transport: "stdio",
		Command:   id + "-server",
	}
}

func TestManager_GetClient_ReusesSession(t *testing.T) {
	connector := &fakeConnector{client: &fakeClient{}}
	mgr := NewManager(Connectors{Stdio: connector})

	first, err := mgr.GetClient(context.Background(), stdioServer("files"))
	if err != nil {
		t.Fatalf("GetClient() error: %v", err)
	}
	second, err := mgr.GetClient(context.Background(), stdioServer("files"))
	if err != nil {
		t.Fatalf("GetClient() second call error: %v", err)
	}
	if first != second {
		t.Fatal("expected the same session on repeated GetClient calls")
	}
	if got := connector.calls.Load(); got != 1 {
		t.Fatalf("expected one connect attempt, got %d", got)
	}
}

func TestManager_GetClient_SingleFlight(t *testing.T) {
	connector := &fakeConnector{
		client:  &fakeClient{},
		release: make(chan struct{}),
	}
	mgr := NewManager(Connectors{Stdio: connector})

	const callers = 8
	results := make(chan Client, callers)
	errs := make(chan error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := mgr.GetClient(context.Background(), stdioServer("files"))
			results <- client
			errs <- err
		}()
	}

	// Let the goroutines pile up on the pending attempt before resolving it.
	for connector.calls.Load() == 0 {
		runtime.Gosched()
	}
	close(connector.release)
	wg.Wait()

	close(results)
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("GetClient() error: %v", err)
		}
	}
	var first Client
	for client := range results {
		if first == nil {
			first = client
		}
		if client != first {
			t.Fatal("expected all callers to share one session")
		}
	}
	if got := connector.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one connect attempt, got %d", got)
	}
}

func TestManager_GetClient_FailurePropagatesToAllWaiters(t *testing.T) {
	dialErr := errors.New("dial tcp: connection refused")
	connector := &fakeConnector{
		err:     dialErr,
		release: make(chan struct{}),
	}
	mgr := NewManager(Connectors{Stdio: connector})

	const callers = 4
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.GetClient(context.Background(), stdioServer("files"))
			errs <- err
		}()
	}
	for connector.calls.Load() == 0 {
		runtime.Gosched()
	}
	close(connector.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrConnection) {
			t.Fatalf("expected connection error, got %v", err)
		}
	}
	if len(mgr.SessionIDs()) != 0 {
		t.Fatal("expected no session after failed connect")
	}

	// A later call retries from scratch.
	connector.err = nil
	connector.client = &fakeClient{}
	connector.release = nil
	if _, err := mgr.GetClient(context.Background(), stdioServer("files")); err != nil {
		t.Fatalf("GetClient() after failure error: %v", err)
	}
}

func TestManager_GetClient_MissingCommandIsConfigurationError(t *testing.T) {
	connector := &fakeConnector{client: &fakeClient{}}
	mgr := NewManager(Connectors{Stdio: connector})

	_, err := mgr.GetClient(context.Background(), config.ServerConfig{
		ID:        "files",
		Transport: "stdio",
	})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if got := connector.calls.Load(); got != 0 {
		t.Fatalf("expected no connect attempt, got %d", got)
	}
}

func TestManager_GetClient_MissingAddressIsConfigurationError(t *testing.T) {
	mgr := NewManager(Connectors{Network: &fakeConnector{client: &fakeClient{}}})

	_, err := mgr.GetClient(context.Background(), config.ServerConfig{
		ID:        "remote",
		Transport: "network",
	})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestManager_GetClient_UnknownTransport(t *testing.T) {
	mgr := NewManager(DefaultConnectors())

	_, err := mgr.GetClient(context.Background(), config.ServerConfig{
		ID:        "weird",
		Transport: "websocket",
	})
	if !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("expected unsupported transport error, got %v", err)
	}
}

func TestManager_Disconnect_RemovesSessionAndReconnects(t *testing.T) {
	client := &fakeClient{closeErr: errors.New("broken pipe")}
	connector := &fakeConnector{client: client}
	mgr := NewManager(Connectors{Stdio: connector})

	if _, err := mgr.GetClient(context.Background(), stdioServer("files")); err != nil {
		t.Fatalf("GetClient() error: %v", err)
	}

	// Close failure is reported but the session is gone regardless.
	if err := mgr.Disconnect("files"); err == nil {
		t.Fatal("expected close error to surface")
	}
	if len(mgr.SessionIDs()) != 0 {
		t.Fatal("expected session to be removed despite close failure")
	}

	if _, err := mgr.GetClient(context.Background(), stdioServer("files")); err != nil {
		t.Fatalf("GetClient() after disconnect error: %v", err)
	}
	if got := connector.calls.Load(); got != 2 {
		t.Fatalf("expected a fresh connect after disconnect, got %d attempts", got)
	}
}

func TestManager_DisconnectAll_SweepsEverySession(t *testing.T) {
	good := &fakeClient{}
	bad := &fakeClient{closeErr: errors.New("close failed")}
	clients := map[string]Client{"good": good, "bad": bad}
	connector := &fakeConnector{}
	mgr := NewManager(Connectors{Stdio: connectorFunc(func(ctx context.Context, cfg config.ServerConfig) (Client, error) {
		return clients[cfg.ID], nil
	}), Network: connector})

	for _, id := range []string{"good", "bad"} {
		if _, err := mgr.GetClient(context.Background(), stdioServer(id)); err != nil {
			t.Fatalf("GetClient(%q) error: %v", id, err)
		}
	}

	if err := mgr.DisconnectAll(); err == nil {
		t.Fatal("expected first close failure to be reported")
	}
	if len(mgr.SessionIDs()) != 0 {
		t.Fatalf("expected all sessions removed, got %v", mgr.SessionIDs())
	}
	if good.closed.Load() != 1 || bad.closed.Load() != 1 {
		t.Fatal("expected every session to be closed")
	}
}

type connectorFunc func(ctx context.Context, cfg config.ServerConfig) (Client, error)

func (f connectorFunc) Connect(ctx context.Context, cfg config.ServerConfig) (Client, error) {
	return f(ctx, cfg)
}

func TestManager_ListTools_MalformedShapeYieldsEmpty(t *testing.T) {
	client := &fakeClient{listErr: errors.New("boom")}
	mgr := NewManager(DefaultConnectors())

	if _, err := mgr.ListTools(context.Background(), "files", client); !errors.Is(err, ErrDiscovery) {
		t.Fatalf("expected discovery error for transport failure, got %v", err)
	}

	client.listErr = decodeShapeError()
	defs, err := mgr.ListTools(context.Background(), "files", client)
	if err != nil {
		t.Fatalf("malformed listing should not fail the caller, got %v", err)
	}
	if len(defs) != 0 {
		t.Fatalf("expected empty listing, got %d entries", len(defs))
	}
}

func decodeShapeError() error {
	_, err := decodeToolDefinitions("not-a-listing")
	return err
}

func TestManager_CallTool_WrapsInvocationErrors(t *testing.T) {
	client := &fakeClient{callErr: errors.New("remote exploded")}
	mgr := NewManager(DefaultConnectors())

	_, err := mgr.CallTool(context.Background(), "files", client, "read", map[string]any{"path": "a.txt"})
	if !errors.Is(err, ErrInvocation) {
		t.Fatalf("expected invocation error, got %v", err)
	}

	client.callErr = nil
	client.callResult = "ok"
	result, err := mgr.CallTool(context.Background(), "files", client, "read", nil)
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected forwarded result, got %v", result)
	}
}
