package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gantrydev/gantry/internal/config"
)

const (
	networkRequestMaxAttempts = 2
	networkRetryBaseBackoff   = 150 * time.Millisecond
)

type networkConnector struct {
	client *http.Client
}

func newNetworkConnector() Connector {
	return networkConnector{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c networkConnector) Connect(ctx context.Context, cfg config.ServerConfig) (Client, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, fmt.Errorf("%w: network server %q requires address", ErrConfiguration, cfg.ID)
	}

	parsed, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid address %q: %v", ErrConfiguration, address, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported address scheme %q", ErrConfiguration, parsed.Scheme)
	}

	client := &networkClient{
		serverID:   cfg.ID,
		httpClient: c.client,
		endpoint:   parsed.String(),
	}

	if err := initializeClient(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

type retryableError struct {
	err error
}

func (e retryableError) Error() string {
	return e.err.Error()
}

func (e retryableError) Unwrap() error {
	return e.err
}

func makeRetryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

func isRetryable(err error) bool {
	var target retryableError
	return errors.As(err, &target)
}

type networkClient struct {
	serverID   string
	httpClient *http.Client
	endpoint   string

	mu     sync.Mutex
	nextID int64
}

func (c *networkClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	result, err := c.invoke(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeToolDefinitions(result)
}

func (c *networkClient) CallTool(ctx context.Context, toolName string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	result, err := c.invoke(ctx, "tools/call", map[string]any{
		"name":      strings.TrimSpace(toolName),
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	return decodeCallResult(result)
}

// Close is a no-op for the network transport; requests hold no persistent
// connection state beyond the shared HTTP client's pool.
func (c *networkClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *networkClient) invoke(ctx context.Context, method string, params any) (any, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	reqBody, err := encodeRPCRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < networkRequestMaxAttempts; attempt++ {
		result, err := c.postAndReadResponse(ctx, reqBody, id)
		if err == nil {
			return result, nil
		}
		lastErr = fmt.Errorf("attempt=%d/%d: %w", attempt+1, networkRequestMaxAttempts, err)
		if !isRetryable(err) || attempt == networkRequestMaxAttempts-1 {
			break
		}
		if err := waitNetworkRetry(ctx, attempt+1); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("network invoke %s on %q failed: %w", strings.TrimSpace(method), c.serverID, lastErr)
}

func (c *networkClient) notify(ctx context.Context, method string, params any) error {
	reqBody, err := encodeRPCNotification(method, params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network notify %s failed: %w", strings.TrimSpace(method), err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("network notify %s failed with status %s", strings.TrimSpace(method), resp.Status)
	}
	return nil
}

func (c *networkClient) postAndReadResponse(ctx context.Context, reqBody []byte, id int64) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, makeRetryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		statusErr := fmt.Errorf("request failed: %s", msg)
		if shouldRetryHTTPStatus(resp.StatusCode) {
			return nil, makeRetryable(statusErr)
		}
		return nil, statusErr
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.HasPrefix(contentType, "text/event-stream") {
		return readRPCResultFromSSE(ctx, resp.Body, id)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	result, matched, err := decodeRPCResponse(payload, id)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, fmt.Errorf("json-rpc response id mismatch")
	}
	return result, nil
}

func shouldRetryHTTPStatus(statusCode int) bool {
	if statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

func waitNetworkRetry(ctx context.Context, retryIndex int) error {
	if retryIndex <= 0 {
		return nil
	}
	backoff := time.Duration(retryIndex) * networkRetryBaseBackoff
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// readRPCResultFromSSE scans an event-stream response for the data payload
// matching the request id. Unrelated events are skipped.
func readRPCResultFromSSE(ctx context.Context, body io.Reader, expectedID int64) (any, error) {
	reader := bufio.NewReader(body)
	dataLines := make([]string, 0)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read sse response: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(dataLines) == 0 {
				continue
			}
			payload := strings.TrimSpace(strings.Join(dataLines, "\n"))
			dataLines = dataLines[:0]
			if payload == "" {
				continue
			}
			result, matched, err := decodeRPCResponse([]byte(payload), expectedID)
			if err != nil {
				return nil, err
			}
			if !matched {
				continue
			}
			return result, nil
		}

		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}
