package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gantrydev/gantry/internal/version"
)

const jsonRPCVersion = "2.0"

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// decodeToolDefinitions accepts the two listing shapes servers reply with: a
// bare array of tool objects, or an object wrapping the array under "tools".
// Anything else is a discovery error.
func decodeToolDefinitions(result any) ([]ToolDefinition, error) {
	if result == nil {
		return nil, nil
	}

	var toolsValue any
	switch value := result.(type) {
	case map[string]any:
		toolsValue = value["tools"]
	default:
		toolsValue = value
	}

	items, ok := toolsValue.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected tools/list result shape %T", ErrDiscovery, toolsValue)
	}

	defs := make([]ToolDefinition, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := strings.TrimSpace(stringValue(obj["name"]))
		if name == "" {
			continue
		}
		def := ToolDefinition{
			Name:        name,
			Description: strings.TrimSpace(stringValue(obj["description"])),
		}
		if schema, ok := obj["inputSchema"].(map[string]any); ok {
			def.InputSchema = schema
		} else if schema, ok := obj["input_schema"].(map[string]any); ok {
			def.InputSchema = schema
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// decodeCallResult returns the server's declared payload: the "content" field
// when present, the result verbatim otherwise. An isError flag surfaces as an
// invocation error carrying any text content the server attached.
func decodeCallResult(result any) (any, error) {
	obj, ok := result.(map[string]any)
	if !ok {
		return result, nil
	}

	if isErr, _ := obj["isError"].(bool); isErr {
		if text := firstTextContent(obj["content"]); text != "" {
			return nil, fmt.Errorf("%w: %s", ErrInvocation, text)
		}
		return nil, ErrInvocation
	}

	if content, ok := obj["content"]; ok {
		return content, nil
	}
	return result, nil
}

func firstTextContent(v any) string {
	items, ok := v.([]any)
	if !ok {
		return ""
	}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if strings.ToLower(strings.TrimSpace(stringValue(obj["type"]))) != "text" {
			continue
		}
		if text, ok := obj["text"].(string); ok && strings.TrimSpace(text) != "" {
			return text
		}
	}
	return ""
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	switch value := v.(type) {
	case string:
		return value
	default:
		return fmt.Sprint(v)
	}
}

func encodeRPCRequest(id int64, method string, params any) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode json-rpc request: %w", err)
	}
	return payload, nil
}

func encodeRPCNotification(method string, params any) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode json-rpc notification: %w", err)
	}
	return payload, nil
}

func decodeRPCResponse(payload []byte, expectedID int64) (any, bool, error) {
	var envelope map[string]any
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, false, fmt.Errorf("decode json-rpc response: %w", err)
	}

	// Server-initiated notifications carry no id and are skipped while
	// waiting for the matching response.
	if _, hasID := envelope["id"]; !hasID {
		return nil, false, nil
	}
	if normalizeRPCID(envelope["id"]) != normalizeRPCID(expectedID) {
		return nil, false, nil
	}

	if errValue, ok := envelope["error"]; ok && errValue != nil {
		parsedErr := rpcError{}
		if raw, err := json.Marshal(errValue); err == nil {
			_ = json.Unmarshal(raw, &parsedErr)
		}
		msg := strings.TrimSpace(parsedErr.Message)
		if msg == "" {
			msg = strings.TrimSpace(fmt.Sprint(errValue))
		}
		if msg == "" {
			msg = "json-rpc request failed"
		}
		return nil, true, errors.New(msg)
	}

	return envelope["result"], true, nil
}

func normalizeRPCID(id any) string {
	switch value := id.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(value)
	case float64:
		return fmt.Sprintf("%.0f", value)
	case int:
		return fmt.Sprintf("%d", value)
	case int64:
		return fmt.Sprintf("%d", value)
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

func buildInitializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "gantry",
			"version": version.Version,
		},
	}
}

type rpcInvoker interface {
	invoke(ctx context.Context, method string, params any) (any, error)
	notify(ctx context.Context, method string, params any) error
}

func initializeClient(ctx context.Context, invoker rpcInvoker) error {
	if _, err := invoker.invoke(ctx, "initialize", buildInitializeParams()); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}
	if err := invoker.notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}
