// Package mcpserver registers MCP tools that expose sync status and
// control. It adapts the orchestrator and registry to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/orchestrator"
)

// Engine is the sync surface the tools drive. *orchestrator.Orchestrator
// satisfies it.
type Engine interface {
	Status(ctx context.Context) ([]orchestrator.BackendStatus, error)
	SyncNow(ctx context.Context, backendID string) error
}

// Backends is the registry surface the tools use. *registry.Registry
// satisfies it.
type Backends interface {
	List(ctx context.Context) ([]models.BackendConfig, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, e Engine, b Backends) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report every backend's sync state: connection, whether a sync is running, last sync time, last error, cursors and skipped cycles.",
	}, statusHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Pull then push immediately. Syncs one backend when backend_id is given, otherwise every enabled backend. A backend already syncing is left alone.",
	}, syncNowHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "backend_list",
		Description: "List configured backends with server URL, vault, priority and enabled flag. Credentials and keys are never included.",
	}, listHandler(b))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "backend_set_enabled",
		Description: "Enable or disable a backend. Disabling stops its realtime feed and excludes it from sync until re-enabled.",
	}, setEnabledHandler(b))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// SyncNowInput holds parameters for sync_now.
type SyncNowInput struct {
	BackendID string `json:"backend_id,omitempty" jsonschema:"backend to sync, all enabled backends when empty"`
}

// ListInput has no parameters.
type ListInput struct{}

// SetEnabledInput holds parameters for backend_set_enabled.
type SetEnabledInput struct {
	BackendID string `json:"backend_id" jsonschema:"required,backend id"`
	Enabled   bool   `json:"enabled" jsonschema:"true to enable, false to disable"`
}

// --- Output types ---

// StatusResult wraps the per-backend status list.
type StatusResult struct {
	Backends []orchestrator.BackendStatus `json:"backends"`
}

// SyncNowResult reports which backend(s) were synced.
type SyncNowResult struct {
	Synced string `json:"synced"`
}

// ListResult wraps the backend list.
type ListResult struct {
	Backends []models.BackendConfig `json:"backends"`
}

// SetEnabledResult echoes the applied state.
type SetEnabledResult struct {
	BackendID string `json:"backend_id"`
	Enabled   bool   `json:"enabled"`
}

// --- Handlers ---

func statusHandler(e Engine) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		status, err := e.Status(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := &StatusResult{Backends: status}
		return textResult(result), result, nil
	}
}

func syncNowHandler(e Engine) mcp.ToolHandlerFor[SyncNowInput, *SyncNowResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SyncNowInput) (*mcp.CallToolResult, *SyncNowResult, error) {
		if err := e.SyncNow(ctx, input.BackendID); err != nil {
			return nil, nil, err
		}
		result := &SyncNowResult{Synced: input.BackendID}
		if result.Synced == "" {
			result.Synced = "all"
		}
		return textResult(result), result, nil
	}
}

func listHandler(b Backends) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ListInput) (*mcp.CallToolResult, *ListResult, error) {
		backends, err := b.List(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := &ListResult{Backends: backends}
		return textResult(result), result, nil
	}
}

func setEnabledHandler(b Backends) mcp.ToolHandlerFor[SetEnabledInput, *SetEnabledResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SetEnabledInput) (*mcp.CallToolResult, *SetEnabledResult, error) {
		if input.BackendID == "" {
			return nil, nil, fmt.Errorf("backend_id is required")
		}
		if err := b.SetEnabled(ctx, input.BackendID, input.Enabled); err != nil {
			return nil, nil, err
		}
		result := &SetEnabledResult{BackendID: input.BackendID, Enabled: input.Enabled}
		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
