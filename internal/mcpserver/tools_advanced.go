package mcpserver

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"

	"hamcp/internal/homeassistant"
)

// capabilityEnabled maps an advanced tool name to the integration
// capability flag that gates it.
func capabilityEnabled(caps homeassistant.Capabilities, toolName string) bool {
	if !caps.Detected {
		return false
	}
	switch toolName {
	case "create_dynamic_scene":
		return caps.DynamicScenes
	case "modify_automation":
		return caps.AutomationRewrite
	case "bulk_device_control":
		return caps.BulkDeviceControl
	case "generate_dashboard":
		return caps.DashboardGeneration
	default:
		return false
	}
}

// advancedTools defines the integration-backed tool set. Calls route to
// the companion integration's REST services rather than core Home
// Assistant endpoints.
func advancedTools(bridge *homeassistant.Bridge) []toolDef {
	return []toolDef{
		{
			tool: &mcp.Tool{
				Name:        "create_dynamic_scene",
				Description: "Create a scene from the current state of the given entities (requires the MCP bridge integration).",
				InputSchema: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"name":       {Type: "string", Description: "scene name"},
						"entity_ids": {Type: "array", Items: &jsonschema.Schema{Type: "string"}, Description: "entities to capture"},
					},
					Required: []string{"name", "entity_ids"},
				},
			},
			handler: bridgeServiceHandler(bridge, "create_scene", "Scene created"),
		},
		{
			tool: &mcp.Tool{
				Name:        "modify_automation",
				Description: "Rewrite an existing automation's triggers, conditions or actions (requires the MCP bridge integration).",
				InputSchema: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"automation_id": {Type: "string", Description: "automation entity id"},
						"changes":       {Type: "object", Description: "partial automation config to merge"},
					},
					Required: []string{"automation_id", "changes"},
				},
			},
			handler: bridgeServiceHandler(bridge, "modify_automation", "Automation updated"),
		},
		{
			tool: &mcp.Tool{
				Name:        "bulk_device_control",
				Description: "Apply one service call to many entities at once (requires the MCP bridge integration).",
				InputSchema: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"entity_ids": {Type: "array", Items: &jsonschema.Schema{Type: "string"}, Description: "target entities"},
						"action":     {Type: "string", Description: "service to call, e.g. turn_off"},
					},
					Required: []string{"entity_ids", "action"},
				},
			},
			handler: bridgeServiceHandler(bridge, "bulk_control", "Bulk control applied"),
		},
		{
			tool: &mcp.Tool{
				Name:        "generate_dashboard",
				Description: "Generate a Lovelace dashboard for the given entities or areas (requires the MCP bridge integration).",
				InputSchema: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"title": {Type: "string", Description: "dashboard title"},
						"areas": {Type: "array", Items: &jsonschema.Schema{Type: "string"}, Description: "areas to include, all when empty"},
					},
					Required: []string{"title"},
				},
			},
			handler: bridgeServiceHandler(bridge, "generate_dashboard", "Dashboard generated"),
		},
	}
}

// bridgeServiceHandler builds a handler that forwards the raw arguments
// to one integration service.
func bridgeServiceHandler(bridge *homeassistant.Bridge, service, successMsg string) toolHandler {
	return func(ctx context.Context, _ Invoker, creds homeassistant.Credentials, args map[string]any) (string, error) {
		data, err := bridge.CallService(ctx, creds, service, args)
		if err != nil {
			return "", fmt.Errorf("%s (is the MCP bridge add-on integration installed?): %w", service, err)
		}

		if msg := gjson.GetBytes(data, "message").String(); msg != "" {
			return msg, nil
		}
		return successMsg, nil
	}
}
