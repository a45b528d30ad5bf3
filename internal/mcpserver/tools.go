package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"

	herrors "hamcp/internal/errors"
	"hamcp/internal/homeassistant"
)

const (
	// defaultEntityLimit caps how many entities a listing tool
	// enumerates in detail before summarizing the rest.
	defaultEntityLimit = 10

	// maxBrightness is the Home Assistant brightness ceiling.
	maxBrightness = 255
)

// Invoker is the slice of the Home Assistant client the tool handlers
// need. *homeassistant.Client satisfies it; tests use a stub.
type Invoker interface {
	Invoke(ctx context.Context, creds homeassistant.Credentials, method, path string, body any) ([]byte, error)
}

// toolHandler executes one tool call and returns the text payload.
type toolHandler func(ctx context.Context, ha Invoker, creds homeassistant.Credentials, args map[string]any) (string, error)

// toolDef pairs a wire-level tool description with its handler.
type toolDef struct {
	tool    *mcp.Tool
	handler toolHandler
}

// Catalog holds the tool set: a static base plus advanced tools that
// appear only when the companion bridge integration advertises the
// matching capability.
type Catalog struct {
	ha     Invoker
	bridge *homeassistant.Bridge
	logger *slog.Logger

	base     []toolDef
	advanced []toolDef
	byName   map[string]toolDef
}

// NewCatalog builds the full tool set.
func NewCatalog(ha Invoker, bridge *homeassistant.Bridge, logger *slog.Logger) *Catalog {
	c := &Catalog{
		ha:     ha,
		bridge: bridge,
		logger: logger,
		byName: make(map[string]toolDef),
	}

	c.base = baseTools()
	c.advanced = advancedTools(bridge)

	for _, d := range c.base {
		c.byName[d.tool.Name] = d
	}
	for _, d := range c.advanced {
		c.byName[d.tool.Name] = d
	}

	return c
}

// List returns the advertisable tools. Advanced tools are included only
// when the integration capability probe succeeds; without credentials
// the probe is skipped and the base set is returned.
func (c *Catalog) List(ctx context.Context, creds homeassistant.Credentials, haveCreds bool) []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(c.base)+len(c.advanced))
	for _, d := range c.base {
		out = append(out, d.tool)
	}

	if !haveCreds || c.bridge == nil {
		return out
	}

	caps := c.bridge.Capabilities(ctx, creds)
	for _, d := range c.advanced {
		if capabilityEnabled(caps, d.tool.Name) {
			out = append(out, d.tool)
		}
	}
	return out
}

// Call dispatches a tool invocation. Every failure, including an
// unknown tool name, comes back as an isError content block: tool
// errors must never fail the transport envelope.
func (c *Catalog) Call(ctx context.Context, creds homeassistant.Credentials, name string, args map[string]any) *mcp.CallToolResult {
	d, ok := c.byName[name]
	if !ok {
		return errorResult(fmt.Sprintf("%v: %q", herrors.ErrUnknownTool, name))
	}

	text, err := d.handler(ctx, c.ha, creds, args)
	if err != nil {
		c.logger.Warn("tool call failed",
			slog.String("tool", name),
			slog.String("error", err.Error()),
		)
		return errorResult(err.Error())
	}

	return textResult(text)
}

// textResult wraps text in a successful tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// errorResult wraps a message in an error-flagged tool result.
func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}

// --- argument helpers ---

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// --- base tool set ---

func baseTools() []toolDef {
	return []toolDef{
		{
			tool: &mcp.Tool{
				Name:        "get_entities",
				Description: "List Home Assistant entities, optionally filtered by domain (light, switch, sensor, ...). Returns a summary with entity ids, states and friendly names.",
				InputSchema: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"domain": {Type: "string", Description: "entity domain filter, e.g. light"},
						"limit":  {Type: "integer", Description: "maximum entities to detail, defaults to 10"},
					},
				},
			},
			handler: getEntitiesHandler,
		},
		{
			tool: &mcp.Tool{
				Name:        "call_service",
				Description: "Call any Home Assistant service, e.g. domain=light service=turn_on with an entity_id.",
				InputSchema: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"domain":    {Type: "string", Description: "service domain, e.g. light"},
						"service":   {Type: "string", Description: "service name, e.g. turn_on"},
						"entity_id": {Type: "string", Description: "target entity id"},
						"data":      {Type: "object", Description: "additional service data"},
					},
					Required: []string{"domain", "service"},
				},
			},
			handler: callServiceHandler,
		},
		{
			tool: &mcp.Tool{
				Name:        "get_lights",
				Description: "List all lights with their current state and brightness.",
				InputSchema: emptyObjectSchema(),
			},
			handler: domainListHandler("light"),
		},
		{
			tool: &mcp.Tool{
				Name:        "control_lights",
				Description: "Turn lights on/off or toggle them, with optional brightness (0-255) and color name.",
				InputSchema: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"entity_id":  {Type: "string", Description: "light entity id, e.g. light.kitchen"},
						"action":     {Type: "string", Enum: []any{"turn_on", "turn_off", "toggle"}, Description: "what to do"},
						"brightness": {Type: "integer", Description: "brightness 0-255, only for turn_on"},
						"color":      {Type: "string", Description: "color name, e.g. red, only for turn_on"},
					},
					Required: []string{"entity_id", "action"},
				},
			},
			handler: controlLightsHandler,
		},
		{
			tool: &mcp.Tool{
				Name:        "get_switches",
				Description: "List all switches with their current state.",
				InputSchema: emptyObjectSchema(),
			},
			handler: domainListHandler("switch"),
		},
		{
			tool: &mcp.Tool{
				Name:        "get_climate",
				Description: "List climate devices with current and target temperatures.",
				InputSchema: emptyObjectSchema(),
			},
			handler: climateHandler,
		},
		{
			tool: &mcp.Tool{
				Name:        "get_sensors",
				Description: "List sensors, optionally filtered by type (temperature, humidity, motion, ...).",
				InputSchema: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"type": {Type: "string", Description: "sensor type filter matched against device_class and entity id"},
					},
				},
			},
			handler: sensorsHandler,
		},
		{
			tool: &mcp.Tool{
				Name:        "get_automations",
				Description: "List automations with their enabled state and last trigger time.",
				InputSchema: emptyObjectSchema(),
			},
			handler: automationsHandler,
		},
		{
			tool: &mcp.Tool{
				Name:        "get_temperature_simple",
				Description: "Quick summary of all temperature sensor readings.",
				InputSchema: emptyObjectSchema(),
			},
			handler: temperatureHandler,
		},
		{
			tool: &mcp.Tool{
				Name:        "test_simple",
				Description: "Connectivity self-test: verifies the bridge can reach Home Assistant.",
				InputSchema: emptyObjectSchema(),
			},
			handler: testSimpleHandler,
		},
	}
}

func emptyObjectSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object"}
}

// fetchStates pulls /api/states and returns the parsed array.
func fetchStates(ctx context.Context, ha Invoker, creds homeassistant.Credentials) (gjson.Result, error) {
	data, err := ha.Invoke(ctx, creds, http.MethodGet, "/api/states", nil)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(data), nil
}

// entityDomain returns the domain part of an entity id.
func entityDomain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return ""
}

func friendlyName(entity gjson.Result) string {
	if n := entity.Get("attributes.friendly_name").String(); n != "" {
		return n
	}
	return entity.Get("entity_id").String()
}

func getEntitiesHandler(ctx context.Context, ha Invoker, creds homeassistant.Credentials, args map[string]any) (string, error) {
	states, err := fetchStates(ctx, ha, creds)
	if err != nil {
		return "", err
	}

	domain := stringArg(args, "domain")
	limit := intArg(args, "limit", defaultEntityLimit)

	var matched []gjson.Result
	byDomain := make(map[string]int)

	states.ForEach(func(_, entity gjson.Result) bool {
		id := entity.Get("entity_id").String()
		byDomain[entityDomain(id)]++
		if domain == "" || entityDomain(id) == domain {
			matched = append(matched, entity)
		}
		return true
	})

	var b strings.Builder
	if domain != "" {
		fmt.Fprintf(&b, "%d %s entities", len(matched), domain)
	} else {
		fmt.Fprintf(&b, "%d entities across %d domains", len(matched), len(byDomain))
	}
	b.WriteString("\n")

	for i, entity := range matched {
		if i >= limit {
			fmt.Fprintf(&b, "... and %d more\n", len(matched)-limit)
			break
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n",
			friendlyName(entity),
			entity.Get("entity_id").String(),
			entity.Get("state").String(),
		)
	}

	if domain == "" {
		domains := make([]string, 0, len(byDomain))
		for d := range byDomain {
			domains = append(domains, d)
		}
		sort.Strings(domains)

		b.WriteString("Domains:")
		for _, d := range domains {
			fmt.Fprintf(&b, " %s(%d)", d, byDomain[d])
		}
		b.WriteString("\n")
	}

	return b.String(), nil
}

func callServiceHandler(ctx context.Context, ha Invoker, creds homeassistant.Credentials, args map[string]any) (string, error) {
	domain := stringArg(args, "domain")
	service := stringArg(args, "service")
	if domain == "" || service == "" {
		return "", fmt.Errorf("domain and service are required")
	}

	payload := make(map[string]any)
	if data, ok := args["data"].(map[string]any); ok {
		for k, v := range data {
			payload[k] = v
		}
	}
	if entityID := stringArg(args, "entity_id"); entityID != "" {
		payload["entity_id"] = entityID
	}

	_, err := ha.Invoke(ctx, creds, http.MethodPost, "/api/services/"+domain+"/"+service, payload)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Called %s.%s", domain, service), nil
}

// domainListHandler builds a listing handler for a fixed domain.
func domainListHandler(domain string) toolHandler {
	return func(ctx context.Context, ha Invoker, creds homeassistant.Credentials, _ map[string]any) (string, error) {
		states, err := fetchStates(ctx, ha, creds)
		if err != nil {
			return "", err
		}

		var b strings.Builder
		count := 0
		states.ForEach(func(_, entity gjson.Result) bool {
			id := entity.Get("entity_id").String()
			if entityDomain(id) != domain {
				return true
			}
			count++

			fmt.Fprintf(&b, "- %s (%s): %s", friendlyName(entity), id, entity.Get("state").String())
			if br := entity.Get("attributes.brightness"); br.Exists() {
				fmt.Fprintf(&b, ", brightness %d", br.Int())
			}
			b.WriteString("\n")
			return true
		})

		return fmt.Sprintf("%d %s entities\n%s", count, domain, b.String()), nil
	}
}

func controlLightsHandler(ctx context.Context, ha Invoker, creds homeassistant.Credentials, args map[string]any) (string, error) {
	entityID := stringArg(args, "entity_id")
	action := stringArg(args, "action")

	if entityID == "" || action == "" {
		return "", fmt.Errorf("entity_id and action are required")
	}

	switch action {
	case "turn_on", "turn_off", "toggle":
	default:
		return "", fmt.Errorf("action must be turn_on, turn_off or toggle, got %q", action)
	}

	payload := map[string]any{"entity_id": entityID}

	if action == "turn_on" {
		if brightness := intArg(args, "brightness", -1); brightness >= 0 {
			payload["brightness"] = min(brightness, maxBrightness)
		}
		if color := stringArg(args, "color"); color != "" {
			payload["color_name"] = color
		}
	}

	_, err := ha.Invoke(ctx, creds, http.MethodPost, "/api/services/light/"+action, payload)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s: %s", entityID, action), nil
}

func climateHandler(ctx context.Context, ha Invoker, creds homeassistant.Credentials, _ map[string]any) (string, error) {
	states, err := fetchStates(ctx, ha, creds)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	count := 0
	states.ForEach(func(_, entity gjson.Result) bool {
		id := entity.Get("entity_id").String()
		if entityDomain(id) != "climate" {
			return true
		}
		count++

		fmt.Fprintf(&b, "- %s (%s): %s", friendlyName(entity), id, entity.Get("state").String())
		if cur := entity.Get("attributes.current_temperature"); cur.Exists() {
			fmt.Fprintf(&b, ", current %.1f", cur.Float())
		}
		if target := entity.Get("attributes.temperature"); target.Exists() {
			fmt.Fprintf(&b, ", target %.1f", target.Float())
		}
		b.WriteString("\n")
		return true
	})

	return fmt.Sprintf("%d climate entities\n%s", count, b.String()), nil
}

func sensorsHandler(ctx context.Context, ha Invoker, creds homeassistant.Credentials, args map[string]any) (string, error) {
	states, err := fetchStates(ctx, ha, creds)
	if err != nil {
		return "", err
	}

	sensorType := strings.ToLower(stringArg(args, "type"))

	var b strings.Builder
	count := 0
	states.ForEach(func(_, entity gjson.Result) bool {
		id := entity.Get("entity_id").String()
		if d := entityDomain(id); d != "sensor" && d != "binary_sensor" {
			return true
		}

		if sensorType != "" {
			deviceClass := strings.ToLower(entity.Get("attributes.device_class").String())
			if deviceClass != sensorType && !strings.Contains(id, sensorType) {
				return true
			}
		}
		count++

		fmt.Fprintf(&b, "- %s (%s): %s", friendlyName(entity), id, entity.Get("state").String())
		if unit := entity.Get("attributes.unit_of_measurement").String(); unit != "" {
			fmt.Fprintf(&b, " %s", unit)
		}
		b.WriteString("\n")
		return true
	})

	label := "sensors"
	if sensorType != "" {
		label = sensorType + " sensors"
	}
	return fmt.Sprintf("%d %s\n%s", count, label, b.String()), nil
}

func automationsHandler(ctx context.Context, ha Invoker, creds homeassistant.Credentials, _ map[string]any) (string, error) {
	states, err := fetchStates(ctx, ha, creds)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	count := 0
	states.ForEach(func(_, entity gjson.Result) bool {
		id := entity.Get("entity_id").String()
		if entityDomain(id) != "automation" {
			return true
		}
		count++

		fmt.Fprintf(&b, "- %s (%s): %s", friendlyName(entity), id, entity.Get("state").String())
		if last := entity.Get("attributes.last_triggered").String(); last != "" {
			fmt.Fprintf(&b, ", last triggered %s", last)
		}
		b.WriteString("\n")
		return true
	})

	return fmt.Sprintf("%d automations\n%s", count, b.String()), nil
}

func temperatureHandler(ctx context.Context, ha Invoker, creds homeassistant.Credentials, _ map[string]any) (string, error) {
	states, err := fetchStates(ctx, ha, creds)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	count := 0
	states.ForEach(func(_, entity gjson.Result) bool {
		if entity.Get("attributes.device_class").String() != "temperature" {
			return true
		}
		count++
		fmt.Fprintf(&b, "- %s: %s %s\n",
			friendlyName(entity),
			entity.Get("state").String(),
			entity.Get("attributes.unit_of_measurement").String(),
		)
		return true
	})

	if count == 0 {
		return "No temperature sensors found", nil
	}
	return b.String(), nil
}

func testSimpleHandler(ctx context.Context, ha Invoker, creds homeassistant.Credentials, _ map[string]any) (string, error) {
	data, err := ha.Invoke(ctx, creds, http.MethodGet, "/api/", nil)
	if err != nil {
		return "", err
	}

	msg := gjson.GetBytes(data, "message").String()
	if msg == "" {
		msg = "API reachable"
	}
	return "Home Assistant says: " + msg, nil
}
