package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hamcp/internal/homeassistant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const statesFixture = `[
  {"entity_id": "light.kitchen", "state": "on",
   "attributes": {"friendly_name": "Kitchen Light", "brightness": 180}},
  {"entity_id": "light.bedroom", "state": "off",
   "attributes": {"friendly_name": "Bedroom Light"}},
  {"entity_id": "switch.heater", "state": "off",
   "attributes": {"friendly_name": "Heater"}},
  {"entity_id": "sensor.living_temp", "state": "21.5",
   "attributes": {"friendly_name": "Living Room Temperature",
     "device_class": "temperature", "unit_of_measurement": "°C"}},
  {"entity_id": "climate.thermostat", "state": "heat",
   "attributes": {"friendly_name": "Thermostat",
     "current_temperature": 20.5, "temperature": 22.0}},
  {"entity_id": "automation.morning", "state": "on",
   "attributes": {"friendly_name": "Morning Routine",
     "last_triggered": "2026-08-27T07:00:00+00:00"}}
]`

// stubInvoker records requests and replies from a canned response table.
type stubInvoker struct {
	responses map[string]string
	err       error

	calls []stubCall
}

type stubCall struct {
	method string
	path   string
	body   any
}

func (s *stubInvoker) Invoke(_ context.Context, _ homeassistant.Credentials, method, path string, body any) ([]byte, error) {
	s.calls = append(s.calls, stubCall{method: method, path: path, body: body})
	if s.err != nil {
		return nil, s.err
	}
	if resp, ok := s.responses[path]; ok {
		return []byte(resp), nil
	}
	return []byte(`{}`), nil
}

func statesInvoker() *stubInvoker {
	return &stubInvoker{responses: map[string]string{
		"/api/states": statesFixture,
		"/api/":       `{"message": "API running."}`,
	}}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func testCatalog(ha Invoker) *Catalog {
	return NewCatalog(ha, nil, testLogger())
}

func TestCatalogListBaseTools(t *testing.T) {
	c := testCatalog(statesInvoker())

	tools := c.List(context.Background(), homeassistant.Credentials{}, false)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "get_entities")
	assert.Contains(t, names, "call_service")
	assert.Contains(t, names, "control_lights")
	assert.Contains(t, names, "test_simple")
	assert.NotContains(t, names, "create_dynamic_scene",
		"advanced tools need a detected integration")
}

func TestCallUnknownTool(t *testing.T) {
	c := testCatalog(statesInvoker())

	result := c.Call(context.Background(), homeassistant.Credentials{}, "make_coffee", nil)

	require.True(t, result.IsError, "unknown tool is a tool error, not a transport failure")
	assert.Contains(t, resultText(t, result), "unknown tool")
	assert.Contains(t, resultText(t, result), "make_coffee")
}

func TestCallHandlerError(t *testing.T) {
	ha := &stubInvoker{err: context.DeadlineExceeded}
	c := testCatalog(ha)

	result := c.Call(context.Background(), homeassistant.Credentials{}, "get_lights", nil)

	require.True(t, result.IsError)
	assert.NotEmpty(t, resultText(t, result))
}

func TestGetEntities(t *testing.T) {
	c := testCatalog(statesInvoker())

	result := c.Call(context.Background(), homeassistant.Credentials{}, "get_entities", nil)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "6 entities")
	assert.Contains(t, text, "light(2)")
	assert.Contains(t, text, "Kitchen Light")
}

func TestGetEntitiesDomainFilter(t *testing.T) {
	c := testCatalog(statesInvoker())

	result := c.Call(context.Background(), homeassistant.Credentials{},
		"get_entities", map[string]any{"domain": "light"})
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "2 light entities")
	assert.NotContains(t, text, "switch.heater")
}

func TestGetLights(t *testing.T) {
	c := testCatalog(statesInvoker())

	result := c.Call(context.Background(), homeassistant.Credentials{}, "get_lights", nil)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "2 light entities")
	assert.Contains(t, text, "brightness 180")
}

func TestControlLights(t *testing.T) {
	ha := statesInvoker()
	c := testCatalog(ha)

	result := c.Call(context.Background(), homeassistant.Credentials{}, "control_lights", map[string]any{
		"entity_id":  "light.kitchen",
		"action":     "turn_on",
		"brightness": float64(999),
		"color":      "red",
	})
	require.False(t, result.IsError, resultText(t, result))

	require.Len(t, ha.calls, 1)
	assert.Equal(t, "/api/services/light/turn_on", ha.calls[0].path)

	payload, ok := ha.calls[0].body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, maxBrightness, payload["brightness"], "brightness is clamped")
	assert.Equal(t, "red", payload["color_name"])
}

func TestControlLightsBadAction(t *testing.T) {
	c := testCatalog(statesInvoker())

	result := c.Call(context.Background(), homeassistant.Credentials{}, "control_lights", map[string]any{
		"entity_id": "light.kitchen",
		"action":    "explode",
	})
	require.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "explode")
}

func TestCallService(t *testing.T) {
	ha := statesInvoker()
	c := testCatalog(ha)

	result := c.Call(context.Background(), homeassistant.Credentials{}, "call_service", map[string]any{
		"domain":    "switch",
		"service":   "turn_off",
		"entity_id": "switch.heater",
		"data":      map[string]any{"transition": float64(2)},
	})
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "switch.turn_off")

	require.Len(t, ha.calls, 1)
	assert.Equal(t, "/api/services/switch/turn_off", ha.calls[0].path)

	payload := ha.calls[0].body.(map[string]any)
	assert.Equal(t, "switch.heater", payload["entity_id"])
	assert.Equal(t, float64(2), payload["transition"])
}

func TestCallServiceMissingArgs(t *testing.T) {
	c := testCatalog(statesInvoker())

	result := c.Call(context.Background(), homeassistant.Credentials{}, "call_service", map[string]any{
		"domain": "light",
	})
	assert.True(t, result.IsError)
}

func TestGetClimate(t *testing.T) {
	c := testCatalog(statesInvoker())

	result := c.Call(context.Background(), homeassistant.Credentials{}, "get_climate", nil)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Thermostat")
	assert.Contains(t, text, "current 20.5")
	assert.Contains(t, text, "target 22.0")
}

func TestGetSensorsTypeFilter(t *testing.T) {
	c := testCatalog(statesInvoker())

	result := c.Call(context.Background(), homeassistant.Credentials{},
		"get_sensors", map[string]any{"type": "temperature"})
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "1 temperature sensors")
	assert.Contains(t, text, "21.5 °C")
}

func TestGetAutomations(t *testing.T) {
	c := testCatalog(statesInvoker())

	result := c.Call(context.Background(), homeassistant.Credentials{}, "get_automations", nil)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Morning Routine")
	assert.Contains(t, text, "last triggered 2026-08-27")
}

func TestGetTemperatureSimple(t *testing.T) {
	c := testCatalog(statesInvoker())

	result := c.Call(context.Background(), homeassistant.Credentials{}, "get_temperature_simple", nil)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Living Room Temperature: 21.5 °C")
}

func TestTestSimple(t *testing.T) {
	c := testCatalog(statesInvoker())

	result := c.Call(context.Background(), homeassistant.Credentials{}, "test_simple", nil)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "API running")
}

func TestToolSchemasMarshal(t *testing.T) {
	for _, d := range baseTools() {
		data, err := json.Marshal(d.tool)
		require.NoError(t, err, d.tool.Name)
		assert.Contains(t, string(data), `"inputSchema"`)
	}
}
