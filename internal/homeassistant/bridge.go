package homeassistant

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// bridgeSensorPrefix identifies entities exported by the companion
	// bridge integration.
	bridgeSensorPrefix = "sensor.mcp_bridge"

	// capabilitySensor carries the integration's feature flags in its
	// attributes.
	capabilitySensor = "sensor.mcp_bridge_capabilities"

	// bridgeCacheTTL is how long a detection result is reused before
	// re-probing. Detection runs on every tools/list, caching keeps
	// that off the wire.
	bridgeCacheTTL = 30 * time.Second

	// bridgeServicePath is the REST prefix for the integration's
	// advanced services.
	bridgeServicePath = "/api/mcp_bridge/"
)

// Capabilities describes which advanced features the companion bridge
// integration advertises. The zero value means no integration detected.
type Capabilities struct {
	Detected            bool
	DynamicScenes       bool
	AutomationRewrite   bool
	BulkDeviceControl   bool
	DashboardGeneration bool
}

// Bridge probes for the companion integration and caches the answer.
type Bridge struct {
	client *Client
	logger *slog.Logger

	mu        sync.Mutex
	cached    Capabilities
	checkedAt time.Time
}

// NewBridge creates a detector backed by the given REST client.
func NewBridge(client *Client, logger *slog.Logger) *Bridge {
	return &Bridge{client: client, logger: logger}
}

// Capabilities returns the integration's advertised capabilities,
// probing at most once per cache interval. A probe failure is treated
// as "not detected" rather than an error: the add-on tool set works
// without the integration.
func (b *Bridge) Capabilities(ctx context.Context, creds Credentials) Capabilities {
	b.mu.Lock()
	if time.Since(b.checkedAt) < bridgeCacheTTL {
		caps := b.cached
		b.mu.Unlock()
		return caps
	}
	b.mu.Unlock()

	caps := b.detect(ctx, creds)

	b.mu.Lock()
	b.cached = caps
	b.checkedAt = time.Now()
	b.mu.Unlock()

	return caps
}

// Invalidate drops the cached detection result.
func (b *Bridge) Invalidate() {
	b.mu.Lock()
	b.checkedAt = time.Time{}
	b.mu.Unlock()
}

func (b *Bridge) detect(ctx context.Context, creds Credentials) Capabilities {
	data, err := b.client.Invoke(ctx, creds, http.MethodGet, "/api/states", nil)
	if err != nil {
		b.logger.Debug("bridge detection probe failed", slog.String("error", err.Error()))
		return Capabilities{}
	}

	var caps Capabilities
	gjson.ParseBytes(data).ForEach(func(_, entity gjson.Result) bool {
		entityID := entity.Get("entity_id").String()
		if !strings.HasPrefix(entityID, bridgeSensorPrefix) {
			return true
		}

		caps.Detected = true

		if entityID == capabilitySensor {
			attrs := entity.Get("attributes")
			caps.DynamicScenes = attrs.Get("dynamic_scenes").Bool()
			caps.AutomationRewrite = attrs.Get("automation_modification").Bool()
			caps.BulkDeviceControl = attrs.Get("bulk_operations").Bool()
			caps.DashboardGeneration = attrs.Get("dashboard_generation").Bool()
		}
		return true
	})

	if caps.Detected {
		b.logger.Info("mcp bridge integration detected",
			slog.Bool("dynamic_scenes", caps.DynamicScenes),
			slog.Bool("automation_rewrite", caps.AutomationRewrite),
			slog.Bool("bulk_device_control", caps.BulkDeviceControl),
			slog.Bool("dashboard_generation", caps.DashboardGeneration),
		)
	}

	return caps
}

// CallService invokes one of the integration's advanced services.
func (b *Bridge) CallService(ctx context.Context, creds Credentials, service string, payload any) ([]byte, error) {
	return b.client.Invoke(ctx, creds, http.MethodPost, bridgeServicePath+service, payload)
}
