package mqtt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/averlon/toolgate/internal/config"
)

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	// Verify the file was written.
	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	// Create the first time.
	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}

	// Second call should return the same value.
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "test-device")
	if info.Name != "test-device" {
		t.Errorf("Name = %q, want %q", info.Name, "test-device")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
	if info.Model != "Toolgate MCP Gateway" {
		t.Errorf("Model = %q", info.Model)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "den-gateway",
		DiscoveryPrefix: "homeassistant",
	}
	p := New(cfg, "test-id", nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "toolgate/den-gateway"},
		{"availabilityTopic", p.availabilityTopic(), "toolgate/den-gateway/availability"},
		{"stateTopic uptime", p.stateTopic("uptime"), "toolgate/den-gateway/uptime/state"},
		{"discoveryTopic sensor uptime", p.discoveryTopic("sensor", "uptime"), "homeassistant/sensor/den-gateway/uptime/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "test-gateway",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
	p := New(cfg, "instance-123", nil, nil)

	defs := p.sensorDefinitions()
	want := map[string]bool{
		"uptime":           false,
		"version":          false,
		"connected_agents": false,
		"mcp_servers":      false,
		"tools_available":  false,
		"calls_today":      false,
	}

	for _, d := range defs {
		if _, ok := want[d.entitySuffix]; !ok {
			t.Errorf("unexpected sensor %q", d.entitySuffix)
			continue
		}
		want[d.entitySuffix] = true

		if d.config.UniqueID != "instance-123_"+d.entitySuffix {
			t.Errorf("%s UniqueID = %q", d.entitySuffix, d.config.UniqueID)
		}
		if d.config.AvailabilityTopic != p.availabilityTopic() {
			t.Errorf("%s AvailabilityTopic = %q", d.entitySuffix, d.config.AvailabilityTopic)
		}

		// Discovery payloads must be valid JSON with a device block.
		payload, err := json.Marshal(d.config)
		if err != nil {
			t.Fatalf("marshal %s config: %v", d.entitySuffix, err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("unmarshal %s config: %v", d.entitySuffix, err)
		}
		if _, ok := decoded["device"]; !ok {
			t.Errorf("%s discovery payload missing device block", d.entitySuffix)
		}
	}

	for suffix, seen := range want {
		if !seen {
			t.Errorf("missing sensor definition %q", suffix)
		}
	}
}
