package replication

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zonelink/wire"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TickInterval() != 100*time.Millisecond || cfg.DefaultZone != "forest" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Exchanges.Control != "game.client_to_server" || cfg.Exchanges.Transfer != "game.player_transfer" {
		t.Fatalf("exchanges = %+v", cfg.Exchanges)
	}
	desert := cfg.Zone("desert")
	if desert.Spawn != (wire.Vec3{X: -15, Y: 9.6, Z: -10}) || desert.Yaw != 70 {
		t.Fatalf("desert spawn = %+v", desert)
	}
	if cfg.Zone("atlantis").ID != "forest" {
		t.Fatalf("unknown zone should fall back to the default zone")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	p := writeFile(t, "client.yaml", `
broker_url: amqp://user:pw@rabbit:5672/
tick_interval_ms: 250
default_zone: Desert
zones:
  - id: Desert
    spawn: {x: 1, y: 2, z: 3}
    yaw: 90
  - id: tundra
exchanges:
  control: custom.control
interaction_rate: 2
`)
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BrokerURL != "amqp://user:pw@rabbit:5672/" || cfg.TickInterval() != 250*time.Millisecond {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.DefaultZone != "desert" || cfg.Zone("desert").Spawn.Z != 3 {
		t.Fatalf("zones not normalized: %+v", cfg.Zones)
	}
	if cfg.Exchanges.Control != "custom.control" || cfg.Exchanges.Movement != "game.movement_to_client" {
		t.Fatalf("exchanges = %+v", cfg.Exchanges)
	}
	if cfg.InteractionBurst != 1 {
		t.Fatalf("burst should default to 1 when a rate is set, got %d", cfg.InteractionBurst)
	}
	if cfg.FrameInterval() != 16*time.Millisecond {
		t.Fatalf("frame interval = %s", cfg.FrameInterval())
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"tick too fast":   "tick_interval_ms: 10\n",
		"tick too slow":   "tick_interval_ms: 5000\n",
		"routing chars":   "zones:\n  - id: a.b\ndefault_zone: a.b\n",
		"duplicate zone":  "zones:\n  - id: forest\n  - id: FOREST\n",
		"unknown default": "default_zone: swamp\n",
		"bad yaml":        "zones: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			p := writeFile(t, "client.yaml", body)
			if _, err := LoadConfig(p); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file should fail")
	}
}

func TestGeneratePlayerID(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	id := NewPlayerIdentity("alice", r)
	if len(id.ID) != 12 || strings.Trim(id.ID, "0123456789") != "" {
		t.Fatalf("player id %q should be 12 digits", id.ID)
	}
	if id.DisplayName != "alice" {
		t.Fatalf("display name = %q", id.DisplayName)
	}
	if GeneratePlayerID(rand.New(rand.NewSource(7))) != id.ID {
		t.Fatalf("same seed should give the same id")
	}
}
