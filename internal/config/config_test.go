package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", "server:\n  http_port: 9090\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("expected http port 9090, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort != 50051 {
		t.Errorf("expected default grpc port, got %d", cfg.Server.GRPCPort)
	}
	if cfg.Rig.Source != RigSourceFile || cfg.Rig.Driver != RigDriverFWxC {
		t.Errorf("unexpected rig defaults %+v", cfg.Rig)
	}
	if cfg.Auth.AccessTokenTTL != time.Hour {
		t.Errorf("expected 60m token ttl, got %s", cfg.Auth.AccessTokenTTL)
	}
	if !cfg.Shutter.ActiveHigh || cfg.Shutter.Line != "FIO4" {
		t.Errorf("unexpected shutter defaults %+v", cfg.Shutter)
	}
	if cfg.Ammeter.Baud != 9600 || cfg.Ammeter.Timeout != 2*time.Second {
		t.Errorf("unexpected ammeter defaults %+v", cfg.Ammeter)
	}
}

func TestLoadReadsNestedSections(t *testing.T) {
	path := writeFile(t, "config.yaml", `
rig:
  driver: sim
  rescan_interval: 30s
shutter:
  enabled: true
  address: 192.168.1.20
  line: EIO2
  active_high: false
auth:
  enabled: true
  users:
    - username: alice
      password_hash: "$argon2id$v=19$m=8,t=1,p=1$c2FsdA$aGFzaA"
      role: operator
  machine_tokens:
    - name: beamline-pc
      token_hash: abc123
      permissions: [read, operate]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Rig.Driver != RigDriverSim || cfg.Rig.RescanInterval != 30*time.Second {
		t.Errorf("unexpected rig config %+v", cfg.Rig)
	}
	if !cfg.Shutter.Enabled || cfg.Shutter.Address != "192.168.1.20" || cfg.Shutter.Line != "EIO2" || cfg.Shutter.ActiveHigh {
		t.Errorf("unexpected shutter config %+v", cfg.Shutter)
	}
	if len(cfg.Auth.Users) != 1 || cfg.Auth.Users[0].Role != "operator" {
		t.Errorf("unexpected users %+v", cfg.Auth.Users)
	}
	if len(cfg.Auth.MachineTokens) != 1 || len(cfg.Auth.MachineTokens[0].Permissions) != 2 {
		t.Errorf("unexpected machine tokens %+v", cfg.Auth.MachineTokens)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	path := writeFile(t, "config.yaml", "server:\n  http_port: 9090\n")
	t.Setenv("OLR_SERVER_HTTP_PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.HTTPPort != 7070 {
		t.Fatalf("expected env override, got %d", cfg.Server.HTTPPort)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := map[string]string{
		"rig source":      "rig:\n  source: ftp\n",
		"rig driver":      "rig:\n  driver: usb\n",
		"shutter address": "shutter:\n  enabled: true\n",
		"ammeter port":    "ammeter:\n  enabled: true\n",
	}

	for name, content := range tests {
		path := writeFile(t, "config.yaml", content)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

const rigYAML = `
filter_wheels:
  bp:
    serial: "TP01234"
    type: bandpass
    filters:
      1: 450nm
      2: EMPTY
      3: 550nm
      4:
  nd:
    serial: "TP05678"
    type: nd
    slots: 6
    timeout_s: 5
    filters:
      1: ND 0.5
      2: ND 1.0
filters:
  450nm: {type: bandpass, wavelength: 450}
  550nm: {wavelength: 550}
`

func TestParseRig(t *testing.T) {
	doc, err := ParseRig([]byte(rigYAML))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	bp := doc.Wheels["bp"]
	if bp.Serial != "TP01234" || bp.Type != types.FilterTypeBandpass || bp.Filters[3] != "550nm" {
		t.Fatalf("unexpected wheel %+v", bp)
	}
	if got := bp.WithDefaults().Filters[4]; got != types.EmptySlot {
		t.Fatalf("expected blank slot normalised to EMPTY, got %q", got)
	}
	if doc.Wheels["nd"].TimeoutS != 5 {
		t.Fatalf("unexpected nd timeout %v", doc.Wheels["nd"].TimeoutS)
	}
	if wl := doc.Filters["550nm"].Wavelength; wl == nil || *wl != 550 {
		t.Fatalf("unexpected catalog entry %+v", doc.Filters["550nm"])
	}
}

func TestParseRigRejectsInvalidDocuments(t *testing.T) {
	tests := map[string]string{
		"missing wheels": "filters: {}\n",
		"missing serial": "filter_wheels:\n  a:\n    type: nd\n",
		"bad type":       "filter_wheels:\n  a:\n    serial: X\n    type: prism\n",
		"too many slots": "filter_wheels:\n  a:\n    serial: X\n    slots: 20\n",
		"bad yaml":       "filter_wheels: [",
	}

	for name, content := range tests {
		if _, err := ParseRig([]byte(content)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseRigRejectsSlotOutOfRange(t *testing.T) {
	_, err := ParseRig([]byte("filter_wheels:\n  a:\n    serial: X\n    filters:\n      7: 450nm\n"))
	if !errors.Is(err, devices.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestMarshalRigRoundTrip(t *testing.T) {
	doc, err := ParseRig([]byte(rigYAML))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	data, err := MarshalRig(doc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	again, err := ParseRig(data)
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if len(again.Wheels) != 2 || again.Wheels["nd"].Filters[2] != "ND 1.0" {
		t.Fatalf("round trip lost data: %+v", again)
	}
}

func TestJWTSecretFallback(t *testing.T) {
	t.Setenv("OLR_TEST_SECRET", "")
	a := AuthConfig{JWTSecretEnv: "OLR_TEST_SECRET"}
	if a.IsProductionReady() {
		t.Fatalf("development secret must not be production ready")
	}

	t.Setenv("OLR_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	if !a.IsProductionReady() || a.GetJWTSecret() != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("expected secret from environment")
	}
}
