package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"parley/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" || cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Timeouts.BeatMS != 5000 || cfg.Timeouts.ParticipantMS != 250 || cfg.Timeouts.GatewayMS != 150 {
		t.Fatalf("unexpected timeout defaults: %+v", cfg.Timeouts)
	}
	if cfg.Options.MaxPerParticipant != 4 || cfg.Exchange.MaxBeats != 64 {
		t.Fatalf("unexpected option defaults: %+v %+v", cfg.Options, cfg.Exchange)
	}
	if cfg.BeatDeadline() != 5*time.Second || cfg.ParticipantTimeout() != 250*time.Millisecond {
		t.Fatalf("duration helpers disagree with the raw values")
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Timeouts.BeatMS != 5000 {
		t.Fatalf("expected defaults, got %+v", cfg.Timeouts)
	}
}

func TestLoadOverlaysOnDefaults(t *testing.T) {
	dir := t.TempDir()
	data := "timeouts:\n  beat_ms: 1234\n"
	if err := os.WriteFile(filepath.Join(dir, "parley.yml"), []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Timeouts.BeatMS != 1234 {
		t.Fatalf("override not applied: %d", cfg.Timeouts.BeatMS)
	}
	// Omitted fields keep defaults.
	if cfg.Timeouts.ParticipantMS != 250 || cfg.Exchange.MaxBeats != 64 {
		t.Fatalf("defaults lost under overlay: %+v", cfg.Timeouts)
	}
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"zero beat", "timeouts:\n  beat_ms: 0\n", "beat_ms"},
		{"negative retries", "timeouts:\n  delivery_retries: -1\n", "delivery_retries"},
		{"zero max options", "options:\n  max_per_participant: 0\n", "max_per_participant"},
		{"zero max beats", "exchange:\n  max_beats: 0\n", "max_beats"},
		{"garbage", "timeouts: [nope", "yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path, err := config.WriteDefault(dir)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if path != config.Path(dir) {
		t.Fatalf("unexpected path %s", path)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load written default: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("written default invalid: %v", err)
	}
	if _, err := config.WriteDefault(dir); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
}
