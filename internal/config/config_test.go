package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadSetsDefaults(t *testing.T) {
	path := writeConfig(t, `onebot:
  ws_url: "ws://127.0.0.1:3001"
  self_id: 10001
generator:
  api_key: "key"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Generator.BaseURL == "" {
		t.Fatal("Generator.BaseURL is empty")
	}
	if cfg.Generator.Model == "" {
		t.Fatal("Generator.Model is empty")
	}
	if cfg.OneBot.APITimeoutSec != defaultAPITimeoutSec {
		t.Fatalf("OneBot.APITimeoutSec = %d, want %d", cfg.OneBot.APITimeoutSec, defaultAPITimeoutSec)
	}
	if got, want := cfg.Poke.params(), DefaultParams(); got != want {
		t.Fatalf("Poke params = %+v, want defaults %+v", got, want)
	}
	if cfg.Heartbeat.Enabled {
		t.Fatal("Heartbeat.Enabled = true, want false by default")
	}
	if cfg.MayPoke.Enabled {
		t.Fatal("MayPoke.Enabled = true, want false by default")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `onebot:
  ws_url: "ws://127.0.0.1:3001"
  self_id: 10001
`)

	t.Setenv("ONEBOT_WS_URL", "ws://10.0.0.5:3001")
	t.Setenv("ONEBOT_SELF_ID", "20002")
	t.Setenv("GENERATOR_API_KEY", "env-key")
	t.Setenv("GENERATOR_MODEL", "env-model")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OneBot.WSURL != "ws://10.0.0.5:3001" {
		t.Fatalf("OneBot.WSURL = %q", cfg.OneBot.WSURL)
	}
	if cfg.OneBot.SelfID != 20002 {
		t.Fatalf("OneBot.SelfID = %d", cfg.OneBot.SelfID)
	}
	if cfg.Generator.APIKey != "env-key" {
		t.Fatalf("Generator.APIKey = %q", cfg.Generator.APIKey)
	}
	if cfg.Generator.Model != "env-model" {
		t.Fatalf("Generator.Model = %q", cfg.Generator.Model)
	}
}

func TestLoadRejectsInvalidBounds(t *testing.T) {
	tests := []struct {
		name string
		poke string
	}{
		{
			name: "silence min above max",
			poke: "  min_silence_time: 400\n  max_silence_time: 300\n",
		},
		{
			name: "count min above max",
			poke: "  min_silence_counts: 9\n  max_silence_counts: 5\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, `onebot:
  ws_url: "ws://127.0.0.1:3001"
  self_id: 10001
poke:
`+tt.poke)

			if _, err := Load(path); !errors.Is(err, ErrInvalidBounds) {
				t.Fatalf("Load() error = %v, want ErrInvalidBounds", err)
			}
		})
	}
}

func TestLoadRejectsMissingOneBot(t *testing.T) {
	path := writeConfig(t, `generator:
  api_key: "key"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() error = nil for missing onebot.ws_url")
	}
}

func TestParamsValidateProbabilityRange(t *testing.T) {
	t.Parallel()

	p := DefaultParams()
	p.ReflectProbability = 1.2
	if err := p.Validate(); err == nil {
		t.Fatal("Validate() error = nil for reflect_probability > 1")
	}
	p = DefaultParams()
	p.FollowProbability = -0.1
	if err := p.Validate(); err == nil {
		t.Fatal("Validate() error = nil for follow_probability < 0")
	}
}

func TestPokeConfigExplicitZeroWins(t *testing.T) {
	path := writeConfig(t, `onebot:
  ws_url: "ws://127.0.0.1:3001"
  self_id: 10001
poke:
  reflect_probability: 0
  insensitivity_duration: 0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	params := cfg.Poke.params()
	if params.ReflectProbability != 0 {
		t.Fatalf("ReflectProbability = %v, want 0", params.ReflectProbability)
	}
	if params.Insensitivity != 0 {
		t.Fatalf("Insensitivity = %v, want 0", params.Insensitivity)
	}
	if params.MinSilence != 120*time.Second {
		t.Fatalf("MinSilence = %v, want default 120s", params.MinSilence)
	}
}
