package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "gateway:\n  listen: \"\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Listen != "127.0.0.1:8787" {
		t.Errorf("listen = %q, want default", cfg.Gateway.Listen)
	}
	if cfg.Session.IdleTimeout != 30*time.Minute {
		t.Errorf("idle timeout = %v, want 30m", cfg.Session.IdleTimeout)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("max iterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.Parser != "native" {
		t.Errorf("parser = %q, want native", cfg.Agent.Parser)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_TOKEN", "sekrit")
	path := writeConfig(t, "gateway:\n  auth_token: ${RELAY_TEST_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.AuthToken != "sekrit" {
		t.Errorf("auth_token = %q, want expanded env value", cfg.Gateway.AuthToken)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			"bad log level",
			"log:\n  level: loud\n",
			"log.level",
		},
		{
			"bad queue mode",
			"gateway:\n  channels:\n    - platform: matrix\n      channel: room\n      mode: pileup\n",
			"mode",
		},
		{
			"duplicate server names",
			"plugins:\n  servers:\n    - name: weather\n      transport: stdio\n    - name: weather\n      transport: http\n",
			"duplicate",
		},
		{
			"hook entry without command",
			"hooks:\n  entries:\n    - event: gateway.startup\n",
			"command",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestQueueModeFor(t *testing.T) {
	gw := GatewayConfig{
		Channels: []ChannelPolicyConfig{
			{Platform: "matrix", Channel: "ops-room", Mode: QueueModeNotify},
		},
	}

	if got := gw.QueueModeFor("matrix", "ops-room", true); got != QueueModeNotify {
		t.Errorf("explicit override = %v, want notify", got)
	}
	if got := gw.QueueModeFor("matrix", "other", true); got != QueueModeBatch {
		t.Errorf("broadcast default = %v, want batch", got)
	}
	if got := gw.QueueModeFor("telegram", "dm", false); got != QueueModeNotify {
		t.Errorf("direct default = %v, want notify", got)
	}
}
