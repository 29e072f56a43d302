package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTemplatesLoadAndValidate(t *testing.T) {
	for _, kind := range []string{"node", "client"} {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("expected %s template overwrite to be refused", kind)
		}
		if err := WriteTemplate(path, kind, true); err != nil {
			t.Fatalf("forced %s template write: %v", kind, err)
		}
		if _, err := LoadNodeConfig(path); err != nil {
			t.Fatalf("load %s template: %v", kind, err)
		}
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestLoadNodeConfigConvertsMuxAndDial(t *testing.T) {
	path := writeConfig(t, `
id = "edge-a"
listen_addr = "127.0.0.1:9400"
handler = "discard"
peers = ["10.0.0.2:7400"]

[mux]
max_buffer_size = 4096
buffers_per_channel = 8
credit_flush_threshold = 8192
credit_flush_interval = "25ms"

[dial]
min = "50ms"
max = "2s"
max_attempts = 3
`)
	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ID != "edge-a" || cfg.Handler != HandlerDiscard || len(cfg.Peers) != 1 {
		t.Fatalf("unexpected node config: %+v", cfg)
	}

	mux, err := cfg.Mux.Core()
	if err != nil {
		t.Fatalf("mux config: %v", err)
	}
	if mux.MaxBufferSize != 4096 || mux.BuffersPerChannel != 8 {
		t.Fatalf("unexpected buffers: %+v", mux)
	}
	if mux.InitialCredit() != 32768 {
		t.Fatalf("unexpected initial credit: %d", mux.InitialCredit())
	}
	if mux.CreditFlushInterval != 25*time.Millisecond {
		t.Fatalf("unexpected flush interval: %v", mux.CreditFlushInterval)
	}
	if mux.WriteQueueDepth == 0 || mux.AcceptBacklog == 0 {
		t.Fatalf("defaults not applied: %+v", mux)
	}

	policy, err := cfg.Dial.Policy()
	if err != nil {
		t.Fatalf("dial policy: %v", err)
	}
	if policy.Min != 50*time.Millisecond || policy.Max != 2*time.Second || policy.MaxAttempts != 3 {
		t.Fatalf("unexpected dial policy: %+v", policy)
	}
	if policy.Factor != 2 {
		t.Fatalf("expected default factor, got %v", policy.Factor)
	}
}

func TestLoadNodeConfigDefaults(t *testing.T) {
	cfg, err := LoadNodeConfig(writeConfig(t, `admin_addr = ""`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := DefaultNodeConfig()
	if cfg.ID != def.ID || cfg.ListenAddr != def.ListenAddr || cfg.Handler != def.Handler {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.AdminAddr != "" {
		t.Fatalf("admin addr should stay disabled, got %q", cfg.AdminAddr)
	}
}

func TestLoadNodeConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"handler":        `handler = "proxy"`,
		"empty peer":     `peers = ["  "]`,
		"bad interval":   "[mux]\ncredit_flush_interval = \"soon\"",
		"credit overrun": "[mux]\nmax_buffer_size = 1073741824\nbuffers_per_channel = 8",
		"bad dial":       "[dial]\nmin = \"5s\"\nmax = \"1s\"",
		"syntax":         `id = `,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadNodeConfig(writeConfig(t, content)); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}
}

func TestLoadNodeConfigMissingFile(t *testing.T) {
	_, err := LoadNodeConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil || !strings.Contains(err.Error(), "config load failed") {
		t.Fatalf("expected load failure, got %v", err)
	}
}
