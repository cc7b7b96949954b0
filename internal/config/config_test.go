package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Realtime.Endpoint = "wss://rt.example.test/ws"
	cfg.Realtime.ReconnectBaseDelay = Duration(3 * time.Second)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Realtime.Endpoint != "wss://rt.example.test/ws" {
		t.Errorf("Endpoint = %q", loaded.Realtime.Endpoint)
	}
	if loaded.Realtime.ReconnectBaseDelay.Std() != 3*time.Second {
		t.Errorf("ReconnectBaseDelay = %v, want 3s", loaded.Realtime.ReconnectBaseDelay.Std())
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "default_profile = \"main\"\n\n[realtime]\nendpoint = \"ws://localhost:8080/ws\"\nreconnect_max_delay = \"20s\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Realtime.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.Realtime.MaxReconnectAttempts)
	}
	if cfg.Realtime.ReconnectBaseDelay.Std() != 2*time.Second {
		t.Errorf("ReconnectBaseDelay = %v, want 2s", cfg.Realtime.ReconnectBaseDelay.Std())
	}
	if cfg.Realtime.ReconnectMaxDelay.Std() != 20*time.Second {
		t.Errorf("ReconnectMaxDelay = %v, want 20s (from file)", cfg.Realtime.ReconnectMaxDelay.Std())
	}
	if cfg.Conversation.ReadReceiptDelay.Std() != 2*time.Second {
		t.Errorf("ReadReceiptDelay = %v, want 2s", cfg.Conversation.ReadReceiptDelay.Std())
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Conversation.EnterDelay.Std() != time.Second {
		t.Errorf("EnterDelay = %v, want 1s", cfg.Conversation.EnterDelay.Std())
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[realtime]\nreconnect_base_delay = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for unparsable duration")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
