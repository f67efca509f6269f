package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svr.yaml")
	data := []byte("listen_addr: \":6000\"\nport: 9999\ndrop_policy: block\nblock_timeout: 2s\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var cfg ServerConfig
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":6000" {
		t.Fatalf("expected listen :6000, got %q", cfg.ListenAddr)
	}
	if cfg.Port != 9999 {
		t.Fatalf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.DropPolicy != "block" {
		t.Fatalf("expected block policy, got %q", cfg.DropPolicy)
	}
	if cfg.BlockTimeout != 2*time.Second {
		t.Fatalf("expected 2s block timeout, got %v", cfg.BlockTimeout)
	}
}

func TestLoadFileMissing(t *testing.T) {
	var cfg ServerConfig
	if err := cfg.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if err := cfg.LoadFile(""); err != nil {
		t.Fatalf("empty path is a no-op: %v", err)
	}
}

func TestLoadFileInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svr.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [oops"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var cfg ServerConfig
	if err := cfg.LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
