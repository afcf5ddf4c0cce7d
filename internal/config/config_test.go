package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := Default()
	if c.PageSize != d.PageSize || c.CachePages != d.CachePages ||
		c.TransferRateMBPerSec != d.TransferRateMBPerSec {
		t.Fatalf("defaults not applied: %+v", c)
	}
}

func TestLoadParsesAndFillsGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btx.yaml")
	body := "page_size: 16384\ntransfer_rate_mb_per_sec: 200\ncheckpoint_spec: \"@every 5m\"\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.PageSize != 16384 {
		t.Fatalf("page size = %d", c.PageSize)
	}
	if c.TransferRateMBPerSec != 200 {
		t.Fatalf("rate = %v", c.TransferRateMBPerSec)
	}
	if c.CheckpointSpec != "@every 5m" {
		t.Fatalf("spec = %q", c.CheckpointSpec)
	}
	// Unset fields fall back to defaults.
	if c.CachePages != Default().CachePages {
		t.Fatalf("cache pages = %d", c.CachePages)
	}
	if c.BytesPerSecond() != 200*1024*1024 {
		t.Fatalf("bytes per second = %v", c.BytesPerSecond())
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("page_size: [oops"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed YAML accepted")
	}
}
