package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
daemon:
  url: http://localhost:8080
  api_key: abc
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "7881" {
		t.Errorf("port = %q", cfg.Port)
	}
	if cfg.Stream.GrowthPollInterval != 2*time.Second {
		t.Errorf("growth interval = %s", cfg.Stream.GrowthPollInterval)
	}
	if cfg.Stream.GrowthPollTimeout != 45*time.Second {
		t.Errorf("growth timeout = %s", cfg.Stream.GrowthPollTimeout)
	}
	if cfg.Stream.PauseThresholdPct != 99 {
		t.Errorf("pause threshold = %v", cfg.Stream.PauseThresholdPct)
	}
	if cfg.Cleanup.InactivityTimeout != 120*time.Second {
		t.Errorf("inactivity timeout = %s", cfg.Cleanup.InactivityTimeout)
	}
	if cfg.Cleanup.RetentionPeriod != 12*time.Hour {
		t.Errorf("retention = %s", cfg.Cleanup.RetentionPeriod)
	}
	if cfg.Cleanup.RetentionSweepPeriod != time.Hour {
		t.Errorf("retention sweep period = %s", cfg.Cleanup.RetentionSweepPeriod)
	}
	if cfg.Cleanup.DeleteOnStreamStop {
		t.Error("delete_on_stream_stop must default off")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
port: "9000"
daemon:
  url: http://sab:8080
  api_key: key
  min_free_space_gb: 20
file_server:
  url: http://files:9898
  api_key: fskey
stream:
  growth_poll_interval: 1s
  growth_poll_timeout: 10s
  end_index_seek_percent: 80
cleanup:
  inactivity_timeout: 300s
  delete_on_stream_stop: true
admin:
  token: sekrit
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "9000" || cfg.Daemon.MinFreeSpaceGB != 20 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.FileServer.URL != "http://files:9898" {
		t.Errorf("file server url = %q", cfg.FileServer.URL)
	}
	if cfg.Stream.EndIndexSeekPercent != 80 {
		t.Errorf("end index percent = %v", cfg.Stream.EndIndexSeekPercent)
	}
	if cfg.Cleanup.InactivityTimeout != 300*time.Second {
		t.Errorf("inactivity = %s", cfg.Cleanup.InactivityTimeout)
	}
	if !cfg.Cleanup.DeleteOnStreamStop {
		t.Error("delete_on_stream_stop override lost")
	}
	if cfg.Admin.Token != "sekrit" {
		t.Errorf("admin token = %q", cfg.Admin.Token)
	}
}

func TestLoadRequiresDaemonURL(t *testing.T) {
	path := writeConfig(t, `
port: "9000"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error without daemon.url")
	}
}

func TestLoadRejectsBadPollBounds(t *testing.T) {
	path := writeConfig(t, `
daemon:
  url: http://sab:8080
stream:
  growth_poll_interval: 10s
  growth_poll_timeout: 2s
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when timeout < interval")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
