package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.FridaVersion != DefaultFridaVersion || cfg.Target != DefaultTarget {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RemotePath != DefaultRemotePath {
		t.Fatalf("unexpected remote path %s", cfg.RemotePath)
	}
	if cfg.ConnectTimeout != DefaultConnectTimeout {
		t.Fatalf("unexpected connect timeout %s", cfg.ConnectTimeout)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	content := []byte("frida_version: 16.6.0\ntarget: com.example.app\nconnect_timeout: 9s\nstrict_deploy: true\n")
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvTarget, "com.override.app")
	t.Setenv(EnvReleaseBaseURL, "http://mirror.local/frida/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.FridaVersion != "16.6.0" {
		t.Fatalf("file value not applied: %s", cfg.FridaVersion)
	}
	if cfg.Target != "com.override.app" {
		t.Fatalf("env override not applied: %s", cfg.Target)
	}
	if cfg.ConnectTimeout != 9*time.Second {
		t.Fatalf("duration from file not applied: %s", cfg.ConnectTimeout)
	}
	if !cfg.StrictDeploy {
		t.Fatalf("strict deploy from file not applied")
	}
	if cfg.ReleaseBaseURL != "http://mirror.local/frida" {
		t.Fatalf("trailing slash should be trimmed: %s", cfg.ReleaseBaseURL)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.RemotePath = "data/local/tmp/frida-server"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("relative remote path should be rejected")
	}
	cfg = Default()
	cfg.Target = " "
	if err := cfg.Validate(); err == nil {
		t.Fatalf("empty target should be rejected")
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestEnvBooleans(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv(EnvStrictDeploy, "on")
	t.Setenv(EnvWaitOnStdin, "No")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !cfg.StrictDeploy || cfg.WaitOnStdin {
		t.Fatalf("booleans not applied: strict=%v wait=%v", cfg.StrictDeploy, cfg.WaitOnStdin)
	}
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv(EnvStrictDeploy, "garbage")
	t.Setenv(EnvConnectTimeout, "5 seconds")
	t.Setenv(EnvTeardownDelay, "-1s")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected invalid environment to be rejected")
	}
	for _, key := range []string{EnvStrictDeploy, EnvConnectTimeout, EnvTeardownDelay} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error should name %s: %v", key, err)
		}
	}
}
