package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "config.yaml", "version: 1\nroot_model: claude-sonnet-4-20250514\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SubModel != cfg.RootModel {
		t.Errorf("expected SubModel to default to RootModel, got %q vs %q", cfg.SubModel, cfg.RootModel)
	}
	if cfg.MaxIterations != 16 {
		t.Errorf("got MaxIterations %d, want 16", cfg.MaxIterations)
	}
	if cfg.RequestTimeout != 120*time.Second {
		t.Errorf("got RequestTimeout %v, want 120s", cfg.RequestTimeout)
	}
	if cfg.Bridge.BindAddr != "127.0.0.1:0" {
		t.Errorf("got BindAddr %q, want 127.0.0.1:0", cfg.Bridge.BindAddr)
	}
}

func TestLoadResolvesInclude(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "base.yaml", "root_model: base-model\nmax_iterations: 5\n")
	path := writeTempFile(t, dir, "config.yaml", "version: 1\n$include: base.yaml\nmax_iterations: 9\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RootModel != "base-model" {
		t.Errorf("got RootModel %q, want base-model from included file", cfg.RootModel)
	}
	if cfg.MaxIterations != 9 {
		t.Errorf("got MaxIterations %d, want 9 (override wins over included value)", cfg.MaxIterations)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeTempFile(t, dir, "b.yaml", "$include: a.yaml\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected an include cycle error")
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("RLM_TEST_MODEL", "env-model")
	dir := t.TempDir()
	path := writeTempFile(t, dir, "config.yaml", "root_model: ${RLM_TEST_MODEL}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RootModel != "env-model" {
		t.Errorf("got RootModel %q, want env-model", cfg.RootModel)
	}
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "config.yaml", "version: 99\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected a version error")
	}
	var verErr *VersionError
	if ve, ok := err.(*VersionError); ok {
		verErr = ve
	}
	if verErr == nil {
		t.Fatalf("got %T, want *VersionError", err)
	}
}
