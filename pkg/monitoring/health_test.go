package monitoring

import (
	"path/filepath"
	"testing"
)

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: "healthy"} })
	status := hc.CheckHealth()
	if status.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestHealthChecker_DegradedWins(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: "healthy"} })
	hc.AddCheck("meh", func() CheckResult { return CheckResult{Status: "degraded"} })
	if got := hc.CheckHealth().Status; got != "degraded" {
		t.Fatalf("expected degraded, got %q", got)
	}
}

func TestDirectoryReadableCheck(t *testing.T) {
	dir := t.TempDir()
	res := DirectoryReadableCheck("asset root", dir)()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy, got %q: %s", res.Status, res.Message)
	}

	res = DirectoryReadableCheck("asset root", filepath.Join(dir, "missing"))()
	if res.Status != "unhealthy" {
		t.Fatalf("expected unhealthy for missing dir, got %q", res.Status)
	}
}

func TestDirectoryWritableCheck(t *testing.T) {
	dir := t.TempDir()
	res := DirectoryWritableCheck("cache root", dir)()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy, got %q: %s", res.Status, res.Message)
	}

	res = DirectoryWritableCheck("cache root", filepath.Join(dir, "missing"))()
	if res.Status != "unhealthy" {
		t.Fatalf("expected unhealthy for missing dir, got %q", res.Status)
	}
}

func TestExternalToolCheck(t *testing.T) {
	// A binary that exists basically everywhere tests run.
	res := ExternalToolCheck("sh")()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy for sh, got %q", res.Status)
	}

	res = ExternalToolCheck("definitely-not-a-real-binary-xyz")()
	if res.Status != "degraded" {
		t.Fatalf("expected degraded for missing tool, got %q", res.Status)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	res := ConfigurationHealthCheck(map[string]string{"ASSET_ROOT": "./assets"})()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
	res = ConfigurationHealthCheck(map[string]string{"ASSET_ROOT": ""})()
	if res.Status != "unhealthy" {
		t.Fatalf("expected unhealthy for missing config")
	}
}
