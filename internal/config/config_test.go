package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OCRPollInterval != 15*time.Second {
		t.Fatalf("expected default OCR poll interval 15s, got %v", cfg.OCRPollInterval)
	}
	if cfg.OCRTimeout != 5*time.Minute {
		t.Fatalf("expected default OCR timeout 5m, got %v", cfg.OCRTimeout)
	}
	if cfg.QueueMaxAttempts != 5 {
		t.Fatalf("expected default max attempts 5, got %d", cfg.QueueMaxAttempts)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OCR_POLL_INTERVAL", "3s")
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("UPLOAD_RATE_LIMIT", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OCRPollInterval != 3*time.Second {
		t.Fatalf("expected 3s poll interval, got %v", cfg.OCRPollInterval)
	}
	if cfg.WorkerConcurrency != 12 {
		t.Fatalf("expected concurrency 12, got %d", cfg.WorkerConcurrency)
	}
	if cfg.UploadRateLimit != 5 {
		t.Fatalf("expected upload rate limit 5, got %d", cfg.UploadRateLimit)
	}
}

func TestLoadInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("OCR_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OCRTimeout != 5*time.Minute {
		t.Fatalf("expected fallback timeout, got %v", cfg.OCRTimeout)
	}
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	content := "ocr_timeout: 10m\nworker_concurrency: 2\nupload_rate_window: 30s\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("WORKER_CONCURRENCY", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OCRTimeout != 10*time.Minute {
		t.Fatalf("expected file overlay timeout 10m, got %v", cfg.OCRTimeout)
	}
	if cfg.WorkerConcurrency != 2 {
		t.Fatalf("file overlay should win over env, got %d", cfg.WorkerConcurrency)
	}
	if cfg.UploadRateWindow != 30*time.Second {
		t.Fatalf("expected 30s window, got %v", cfg.UploadRateWindow)
	}
}

func TestLoadFileOverlayBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte("ocr_timeout: banana\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unparsable duration in file")
	}
}
