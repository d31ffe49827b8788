package config

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.DispatchMode != "queued" || cfg.StoreDriver != "postgres" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LogLevel != zapcore.InfoLevel {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
	if cfg.MaxUploadBytes != 10<<20 || cfg.HistoryLimit != 200 {
		t.Fatalf("upload %d history %d", cfg.MaxUploadBytes, cfg.HistoryLimit)
	}
	if cfg.StubLabel != "leaf_blight" || cfg.StubConfidence != "92%" || cfg.StubLatency != 5*time.Second {
		t.Fatalf("stub %s %s %s", cfg.StubLabel, cfg.StubConfidence, cfg.StubLatency)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("DISPATCH_MODE", "inline")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("QUEUE_WORKERS", "8")
	t.Setenv("ALLOWED_MEDIA_TYPES", "image/png, image/jpeg ,")
	t.Setenv("DIAGNOSIS_TIMEOUT", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DispatchMode != "inline" || cfg.StoreDriver != "memory" || cfg.QueueWorkers != 8 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.LogLevel != zapcore.DebugLevel || cfg.DiagnosisTimeout != 2*time.Second {
		t.Fatalf("level %s timeout %s", cfg.LogLevel, cfg.DiagnosisTimeout)
	}
	if len(cfg.AllowedMediaTypes) != 2 || cfg.AllowedMediaTypes[1] != "image/jpeg" {
		t.Fatalf("media types = %q", cfg.AllowedMediaTypes)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing secret", map[string]string{"JWT_SECRET": ""}, "JWT_SECRET"},
		{"bad mode", map[string]string{"DISPATCH_MODE": "kafka"}, "DISPATCH_MODE"},
		{"bad duration", map[string]string{"LOCK_WAIT": "soon"}, "LOCK_WAIT"},
		{"bad int", map[string]string{"QUEUE_SIZE": "many"}, "QUEUE_SIZE"},
		{"reaper too eager", map[string]string{"STALE_PROCESSING_AFTER": "10s", "DIAGNOSIS_TIMEOUT": "30s"}, "STALE_PROCESSING_AFTER"},
		{"history too large", map[string]string{"HISTORY_LIMIT": "5000"}, "HISTORY_LIMIT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "test-secret")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
