package logging_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/services"
)

func TestNewFromConfigConsole(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger instance")
	}
	logger.Info("startup message")

	content, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, "stagehand.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "startup message") {
		t.Fatalf("expected message in log file, got %q", content)
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")

	logger, err := logging.New(logging.Options{
		Format:           "console",
		Level:            "info",
		OutputPaths:      []string{logPath},
		ErrorOutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message without caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")

	logger, err := logging.New(logging.Options{
		Format:           "console",
		Level:            "debug",
		OutputPaths:      []string{logPath},
		ErrorOutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message with caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestNewInvalidFormatRejected(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestNewInvalidLevelDefaultsToInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "level.log")
	logger, err := logging.New(logging.Options{
		Format:           "console",
		Level:            "invalid",
		OutputPaths:      []string{logPath},
		ErrorOutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("visible")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), "hidden") {
		t.Fatalf("expected debug suppressed at info level, got %q", content)
	}
	if !strings.Contains(string(content), "visible") {
		t.Fatalf("expected info message, got %q", content)
	}
}

func TestWithContextAddsFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "context.log")
	logger, err := logging.New(logging.Options{
		Format:           "json",
		Level:            "info",
		OutputPaths:      []string{logPath},
		ErrorOutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := context.Background()
	ctx = services.WithDatasetID(ctx, 7)
	ctx = services.WithUnitID(ctx, 12)
	ctx = services.WithStage(ctx, "reconstruction")
	ctx = services.WithRequestID(ctx, "req-xyz")

	logging.WithContext(ctx, logger).Info("contextual log")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(content))), &record); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if got, ok := record[logging.FieldDatasetID].(float64); !ok || int64(got) != 7 {
		t.Fatalf("dataset_id = %v, want 7", record[logging.FieldDatasetID])
	}
	if got, ok := record[logging.FieldUnitID].(float64); !ok || int64(got) != 12 {
		t.Fatalf("unit_id = %v, want 12", record[logging.FieldUnitID])
	}
	if record[logging.FieldStage] != "reconstruction" {
		t.Fatalf("stage = %v, want reconstruction", record[logging.FieldStage])
	}
	if record[logging.FieldCorrelationID] != "req-xyz" {
		t.Fatalf("correlation_id = %v, want req-xyz", record[logging.FieldCorrelationID])
	}
}

func TestForStageAppliesLevelOverride(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "stage.log")
	logger, err := logging.New(logging.Options{
		Format:           "console",
		Level:            "debug",
		OutputPaths:      []string{logPath},
		ErrorOutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	scoped := logging.ForStage(logger, map[string]string{"transfer": "error"}, "transfer")
	scoped.Info("quiet")
	scoped.Error("loud")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), "quiet") {
		t.Fatalf("expected info suppressed by override, got %q", content)
	}
	if !strings.Contains(string(content), "transfer: loud") {
		t.Fatalf("expected component-prefixed error, got %q", content)
	}
}

func TestNewSessionLoggerHonorsStageOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Logging.Level = "info"
	cfg.Logging.StageOverrides = map[string]string{
		"transfer":   "error",
		"correction": "debug",
	}

	quieted, path, err := logging.NewSessionLogger(&cfg, "transfer")
	if err != nil {
		t.Fatalf("NewSessionLogger returned error: %v", err)
	}
	quieted.Info("suppressed by override")
	quieted.Error("kept by override")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	if strings.Contains(string(content), "suppressed by override") {
		t.Fatalf("expected info suppressed for quieted stage, got %q", content)
	}
	if !strings.Contains(string(content), "kept by override") {
		t.Fatalf("expected error retained for quieted stage, got %q", content)
	}

	raised, path, err := logging.NewSessionLogger(&cfg, "correction")
	if err != nil {
		t.Fatalf("NewSessionLogger returned error: %v", err)
	}
	raised.Debug("debug enabled by override")

	content, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	if !strings.Contains(string(content), "debug enabled by override") {
		t.Fatalf("expected override to raise verbosity, got %q", content)
	}

	unlisted, path, err := logging.NewSessionLogger(&cfg, "denoise")
	if err != nil {
		t.Fatalf("NewSessionLogger returned error: %v", err)
	}
	unlisted.Debug("below base level")

	content, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	if strings.Contains(string(content), "below base level") {
		t.Fatalf("expected base level for stage without override, got %q", content)
	}
}

func TestNewSessionLogger(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, path, err := logging.NewSessionLogger(&cfg, "correction")
	if err != nil {
		t.Fatalf("NewSessionLogger returned error: %v", err)
	}
	want := filepath.Join(cfg.Paths.LogDir, "sessions", "correction.log")
	if path != want {
		t.Fatalf("unexpected session log path: got %q want %q", path, want)
	}
	logger.Info("session started")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	if !strings.Contains(string(content), "session started") {
		t.Fatalf("expected message in session log, got %q", content)
	}
}
