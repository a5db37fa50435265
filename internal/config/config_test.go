package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envListenAddr, envDBPath, envLogLevel, envModelsDir, envMaxAutoTile,
		envRunTimeoutS, envTFWorker, envTorchWorker, envTFCommand, envTorchCommand,
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.ModelsDir != defaultModelsDir {
		t.Errorf("ModelsDir = %q, want %q", cfg.ModelsDir, defaultModelsDir)
	}
	if cfg.MaxAutoTile != defaultMaxAutoTile || cfg.RunTimeoutS != defaultRunTimeoutS {
		t.Errorf("MaxAutoTile, RunTimeoutS = %d, %d", cfg.MaxAutoTile, cfg.RunTimeoutS)
	}
	if cfg.TFWorker != "" || cfg.TFCommand != nil {
		t.Errorf("unexpected TF backend config: %q %v", cfg.TFWorker, cfg.TFCommand)
	}
	if cfg.TorchWorker != "" || cfg.TorchCommand != nil {
		t.Errorf("unexpected PyTorch backend config: %q %v", cfg.TorchWorker, cfg.TorchCommand)
	}
}

func TestLoadBlankCommandIsUnset(t *testing.T) {
	clearEnv(t)
	t.Setenv(envTorchCommand, "   ")

	if cfg := Load(); cfg.TorchCommand != nil {
		t.Errorf("TorchCommand = %q, want nil", cfg.TorchCommand)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envMaxAutoTile, "256")
	t.Setenv(envRunTimeoutS, "30")
	t.Setenv(envTorchWorker, "vsock://3:5000")
	t.Setenv(envTFCommand, "python -m tileflow_tf")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.MaxAutoTile != 256 || cfg.RunTimeoutS != 30 {
		t.Errorf("MaxAutoTile, RunTimeoutS = %d, %d, want 256, 30", cfg.MaxAutoTile, cfg.RunTimeoutS)
	}
	if cfg.TorchWorker != "vsock://3:5000" {
		t.Errorf("TorchWorker = %q", cfg.TorchWorker)
	}
	if !slices.Equal(cfg.TFCommand, []string{"python", "-m", "tileflow_tf"}) {
		t.Errorf("TFCommand = %v", cfg.TFCommand)
	}
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv(envMaxAutoTile, "-4")
	t.Setenv(envRunTimeoutS, "soon")

	cfg := Load()

	if cfg.MaxAutoTile != defaultMaxAutoTile {
		t.Errorf("MaxAutoTile = %d, want %d", cfg.MaxAutoTile, defaultMaxAutoTile)
	}
	if cfg.RunTimeoutS != defaultRunTimeoutS {
		t.Errorf("RunTimeoutS = %d, want %d", cfg.RunTimeoutS, defaultRunTimeoutS)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	clearEnv(t)
	os.Unsetenv(envModelsDir)

	dir := t.TempDir()
	env := envModelsDir + "=/srv/models\n" + envListenAddr + "=:7000\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv(envListenAddr, ":9000")

	cfg := Load()

	if cfg.ModelsDir != "/srv/models" {
		t.Errorf("ModelsDir = %q, want value from .env", cfg.ModelsDir)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, environment should win over .env", cfg.ListenAddr)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"mute", slog.LevelError},
		{"normal", slog.LevelInfo},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
