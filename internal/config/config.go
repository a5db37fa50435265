package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "tileflow.db"
	defaultModelsDir   = "models"
	defaultMaxAutoTile = 512
	defaultRunTimeoutS = 600

	envListenAddr   = "TILEFLOW_LISTEN_ADDR"
	envDBPath       = "TILEFLOW_DB_PATH"
	envLogLevel     = "TILEFLOW_LOG_LEVEL"
	envModelsDir    = "TILEFLOW_MODELS_DIR"
	envMaxAutoTile  = "TILEFLOW_MAX_AUTO_TILE"
	envRunTimeoutS  = "TILEFLOW_RUN_TIMEOUT_S"
	envTFWorker     = "TILEFLOW_TF_WORKER"
	envTorchWorker  = "TILEFLOW_TORCH_WORKER"
	envTFCommand    = "TILEFLOW_TF_COMMAND"
	envTorchCommand = "TILEFLOW_TORCH_COMMAND"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr  string
	DBPath      string
	LogLevel    slog.Level
	ModelsDir   string
	MaxAutoTile int
	RunTimeoutS int

	// TFWorker and TorchWorker are remote worker addresses
	// (tcp://host:port, unix:///path or vsock://cid:port).
	TFWorker    string
	TorchWorker string

	// TFCommand and TorchCommand start a local worker process per model
	// when no remote worker is configured for the framework.
	TFCommand    []string
	TorchCommand []string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first if present; variables
// already set in the environment take precedence over it.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:  defaultListenAddr,
		DBPath:      defaultDBPath,
		LogLevel:    slog.LevelInfo,
		ModelsDir:   defaultModelsDir,
		MaxAutoTile: defaultMaxAutoTile,
		RunTimeoutS: defaultRunTimeoutS,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envModelsDir); v != "" {
		cfg.ModelsDir = v
	}
	if n, ok := positiveInt(os.Getenv(envMaxAutoTile)); ok {
		cfg.MaxAutoTile = n
	}
	if n, ok := positiveInt(os.Getenv(envRunTimeoutS)); ok {
		cfg.RunTimeoutS = n
	}
	cfg.TFWorker = os.Getenv(envTFWorker)
	cfg.TorchWorker = os.Getenv(envTorchWorker)
	cfg.TFCommand = commandLine(os.Getenv(envTFCommand))
	cfg.TorchCommand = commandLine(os.Getenv(envTorchCommand))

	return cfg
}

// commandLine splits a command variable into arguments. A blank value
// yields nil, meaning no command is configured.
func commandLine(s string) []string {
	args := strings.Fields(s)
	if len(args) == 0 {
		return nil
	}
	return args
}

func positiveInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// parseLogLevel also accepts "mute" and "normal", the level names used by
// the desktop plugin settings.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info", "normal":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error", "mute":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
