package profiling

import (
	"log/slog"
	"os"
	"strings"

	"github.com/grafana/pyroscope-go"

	botel "busjourneys/pkg/otel"
)

// Config is read from the PYROSCOPE_* variables.
type Config struct {
	Enabled           bool
	ServerAddress     string
	ApplicationName   string
	BasicAuthUser     string
	BasicAuthPassword string
}

func ConfigFromEnv() Config {
	return Config{
		Enabled:           isTrue(os.Getenv("PYROSCOPE_PROFILING_ENABLED")),
		ServerAddress:     getEnv("PYROSCOPE_SERVER_ADDRESS", "http://localhost:4040"),
		ApplicationName:   getEnv("PYROSCOPE_APPLICATION_NAME", botel.ServiceName),
		BasicAuthUser:     os.Getenv("PYROSCOPE_BASIC_AUTH_USER"),
		BasicAuthPassword: os.Getenv("PYROSCOPE_BASIC_AUTH_PASSWORD"),
	}
}

// pyroscopeConfig tags profiles with the subcommand so collector and batch
// runs can be told apart.
func (c Config) pyroscopeConfig(command string) pyroscope.Config {
	cfg := pyroscope.Config{
		ApplicationName: c.ApplicationName,
		ServerAddress:   c.ServerAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": botel.ServiceName,
			"version": botel.Version,
			"command": command,
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	}
	if c.BasicAuthUser != "" && c.BasicAuthPassword != "" {
		cfg.BasicAuthUser = c.BasicAuthUser
		cfg.BasicAuthPassword = c.BasicAuthPassword
	}
	return cfg
}

// InitProfiling starts continuous profiling when enabled. A profiler that
// fails to start is logged and skipped.
func InitProfiling(command string) (func(), error) {
	cfg := ConfigFromEnv()
	if !cfg.Enabled {
		slog.Debug("Pyroscope profiling is disabled")
		return func() {}, nil
	}

	profiler, err := pyroscope.Start(cfg.pyroscopeConfig(command))
	if err != nil {
		slog.Warn("Failed to start Pyroscope profiler", "error", err)
		return func() {}, nil
	}

	slog.Debug("Pyroscope profiling started", "server", cfg.ServerAddress, "application", cfg.ApplicationName)

	return func() {
		if err := profiler.Stop(); err != nil {
			slog.Error("Error stopping Pyroscope profiler", "error", err)
		}
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
