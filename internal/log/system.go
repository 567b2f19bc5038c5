package log

import (
	"log/slog"
	"os"
	"runtime"
)

// GetOSInfo describes the process and host for the startup log header.
func GetOSInfo() []any {
	attrs := []any{
		slog.String("goos", runtime.GOOS),
		slog.String("goarch", runtime.GOARCH),
		slog.String("go", runtime.Version()),
		slog.Int("cpus", runtime.NumCPU()),
		slog.Int("pid", os.Getpid()),
	}
	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, slog.String("hostname", hostname))
	}
	return append(attrs, platformInfo()...)
}
