//go:build !unix

package log

import (
	"log/slog"
	"os"
)

func platformInfo() []any {
	if v, ok := os.LookupEnv("OS"); ok {
		return []any{slog.String("os", v)}
	}
	return nil
}
