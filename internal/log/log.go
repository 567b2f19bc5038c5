package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sunbk201/reqhdr/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetLogConf installs the default slog logger writing to stdout, the rotating
// log file and any extra writers (e.g. a Broadcaster feeding the API).
func SetLogConf(level string, extra ...io.Writer) {
	writers := []io.Writer{
		os.Stdout,
		&lumberjack.Logger{
			Filename:   GetLogFilePath(),
			MaxSize:    5, // megabytes
			MaxBackups: 5,
			MaxAge:     7, // days
			LocalTime:  true,
			Compress:   true,
		},
	}
	writers = append(writers, extra...)
	multiWriter := io.MultiWriter(writers...)

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	loc := LoadLocalLocation()
	opts := &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().In(loc)
				return slog.String(slog.TimeKey, t.Format("2006-01-02 15:04:05"))
			}
			return a
		},
	}
	logger := slog.New(slog.NewTextHandler(multiWriter, opts))
	slog.SetDefault(logger)
}

func LogHeader(version string, cfg *config.Config) {
	slog.Info("reqhdr started", "version", version, "", cfg)
	slog.Info("system", GetOSInfo()...)
}

func LogDebugWithURL(url string, msg string, attrs ...any) {
	slog.Debug(msg, append([]any{slog.String("url", url)}, attrs...)...)
}

func LogInfoWithURL(url string, msg string, attrs ...any) {
	slog.Info(msg, append([]any{slog.String("url", url)}, attrs...)...)
}

func LogWarnWithURL(url string, msg string, attrs ...any) {
	slog.Warn(msg, append([]any{slog.String("url", url)}, attrs...)...)
}

// LoadLocalLocation tries to detect and load the system local timezone from
// `/etc/localtime` or `/etc/TZ`. Compatible with OpenWrt and normal Linux.
func LoadLocalLocation() *time.Location {
	if _, err := os.Stat("/etc/localtime"); err == nil {
		if loc, _ := time.LoadLocation("Local"); loc != nil {
			return loc
		}
	}
	if data, err := os.ReadFile("/etc/TZ"); err == nil {
		tz := trim(string(data))
		if len(tz) > 0 {
			if strings.HasPrefix(tz, "CST-8") {
				return time.FixedZone("CST", 8*3600)
			}
			if strings.HasPrefix(tz, "UTC") {
				return time.UTC
			}
		}
	}
	return time.UTC
}

func trim(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	for len(s) > 0 && (s[0] == '\n' || s[0] == '\r' || s[0] == ' ') {
		s = s[1:]
	}
	return s
}
