//go:build unix

package log

import (
	"bytes"
	"log/slog"

	"golang.org/x/sys/unix"
)

func platformInfo() []any {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return []any{slog.Any("uname_error", err)}
	}
	return []any{
		slog.String("kernel", cstring(uname.Sysname[:])+" "+cstring(uname.Release[:])),
		slog.String("machine", cstring(uname.Machine[:])),
	}
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
