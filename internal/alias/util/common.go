package util

import (
	"log/slog"
	"os"
)

// CloseFileFunc closes f and logs (rather than returns) any error, for the
// many defer sites where a close failure is not actionable.
func CloseFileFunc(f *os.File) {
	if err := f.Close(); err != nil {
		slog.Warn("close file failed", "path", f.Name(), "err", err)
	}
}
