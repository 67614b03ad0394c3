package facecam

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns the JSON logger used by the binaries. FACECAM_DEBUG=1
// enables debug output.
func NewLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("FACECAM_DEBUG") == "1" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
