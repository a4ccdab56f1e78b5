// ABOUTME: Logging helpers shared by the primary and worker.
// ABOUTME: Adds a fatal severity above error for worker faults.

package cluster

import "log/slog"

// LevelFatal marks worker faults that cost the pool a process. It is a
// severity only; nothing exits when it is logged.
const LevelFatal = slog.Level(12)

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
