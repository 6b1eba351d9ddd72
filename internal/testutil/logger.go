package testutil

import "log/slog"

// DiscardLogger returns a slog.Logger that discards all output. Since
// log.Logger aliases *slog.Logger, prefer log.NewNop() in packages that
// already import internal/log; this exists for tests that take a bare
// *slog.Logger.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
