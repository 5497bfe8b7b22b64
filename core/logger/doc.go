// Package logger provides structured logging utilities built on log/slog:
// a logger factory with environment presets and context extraction, and
// nil-safe attribute helpers shared by the session packages.
//
// # Basic Usage
//
//	log := logger.New(
//		logger.WithProduction("sessiond"),
//		logger.WithContextValue("request_id", requestIDKey),
//	)
//
//	log.InfoContext(ctx, "session evicted",
//		logger.Component("session-cache"),
//		logger.SessionID(id),
//		logger.Reason("inactive"),
//	)
//
// Helpers return an empty slog.Attr for nil or empty values, which slog
// discards, so they can be passed unconditionally:
//
//	log.Warn("save failed", logger.Error(err))
//
// Components that accept a *slog.Logger default to Discard when none is given.
package logger
