// Package logger provides structured logging attribute helpers built on Go's
// standard slog package. Helpers return an empty slog.Attr for nil or empty
// input, so call sites never need explicit nil checks:
//
//	log.Error("certificate renewal failed",
//		logger.Error(err),
//		logger.Domain(domain),
//		logger.Component("certificate"),
//	)
package logger
