// Package logging provides the structured logger shared by every component.
//
// Logger embeds *slog.Logger, so any slog.Handler can be plugged in. The
// LogX helpers keep field names consistent across packages: failures log at
// error level with an "error" attribute, hot-path successes at debug level,
// structural successes at info level.
package logging
