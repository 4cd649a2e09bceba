// Package logx wraps the standard logger with the bracketed level tags
// used throughout this client: [INFO], [FAIL], [ERROR].
package logx

import "log"

// Info logs a routine state transition or progress note.
func Info(format string, args ...interface{}) {
	log.Printf("[INFO]\t"+format, args...)
}

// Fail logs a recoverable failure: a retry, a retired session, a dropped peer.
func Fail(format string, args ...interface{}) {
	log.Printf("[FAIL]\t"+format, args...)
}

// Error logs a failure serious enough to abort the operation it occurred in.
func Error(format string, args ...interface{}) {
	log.Printf("[ERROR]\t"+format, args...)
}
