// Package monitoring holds the diagnostic logger and Prometheus collectors
// shared by the tracking pipeline.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. Components prefix their
// messages with a bracketed tag such as "[Fusion]". Defaults to log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Warnf logs a recoverable anomaly through Logf with a WARN prefix.
var Warnf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	Logf("WARN "+format, v...)
}
