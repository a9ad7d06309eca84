// Package progress carries job progress events from discovery and
// extraction to pluggable sinks. The Hub batches events on a background
// goroutine and never blocks emitters.
package progress
