// Package dedupe provides a time-windowed cache that reports whether a key
// was already seen, used to collapse retried device posts into one event.
package dedupe
