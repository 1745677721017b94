// Package dedupe suppresses frames the gateway replays after a reconnect by
// remembering recently seen frame keys in a bounded, time-limited window.
package dedupe
