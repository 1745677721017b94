// Package transcript reconciles paginated history, live gateway events and
// locally originated sends into one ordered, deduplicated transcript.
//
// Every local send gets a client id when it is submitted. The id is reused
// on retry and sent as the idempotency key, so the gateway and the merge
// both see one message no matter how many attempts it took. A pending entry
// disappears as soon as a confirmed message with its client id is known,
// whether that arrives as the HTTP response or as a live echo.
package transcript
