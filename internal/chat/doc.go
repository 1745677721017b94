// Package chat wires the credential session, the gateway connection and the
// transcript engine into one Session a user interface can drive.
//
// # Flow
//
//	Open ──> pick or create thread ──> cached transcript (optional)
//	     ──> session.Start(initial) ──> connection.Connect ──> history
//
// Connection events are consumed on a single goroutine: inbound messages go
// to the transcript engine and the cache, thread updates refresh the thread
// list, and an auth rejection triggers one credential refresh followed by a
// reconnect.
//
// # Sending
//
// Session is the transcript's Deliverer. While the socket is open a message
// is posted over HTTP with its client id as the idempotency key and the
// confirmed copy is returned directly. Otherwise it is handed to the
// connection queue and confirmed later by the gateway's echo.
//
// # Indicator
//
// Indicator summarises connection health, queue depth and credential expiry
// for display. OnIndicator is invoked whenever any of them change.
package chat
