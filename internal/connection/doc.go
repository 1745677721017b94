// Package connection keeps one persistent websocket to the chat gateway alive
// across unreliable networks.
//
// # Lifecycle
//
// Status moves through a guarded table:
//
//	idle ──> connecting ──> open
//	           ^  │          │ abnormal drop
//	           │  └──────────┘ (auto-reconnect)
//	closed / error ──> connecting   (manual Connect or Reconnect)
//
// Any status may move to closed or error. Moves outside the table are
// rejected and logged.
//
// Each dial captures the credential held by the CredentialSource at that
// moment. A missing or expired credential fails the attempt with a
// credential error. A 401/403 during the handshake is an auth error and is
// never retried automatically, since only a new credential can help.
//
// # Reconnect
//
// Abnormal drops and failed dials are retried with capped exponential
// backoff (1s, 2s, 4s ... 30s, ±20% jitter) for at most
// MaxReconnectAttempts tries. After that the manager rests in error until
// Connect or Reconnect is called.
//
// # Queue
//
// While the socket is not open, Send appends to a bounded FIFO and returns
// Queued. At capacity Send returns ErrQueueFull and nothing is enqueued. On
// open, the queue is flushed in order before any new message goes out.
//
// # Events
//
// Subscribe delivers health changes, inbound chat messages, thread updates,
// recorded errors and queue depth changes. Publishing never blocks; a slow
// subscriber loses events and the loss is counted in Metrics.
package connection
