// Package gatewaytest provides an in-process chat gateway for tests and local
// development. It serves the token, thread, history and message endpoints
// plus the websocket, signs real HS256 chat credentials, and can be told to
// fail token requests, reject or drop sockets, and replay recent messages on
// connect.
package gatewaytest
