// Package chatkit defines the chat gateway wire types and an HTTP client for
// the collaborator endpoints the realtime session layer depends on.
//
// # Endpoints
//
//   - GET  /chatkit/token?placement=<p>[&thread_id=<t>]  issue a chat credential
//   - GET  /threads?placement=<p>&limit=<n>              list threads
//   - POST /threads                                      create a thread
//   - GET  /threads/{id}/events?limit=<n>                message history
//   - POST /threads/{id}/messages                        send a message
//
// Non-2xx responses are returned as *APIError carrying the response body, so
// the gateway's own error text reaches the user.
//
// # Frames
//
// The persistent connection carries JSON frames tagged by "type":
//
//	{"type":"chat.message","message":{...}}
//	{"type":"thread.updated","thread":{...}}
//	{"type":"chat.send","message":{...}}
package chatkit
