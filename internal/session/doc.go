// Package session owns the short-lived chat credential for one placement and
// thread.
//
// # Renewal
//
// Once a credential is held, a single timer fires at
//
//	max(MinRefreshDelay, expiresAt - now - RefreshLead)
//
// (defaults 5s and 45s) and issues a refresh. A refresh keeps the current
// credential visible with Refreshing=true and swaps it only on success, so
// readers never observe an empty token during renewal.
//
// # Failures
//
// A failed initial request clears the credential and sets Err. A failed
// refresh keeps the stale credential, sets Err alongside it, and retries
// after MinRefreshDelay.
//
// # Ownership
//
// The renewal timer belongs to the Manager and is stopped by Close. Results
// of fetches that were superseded (thread switch) or that finish after Close
// are discarded.
package session
