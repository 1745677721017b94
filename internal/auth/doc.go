// Package auth handles the JWT chat credentials issued by the gateway.
//
// The gateway (and internal/gatewaytest) signs credentials with a Signer:
//
//	signer := auth.NewSigner(secret)
//	token, exp, err := signer.Issue("user-1", "support", "t1", tools, time.Minute)
//
// Clients treat tokens as opaque. The one exception is ExpiryFromToken, used
// when the token endpoint leaves out expires_at.
package auth
