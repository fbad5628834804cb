// Package auth identifies the client behind a request.
//
// Every job endpoint is scoped to a client ID taken from a bearer credential.
// With a JWT secret configured the credential must be an HMAC-signed token and
// the client is its subject. Without one the credential is an opaque token that
// is itself the client ID, which is enough to keep one client's jobs away from
// another's on a trusted network.
package auth

import "github.com/teranos/bookenrich/errors"

// Claims identifies an authenticated client
type Claims struct {
	ClientID string `json:"sub"`
	Issuer   string `json:"iss,omitempty"`
}

var (
	// ErrMissingToken is returned when a request carries no credential
	ErrMissingToken = errors.Wrap(errors.ErrUnauthorized, "missing bearer token")

	// ErrInvalidToken is returned when a credential fails validation
	ErrInvalidToken = errors.Wrap(errors.ErrUnauthorized, "invalid bearer token")
)
