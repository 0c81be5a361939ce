// Package authclient talks to the OAuth2 identity provider on behalf of a
// confidential Action Provider client.
//
// It performs three calls, all authenticated with the provider's client
// credentials:
//
//   - token introspection, including the caller's linked identity set
//   - dependent token exchange, which derives tokens for downstream resource
//     servers from a caller's bearer token
//   - the refresh_token grant, used to renew dependent tokens
//
// Transient failures (transport errors and 5xx responses) are retried once by
// the default HTTP client and then reported as errors wrapping ErrUnavailable.
package authclient
