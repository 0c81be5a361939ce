// Package authstate verifies bearer credentials presented to an Action
// Provider and answers authorization questions about them.
//
// A Factory is built once at startup and holds the process-wide
// CredentialCache plus the identity provider and Groups clients. Each inbound
// request gets its own AuthState from Factory.Build; the AuthState lazily
// introspects the credential, resolves linked identities and group
// memberships, and evaluates allow-lists with CheckAuthorization.
//
// Accessor contracts:
//
//   - Introspect, EffectiveIdentity, Identities and Principals return an error
//     whenever the credential is missing, inactive, lacks a required scope or
//     could not be verified.
//   - Groups never returns an error. Failures to resolve group membership
//     yield an empty set and are recorded in AuthState.Errors.
//
// Credentials are only ever used as cache keys after SHA-256 hashing and only
// their last few characters are logged.
package authstate
