// Package credential issues and verifies signed session tokens.
//
// Tokens are HS256 JWTs asserting a subject identity, issuance time, and an
// optional expiry. The service is stateless: there is no revocation list, and
// the signing secret is process-wide configuration loaded once at startup.
package credential
