// Package identity owns the Wave user records consumed by the auth layer.
//
// It provides the persistence boundary (Postgres + in-memory stores), ULID id
// generation, email canonicalization, and Argon2id password hashing. The
// realtime core only consumes identities; accounts are created and mutated
// through the HTTP auth surface.
package identity
