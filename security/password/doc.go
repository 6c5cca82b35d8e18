// Package password hashes and verifies credentials of registered principals.
//
// New hashes are Argon2id in the PHC-style format
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt>$<key>.
// Verify also accepts bcrypt hashes computed over the SHA-256 digest of the
// password, the format used by imported legacy accounts.
//
// Hash strings are untrusted input during Verify: parameters outside sane
// bounds are rejected before any key derivation runs.
package password
