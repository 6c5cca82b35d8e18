// Package session tracks refresh tokens server-side.
//
// Each Record is one login session. Rotation overwrites the record's token hash
// and expiry in place, so the record id is the session identity. Only a one-way
// hash of the token is stored. Revocation flags a record; only the expiry sweep
// deletes rows.
package session
