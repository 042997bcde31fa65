// Package ir provides the value model, canonical encoding and record types
// shared by every formdbg package.
//
// This package imports nothing internal. All other internal packages import
// ir, which keeps it the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - No float types anywhere. Row hashes must agree bit-for-bit.
//   - Ordering is by journal sequence number, never by wall-clock time.
//   - Everything that is hashed goes through MarshalCanonical (RFC 8785).
//   - Hashes are SHA-256 with a versioned domain prefix (see hash.go).
package ir
