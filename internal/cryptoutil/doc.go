// Package cryptoutil covers the integrity checks around bundle uploads:
// SHA-256 digests, constant-time digest comparison, and KMS-backed
// verification of detached upload signatures (ECDSA P-256/P-384,
// RSA-PSS).
package cryptoutil
