// Package signing produces the cryptographic artifacts wallet platforms accept:
// a detached PKCS#7 signature over an archive manifest and RS256 JWTs.
//
// Keys are loaded once at startup and shared read-only by every worker.
package signing

import "github.com/golang-jwt/jwt/v5"

// ArchiveSigner signs a manifest and returns a detached signature.
type ArchiveSigner interface {
	SignManifest(manifest []byte) ([]byte, error)
}

// TokenSigner signs a claims set into a compact JWT.
type TokenSigner interface {
	SignJWT(claims jwt.MapClaims) (string, error)
}
