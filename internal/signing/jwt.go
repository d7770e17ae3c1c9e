package signing

import (
	"crypto/rsa"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
)

// RS256Signer issues compact JWTs signed with an RSA key.
type RS256Signer struct {
	key *rsa.PrivateKey
	kid string
}

func NewRS256Signer(keyPEM string) (*RS256Signer, error) {
	if keyPEM == "" {
		return nil, apperr.Configuration("load token signer", "private key is required")
	}
	k, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	return &RS256Signer{key: k, kid: KeyID(&k.PublicKey)}, nil
}

func (s *RS256Signer) KeyID() string { return s.kid }

func (s *RS256Signer) PublicKey() *rsa.PublicKey { return &s.key.PublicKey }

func (s *RS256Signer) SignJWT(claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", apperr.Signing("sign jwt", "cannot sign token", err)
	}
	return signed, nil
}

// Verify parses token and checks it was signed by this key.
func (s *RS256Signer) Verify(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return &s.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, apperr.Signing("verify jwt", "token does not verify", err)
	}
	return claims, nil
}
