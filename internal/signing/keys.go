package signing

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
)

// MinRSABits is the smallest modulus accepted for any signing key.
const MinRSABits = 2048

// KeyMaterial is the raw secret input for one platform. Fields hold PEM text as
// it arrives from the environment (possibly quoted, with escaped newlines).
type KeyMaterial struct {
	CertificatePEM  string
	PrivateKeyPEM   string
	IntermediatePEM string
	PKCS12          []byte
	PKCS12Password  string
}

// NormalizePEM undoes the usual damage done to PEM blocks stored in env vars.
func NormalizePEM(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = s[1 : len(s)-1]
		}
	}
	s = strings.ReplaceAll(s, `\r\n`, "\n")
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}

func decodeBlock(op, raw, what string) (*pem.Block, error) {
	s := NormalizePEM(raw)
	if s == "" {
		return nil, apperr.Signing(op, what+" is empty", nil)
	}
	if !strings.Contains(s, "-----BEGIN") || !strings.Contains(s, "-----END") {
		return nil, apperr.Signing(op, what+" is missing BEGIN/END markers", nil)
	}
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, apperr.Signing(op, what+" is not valid PEM", nil)
	}
	return block, nil
}

// ParsePrivateKeyPEM accepts PKCS#1 and PKCS#8 RSA keys.
func ParsePrivateKeyPEM(raw string) (*rsa.PrivateKey, error) {
	const op = "parse private key"
	block, err := decodeBlock(op, raw, "private key")
	if err != nil {
		return nil, err
	}
	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		var k any
		k, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			if key, ok = k.(*rsa.PrivateKey); !ok {
				return nil, apperr.Signing(op, "private key is not RSA", nil)
			}
		}
	}
	if err != nil {
		return nil, apperr.Signing(op, "private key does not parse", err)
	}
	if key.N.BitLen() < MinRSABits {
		return nil, apperr.Signing(op, "private key is shorter than 2048 bits", nil)
	}
	return key, nil
}

// ParseCertificatePEM returns the first certificate in raw.
func ParseCertificatePEM(raw string) (*x509.Certificate, error) {
	const op = "parse certificate"
	block, err := decodeBlock(op, raw, "certificate")
	if err != nil {
		return nil, err
	}
	if block.Type != "CERTIFICATE" {
		return nil, apperr.Signing(op, "PEM block is "+block.Type+", want CERTIFICATE", nil)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apperr.Signing(op, "certificate does not parse", err)
	}
	if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok && pub.N.BitLen() < MinRSABits {
		return nil, apperr.Signing(op, "certificate key is shorter than 2048 bits", nil)
	}
	return cert, nil
}

func ValidatePrivateKeyPEM(raw string) error {
	_, err := ParsePrivateKeyPEM(raw)
	return err
}

func ValidateCertificatePEM(raw string) error {
	_, err := ParseCertificatePEM(raw)
	return err
}

// KeyID derives a short stable kid from the public key.
func KeyID(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(h[:8])
}
