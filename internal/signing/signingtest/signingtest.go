// Package signingtest provides signer doubles and throwaway key material for tests.
package signingtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FakeArchiveSigner returns a deterministic pseudo-signature.
type FakeArchiveSigner struct {
	Err   error
	calls atomic.Int64
}

func (f *FakeArchiveSigner) SignManifest(manifest []byte) ([]byte, error) {
	f.calls.Add(1)
	if f.Err != nil {
		return nil, f.Err
	}
	sum := sha256.Sum256(manifest)
	return []byte("fake-signature:" + hex.EncodeToString(sum[:])), nil
}

func (f *FakeArchiveSigner) Calls() int { return int(f.calls.Load()) }

// FakeTokenSigner signs with HS256 under a fixed secret, so output is stable.
type FakeTokenSigner struct {
	Err   error
	calls atomic.Int64
}

var fakeSecret = []byte("signingtest")

func (f *FakeTokenSigner) SignJWT(claims jwt.MapClaims) (string, error) {
	f.calls.Add(1)
	if f.Err != nil {
		return "", f.Err
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(fakeSecret)
}

func (f *FakeTokenSigner) Calls() int { return int(f.calls.Load()) }

// ParseFake decodes a token produced by FakeTokenSigner.
func ParseFake(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return fakeSecret, nil })
	return claims, err
}

// Material is a CA plus a leaf signed by it, all PEM encoded.
type Material struct {
	CAPEM   string
	CertPEM string
	KeyPEM  string
	// PKCS8KeyPEM is the same leaf key in "PRIVATE KEY" form.
	PKCS8KeyPEM string
	CA          *x509.Certificate
	Key         *rsa.PrivateKey
}

var (
	once     sync.Once
	material Material
	genErr   error
)

// Keys returns process-wide generated material. Generating 2048-bit keys is slow.
func Keys() (Material, error) {
	once.Do(func() { material, genErr = generate() })
	return material, genErr
}

func generate() (Material, error) {
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return Material{}, err
	}
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return Material{}, err
	}
	now := time.Now()
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Wallet CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return Material{}, err
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		return Material{}, err
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "pass.com.example.test"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, ca, &leafKey.PublicKey, caKey)
	if err != nil {
		return Material{}, err
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(leafKey)
	if err != nil {
		return Material{}, err
	}
	return Material{
		CAPEM:       string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})),
		CertPEM:     string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})),
		KeyPEM:      string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)})),
		PKCS8KeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})),
		CA:          ca,
		Key:         leafKey,
	}, nil
}
