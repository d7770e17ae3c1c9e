package signing

import (
	"crypto/rsa"
	"crypto/x509"

	"go.mozilla.org/pkcs7"
	"golang.org/x/crypto/pkcs12"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
)

// PKCS7Signer produces detached CMS SignedData with SHA-256 over the manifest.
type PKCS7Signer struct {
	cert  *x509.Certificate
	key   *rsa.PrivateKey
	chain []*x509.Certificate
}

// NewPKCS7Signer loads the signer from a PKCS#12 bundle when one is given,
// otherwise from the PEM certificate and key. The intermediate is always PEM.
func NewPKCS7Signer(km KeyMaterial) (*PKCS7Signer, error) {
	const op = "load archive signer"
	s := &PKCS7Signer{}

	if len(km.PKCS12) > 0 {
		k, cert, err := pkcs12.Decode(km.PKCS12, km.PKCS12Password)
		if err != nil {
			return nil, apperr.Signing(op, "PKCS#12 bundle does not decode", err)
		}
		key, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, apperr.Signing(op, "PKCS#12 key is not RSA", nil)
		}
		if key.N.BitLen() < MinRSABits {
			return nil, apperr.Signing(op, "private key is shorter than 2048 bits", nil)
		}
		s.cert, s.key = cert, key
	} else {
		if km.CertificatePEM == "" || km.PrivateKeyPEM == "" {
			return nil, apperr.Configuration(op, "certificate and private key are required")
		}
		cert, err := ParseCertificatePEM(km.CertificatePEM)
		if err != nil {
			return nil, err
		}
		key, err := ParsePrivateKeyPEM(km.PrivateKeyPEM)
		if err != nil {
			return nil, err
		}
		s.cert, s.key = cert, key
	}

	if pub, ok := s.cert.PublicKey.(*rsa.PublicKey); !ok || pub.N.Cmp(s.key.N) != 0 {
		return nil, apperr.Signing(op, "certificate does not match private key", nil)
	}

	if km.IntermediatePEM != "" {
		wwdr, err := ParseCertificatePEM(km.IntermediatePEM)
		if err != nil {
			return nil, err
		}
		s.chain = append(s.chain, wwdr)
	}
	return s, nil
}

// Certificate is the signer's leaf certificate.
func (s *PKCS7Signer) Certificate() *x509.Certificate { return s.cert }

// PrivateKey is exposed for the TLS client used by push notifications.
func (s *PKCS7Signer) PrivateKey() *rsa.PrivateKey { return s.key }

func (s *PKCS7Signer) SignManifest(manifest []byte) ([]byte, error) {
	const op = "sign manifest"
	sd, err := pkcs7.NewSignedData(manifest)
	if err != nil {
		return nil, apperr.Signing(op, "cannot start signed data", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSignerChain(s.cert, s.key, s.chain, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, apperr.Signing(op, "cannot add signer", err)
	}
	sd.Detach()
	sig, err := sd.Finish()
	if err != nil {
		return nil, apperr.Signing(op, "cannot encode signature", err)
	}
	return sig, nil
}

// VerifyManifestSignature checks a detached signature against manifest.
// With a nil roots pool only the signature itself is verified, not the chain.
func VerifyManifestSignature(manifest, sig []byte, roots *x509.CertPool) error {
	const op = "verify manifest"
	p7, err := pkcs7.Parse(sig)
	if err != nil {
		return apperr.Signing(op, "signature does not parse", err)
	}
	p7.Content = manifest
	if roots == nil {
		err = p7.Verify()
	} else {
		err = p7.VerifyWithChain(roots)
	}
	if err != nil {
		return apperr.Signing(op, "signature does not verify", err)
	}
	return nil
}
