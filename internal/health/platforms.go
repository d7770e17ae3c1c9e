package health

import (
	"context"
	"net/url"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/signing"
)

var probeManifest = []byte(`{"pass.json":"0000000000000000000000000000000000000000"}`)

// fail renders err without leaking key material.
func fail(err error) Check {
	return critical(apperr.Public(err).Message)
}

func (m *Monitor) appleKeyMaterial(context.Context) Check {
	km := m.cfg.Apple.Keys
	if len(km.PKCS12) == 0 {
		if err := signing.ValidateCertificatePEM(km.CertificatePEM); err != nil {
			return fail(err)
		}
		if err := signing.ValidatePrivateKeyPEM(km.PrivateKeyPEM); err != nil {
			return fail(err)
		}
	}
	if km.IntermediatePEM == "" {
		return warn("WWDR intermediate certificate missing; devices will reject the signature")
	}
	if err := signing.ValidateCertificatePEM(km.IntermediatePEM); err != nil {
		return fail(err)
	}
	return healthy("key material well formed")
}

func (m *Monitor) appleRoundTrip(context.Context) Check {
	s, err := signing.NewPKCS7Signer(m.cfg.Apple.Keys)
	if err != nil {
		return fail(err)
	}
	sig, err := s.SignManifest(probeManifest)
	if err != nil {
		return fail(err)
	}
	if err := signing.VerifyManifestSignature(probeManifest, sig, nil); err != nil {
		return fail(err)
	}
	return healthy("probe manifest signed and verified")
}

func (m *Monitor) appleRequiredFields(context.Context) Check {
	p := m.cfg.Apple.Pass
	if err := p.Validate(); err != nil {
		return fail(err)
	}
	if p.WebServiceURL == "" || p.AuthSecret == "" {
		return warn("web service url or auth secret missing; passes will not update on devices")
	}
	if u, err := url.Parse(p.WebServiceURL); m.cfg.Production && (err != nil || u.Scheme != "https") {
		return critical("production requires an https web service url")
	}
	return healthy("required fields present")
}

// appleConfigured is the cheap health variant: shape only, no signing.
func (m *Monitor) appleConfigured(ctx context.Context) Check {
	if !m.cfg.Apple.Enabled {
		return Check{Status: StatusDisabled, Message: "platform disabled"}
	}
	if err := m.cfg.Apple.Pass.Validate(); err != nil {
		return fail(err)
	}
	return m.appleKeyMaterial(ctx)
}

func (m *Monitor) googleKeyMaterial(context.Context) Check {
	if err := signing.ValidatePrivateKeyPEM(m.cfg.Google.Pass.PrivateKeyPEM); err != nil {
		return fail(err)
	}
	return healthy("key material well formed")
}

func (m *Monitor) googleRoundTrip(context.Context) Check {
	s, err := signing.NewRS256Signer(m.cfg.Google.Pass.PrivateKeyPEM)
	if err != nil {
		return fail(err)
	}
	tok, err := s.SignJWT(jwt.MapClaims{
		"iss": m.cfg.Google.Pass.ServiceAccountEmail,
		"aud": "google",
		"typ": "savetowallet",
	})
	if err != nil {
		return fail(err)
	}
	if _, err := s.Verify(tok); err != nil {
		return fail(err)
	}
	c := healthy("probe token signed and verified")
	c.Details = map[string]any{"kid": s.KeyID()}
	return c
}

func (m *Monitor) googleRequiredFields(context.Context) Check {
	if err := m.cfg.Google.Pass.Validate(); err != nil {
		return fail(err)
	}
	return healthy("required fields present")
}

func (m *Monitor) googleConfigured(ctx context.Context) Check {
	if !m.cfg.Google.Enabled {
		return Check{Status: StatusDisabled, Message: "platform disabled"}
	}
	if err := m.cfg.Google.Pass.Validate(); err != nil {
		return fail(err)
	}
	return m.googleKeyMaterial(ctx)
}
