// Package google builds save-to-wallet JWTs for the cloud wallet.
package google

import (
	"context"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/signing"
)

const (
	Platform      = "google"
	SaveURLPrefix = "https://pay.google.com/gp/v/save/"
)

type Config struct {
	IssuerID            string
	ServiceAccountEmail string
	PrivateKeyPEM       string
	// BaseURL is placed in the origins claim.
	BaseURL    string
	Production bool
}

// Validate is the gate run before any pass is constructed.
func (c Config) Validate() error {
	const op = "google config"
	fail := func(msg string) error {
		return apperr.Configuration(op, msg).WithPlatform(Platform)
	}
	switch {
	case strings.TrimSpace(c.ServiceAccountEmail) == "":
		return fail("service account email is required")
	case strings.TrimSpace(c.PrivateKeyPEM) == "":
		return fail("service account private key is required")
	case strings.TrimSpace(c.IssuerID) == "":
		return fail("issuer id is required")
	}
	if c.Production {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return fail("production requires an https base url")
		}
	}
	return nil
}

// Result is everything a caller may need to hand the pass to a user.
type Result struct {
	SaveURL  string
	ClassID  string
	ObjectID string
	JWT      string
	Vertical Vertical
	Class    Class
	Object   Object
}

type Builder struct {
	cfg    Config
	signer signing.TokenSigner
	tracer trace.Tracer
}

func NewBuilder(cfg Config, signer signing.TokenSigner) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, apperr.Configuration("google config", "token signer is not configured").WithPlatform(Platform)
	}
	return &Builder{cfg: cfg, signer: signer, tracer: otel.Tracer("wallet/pass/google")}, nil
}

func (b *Builder) Config() Config { return b.cfg }

// Claims are deterministic for a given card: no iat, no nonce.
func (b *Builder) Claims(c entity.UnifiedCard) (jwt.MapClaims, Vertical, Class, Object) {
	v, cls, obj := Documents(b.cfg.IssuerID, c)
	claims := jwt.MapClaims{
		"iss": b.cfg.ServiceAccountEmail,
		"aud": "google",
		"typ": "savetowallet",
		"payload": map[string]any{
			v.ObjectsKey(): []Object{obj},
			v.ClassesKey(): []Class{cls},
		},
	}
	if b.cfg.BaseURL != "" {
		claims["origins"] = []string{b.cfg.BaseURL}
	}
	return claims, v, cls, obj
}

func (b *Builder) Build(ctx context.Context, c entity.UnifiedCard) (*Result, error) {
	_, span := b.tracer.Start(ctx, "google.build",
		trace.WithAttributes(
			attribute.String("card.id", c.ID),
			attribute.String("card.kind", string(c.Kind)),
		),
	)
	defer span.End()

	if c.SerialNumber == "" {
		return nil, apperr.Validation("google build", "card has no serial number").WithPlatform(Platform)
	}
	claims, v, cls, obj := b.Claims(c)
	token, err := b.signer.SignJWT(claims)
	if err != nil {
		span.RecordError(err)
		if e, ok := apperr.As(err); ok {
			return nil, e.WithPlatform(Platform)
		}
		return nil, apperr.Signing("google build", "save token signing failed", err).WithPlatform(Platform)
	}
	span.SetAttributes(attribute.String("google.object_id", obj.ID))
	return &Result{
		SaveURL:  SaveURLPrefix + token,
		ClassID:  cls.ID,
		ObjectID: obj.ID,
		JWT:      token,
		Vertical: v,
		Class:    cls,
		Object:   obj,
	}, nil
}

// Handoff is a barcode descriptor for opening the save URL on another device.
type Handoff struct {
	Format string `json:"format"`
	Value  string `json:"value"`
}

func HandoffPayload(saveURL string) Handoff {
	return Handoff{Format: "QR_CODE", Value: saveURL}
}
