// Package apple builds signed .pkpass archives for the native wallet.
package apple

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/signing"
)

const (
	ContentType = "application/vnd.apple.pkpass"
	Platform    = "apple"
)

type Config struct {
	PassTypeID string
	TeamID     string
	// WebServiceURL and AuthSecret are both needed to enable device updates.
	WebServiceURL string
	AuthSecret    string
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	switch {
	case c.PassTypeID == "":
		return apperr.Configuration("apple config", "pass type identifier is required").WithPlatform(Platform)
	case c.TeamID == "":
		return apperr.Configuration("apple config", "team identifier is required").WithPlatform(Platform)
	}
	return nil
}

// Archive is a finished pass ready to serve.
type Archive struct {
	Bytes        []byte
	SerialNumber string
	ContentType  string
	Filename     string
	// Manifest is kept for verification and compliance probes.
	Manifest []byte
}

type Builder struct {
	cfg    Config
	signer signing.ArchiveSigner
	tracer trace.Tracer
}

func NewBuilder(cfg Config, signer signing.ArchiveSigner) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, apperr.Configuration("apple config", "archive signer is not configured").WithPlatform(Platform)
	}
	return &Builder{cfg: cfg, signer: signer, tracer: otel.Tracer("wallet/pass/apple")}, nil
}

func (b *Builder) Config() Config { return b.cfg }

// Build renders, hashes, signs and zips the pass for c.
func (b *Builder) Build(ctx context.Context, c entity.UnifiedCard) (*Archive, error) {
	_, span := b.tracer.Start(ctx, "apple.build",
		trace.WithAttributes(
			attribute.String("card.id", c.ID),
			attribute.String("card.kind", string(c.Kind)),
		),
	)
	defer span.End()

	arc, err := b.build(c)
	if err != nil {
		span.RecordError(err)
		if e, ok := apperr.As(err); ok {
			return nil, e.WithPlatform(Platform)
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("archive.bytes", len(arc.Bytes)))
	return arc, nil
}

func (b *Builder) build(c entity.UnifiedCard) (*Archive, error) {
	if c.SerialNumber == "" {
		return nil, apperr.Validation("apple build", "card has no serial number")
	}

	passBytes, err := json.Marshal(renderPass(b.cfg, c))
	if err != nil {
		return nil, apperr.Archive("apple build", "cannot encode pass.json", err)
	}
	images, err := renderImages(c.Business.ThemeColor)
	if err != nil {
		return nil, err
	}

	files := make(map[string][]byte, len(images)+3)
	files["pass.json"] = passBytes
	for name, data := range images {
		files[name] = data
	}

	manifest, err := buildManifest(files)
	if err != nil {
		return nil, apperr.Archive("apple build", "cannot encode manifest", err)
	}
	sig, err := b.signer.SignManifest(manifest)
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return nil, err
		}
		return nil, apperr.Signing("apple build", "manifest signing failed", err)
	}
	files["manifest.json"] = manifest
	files["signature"] = sig

	zipped, err := writeZip(files)
	if err != nil {
		return nil, apperr.Archive("apple build", "cannot write archive", err)
	}
	return &Archive{
		Bytes:        zipped,
		SerialNumber: c.SerialNumber,
		ContentType:  ContentType,
		Filename:     c.SerialNumber + ".pkpass",
		Manifest:     manifest,
	}, nil
}

// AuthToken is the per-pass secret devices present to the web service.
// It is derived, never stored, so regenerating a pass keeps the same token.
func AuthToken(secret, serial string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(serial))
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckAuthToken compares in constant time.
func CheckAuthToken(secret, serial, token string) bool {
	if secret == "" || token == "" {
		return false
	}
	return hmac.Equal([]byte(AuthToken(secret, serial)), []byte(token))
}
