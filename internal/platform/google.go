package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/google"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/signing"
)

const (
	DefaultGoogleAPIBase  = "https://walletobjects.googleapis.com"
	DefaultGoogleTokenURL = "https://oauth2.googleapis.com/token"
	walletScope           = "https://www.googleapis.com/auth/wallet_object.issuer"
)

type GoogleClientConfig struct {
	APIBase  string
	TokenURL string
}

func GoogleClientConfigFromEnv() GoogleClientConfig {
	cfg := GoogleClientConfig{
		APIBase:  strings.TrimRight(os.Getenv("GOOGLE_API_BASE"), "/"),
		TokenURL: os.Getenv("GOOGLE_TOKEN_URL"),
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultGoogleAPIBase
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultGoogleTokenURL
	}
	return cfg
}

// GoogleWalletClient keeps the issuer's class and object in sync through the REST API.
type GoogleWalletClient struct {
	builder *google.Builder
	signer  signing.TokenSigner
	cfg     GoogleClientConfig
	http    *http.Client
	log     *zap.SugaredLogger
	nowFn   func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewGoogleWalletClient(builder *google.Builder, signer signing.TokenSigner, cfg GoogleClientConfig, httpc *http.Client, log *zap.SugaredLogger) *GoogleWalletClient {
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}
	return &GoogleWalletClient{builder: builder, signer: signer, cfg: cfg, http: httpc, log: log, nowFn: time.Now}
}

// Publish upserts the class, then the object.
func (g *GoogleWalletClient) Publish(ctx context.Context, c entity.UnifiedCard) error {
	res, err := g.builder.Build(ctx, c)
	if err != nil {
		return err
	}
	if err := g.upsert(ctx, string(res.Vertical)+"Class", res.ClassID, res.Class); err != nil {
		return err
	}
	return g.upsert(ctx, string(res.Vertical)+"Object", res.ObjectID, res.Object)
}

func (g *GoogleWalletClient) upsert(ctx context.Context, resource, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return apperr.Internal("google upsert", "cannot encode "+resource, err).WithPlatform(google.Platform)
	}
	base := g.cfg.APIBase + "/walletobjects/v1/" + resource
	status, err := g.call(ctx, http.MethodPut, base+"/"+url.PathEscape(id), body)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		g.log.Debugw("wallet resource missing, inserting", "resource", resource, "id", id)
		status, err = g.call(ctx, http.MethodPost, base, body)
		if err != nil {
			return err
		}
	}
	return g.statusError(resource, status)
}

func (g *GoogleWalletClient) call(ctx context.Context, method, target string, body []byte) (int, error) {
	tok, err := g.accessToken(ctx)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return 0, apperr.Internal("google call", "cannot build request", err).WithPlatform(google.Platform)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.http.Do(req)
	if err != nil {
		return 0, apperr.Platform("google call", method+" failed", err).WithPlatform(google.Platform)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode == http.StatusUnauthorized {
		g.invalidate()
	}
	return resp.StatusCode, nil
}

func (g *GoogleWalletClient) statusError(resource string, status int) error {
	const op = "google upsert"
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusBadRequest:
		return apperr.Validation(op, resource+" rejected as invalid").WithPlatform(google.Platform)
	case status == http.StatusForbidden:
		return apperr.Configuration(op, "issuer not authorized for "+resource).WithPlatform(google.Platform)
	default:
		// 401 (token dropped above), 404 after insert, 409, 429, 5xx
		return apperr.Platform(op, fmt.Sprintf("%s returned %d", resource, status), nil).WithPlatform(google.Platform)
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// accessToken exchanges a signed assertion for a bearer token and caches it.
func (g *GoogleWalletClient) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.nowFn()
	if g.token != "" && now.Before(g.expiry) {
		return g.token, nil
	}

	assertion, err := g.signer.SignJWT(jwt.MapClaims{
		"iss":   g.builder.Config().ServiceAccountEmail,
		"scope": walletScope,
		"aud":   g.cfg.TokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	if err != nil {
		return "", apperr.Signing("google token", "cannot sign assertion", err).WithPlatform(google.Platform)
	}
	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", apperr.Internal("google token", "cannot build request", err).WithPlatform(google.Platform)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := g.http.Do(req)
	if err != nil {
		return "", apperr.Platform("google token", "token exchange failed", err).WithPlatform(google.Platform)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return "", apperr.Configuration("google token", "service account credentials rejected").WithPlatform(google.Platform)
	case resp.StatusCode != http.StatusOK:
		return "", apperr.Platform("google token", fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil).WithPlatform(google.Platform)
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil || tr.AccessToken == "" {
		if err == nil {
			err = errors.New("empty access token")
		}
		return "", apperr.Platform("google token", "bad token response", err).WithPlatform(google.Platform)
	}
	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	g.token = tr.AccessToken
	g.expiry = now.Add(ttl - time.Minute)
	return g.token, nil
}

func (g *GoogleWalletClient) invalidate() {
	g.mu.Lock()
	g.token = ""
	g.mu.Unlock()
}
