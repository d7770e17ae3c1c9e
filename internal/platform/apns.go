package platform

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/apple"
)

const DefaultAPNSHost = "https://api.push.apple.com"

// APNSHostFromEnv returns APNS_HOST or the production gateway.
func APNSHostFromEnv() string {
	if h := strings.TrimRight(os.Getenv("APNS_HOST"), "/"); h != "" {
		return h
	}
	return DefaultAPNSHost
}

// Registry is the part of the device web service the notifier needs.
type Registry interface {
	MarkIssued(ctx context.Context, serial, cardID string, at time.Time) error
	PushTokens(ctx context.Context, serial string) ([]string, error)
	RemovePushToken(ctx context.Context, pushToken string) error
}

// NewAPNSClient returns an HTTP/2 client authenticating with the pass type certificate.
func NewAPNSClient(cert tls.Certificate) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:   &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
			ForceAttemptHTTP2: true,
			IdleConnTimeout:   90 * time.Second,
		},
		Timeout: 15 * time.Second,
	}
}

// AppleNotifier rebuilds the archive, stamps its update time and tells every
// registered device to fetch it. Devices pull the pass themselves.
type AppleNotifier struct {
	builder  *apple.Builder
	registry Registry
	client   *http.Client
	host     string
	log      *zap.SugaredLogger
	nowFn    func() time.Time
}

func NewAppleNotifier(builder *apple.Builder, registry Registry, client *http.Client, host string, log *zap.SugaredLogger) *AppleNotifier {
	if host == "" {
		host = DefaultAPNSHost
	}
	return &AppleNotifier{
		builder:  builder,
		registry: registry,
		client:   client,
		host:     strings.TrimRight(host, "/"),
		log:      log,
		nowFn:    time.Now,
	}
}

func (n *AppleNotifier) Publish(ctx context.Context, c entity.UnifiedCard) error {
	arc, err := n.builder.Build(ctx, c)
	if err != nil {
		return err
	}
	if err := n.registry.MarkIssued(ctx, arc.SerialNumber, c.ID, n.nowFn()); err != nil {
		return apperr.Internal("apns notify", "cannot record pass update", err).WithPlatform(apple.Platform)
	}
	tokens, err := n.registry.PushTokens(ctx, arc.SerialNumber)
	if err != nil {
		return apperr.Internal("apns notify", "cannot list devices", err).WithPlatform(apple.Platform)
	}

	var errs []error
	for _, tok := range tokens {
		if err := n.push(ctx, tok); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	for _, e := range errs {
		if apperr.IsRetryable(e) {
			return e
		}
	}
	return errs[0]
}

type apnsReason struct {
	Reason string `json:"reason"`
}

func (n *AppleNotifier) push(ctx context.Context, token string) error {
	const op = "apns push"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.host+"/3/device/"+token, bytes.NewReader([]byte("{}")))
	if err != nil {
		return apperr.Internal(op, "cannot build request", err).WithPlatform(apple.Platform)
	}
	req.Header.Set("apns-topic", n.builder.Config().PassTypeID)
	req.Header.Set("apns-push-type", "background")
	req.Header.Set("apns-priority", "5")

	resp, err := n.client.Do(req)
	if err != nil {
		return apperr.Platform(op, "request failed", err).WithPlatform(apple.Platform)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	var reason apnsReason
	_ = json.Unmarshal(body, &reason)

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusGone,
		resp.StatusCode == http.StatusBadRequest && reason.Reason == "BadDeviceToken":
		n.log.Infow("dropping dead push token", "status", resp.StatusCode, "reason", reason.Reason)
		if err := n.registry.RemovePushToken(ctx, token); err != nil {
			n.log.Warnw("removing push token failed", "error", err)
		}
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return apperr.Configuration(op, "gateway rejected certificate: "+reason.Reason).WithPlatform(apple.Platform)
	case resp.StatusCode == http.StatusBadRequest:
		return apperr.Validation(op, "gateway rejected request: "+reason.Reason).WithPlatform(apple.Platform)
	default:
		return apperr.Platform(op, fmt.Sprintf("gateway returned %d", resp.StatusCode),
			errors.New(reason.Reason)).WithPlatform(apple.Platform)
	}
}
