package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
	cardrepo "github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/repo"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/dispatch"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/apple"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/google"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/pwa"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/platform"
	queueentity "github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/entity"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/signing"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/signing/signingtest"
)

const passTypeID = "pass.com.example.loyalty"

type recorder struct {
	mu   sync.Mutex
	docs []pwa.Document
}

func (r *recorder) Publish(subject string, data []byte) error {
	var d pwa.Document
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, d)
	return nil
}

type googleAPI struct {
	mu    sync.Mutex
	calls []string
}

func (g *googleAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.calls = append(g.calls, r.Method+" "+r.URL.Path)
		g.mu.Unlock()
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func testConfig(t *testing.T, gc platform.GoogleClientConfig) config.Config {
	t.Helper()
	keys, err := signingtest.Keys()
	require.NoError(t, err)
	dc := dispatch.DefaultConfig()
	dc.RatePerSecond = 0
	return config.Config{
		Storage: config.StorageMemory,
		BaseURL: "https://wallet.example.com",
		HTTP:    config.HTTPConfig{CORSOrigins: []string{"*"}},
		Apple: config.AppleConfig{
			Enabled: true,
			Pass: apple.Config{
				PassTypeID:    passTypeID,
				TeamID:        "TEAM123",
				WebServiceURL: "https://wallet.example.com/api/wallet/apple",
				AuthSecret:    "s3cret",
			},
			Keys: signing.KeyMaterial{CertificatePEM: keys.CertPEM, PrivateKeyPEM: keys.KeyPEM, IntermediatePEM: keys.CAPEM},
		},
		Google: config.GoogleConfig{
			Enabled: true,
			Pass:    googleConfig(keys.KeyPEM),
			Client:  gc,
		},
		PWA:      config.PWAConfig{Enabled: true},
		Dispatch: dc,
	}
}

func googleConfig(key string) google.Config {
	return google.Config{
		IssuerID:            "3388000000000000000",
		ServiceAccountEmail: "wallet@example.iam.gserviceaccount.com",
		PrivateKeyPEM:       key,
		BaseURL:             "https://wallet.example.com",
	}
}

func stampCard(id string, current int) entity.Source {
	return entity.Source{
		Stamp: &entity.StampCard{
			ID:             "tmpl-coffee",
			Business:       entity.Business{ID: "b1", Name: "Bean There"},
			Name:           "Coffee Card",
			StampsRequired: 10,
			Reward:         "Free coffee",
		},
		Progress: &entity.CustomerProgress{
			CustomerCardID: id,
			CustomerName:   "Ada",
			CurrentStamps:  current,
			UpdatedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
	}
}

type fixture struct {
	app    *App
	cards  *cardrepo.MemoryRepo
	pwa    *recorder
	google *googleAPI
	http   http.Handler
}

func setup(t *testing.T) fixture {
	t.Helper()
	g := &googleAPI{}
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)

	cards := cardrepo.NewMemoryRepo()
	cards.Put("cc-1", stampCard("cc-1", 9))
	rec := &recorder{}
	cfg := testConfig(t, platform.GoogleClientConfig{APIBase: srv.URL, TokenURL: srv.URL + "/token"})

	a, err := New(context.Background(), cfg, zap.NewNop().Sugar(),
		WithCardSource(cards), WithBroadcaster(rec), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return fixture{app: a, cards: cards, pwa: rec, google: g, http: a.Handler()}
}

func (f fixture) do(method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.http.ServeHTTP(rec, req)
	return rec
}

func TestNewWiresEveryPlatform(t *testing.T) {
	f := setup(t)
	assert.ElementsMatch(t, []string{"apple", "google", "pwa"}, f.app.Passes.Enabled())
	for _, p := range queueentity.AllPlatforms {
		_, ok := f.app.Publisher(p)
		assert.True(t, ok, p)
	}
}

func TestBrokenAppleKeysLeavePlatformUnwired(t *testing.T) {
	cfg := testConfig(t, platform.GoogleClientConfig{})
	cfg.Apple.Keys.PrivateKeyPEM = "garbage"
	a, err := New(context.Background(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.Publisher(queueentity.PlatformApple)
	assert.False(t, ok)
	assert.NotContains(t, a.Passes.Enabled(), "apple")

	rep := a.Monitor.CheckCompliance(context.Background())
	assert.Equal(t, "critical", string(rep.Platforms["apple"]))
	assert.Equal(t, "healthy", string(rep.Platforms["google"]))
}

func TestHTTPSurface(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodGet, "/api/wallet/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = f.do(http.MethodGet, "/api/wallet/compliance", "")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/wallet/apple/cc-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, apple.ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="CC-1.pkpass"`)

	rec = f.do(http.MethodGet, "/api/wallet/google/cc-1?format=json", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var g struct {
		SaveURL string         `json:"saveUrl"`
		Handoff google.Handoff `json:"handoff"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	assert.True(t, strings.HasPrefix(g.SaveURL, google.SaveURLPrefix))
	assert.Equal(t, google.HandoffPayload(g.SaveURL), g.Handoff)

	rec = f.do(http.MethodGet, "/api/wallet/google/cc-1", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodGet, "/api/wallet/google/cc-1?format=xml", "").Code)

	rec = f.do(http.MethodGet, "/api/wallet/pwa/cc-1", "", "Origin", "https://app.example.com")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	var doc pwa.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "9/10", doc.Progress.Label)

	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodGet, "/api/wallet/pwa/missing", "").Code)
}

func TestQueueEndpoints(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodPost, "/api/wallet/queue", `{"cardId":"cc-1","updateKind":"stamp_added","platforms":["pwa"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var it queueentity.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &it))
	assert.Equal(t, queueentity.StatePending, it.State)
	assert.Equal(t, []queueentity.Platform{queueentity.PlatformPWA}, it.TargetPlatforms)

	assert.Equal(t, http.StatusUnprocessableEntity,
		f.do(http.MethodPost, "/api/wallet/queue", `{"cardId":"cc-1","updateKind":"teleported"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/wallet/queue", `{`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodPost, "/api/wallet/queue/abc/retry", "").Code)

	rec = f.do(http.MethodGet, "/api/wallet/queue/cards/cc-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []queueentity.Item `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Items, 1)

	rec = f.do(http.MethodGet, "/api/wallet/queue/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

func TestDeviceWebServiceMounted(t *testing.T) {
	f := setup(t)
	serial := card.SerialNumber("cc-1")
	auth := "ApplePass " + apple.AuthToken("s3cret", serial)
	base := "/api/wallet/apple/v1/devices/dev-1/registrations/" + passTypeID

	rec := f.do(http.MethodPost, base+"/"+serial, `{"pushToken":"tok-1"}`, "Authorization", auth)
	require.Equal(t, http.StatusCreated, rec.Code)

	// nothing has been issued yet
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodGet, base, "").Code)

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/wallet/apple/cc-1", "").Code)
	rec = f.do(http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), serial)

	rec = f.do(http.MethodGet, "/api/wallet/apple/v1/passes/"+passTypeID+"/"+serial, "", "Authorization", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, apple.ContentType, rec.Header().Get("Content-Type"))
}

func TestStampCompletionEndToEnd(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.cards.Update("cc-1", func(p *entity.CustomerProgress) {
		p.CurrentStamps = 10
		p.UpdatedAt = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	})
	targets := []queueentity.Platform{queueentity.PlatformGoogle, queueentity.PlatformPWA}
	first, err := f.app.Queue.Enqueue(ctx, "cc-1", queueentity.StampAdded, nil, targets...)
	require.NoError(t, err)
	dup, err := f.app.Queue.Enqueue(ctx, "cc-1", queueentity.StampAdded, nil, targets...)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, dup.ID)

	n, err := f.app.Dispatcher.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, err := f.app.Queue.ListByCard(ctx, "cc-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, queueentity.StateCompleted, it.State)
		assert.Zero(t, it.RetryCount)
	}

	require.Len(t, f.pwa.docs, 2)
	assert.Equal(t, f.pwa.docs[0], f.pwa.docs[1])
	assert.Equal(t, "10/10", f.pwa.docs[0].Progress.Label)
	assert.True(t, f.pwa.docs[0].IsCompleted)
	assert.True(t, f.pwa.docs[0].RewardReady)

	// one token exchange, then class and object upserts per item
	assert.Equal(t, "POST /token", f.google.calls[0])
	assert.Len(t, f.google.calls, 5)
}
