package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/apple"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/google"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/pwa"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/signing/signingtest"
)

func testCard(t *testing.T) entity.UnifiedCard {
	t.Helper()
	c, err := card.Normalize(entity.Source{
		Stamp: &entity.StampCard{
			ID:             "card-1",
			Business:       entity.Business{Name: "Bean There"},
			Name:           "Coffee Card",
			StampsRequired: 10,
			Reward:         "Free coffee",
		},
		Progress: &entity.CustomerProgress{
			CustomerCardID: "cc-1",
			CustomerName:   "Ada",
			CurrentStamps:  4,
			UpdatedAt:      time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	return c
}

type recordingBroadcaster struct {
	subject string
	data    []byte
	err     error
}

func (r *recordingBroadcaster) Publish(subject string, data []byte) error {
	r.subject, r.data = subject, data
	return r.err
}

func TestPWAPublisher(t *testing.T) {
	c := testCard(t)
	bc := &recordingBroadcaster{}
	require.NoError(t, NewPWAPublisher(bc).Publish(context.Background(), c))
	assert.Equal(t, "wallet.pwa.card-1", bc.subject)

	var doc pwa.Document
	require.NoError(t, json.Unmarshal(bc.data, &doc))
	assert.Equal(t, 4, doc.Progress.Current)

	bc.err = errors.New("no responders")
	err := NewPWAPublisher(bc).Publish(context.Background(), c)
	assert.Equal(t, apperr.CategoryPlatform, apperr.CategoryOf(err))
	assert.True(t, apperr.IsRetryable(err))

	assert.NoError(t, NewPWAPublisher(nil).Publish(context.Background(), c))
}

type fakeRegistry struct {
	mu      sync.Mutex
	issued  map[string]string
	tokens  []string
	removed []string
}

func (f *fakeRegistry) MarkIssued(_ context.Context, serial, cardID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issued == nil {
		f.issued = map[string]string{}
	}
	f.issued[serial] = cardID
	return nil
}

func (f *fakeRegistry) PushTokens(context.Context, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...), nil
}

func (f *fakeRegistry) RemovePushToken(_ context.Context, tok string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, tok)
	return nil
}

func appleBuilder(t *testing.T) *apple.Builder {
	t.Helper()
	b, err := apple.NewBuilder(apple.Config{PassTypeID: "pass.com.example", TeamID: "T"}, &signingtest.FakeArchiveSigner{})
	require.NoError(t, err)
	return b
}

func TestAppleNotifier(t *testing.T) {
	var mu sync.Mutex
	topics := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.URL.Path, "/3/device/")
		mu.Lock()
		topics[tok] = r.Header.Get("apns-topic")
		mu.Unlock()
		switch tok {
		case "dead":
			w.WriteHeader(http.StatusGone)
			_, _ = w.Write([]byte(`{"reason":"Unregistered"}`))
		case "busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := testCard(t)
	reg := &fakeRegistry{tokens: []string{"live", "dead"}}
	n := NewAppleNotifier(appleBuilder(t), reg, srv.Client(), srv.URL, zap.NewNop().Sugar())

	require.NoError(t, n.Publish(context.Background(), c))
	assert.Equal(t, "card-1", reg.issued[c.SerialNumber])
	assert.Equal(t, []string{"dead"}, reg.removed)
	assert.Equal(t, "pass.com.example", topics["live"])

	reg.tokens = []string{"live", "busy"}
	err := n.Publish(context.Background(), c)
	require.Error(t, err)
	assert.Equal(t, apperr.CategoryPlatform, apperr.CategoryOf(err))
}

func TestAppleNotifierNoDevices(t *testing.T) {
	reg := &fakeRegistry{}
	n := NewAppleNotifier(appleBuilder(t), reg, http.DefaultClient, "http://127.0.0.1:1", zap.NewNop().Sugar())
	require.NoError(t, n.Publish(context.Background(), testCard(t)))
	assert.Len(t, reg.issued, 1)
}

type walletServer struct {
	mu         sync.Mutex
	tokenCalls int
	requests   []string
	existing   map[string]bool
	status     int
}

func (s *walletServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.tokenCalls++
		s.mu.Unlock()
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "urn:ietf:params:oauth:grant-type:jwt-bearer" || r.Form.Get("assertion") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: "at-1", ExpiresIn: 3600})
	})
	mux.HandleFunc("/walletobjects/v1/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if s.status != 0 {
			w.WriteHeader(s.status)
			return
		}
		switch r.Method {
		case http.MethodPut:
			if !s.existing[r.URL.Path] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		case http.MethodPost:
			var doc struct {
				ID string `json:"id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&doc)
			s.existing[r.URL.Path+"/"+doc.ID] = true
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func googleClient(t *testing.T, srv *httptest.Server) *GoogleWalletClient {
	t.Helper()
	b, err := google.NewBuilder(google.Config{
		IssuerID:            "3388000000022",
		ServiceAccountEmail: "wallet@example.iam.gserviceaccount.com",
		PrivateKeyPEM:       "unused-by-fake",
	}, &signingtest.FakeTokenSigner{})
	require.NoError(t, err)
	return NewGoogleWalletClient(b, &signingtest.FakeTokenSigner{},
		GoogleClientConfig{APIBase: srv.URL, TokenURL: srv.URL + "/token"}, srv.Client(), zap.NewNop().Sugar())
}

func TestGoogleWalletClientUpsert(t *testing.T) {
	ws := &walletServer{existing: map[string]bool{}}
	srv := httptest.NewServer(ws.handler())
	defer srv.Close()
	g := googleClient(t, srv)
	c := testCard(t)

	require.NoError(t, g.Publish(context.Background(), c))
	require.NoError(t, g.Publish(context.Background(), c))

	classID := google.ClassID("3388000000022", c)
	objectID := google.ObjectID("3388000000022", c)
	assert.Equal(t, []string{
		"PUT /walletobjects/v1/loyaltyClass/" + classID,
		"POST /walletobjects/v1/loyaltyClass",
		"PUT /walletobjects/v1/loyaltyObject/" + objectID,
		"POST /walletobjects/v1/loyaltyObject",
		"PUT /walletobjects/v1/loyaltyClass/" + classID,
		"PUT /walletobjects/v1/loyaltyObject/" + objectID,
	}, ws.requests)
	assert.Equal(t, 1, ws.tokenCalls, "token is cached")
}

func TestGoogleWalletClientErrorMapping(t *testing.T) {
	cases := []struct {
		status   int
		category apperr.Category
	}{
		{http.StatusBadRequest, apperr.CategoryValidation},
		{http.StatusForbidden, apperr.CategoryConfiguration},
		{http.StatusTooManyRequests, apperr.CategoryPlatform},
		{http.StatusInternalServerError, apperr.CategoryPlatform},
		{http.StatusConflict, apperr.CategoryPlatform},
	}
	for _, tc := range cases {
		ws := &walletServer{existing: map[string]bool{}, status: tc.status}
		srv := httptest.NewServer(ws.handler())
		err := googleClient(t, srv).Publish(context.Background(), testCard(t))
		srv.Close()
		require.Error(t, err, tc.status)
		assert.Equal(t, tc.category, apperr.CategoryOf(err), tc.status)
		assert.Equal(t, google.Platform, apperr.Public(err).Platform)
	}
}

func TestGoogleWalletClientRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	err := googleClient(t, srv).Publish(context.Background(), testCard(t))
	assert.Equal(t, apperr.CategoryConfiguration, apperr.CategoryOf(err))
	assert.False(t, apperr.IsRetryable(err))
}
