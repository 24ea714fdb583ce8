package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/mailbridge/internal/config"
	"github.com/relaygate/mailbridge/internal/model"
	"github.com/relaygate/mailbridge/internal/relay"
	"github.com/relaygate/mailbridge/internal/util"
)

// stubInbound is the minimal store the webhook path needs.
type stubInbound struct {
	nextID int64
	keys   map[string]struct{}
	emails []model.InboundEmail
	err    error
}

func newStubInbound() *stubInbound {
	return &stubInbound{keys: map[string]struct{}{}}
}

func (s *stubInbound) Insert(_ context.Context, email model.InboundEmail) (int64, bool, error) {
	if s.err != nil {
		return 0, false, s.err
	}
	key := util.DedupeKey(email.TransportMessageID, email.From, email.To, email.Subject, email.Text, email.ReceivedAt)
	if _, ok := s.keys[key]; ok {
		return 0, true, nil
	}
	s.keys[key] = struct{}{}
	s.nextID++
	s.emails = append(s.emails, email)
	return s.nextID, false, nil
}

func (s *stubInbound) Get(context.Context, int64) (*model.InboundItem, error) { return nil, nil }
func (s *stubInbound) ListUndelivered(context.Context, int) ([]model.InboundItem, error) {
	return nil, nil
}
func (s *stubInbound) MarkDelivered(context.Context, int64, time.Time) error { return nil }

const signingKey = "whsec-test"

func newWebhookServer(t *testing.T, inbound *stubInbound, key string) http.Handler {
	t.Helper()
	eng := relay.NewEngine(inbound, nil, nil, nil, nil, nil, nil, relay.Options{})
	cfg := config.Config{}
	cfg.Mailgun.SigningKey = key
	cfg.Relay.InboundAddress = "bridge@relay.example.com"
	return NewServer(cfg, eng, nil, nil).Handler()
}

func signedForm(key string) url.Values {
	form := url.Values{}
	form.Set("sender", "alice@example.com")
	form.Set("recipient", "bridge@relay.example.com")
	form.Set("subject", "Status")
	form.Set("body-plain", "all good")
	form.Set("Message-Id", "<abc@example.com>")
	if key != "" {
		ts := "1756555200"
		token := "tok-1"
		mac := hmac.New(sha256.New, []byte(key))
		mac.Write([]byte(ts + token))
		form.Set("timestamp", ts)
		form.Set("token", token)
		form.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	}
	return form
}

func postWebhook(h http.Handler, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhook/mailgun", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWebhook_AcceptsSignedDelivery(t *testing.T) {
	inbound := newStubInbound()
	h := newWebhookServer(t, inbound, signingKey)

	rec := postWebhook(h, signedForm(signingKey))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, false, body["duplicate"])

	require.Len(t, inbound.emails, 1)
	got := inbound.emails[0]
	assert.Equal(t, "alice@example.com", got.From)
	assert.Equal(t, "abc@example.com", got.MessageID, "angle brackets stripped")
	assert.Equal(t, "abc@example.com", got.TransportMessageID)
	assert.Equal(t, time.Unix(1756555200, 0).UTC(), got.ReceivedAt, "timestamp field wins over wall clock")
}

func TestWebhook_RedeliveryReportsDuplicate(t *testing.T) {
	inbound := newStubInbound()
	h := newWebhookServer(t, inbound, signingKey)

	form := signedForm(signingKey)
	postWebhook(h, form)
	rec := postWebhook(h, form)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["duplicate"])
	assert.Len(t, inbound.emails, 1)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	h := newWebhookServer(t, newStubInbound(), signingKey)

	form := signedForm(signingKey)
	form.Set("signature", "deadbeef")
	rec := postWebhook(h, form)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	form.Del("signature")
	form.Del("token")
	rec = postWebhook(h, form)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing signature fields are rejected too")
}

func TestWebhook_NoSigningKeySkipsVerification(t *testing.T) {
	inbound := newStubInbound()
	h := newWebhookServer(t, inbound, "")

	rec := postWebhook(h, signedForm(""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, inbound.emails, 1)
}

func TestWebhook_MissingSenderOrRecipient(t *testing.T) {
	h := newWebhookServer(t, newStubInbound(), signingKey)

	form := signedForm(signingKey)
	form.Del("sender")
	rec := postWebhook(h, form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_OtherRecipientAcknowledgedAndDropped(t *testing.T) {
	inbound := newStubInbound()
	h := newWebhookServer(t, inbound, signingKey)

	form := signedForm(signingKey)
	form.Set("recipient", "someone-else@relay.example.com")
	rec := postWebhook(h, form)

	// 200 on purpose: anything else makes the transport retry forever.
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ignored"])
	assert.Empty(t, inbound.emails)
}

func TestWebhook_StoreErrorIs500(t *testing.T) {
	inbound := newStubInbound()
	inbound.err = errors.New("mysql down")
	h := newWebhookServer(t, inbound, signingKey)

	rec := postWebhook(h, signedForm(signingKey))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestVerifyWebhookSignature(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write([]byte("123tok"))
	sig := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifyWebhookSignature("k", "123", "tok", sig))
	assert.False(t, VerifyWebhookSignature("k", "124", "tok", sig))
	assert.False(t, VerifyWebhookSignature("other", "123", "tok", sig))
}

func TestReportsEndpoint_Auth(t *testing.T) {
	eng := relay.NewEngine(newStubInbound(), nil, nil, nil, nil, nil, nil, relay.Options{})

	t.Run("no token configured disables the route", func(t *testing.T) {
		h := NewServer(config.Config{}, eng, nil, nil).Handler()
		req := httptest.NewRequest(http.MethodGet, "/v1/reports/events", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		cfg := config.Config{}
		cfg.HTTP.OperatorToken = "op-secret"
		h := NewServer(cfg, eng, nil, nil).Handler()

		req := httptest.NewRequest(http.MethodGet, "/v1/reports/events", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token without audit store", func(t *testing.T) {
		cfg := config.Config{}
		cfg.HTTP.OperatorToken = "op-secret"
		h := NewServer(cfg, eng, nil, nil).Handler()

		req := httptest.NewRequest(http.MethodGet, "/v1/reports/events", nil)
		req.Header.Set("Authorization", "Bearer op-secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHealthz(t *testing.T) {
	eng := relay.NewEngine(newStubInbound(), nil, nil, nil, nil, nil, nil, relay.Options{})
	h := NewServer(config.Config{}, eng, nil, nil).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
