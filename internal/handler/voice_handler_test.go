package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/openhouseai/realty-voice-service/internal/config"
	"github.com/openhouseai/realty-voice-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRealtorRepo struct {
	byPhone map[string]*domain.Realtor
}

func (r *stubRealtorRepo) GetByID(ctx context.Context, id string) (*domain.Realtor, error) {
	return nil, nil
}

func (r *stubRealtorRepo) GetByPhoneNumber(ctx context.Context, phone string) (*domain.Realtor, error) {
	return r.byPhone[phone], nil
}

func newTestVoiceHandler() *VoiceHandler {
	cfg := &config.Config{PublicHost: "voice.example.com"}
	repo := &stubRealtorRepo{byPhone: map[string]*domain.Realtor{
		"+15550100": {ID: "realtor-1", Name: "Dana"},
	}}
	return NewVoiceHandler(cfg, nil, repo, nil)
}

func postForm(t *testing.T, handler http.HandlerFunc, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestInboundCallReturnsStreamTwiML(t *testing.T) {
	h := newTestVoiceHandler()

	rec := postForm(t, h.HandleInboundCall, "/inbound-call", url.Values{
		"From":    {"+15550123"},
		"To":      {"+15550100"},
		"CallSid": {"CA100"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `<Stream url="wss://voice.example.com/media-stream">`)
	assert.Contains(t, body, `<Parameter name="caller_phone" value="+15550123"/>`)
	assert.Contains(t, body, `<Parameter name="realtor_id" value="realtor-1"/>`)
	assert.Contains(t, body, `<Parameter name="direction" value="inbound"/>`)
}

func TestInboundCallUnknownRealtor(t *testing.T) {
	h := newTestVoiceHandler()

	rec := postForm(t, h.HandleInboundCall, "/inbound-call", url.Values{
		"From": {"+15550123"},
		"To":   {"+19990000"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `<Parameter name="realtor_id" value=""/>`)
}

func TestOutboundAnswerCarriesLeadParams(t *testing.T) {
	h := newTestVoiceHandler()

	rec := postForm(t, h.HandleOutboundAnswer, "/outbound-answer?lead_id=lead-7&realtor_id=realtor-1", url.Values{
		"CallSid": {"CA200"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `<Parameter name="lead_id" value="lead-7"/>`)
	assert.Contains(t, body, `<Parameter name="direction" value="outbound"/>`)
}

func TestJWTAuthMiddleware(t *testing.T) {
	secret := "test-secret"
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	protected := JWTAuthMiddleware(secret)(next)

	// Missing key rejected.
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest("POST", "/api/make-call", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage key rejected.
	req := httptest.NewRequest("POST", "/api/make-call", nil)
	req.Header.Set("X-API-Key", "not-a-token")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token passes through.
	token := jwt.New(jwt.SigningMethodHS256)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	req = httptest.NewRequest("POST", "/api/make-call", nil)
	req.Header.Set("X-API-Key", signed)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Wrong signing secret rejected.
	badToken := jwt.New(jwt.SigningMethodHS256)
	badSigned, err := badToken.SignedString([]byte("other-secret"))
	require.NoError(t, err)

	req = httptest.NewRequest("POST", "/api/make-call", nil)
	req.Header.Set("X-API-Key", badSigned)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTAuthMiddlewareDisabledWithoutSecret(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	open := JWTAuthMiddleware("")(next)

	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest("POST", "/api/make-call", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
