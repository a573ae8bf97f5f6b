package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func preflight(t *testing.T, h http.Handler, origin string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodOptions, "/functions/chat-handler", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func TestCORS_Wildcard(t *testing.T) {
	called := false
	h := CORS([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	resp := preflight(t, h, "https://example.com")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.False(t, called, "preflight must not reach the handler")
}

func TestCORS_ExplicitOrigins(t *testing.T) {
	h := CORS([]string{"https://connexi.ai"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	resp := preflight(t, h, "https://connexi.ai")
	assert.Equal(t, "https://connexi.ai", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	resp = preflight(t, h, "https://evil.example")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodPost, "/functions/chat-handler", nil)
	req.Header.Set("Origin", "https://connexi.ai")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://connexi.ai", w.Header().Get("Access-Control-Allow-Origin"))
}
