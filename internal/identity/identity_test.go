package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeChatID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"chat_1748779200000_abc123", "chat_1748779200000_abc123"},
		{"  chat_1_x  ", "chat_1_x"},
		{"", ""},
		{"chat id with spaces", ""},
		{"chat/../../etc", ""},
		{strings.Repeat("a", 129), ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeChatID(tt.in), "input %q", tt.in)
	}
}

func TestRequireChatID(t *testing.T) {
	var got string
	h := RequireChatID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ChatIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/chat?chat_id=chat_1_abc", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "chat_1_abc", got)

	req := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	req.Header.Set(ChatHeaderName, "chat_2_def")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "chat_2_def", got)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/chat?chat_id=bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
