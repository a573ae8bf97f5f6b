// Package identity validates chat identifiers and carries them through
// request contexts.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	// ChatHeaderName lets clients pass the chat id without a query parameter.
	ChatHeaderName = "X-Connexi-Chat-ID"
	// ChatQueryParam is the query parameter carrying the chat id.
	ChatQueryParam = "chat_id"
)

type contextKey int

const (
	chatIDKey contextKey = iota
)

var chatIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SanitizeChatID trims id and returns it if it is a well-formed chat id,
// or "" otherwise.
func SanitizeChatID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !chatIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// WithChatID returns a copy of ctx carrying chatID.
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, chatIDKey, chatID)
}

// ChatIDFromContext extracts the chat id from the request context.
func ChatIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(chatIDKey).(string); ok {
		return v
	}
	return ""
}

// ChatIDFromRequest reads the chat id from the header or query string.
func ChatIDFromRequest(r *http.Request) string {
	id := r.Header.Get(ChatHeaderName)
	if id == "" {
		id = r.URL.Query().Get(ChatQueryParam)
	}
	return SanitizeChatID(id)
}

// RequireChatID rejects requests without a valid chat id and injects it into
// the context for downstream handlers.
func RequireChatID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatID := ChatIDFromRequest(r)
		if chatID == "" {
			http.Error(w, `{"error":"invalid or missing chat_id"}`, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithChatID(r.Context(), chatID)))
	})
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
