// Package middleware provides HTTP middleware for the relay API.
package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS returns middleware that handles CORS headers for the widget's origins.
// Credentials are only allowed when every origin is listed explicitly.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			break
		}
	}

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Authorization",
			"Content-Type",
			"Apikey",
			"X-Client-Info",
			"X-Connexi-Chat-ID",
			"Last-Event-ID",
		},
		AllowCredentials: !wildcard,
	})
	return c.Handler
}
