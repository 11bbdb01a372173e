package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// AccountSlugKey is the context key for the resolved account slug.
const AccountSlugKey contextKey = "account_slug"

// SlugFromRequest pulls the tenant account slug from the X-Account header,
// then the account query parameter. Empty when the request carries neither.
func SlugFromRequest(r *http.Request) string {
	slug := strings.TrimSpace(r.Header.Get("X-Account"))
	if slug == "" {
		slug = strings.TrimSpace(r.URL.Query().Get("account"))
	}
	return slug
}

// AccountExtractor stashes the tenant account slug in the request context.
// Handlers decide whether a missing slug is an error; health and admin
// endpoints run without one.
func AccountExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), AccountSlugKey, SlugFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAccountSlug retrieves the account slug from the request context.
func GetAccountSlug(ctx context.Context) string {
	if v, ok := ctx.Value(AccountSlugKey).(string); ok {
		return v
	}
	return ""
}
