package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/tandem/chat-app/internal/identity"
	"github.com/tandem/chat-app/internal/store"
)

type ctxKey struct{}

// UsernameFrom returns the authenticated username stored by requireUser.
func UsernameFrom(ctx context.Context) string {
	u, _ := ctx.Value(ctxKey{}).(string)
	return u
}

// requireUser rejects requests without a valid session token for an
// existing user with 401.
func (h *Handler) requireUser(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, err := h.sessions.Resolve(r.Context(), r)
		if err != nil {
			msg := "token invalid or expired"
			if errors.Is(err, identity.ErrNoCredential) {
				msg = "no token, not authorized"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}

		if _, err := h.users.FindUser(r.Context(), username); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("[api] auth lookup %s: %v", username, err)
			}
			writeError(w, http.StatusUnauthorized, "user not found")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, username)))
	})
}
