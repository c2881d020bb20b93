// Package api serves the REST side of the chat server: Google sign-in,
// session cookie management, user and contact lists, conversation history,
// and message creation and deletion.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/tandem/chat-app/internal/chat"
	"github.com/tandem/chat-app/internal/clock"
	"github.com/tandem/chat-app/internal/identity"
	"github.com/tandem/chat-app/internal/router"
	"github.com/tandem/chat-app/internal/store"
)

// GoogleVerifier validates Google Sign-In ID tokens.
type GoogleVerifier interface {
	Verify(ctx context.Context, rawToken string) (*identity.Profile, error)
}

// Chat is the part of the event router the REST handlers drive, so that
// deletes and logouts reach live connections too.
type Chat interface {
	// Delete deletes a message and notifies its participants.
	Delete(ctx context.Context, actor, messageID string) error
	// SignOut unroutes username and marks it offline.
	SignOut(ctx context.Context, username string) error
}

// Config wires the handlers. Google may be nil, in which case sign-in
// answers 503.
type Config struct {
	Users          store.UserStore
	Messages       store.MessageStore
	Sessions       *identity.Sessions
	Google         GoogleVerifier
	Chat           Chat
	Clock          clock.Clock
	AllowedOrigins []string
	CookieSecure   bool
}

// Handler holds the REST dependencies.
type Handler struct {
	users    store.UserStore
	messages store.MessageStore
	sessions *identity.Sessions
	google   GoogleVerifier
	chat     Chat
	clock    clock.Clock
	origins  []string
	secure   bool
}

// New creates a Handler.
func New(cfg Config) *Handler {
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Handler{
		users:    cfg.Users,
		messages: cfg.Messages,
		sessions: cfg.Sessions,
		google:   cfg.Google,
		chat:     cfg.Chat,
		clock:    c,
		origins:  cfg.AllowedOrigins,
		secure:   cfg.CookieSecure,
	}
}

// Routes returns the REST mux wrapped in CORS handling. Credentials are
// allowed so the browser sends the session cookie cross-origin.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", h.ping)

	mux.HandleFunc("POST /api/auth/google", h.googleLogin)
	mux.Handle("POST /api/auth/logout", h.requireUser(h.logout))
	mux.Handle("GET /api/auth/me", h.requireUser(h.me))
	mux.Handle("GET /api/auth/users", h.requireUser(h.listUsers))

	mux.Handle("GET /api/messages/contacts/list", h.requireUser(h.contacts))
	mux.Handle("GET /api/messages/{user}", h.requireUser(h.history))
	mux.Handle("POST /api/messages", h.requireUser(h.createMessage))
	mux.Handle("DELETE /api/messages/{id}", h.requireUser(h.deleteMessage))

	return cors.New(cors.Options{
		AllowedOrigins:   h.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler(mux)
}

func (h *Handler) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   h.clock.Now().UTC(),
	})
}

type loginRequest struct {
	Token string `json:"token"`
}

type loginResponse struct {
	User store.User `json:"user"`
}

func (h *Handler) googleLogin(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		writeError(w, http.StatusServiceUnavailable, "google login is not configured")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "missing token")
		return
	}

	profile, err := h.google.Verify(r.Context(), req.Token)
	if err != nil {
		log.Printf("[api] google login: %v", err)
		writeError(w, http.StatusUnauthorized, "google login failed")
		return
	}

	user, err := h.users.Upsert(r.Context(), store.User{
		Username: profile.Email,
		Name:     profile.Name,
		Avatar:   profile.Picture,
	})
	if err != nil {
		log.Printf("[api] upsert %s: %v", profile.Email, err)
		writeError(w, http.StatusInternalServerError, "google login failed")
		return
	}

	token, err := h.sessions.Issue(user.Username, user.Name)
	if err != nil {
		log.Printf("[api] issue token for %s: %v", user.Username, err)
		writeError(w, http.StatusInternalServerError, "google login failed")
		return
	}

	http.SetCookie(w, h.sessionCookie(token, int(h.sessions.TTL()/time.Second)))
	writeJSON(w, http.StatusOK, loginResponse{User: *user})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	username := UsernameFrom(r.Context())
	if err := h.chat.SignOut(r.Context(), username); err != nil {
		log.Printf("[api] logout %s: %v", username, err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}

	http.SetCookie(w, h.sessionCookie("", -1))
	writeJSON(w, http.StatusOK, map[string]string{"msg": "logged out"})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.FindUser(r.Context(), UsernameFrom(r.Context()))
	if err != nil {
		writeStoreError(w, "load user", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	all, err := h.users.List(r.Context())
	if err != nil {
		writeStoreError(w, "list users", err)
		return
	}

	me := UsernameFrom(r.Context())
	others := make([]store.User, 0, len(all))
	for _, u := range all {
		if u.Username != me {
			others = append(others, u)
		}
	}
	writeJSON(w, http.StatusOK, others)
}

func (h *Handler) contacts(w http.ResponseWriter, r *http.Request) {
	list, err := store.Contacts(r.Context(), h.users, h.messages, UsernameFrom(r.Context()))
	if err != nil {
		writeStoreError(w, "load contacts", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	conv, err := h.messages.Conversation(r.Context(), UsernameFrom(r.Context()), r.PathValue("user"))
	if err != nil {
		writeStoreError(w, "load history", err)
		return
	}
	if conv == nil {
		conv = []store.Message{}
	}
	writeJSON(w, http.StatusOK, conv)
}

type createMessageRequest struct {
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
}

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Receiver == "" {
		writeError(w, http.StatusBadRequest, "receiver is required")
		return
	}
	if err := chat.ValidateMessage(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := h.messages.Insert(r.Context(), store.Message{
		Sender:   UsernameFrom(r.Context()),
		Receiver: req.Receiver,
		Text:     req.Text,
	})
	if err != nil {
		writeStoreError(w, "create message", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.chat.Delete(r.Context(), UsernameFrom(r.Context()), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, router.ErrForbidden):
		writeError(w, http.StatusForbidden, "not a participant")
	default:
		writeStoreError(w, "delete message", err)
	}
}

func (h *Handler) sessionCookie(value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     identity.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	// Cross-site frontends need SameSite=None, which browsers only accept
	// together with Secure.
	if h.secure {
		c.Secure = true
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	log.Printf("[api] %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "server error")
}
