// Package httpapi serves the REST half of the chat surface: listing and
// creating conversations, and reading and posting messages. Messages posted
// here go through the same write path as the realtime gateway, so live
// subscribers receive them too.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/converse/chat-core/internal/account"
	"github.com/converse/chat-core/internal/auth"
	"github.com/converse/chat-core/internal/chat"
	"github.com/converse/chat-core/internal/conversation"
	"github.com/converse/chat-core/internal/membership"
	"github.com/converse/chat-core/internal/message"
)

// Verifier resolves bearer tokens to accounts.
type Verifier interface {
	Verify(ctx context.Context, token string) (*account.Account, error)
}

// Conversations creates conversations.
type Conversations interface {
	Create(ctx context.Context, creatorID string, participantIDs []string, title *string) (*conversation.Conversation, error)
}

// Members answers membership questions and lists an account's conversations.
type Members interface {
	IsMember(ctx context.Context, accountID, conversationID string) (bool, error)
	ListForAccount(ctx context.Context, accountID string) ([]membership.Summary, error)
}

// History reads a conversation's messages.
type History interface {
	ListPage(ctx context.Context, conversationID string, page, limit int) (*message.Page, error)
}

// Poster is the shared message write path.
type Poster interface {
	PostMessage(ctx context.Context, acc *account.Account, conversationID, content, msgType string) (*message.Message, error)
}

// Deps are the collaborators of the API.
type Deps struct {
	Verifier      Verifier
	Conversations Conversations
	Members       Members
	History       History
	Poster        Poster
}

// API holds the chat REST handlers.
type API struct {
	deps         Deps
	router       *httprouter.Router
	storeTimeout time.Duration
}

// New creates the API and registers its routes.
func New(deps Deps, storeTimeout time.Duration) *API {
	a := &API{
		deps:         deps,
		router:       httprouter.New(),
		storeTimeout: storeTimeout,
	}
	a.setupRoutes()
	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) setupRoutes() {
	a.router.GET("/chat/conversations", a.authed(a.handleListConversations))
	a.router.POST("/chat/conversations", a.authed(a.handleCreateConversation))
	a.router.GET("/chat/conversations/:id/messages", a.authed(a.handleListMessages))
	a.router.POST("/chat/conversations/:id/messages", a.authed(a.handlePostMessage))
}

type handle func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, acc *account.Account)

// authed resolves the bearer token before calling h. Requests without a
// valid token get 401.
func (a *API) authed(h handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		acc, err := a.deps.Verifier.Verify(r.Context(), auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			_, reason := chat.Describe(err, "User not authenticated")
			writeJSON(w, http.StatusUnauthorized, errorBody{Message: reason})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), a.storeTimeout)
		defer cancel()
		h(w, r.WithContext(ctx), ps, acc)
	}
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request, _ httprouter.Params, acc *account.Account) {
	summaries, err := a.deps.Members.ListForAccount(r.Context(), acc.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]conversationView, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, newConversationView(s))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": out})
}

type createConversationRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	Title          *string  `json:"title"`
}

func (a *API) handleCreateConversation(w http.ResponseWriter, r *http.Request, _ httprouter.Params, acc *account.Account) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "Invalid request body"})
		return
	}

	conv, err := a.deps.Conversations.Create(r.Context(), acc.ID, req.ParticipantIDs, req.Title)
	if err != nil {
		writeError(w, err)
		return
	}

	log.Printf("[http] conversation=%s created by account=%s participants=%d",
		conv.ID, acc.ID, len(conv.Participants))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Conversation created successfully",
		"conversation": createdConversationView{
			ID:        conv.ID,
			Title:     conv.Title,
			IsGroup:   conv.IsGroup,
			CreatedAt: conv.CreatedAt,
		},
	})
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request, ps httprouter.Params, acc *account.Account) {
	conversationID := ps.ByName("id")

	ok, err := a.deps.Members.IsMember(r.Context(), acc.ID, conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusForbidden, errorBody{Message: "Access denied to this conversation"})
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	p, err := a.deps.History.ListPage(r.Context(), conversationID, page, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	msgs := make([]messageView, 0, len(p.Messages))
	for i := range p.Messages {
		msgs = append(msgs, newMessageView(&p.Messages[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"pagination": paginationView{
			Page:       p.Page,
			Limit:      p.Limit,
			Total:      p.Total,
			TotalPages: p.TotalPages,
		},
	})
}

type postMessageRequest struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

func (a *API) handlePostMessage(w http.ResponseWriter, r *http.Request, ps httprouter.Params, acc *account.Account) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "Invalid request body"})
		return
	}

	m, err := a.deps.Poster.PostMessage(r.Context(), acc, ps.ByName("id"), req.Content, req.Type)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Message sent successfully",
		"data":    newMessageView(m),
	})
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

type errorBody struct {
	Message string `json:"message"`
}

// statusFor maps the error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[http] internal error: %v", err)
	}
	_, reason := chat.Describe(err, "Internal server error")
	writeJSON(w, status, errorBody{Message: reason})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[http] encode response: %v", err)
	}
}
