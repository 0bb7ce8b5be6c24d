package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/hirespot/chat/internal/middleware"
	"github.com/hirespot/chat/internal/models"
	"github.com/hirespot/chat/internal/store"
	"github.com/hirespot/chat/internal/ws"
)

// ChatHandler serves the REST collaborators around the realtime core:
// conversation list, paginated history, and the bulk mark-as-read trigger.
type ChatHandler struct {
	Store store.Store
	Hub   *ws.Hub
}

func (h *ChatHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFrom(r.Context())
	if userID == 0 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	summaries, err := h.Store.GetUserConversations(userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}

	json.NewEncoder(w).Encode(summaries)
}

// GetMessages returns a page of messages newest first. Clients reverse the
// page into chronological order for display.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	conversationID, _ := strconv.Atoi(vars["id"])

	userID := middleware.UserIDFrom(r.Context())
	if userID == 0 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	isParticipant, err := h.Store.IsParticipant(conversationID, userID)
	if err != nil || !isParticipant {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	before, _ := strconv.Atoi(r.URL.Query().Get("before"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	messages, err := h.Store.GetMessagesBefore(conversationID, before, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	json.NewEncoder(w).Encode(messages)
}

// MarkRead runs the bulk read transition for the viewer and pushes the
// resulting status updates to the sender over the realtime transport.
func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	conversationID, _ := strconv.Atoi(vars["id"])

	userID := middleware.UserIDFrom(r.Context())
	if userID == 0 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.Hub.Pipeline().MarkConversationRead(conversationID, userID); err != nil {
		if errors.Is(err, ws.ErrNotParticipant) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
