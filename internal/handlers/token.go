package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hirespot/chat/internal/auth"
	"github.com/hirespot/chat/internal/middleware"
)

// TokenHandler implements the credential refresh collaborator. A client whose
// bearer token was rejected mid-session exchanges it here for a fresh one; the
// old token's signature must still check out even if it has expired.
type TokenHandler struct {
	Secret   []byte
	TokenTTL time.Duration
}

type refreshResponse struct {
	Token string `json:"token"`
}

func (h *TokenHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userID, err := auth.NewVerifier(h.Secret).VerifyIgnoringExpiry(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	fresh, err := auth.Mint(h.Secret, userID, h.TokenTTL)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(refreshResponse{Token: fresh})
}
