package handler

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/0xrin1/flippening/internal/commitment"
	"github.com/0xrin1/flippening/internal/domain"
)

// CommitmentHandler computes commitments for clients that cannot hash
// locally. Nothing is stored.
type CommitmentHandler struct{}

type commitRequest struct {
	Secret  string `json:"secret,omitempty"`
	Salt    string `json:"salt,omitempty"`
	Outcome *bool  `json:"outcome,omitempty"`
}

// Commit returns the commitment of a secret. Without a secret, one is built
// from salt (random when empty) and outcome.
// POST /api/commitments
func (CommitmentHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	secret := req.Secret
	if secret == "" {
		if req.Outcome == nil {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("secret or outcome required: %v", domain.ErrInvalidWager))
			return
		}
		salt := req.Salt
		if salt == "" {
			b := make([]byte, 16)
			if _, err := rand.Read(b); err != nil {
				writeError(w, http.StatusInternalServerError, "salt generation failed")
				return
			}
			salt = hex.EncodeToString(b)
		}
		secret = commitment.Secret(salt, *req.Outcome)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":     secret,
		"commitment": commitment.Commit(secret).Hex(),
		"outcome":    commitment.ExtractOutcome(secret),
	})
}
