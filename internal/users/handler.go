package users

import (
	"encoding/json"
	"errors"
	"net/http"

	mw "github.com/clk-66/accord/internal/middleware"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// GET /users/@me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.GetByID(r.Context(), mw.GetUserID(r.Context()))
	w.Header().Set("Content-Type", "application/json")
	switch {
	case errors.Is(err, ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "user not found"}) //nolint:errcheck
	case err != nil:
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "failed to load user"}) //nolint:errcheck
	default:
		json.NewEncoder(w).Encode(u) //nolint:errcheck
	}
}
