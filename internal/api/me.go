package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dyadlabs/dyad-server/internal/apperr"
	"github.com/dyadlabs/dyad-server/internal/store"
)

// ProfileStore is the account surface for the profile endpoints.
type ProfileStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	UpdateUserProfile(ctx context.Context, id string, name, email *string) (*store.User, error)
}

// MeHandler serves the authenticated user's profile.
type MeHandler struct {
	users ProfileStore
}

func NewMeHandler(users ProfileStore) *MeHandler {
	return &MeHandler{users: users}
}

func (h *MeHandler) Routes(r chi.Router) {
	r.Get("/me", h.Get)
	r.Patch("/me", h.Update)
}

func (h *MeHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUser(r.Context(), UserID(r.Context()))
	if err != nil {
		WriteAppError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, user)
}

type updateProfileRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

// Update handles PATCH /api/v1/me. Absent fields keep their value.
func (h *MeHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteAppError(w, r, apperr.New(apperr.CodeBadRequest, "invalid request body"))
		return
	}
	if req.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*req.Email))
		if email == "" || !strings.Contains(email, "@") {
			WriteAppError(w, r, apperr.New(apperr.CodeBadRequest, "invalid email address"))
			return
		}
		req.Email = &email
	}

	user, err := h.users.UpdateUserProfile(r.Context(), UserID(r.Context()), req.Name, req.Email)
	if err != nil {
		WriteAppError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, user)
}
