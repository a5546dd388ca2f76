package handler

import (
	"net/http"

	"github.com/replaysMike/binner-auth/internal/http/response"
	"github.com/replaysMike/binner-auth/internal/identity"
)

type UserHandler struct{}

func NewUserHandler() *UserHandler { return &UserHandler{} }

// Me echoes the identity resolved from the access token.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, id)
}

// Assets is the default asset endpoint. Real asset serving is mounted by the
// embedding application.
func (h *UserHandler) Assets(w http.ResponseWriter, r *http.Request) {
	response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "asset not found", nil)
}
