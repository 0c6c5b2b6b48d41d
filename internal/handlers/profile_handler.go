package handlers

import (
	"net/http"

	"github.com/guildindex/backend/internal/middleware"
	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/services"
)

type ProfileHandler struct {
	servers *services.ServerService
}

func NewProfileHandler(servers *services.ServerService) *ProfileHandler {
	return &ProfileHandler{servers: servers}
}

type profileResponse struct {
	User        *models.User `json:"user"`
	ServerCount int          `json:"server_count"`
	ServerLimit int          `json:"server_limit"`
}

func (h *ProfileHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	owned, err := h.servers.ListByOwner(ctx, user.ID)
	if err != nil {
		writeServiceError(w, "GetMe", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(profileResponse{
		User:        user,
		ServerCount: len(owned),
		ServerLimit: services.MaxServersPerOwner,
	}))
}

// ListMyServers returns every listing the caller owns, approved or not.
func (h *ProfileHandler) ListMyServers(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	list, err := h.servers.ListByOwner(ctx, userID)
	if err != nil {
		writeServiceError(w, "ListMyServers", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(list))
}

func GetMeta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(models.DefaultCatalog()))
}
