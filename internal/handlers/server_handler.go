package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/guildindex/backend/internal/middleware"
	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/services"
)

type ServerHandler struct {
	servers *services.ServerService
	bumps   *services.BumpService
	reports *services.ReportService
}

func NewServerHandler(servers *services.ServerService, bumps *services.BumpService, reports *services.ReportService) *ServerHandler {
	return &ServerHandler{servers: servers, bumps: bumps, reports: reports}
}

func (h *ServerHandler) ListServers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.BrowseQuery{
		Category: q.Get("category"),
		Language: q.Get("language"),
		Search:   q.Get("q"),
		Sort:     models.ParseSortKey(q.Get("sort")),
	}

	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	list, err := h.servers.Browse(ctx, query)
	if err != nil {
		writeServiceError(w, "ListServers", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(list))
}

func (h *ServerHandler) FeaturedServers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	list, err := h.servers.Featured(ctx)
	if err != nil {
		writeServiceError(w, "FeaturedServers", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(list))
}

func (h *ServerHandler) GetServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverId")

	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	srv, err := h.servers.Get(ctx, middleware.GetUser(r.Context()), id)
	if err != nil {
		writeServiceError(w, "GetServer", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(srv))
}

func (h *ServerHandler) CreateServer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req models.ServerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Invalid request body"))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	srv, err := h.servers.Create(ctx, userID, &req)
	if err != nil {
		writeServiceError(w, "CreateServer", err)
		return
	}

	log.Printf("[CreateServer] Server created: %s by %s", srv.ID, userID)
	writeJSON(w, http.StatusCreated, models.NewSuccessResponse(srv))
}

func (h *ServerHandler) UpdateServer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "serverId")

	var req models.ServerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Invalid request body"))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	srv, err := h.servers.Update(ctx, userID, id, &req)
	if err != nil {
		writeServiceError(w, "UpdateServer", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(srv))
}

// DeleteServer answers 200 whether or not anything was removed.
func (h *ServerHandler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "serverId")

	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	deleted, err := h.servers.Delete(ctx, userID, id)
	if err != nil {
		writeServiceError(w, "DeleteServer", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(models.DeleteResponse{Deleted: deleted}))
}

func (h *ServerHandler) BumpServer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "serverId")

	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	entry, err := h.bumps.Bump(ctx, userID, id)
	if err != nil {
		writeServiceError(w, "BumpServer", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(entry))
}

func (h *ServerHandler) BumpStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "serverId")

	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	status, err := h.bumps.Status(ctx, userID, id)
	if err != nil {
		writeServiceError(w, "BumpStatus", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(status))
}

func (h *ServerHandler) ReportServer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "serverId")

	var req models.CreateReportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Invalid request body"))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	report, err := h.reports.Create(ctx, userID, id, &req, clientIP(r))
	if err != nil {
		writeServiceError(w, "ReportServer", err)
		return
	}

	log.Printf("[ReportServer] Report %s filed against %s", report.ID, id)
	writeJSON(w, http.StatusCreated, models.NewSuccessResponse(report))
}
