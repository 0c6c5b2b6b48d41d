package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/guildindex/backend/internal/middleware"
	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/services"
)

type AdminHandler struct {
	admin *services.AdminService
}

func NewAdminHandler(admin *services.AdminService) *AdminHandler {
	return &AdminHandler{admin: admin}
}

func (h *AdminHandler) PendingServers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	list, err := h.admin.PendingServers(ctx)
	if err != nil {
		writeServiceError(w, "PendingServers", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(list))
}

func (h *AdminHandler) ApproveServer(w http.ResponseWriter, r *http.Request) {
	h.setApproved(w, r, true)
}

func (h *AdminHandler) UnapproveServer(w http.ResponseWriter, r *http.Request) {
	h.setApproved(w, r, false)
}

func (h *AdminHandler) setApproved(w http.ResponseWriter, r *http.Request, approved bool) {
	id := chi.URLParam(r, "serverId")

	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	srv, err := h.admin.SetApproved(ctx, id, approved)
	if err != nil {
		writeServiceError(w, "SetApproved", err)
		return
	}
	log.Printf("[SetApproved] %s set approved=%t on %s", middleware.GetUserID(r.Context()), approved, id)
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(srv))
}

func (h *AdminHandler) VerifyServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverId")

	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	srv, err := h.admin.SetVerified(ctx, id, true)
	if err != nil {
		writeServiceError(w, "VerifyServer", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(srv))
}

func (h *AdminHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	status := models.ReportStatus(r.URL.Query().Get("status"))

	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	list, err := h.admin.Reports(ctx, status)
	if err != nil {
		writeServiceError(w, "ListReports", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(list))
}

func (h *AdminHandler) ResolveReport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	report, err := h.admin.ResolveReport(ctx, chi.URLParam(r, "reportId"))
	if err != nil {
		writeServiceError(w, "ResolveReport", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(report))
}

func (h *AdminHandler) DismissReport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r.Context(), storeTimeout)
	defer cancel()

	report, err := h.admin.DismissReport(ctx, chi.URLParam(r, "reportId"))
	if err != nil {
		writeServiceError(w, "DismissReport", err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(report))
}
