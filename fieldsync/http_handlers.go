// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lambertbf98/GeoTech-sub000/internal/auth"
)

// MaxPhotoUploadBytes bounds the multipart body of a photo upload
const MaxPhotoUploadBytes = 32 << 20

// ClientAuthenticator extracts both user and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides the HTTP surface for the reconciliation API
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// RegisterRoutes attaches all sync endpoints to the mux
func (h *HTTPSyncHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sync/batch", h.HandleBatch)
	mux.HandleFunc("GET /projects/{id}", h.HandleGetProject)
	mux.HandleFunc("PUT /projects/{id}/content", h.HandlePutContent)
	mux.HandleFunc("GET /photos/project/{id}", h.HandleProjectPhotos)
	mux.HandleFunc("POST /photos/upload", h.HandlePhotoUpload)
	mux.HandleFunc("GET /health", h.HandleHealth)
}

// HandleBatch processes batch reconciliation requests. The batch itself
// always answers 200 for a well-formed request; per-item failures travel in
// the body.
func (h *HTTPSyncHandlers) HandleBatch(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var batchReq BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&batchReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse batch request")
		return
	}

	ctx := auth.SetAuthContext(r.Context(), userID, deviceID)
	response, err := h.service.ProcessBatch(ctx, &batchReq)
	if err != nil {
		h.logger.Error("Failed to process batch", "error", err, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "batch_failed", "Failed to process batch")
		return
	}

	h.writeJSON(w, response)
}

// HandleGetProject returns a project with its geometry aggregate
func (h *HTTPSyncHandlers) HandleGetProject(w http.ResponseWriter, r *http.Request) {
	_, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	project, err := h.service.FetchProject(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Project not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to fetch project", "error", err, "project_id", id)
		h.writeError(w, http.StatusInternalServerError, "fetch_failed", "Failed to fetch project")
		return
	}

	h.writeJSON(w, &ProjectResponse{Project: project})
}

// HandlePutContent replaces a project's geometry aggregate wholesale
func (h *HTTPSyncHandlers) HandlePutContent(w http.ResponseWriter, r *http.Request) {
	_, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	var push ContentPush
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse content")
		return
	}

	err := h.service.ReplaceProjectContent(r.Context(), id, &push.ProjectContent, push.UpdatedAt)
	if errors.Is(err, ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Project not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to replace content", "error", err, "project_id", id)
		h.writeError(w, http.StatusInternalServerError, "content_failed", "Failed to replace content")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleProjectPhotos lists the remote photo records for a project
func (h *HTTPSyncHandlers) HandleProjectPhotos(w http.ResponseWriter, r *http.Request) {
	_, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	photos, err := h.service.ListProjectPhotos(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list photos", "error", err, "project_id", id)
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list photos")
		return
	}

	h.writeJSON(w, &ProjectPhotosResponse{Photos: photos})
}

// HandlePhotoUpload creates a photo record from a multipart upload.
// Photo creation requires image bytes, which the JSON batch protocol does
// not carry, so it lives on this dedicated endpoint.
func (h *HTTPSyncHandlers) HandlePhotoUpload(w http.ResponseWriter, r *http.Request) {
	_, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxPhotoUploadBytes)
	if err := r.ParseMultipartForm(MaxPhotoUploadBytes); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse multipart form")
		return
	}

	projectID := r.FormValue("project_id")
	if projectID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "project_id is required")
		return
	}

	lat, err := strconv.ParseFloat(r.FormValue("lat"), 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "lat must be a number")
		return
	}
	lng, err := strconv.ParseFloat(r.FormValue("lng"), 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "lng must be a number")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "image part is required")
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read image part")
		return
	}

	photo, err := h.service.CreatePhotoFromUpload(r.Context(), projectID,
		lat, lng, r.FormValue("notes"), r.FormValue("description"), image)
	if err != nil {
		h.logger.Error("Failed to create photo", "error", err, "project_id", projectID, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "upload_failed", "Failed to create photo")
		return
	}

	h.writeJSON(w, &PhotoUploadResponse{Photo: photo})
}

// HandleHealth reports service health; also probed by devices to detect
// connectivity transitions
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, &HealthResponse{
		Status:  "healthy",
		AppName: h.service.config.AppName,
	})
}

// authenticate resolves user and device identity or writes a 401
func (h *HTTPSyncHandlers) authenticate(w http.ResponseWriter, r *http.Request) (userID, deviceID string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	deviceID, err = h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return userID, deviceID, true
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
