// backend/src/handlers/iati_handler.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/username/aims/backend/src/logger"
	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/processors"
	"github.com/username/aims/backend/src/security/validation"
	"github.com/username/aims/backend/src/services"
	"github.com/username/aims/backend/src/utils"
)

const defaultInspectSample = 5

type IATIHandler struct {
	importService  services.ImportService
	maxUploadBytes int64
}

func NewIATIHandler(service services.ImportService, maxUploadBytes int64) *IATIHandler {
	return &IATIHandler{
		importService:  service,
		maxUploadBytes: maxUploadBytes,
	}
}

// Register mounts the import routes under /api/iati.
func (h *IATIHandler) Register(r chi.Router) {
	r.Route("/api/iati", func(r chi.Router) {
		r.Post("/parse", h.HandleParse)
		r.Post("/debug", h.HandleDebug)
		r.Post("/import", h.HandleImport)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/unresolved", h.HandleListUnresolved)
			r.Post("/assignments", h.HandleApplyAssignments)
			r.Post("/import", h.HandleImportSession)
			r.Delete("/", h.HandleDiscard)
		})
	})
}

// readUpload pulls the "file" form field out of a multipart request and
// checks it is XML. On failure it writes the response and returns ok=false.
func (h *IATIHandler) readUpload(w http.ResponseWriter, r *http.Request) (fileName string, data []byte, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		logger.L.Warn("Failed to parse multipart form or request too large", "error", err, "limit", h.maxUploadBytes)
		utils.SendJSONError(w, fmt.Sprintf("Failed to parse form or request too large (max %d MB)", h.maxUploadBytes/(1024*1024)), http.StatusBadRequest)
		return "", nil, false
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		logger.L.Warn("Failed to retrieve file from request", "error", err)
		utils.SendJSONError(w, "Failed to retrieve file from request. Ensure 'file' field is used.", http.StatusBadRequest)
		return "", nil, false
	}
	defer file.Close()

	fileName = validation.SanitizeFileName(fileHeader.Filename)
	if fileHeader.Size > h.maxUploadBytes {
		logger.L.Warn("Uploaded file header reports size too large", "fileName", fileName, "fileSize", fileHeader.Size, "limit", h.maxUploadBytes)
		utils.SendJSONError(w, fmt.Sprintf("File too large, max %d MB", h.maxUploadBytes/(1024*1024)), http.StatusRequestEntityTooLarge)
		return "", nil, false
	}

	clientContentType := fileHeader.Header.Get("Content-Type")
	if clientContentType != "" {
		if err := validation.ValidateClientContentType(clientContentType); err != nil {
			utils.SendJSONError(w, err.Error(), http.StatusUnsupportedMediaType)
			return "", nil, false
		}
	}

	detectedContentType, err := validation.ValidateFileContentByMagicBytes(file)
	if err != nil {
		logger.L.Warn("Server-side file content validation failed", "fileName", fileName, "error", err)
		status := http.StatusBadRequest
		if errors.Is(err, validation.ErrInvalidUpload) {
			status = http.StatusUnsupportedMediaType
		}
		utils.SendJSONError(w, err.Error(), status)
		return "", nil, false
	}

	data, err = io.ReadAll(file)
	if err != nil {
		logger.L.Error("Failed to read uploaded file", "fileName", fileName, "error", err)
		utils.SendJSONError(w, "Failed to read uploaded file", http.StatusBadRequest)
		return "", nil, false
	}
	logger.L.Info("Received IATI upload", "fileName", fileName, "bytes", len(data), "clientType", clientContentType, "detectedType", detectedContentType)
	return fileName, data, true
}

// HandleParse parses an uploaded file into a review session and returns
// the preview.
func (h *IATIHandler) HandleParse(w http.ResponseWriter, r *http.Request) {
	fileName, data, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	preview, err := h.importService.Parse(r.Context(), fileName, data)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	utils.SendJSON(w, preview, http.StatusOK)
}

// HandleDebug returns structural diagnostics for an uploaded file.
func (h *IATIHandler) HandleDebug(w http.ResponseWriter, r *http.Request) {
	_, data, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	sample := defaultInspectSample
	if s := r.URL.Query().Get("sample"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			utils.SendJSONError(w, "sample must be a non-negative integer", http.StatusBadRequest)
			return
		}
		sample = n
	}
	diag, err := h.importService.Inspect(r.Context(), data, sample)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	utils.SendJSON(w, diag, http.StatusOK)
}

// HandleImport parses and imports an uploaded file in one request. An
// optional "assignments" form field carries an assignment request as JSON.
func (h *IATIHandler) HandleImport(w http.ResponseWriter, r *http.Request) {
	fileName, data, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	var req processors.AssignmentRequest
	if raw := r.FormValue("assignments"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			utils.SendJSONError(w, "assignments must be a JSON assignment request", http.StatusBadRequest)
			return
		}
	}
	report, err := h.importService.ImportFile(r.Context(), fileName, data, req)
	writeReport(w, report, err)
}

func (h *IATIHandler) HandleListUnresolved(w http.ResponseWriter, r *http.Request) {
	unresolved, err := h.importService.ListUnresolved(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	utils.SendJSON(w, map[string]any{"unresolved": unresolved}, http.StatusOK)
}

func (h *IATIHandler) HandleApplyAssignments(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAssignments(w, r, false)
	if !ok {
		return
	}
	res, err := h.importService.ApplyAssignments(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	utils.SendJSON(w, res, http.StatusOK)
}

// HandleImportSession confirms a review session. The body may carry final
// assignments.
func (h *IATIHandler) HandleImportSession(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAssignments(w, r, true)
	if !ok {
		return
	}
	report, err := h.importService.Import(r.Context(), chi.URLParam(r, "sessionID"), req)
	writeReport(w, report, err)
}

func (h *IATIHandler) HandleDiscard(w http.ResponseWriter, r *http.Request) {
	if !h.importService.Discard(chi.URLParam(r, "sessionID")) {
		writeServiceError(w, models.ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeAssignments(w http.ResponseWriter, r *http.Request, optional bool) (processors.AssignmentRequest, bool) {
	var req processors.AssignmentRequest
	err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&req)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && optional:
	default:
		utils.SendJSONError(w, "Invalid assignment request body", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// writeReport answers an import. The report is sent even when the run
// failed, next to the error.
func writeReport(w http.ResponseWriter, report *models.ImportReport, err error) {
	if err == nil {
		utils.SendJSON(w, report, http.StatusOK)
		return
	}
	if report == nil {
		writeServiceError(w, err)
		return
	}
	utils.SendJSON(w, map[string]any{"error": err.Error(), "report": report}, statusFor(err))
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && !errors.Is(err, services.ErrImportFailed) {
		logger.L.Error("Internal error handling IATI request", "error", err)
		msg = "An internal error occurred while processing the file. Please try again later."
	}
	utils.SendJSONError(w, msg, status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyImported):
		return http.StatusConflict
	case errors.Is(err, services.ErrParsingFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, services.ErrLookupFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
