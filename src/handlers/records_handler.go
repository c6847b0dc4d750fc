package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/username/aims/backend/src/logger"
	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/utils"
)

// RecordStore is the read side the records endpoints need.
type RecordStore interface {
	ListImportLogs(ctx context.Context, limit int) ([]models.ImportLog, error)
	FindActivityByIdentifier(ctx context.Context, identifier string) (*models.StoredActivity, error)
	CountTransactions(ctx context.Context, activityID int64) (int, error)
	Ping(ctx context.Context) error
}

// ActivitySummary is a stored activity with its transaction count.
type ActivitySummary struct {
	models.StoredActivity
	TransactionCount int `json:"transaction_count"`
}

type RecordsHandler struct {
	store RecordStore
}

func NewRecordsHandler(store RecordStore) *RecordsHandler {
	return &RecordsHandler{store: store}
}

func (h *RecordsHandler) Register(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	r.Get("/api/iati/imports", h.HandleListImports)
	// Activity identifiers may contain slashes.
	r.Get("/api/activities/*", h.HandleGetActivity)
}

func (h *RecordsHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		logger.L.Error("Health check failed", "error", err)
		utils.SendJSON(w, map[string]string{"status": "unavailable"}, http.StatusServiceUnavailable)
		return
	}
	utils.SendJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// HandleListImports returns the most recent import runs, newest first.
func (h *RecordsHandler) HandleListImports(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			utils.SendJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	logs, err := h.store.ListImportLogs(r.Context(), limit)
	if err != nil {
		logger.L.Error("Error listing import logs", "error", err)
		utils.SendJSONError(w, "Error retrieving import history", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []models.ImportLog{}
	}
	utils.SendJSON(w, map[string]any{"imports": logs}, http.StatusOK)
}

// HandleGetActivity looks an activity up by IATI identifier. A zero
// transaction count means nothing has been linked to it yet.
func (h *RecordsHandler) HandleGetActivity(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "*")
	if identifier == "" {
		utils.SendJSONError(w, "activity identifier required", http.StatusBadRequest)
		return
	}
	activity, err := h.store.FindActivityByIdentifier(r.Context(), identifier)
	if errors.Is(err, models.ErrNotFound) {
		utils.SendJSONError(w, "activity not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.L.Error("Error looking up activity", "identifier", identifier, "error", err)
		utils.SendJSONError(w, "Error retrieving activity", http.StatusInternalServerError)
		return
	}
	count, err := h.store.CountTransactions(r.Context(), activity.ID)
	if err != nil {
		logger.L.Error("Error counting activity transactions", "identifier", identifier, "error", err)
		utils.SendJSONError(w, "Error retrieving activity", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, ActivitySummary{StoredActivity: *activity, TransactionCount: count}, http.StatusOK)
}
