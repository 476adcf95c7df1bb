package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
	"github.com/coinloft/crypto-custody-app/backend/internal/usecases"
	"github.com/coinloft/crypto-custody-app/backend/internal/usecases/repository"
	"github.com/coinloft/crypto-custody-app/backend/internal/workers"
)

type HTTPHandler struct {
	logger              *slog.Logger
	depositService      *usecases.DepositServiceImpl
	detectionManager    *workers.DepositDetectionManager
	confirmationManager *workers.DepositConfirmationManager
}

func NewHTTPHandler(
	logger *slog.Logger,
	depositService *usecases.DepositServiceImpl,
	detectionManager *workers.DepositDetectionManager,
	confirmationManager *workers.DepositConfirmationManager,
) *HTTPHandler {
	return &HTTPHandler{
		logger:              logger,
		depositService:      depositService,
		detectionManager:    detectionManager,
		confirmationManager: confirmationManager,
	}
}

func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	// Monitoring
	router.HandleFunc("/monitoring/status", h.GetMonitoringStatus).Methods("GET")
	router.HandleFunc("/monitoring/scan", h.TriggerScan).Methods("POST")

	// Deposits
	router.HandleFunc("/deposits", h.ListDeposits).Methods("GET")
	router.HandleFunc("/deposits/statistics", h.GetDepositStatistics).Methods("GET")
	router.HandleFunc("/deposits/{depositId}", h.GetDeposit).Methods("GET")
}

// GetMonitoringStatus reports the detection manager state: running flag,
// active chains and per-detector cursors.
func (h *HTTPHandler) GetMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.detectionManager.Status())
}

// TriggerScan runs one immediate scan over every chain. Per-chain failures
// are reported in the response without failing the request.
func (h *HTTPHandler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	failures := h.detectionManager.ScanAllChains(r.Context())

	writeJSON(w, map[string]any{
		"triggered": true,
		"failures":  failures,
	})
}

// ListDeposits returns deposits filtered by the status, chain, user_id and
// limit query parameters.
func (h *HTTPHandler) ListDeposits(w http.ResponseWriter, r *http.Request) {
	filter := repository.DepositFilter{
		Chain: r.URL.Query().Get("chain"),
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = parseDepositStatus(status)
		if filter.Status == "" {
			http.Error(w, "Invalid status parameter", http.StatusBadRequest)
			return
		}
	}

	if userIDParam := r.URL.Query().Get("user_id"); userIDParam != "" {
		userID, err := strconv.ParseInt(userIDParam, 10, 64)
		if err != nil {
			http.Error(w, "Invalid user_id parameter", http.StatusBadRequest)
			return
		}
		filter.UserID = userID
	}

	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		limit, err := strconv.ParseUint(limitParam, 10, 64)
		if err != nil {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	deposits, err := h.depositService.ListDeposits(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to list deposits", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, deposits)
}

// GetDeposit returns one deposit by id.
func (h *HTTPHandler) GetDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["depositId"])
	if err != nil {
		http.Error(w, "Invalid deposit id", http.StatusBadRequest)
		return
	}

	deposit, err := h.depositService.GetDeposit(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to load deposit", "deposit_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if deposit == nil {
		http.Error(w, "Deposit not found", http.StatusNotFound)
		return
	}

	writeJSON(w, deposit)
}

// GetDepositStatistics returns per-status deposit counts plus the manual
// approval queue depth.
func (h *HTTPHandler) GetDepositStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.confirmationManager.Statistics(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to load deposit statistics", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, stats)
}

// parseDepositStatus parses a status query parameter, returning "" when the
// value is not a known deposit status.
func parseDepositStatus(value string) entities.DepositStatus {
	status := entities.DepositStatus(value)
	switch status {
	case entities.DepositStatusPending,
		entities.DepositStatusConfirmed,
		entities.DepositStatusCredited,
		entities.DepositStatusRejected,
		entities.DepositStatusFailed:
		return status
	}
	return ""
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}
