/**
 * @description
 * HTTP handlers for the payout-service internal API.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/app"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/circuitbreaker"
	"github.com/transfa/payout-service/pkg/idempotency"
	"github.com/transfa/payout-service/pkg/metrics"
	"github.com/transfa/payout-service/pkg/sharedstore"
)

// PayoutReader is the read side of the repository the API exposes.
type PayoutReader interface {
	FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error)
	GetCreatorBalance(ctx context.Context, creatorID uuid.UUID, currency string) (*domain.CreatorBalance, error)
}

// Handler holds the services the handlers interact with.
type Handler struct {
	settler  app.Settler
	payouts  PayoutReader
	breaker  *circuitbreaker.Breaker
	metrics  *metrics.Registry
	logger   *slog.Logger
	currency string
	now      func() time.Time
}

// NewHandler creates a new Handler. breaker is the processor breaker; settlement
// runs are refused while it is open.
func NewHandler(settler app.Settler, payouts PayoutReader, breaker *circuitbreaker.Breaker, registry *metrics.Registry, logger *slog.Logger, currency string) *Handler {
	return &Handler{
		settler:  settler,
		payouts:  payouts,
		breaker:  breaker,
		metrics:  registry,
		logger:   logger,
		currency: currency,
		now:      time.Now,
	}
}

type runSettlementRequest struct {
	Date string `json:"date"`
}

func (h *Handler) handleRunSettlement(w http.ResponseWriter, r *http.Request) {
	var req runSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Date == "" {
		req.Date = r.URL.Query().Get("date")
	}

	date := h.now().UTC()
	if req.Date != "" {
		parsed, err := idempotency.ParseDate(req.Date)
		if err != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		date = parsed
	}

	if err := h.breakerAdmits(); err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.settler.Run(r.Context(), date)
	if err != nil {
		h.logger.Error("settlement run failed", "component", "api", "date", idempotency.FormatDate(date), "error", err)
		h.writeError(w, err)
		return
	}

	code := http.StatusOK
	if result.LockHeld {
		code = http.StatusConflict
	}
	respondWithJSON(w, code, result)
}

func (h *Handler) handleMatureEarnings(w http.ResponseWriter, r *http.Request) {
	matured, err := h.settler.Mature(r.Context())
	if err != nil {
		h.logger.Error("earnings maturation failed", "component", "api", "error", err)
		h.writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int64{"matured": matured})
}

func (h *Handler) handleGetPayout(w http.ResponseWriter, r *http.Request) {
	payoutID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid payout ID", http.StatusBadRequest)
		return
	}

	payout, err := h.payouts.FindPayoutByID(r.Context(), payoutID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, payout)
}

func (h *Handler) handleGetCreatorBalance(w http.ResponseWriter, r *http.Request) {
	creatorID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid creator ID", http.StatusBadRequest)
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("currency")))
	if currency == "" {
		currency = h.currency
	}

	balance, err := h.payouts.GetCreatorBalance(r.Context(), creatorID, currency)
	if err != nil {
		h.logger.Error("failed to load creator balance", "component", "api", "creator_id", creatorID.String(), "error", err)
		h.writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, balance)
}

func (h *Handler) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, []circuitbreaker.Snapshot{h.breaker.Snapshot()})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.metrics.Snapshot())
}

// breakerAdmits refuses work up front while the processor breaker is open, so a
// run does not claim its period lock only to fail every creator.
func (h *Handler) breakerAdmits() error {
	snapshot := h.breaker.Snapshot()
	if snapshot.State != circuitbreaker.StateOpen {
		return nil
	}
	retryAfter := time.Duration(snapshot.ResetTimeoutSeconds * float64(time.Second))
	if snapshot.OpenedAt != nil {
		retryAfter = snapshot.OpenedAt.Add(retryAfter).Sub(h.now())
	}
	return &circuitbreaker.OpenError{Name: snapshot.Name, State: snapshot.State, RetryAfter: retryAfter}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var openErr *circuitbreaker.OpenError
	switch {
	case errors.As(err, &openErr):
		h.metrics.Inc("api_unavailable", "breaker_open")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(openErr.RetryAfter)))
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "payment processor unavailable"})
	case errors.Is(err, sharedstore.ErrUnavailable):
		h.metrics.Inc("api_unavailable", "shared_store")
		w.Header().Set("Retry-After", "1")
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "coordination store unavailable"})
	case errors.Is(err, store.ErrPayoutNotFound):
		http.Error(w, "Payout not found", http.StatusNotFound)
	default:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
