/*
handlers.go - HTTP API handlers for the concession ledger

PURPOSE:
  Exposes the ledger to front-desk and back-office tools. Handlers parse
  the request, call exactly one Ledger operation, and map its error onto
  an HTTP status.

ENDPOINTS:
  Customers:
    POST   /api/customers                       Register or rename a customer
    GET    /api/customers/{id}/balance          Balance projection
    POST   /api/customers/{id}/recompute        Re-derive the projection
    GET    /api/customers/{id}/blocks           All blocks, oldest purchase first
    POST   /api/customers/{id}/blocks           Record a purchased block
    GET    /api/customers/{id}/next             Block the next entry should consume
    POST   /api/customers/{id}/lock-expired     Lock every expired block

  Blocks:
    GET    /api/blocks/{id}                     Block details
    POST   /api/blocks/{id}/consume             Spend one entry
    POST   /api/blocks/{id}/restore             Give one entry back
    POST   /api/blocks/{id}/lock                Lock
    POST   /api/blocks/{id}/unlock              Unlock
    DELETE /api/blocks/{id}                     Delete an unlocked block

  Admin:
    POST   /api/admin/sweep                     Run the expiry sweep now
    POST   /api/admin/recompute                 Re-derive every customer

ERROR HANDLING:
  - 400: Malformed request
  - 404: Block or customer not found
  - 409: Block locked, or lost an update race too many times
  - 422: The write would break a quantity invariant
  - 503: Store unavailable (retryable)
  - 2xx with a Warning header: the block write was applied but the
    balance refresh after it failed; do not repeat the request
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/concession-ledger/concession"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *concession.Ledger
	Log    logrus.FieldLogger

	// Health is optional; when set, /api/health pings it.
	Health Pinger
}

// NewHandler creates a new handler around the ledger.
func NewHandler(ledger *concession.Ledger, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{Ledger: ledger, Log: log}
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// CreateCustomer registers a customer.
// POST /api/customers
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}

	c, err := h.Ledger.RegisterCustomer(r.Context(), concession.Customer{ID: concession.CustomerID(req.ID), Name: req.Name})
	if err != nil {
		h.writeLedgerError(w, "Failed to save customer", err)
		return
	}

	writeJSON(w, http.StatusCreated, CustomerDTO{ID: string(c.ID), Name: c.Name, CreatedAt: formatTime(c.CreatedAt)})
}

// GetBalance returns the stored balance projection.
// GET /api/customers/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.Ledger.Balance(r.Context(), customerParam(r))
	if err != nil {
		h.writeLedgerError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// RecomputeBalance re-derives one customer's projection from the blocks.
// POST /api/customers/{id}/recompute
func (h *Handler) RecomputeBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.Ledger.Recompute(r.Context(), customerParam(r))
	if err != nil {
		h.writeLedgerError(w, "Failed to recompute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// ListBlocks returns a customer's blocks.
// GET /api/customers/{id}/blocks
func (h *Handler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.Ledger.ListBlocks(r.Context(), customerParam(r))
	if err != nil {
		h.writeLedgerError(w, "Failed to list blocks", err)
		return
	}

	dtos := make([]BlockDTO, len(blocks))
	for i, b := range blocks {
		dtos[i] = toBlockDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBlock records a purchased bundle.
// POST /api/customers/{id}/blocks
func (h *Handler) CreateBlock(w http.ResponseWriter, r *http.Request) {
	var req CreateBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := concession.CreateBlockInput{
		CustomerID:     customerParam(r),
		Package:        concession.PackageRef{ID: req.PackageID, Name: req.PackageName},
		Quantity:       req.Quantity,
		PaymentMethod:  req.PaymentMethod,
		TransactionRef: req.TransactionRef,
		Notes:          req.Notes,
		CreatedBy:      req.CreatedBy,
	}
	if req.PurchaseDate != "" {
		t, err := parseDate(req.PurchaseDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid purchase_date", err)
			return
		}
		in.PurchaseDate = t
	}
	if req.ExpiryDate != nil && *req.ExpiryDate != "" {
		t, err := parseDate(*req.ExpiryDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expiry_date", err)
			return
		}
		in.ExpiryDate = &t
	}
	if req.Price != "" {
		price, err := decimal.NewFromString(req.Price)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid price", err)
			return
		}
		in.Price = price
	}

	id, err := h.Ledger.Create(r.Context(), in)
	if err != nil && !concession.IsApplied(err) {
		h.writeLedgerError(w, "Failed to create block", err)
		return
	}
	if err != nil {
		h.staleBalance(w, id, err)
	}

	writeJSON(w, http.StatusCreated, CreateBlockResponse{ID: string(id)})
}

// NextBlock returns the block the next entry should consume.
// GET /api/customers/{id}/next?allow_expired=true
func (h *Handler) NextBlock(w http.ResponseWriter, r *http.Request) {
	allowExpired := false
	if v := r.URL.Query().Get("allow_expired"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid allow_expired", err)
			return
		}
		allowExpired = b
	}

	b, err := h.Ledger.NextAvailable(r.Context(), customerParam(r), allowExpired)
	if err != nil {
		h.writeLedgerError(w, "Failed to select block", err)
		return
	}

	resp := NextBlockResponse{}
	if b != nil {
		dto := toBlockDTO(*b)
		resp.Block = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// LockExpired locks every expired, unlocked block of the customer.
// POST /api/customers/{id}/lock-expired
func (h *Handler) LockExpired(w http.ResponseWriter, r *http.Request) {
	actor, ok := decodeActor(w, r)
	if !ok {
		return
	}

	n, err := h.Ledger.LockAllExpired(r.Context(), customerParam(r), actor)
	if err != nil && n == 0 {
		h.writeLedgerError(w, "Failed to lock expired blocks", err)
		return
	}
	if err != nil {
		h.Log.WithError(err).WithField("locked", n).Warn("expired blocks locked with errors")
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// =============================================================================
// BLOCK HANDLERS
// =============================================================================

// GetBlock returns a single block.
// GET /api/blocks/{id}
func (h *Handler) GetBlock(w http.ResponseWriter, r *http.Request) {
	b, err := h.Ledger.Get(r.Context(), blockParam(r))
	if err != nil {
		h.writeLedgerError(w, "Failed to get block", err)
		return
	}
	writeJSON(w, http.StatusOK, toBlockDTO(*b))
}

// ConsumeBlock spends one entry.
// POST /api/blocks/{id}/consume
func (h *Handler) ConsumeBlock(w http.ResponseWriter, r *http.Request) {
	h.mutateBlock(w, r, "Failed to consume block", h.Ledger.Consume)
}

// RestoreBlock gives one entry back.
// POST /api/blocks/{id}/restore
func (h *Handler) RestoreBlock(w http.ResponseWriter, r *http.Request) {
	h.mutateBlock(w, r, "Failed to restore block", h.Ledger.Restore)
}

// LockBlock locks a block.
// POST /api/blocks/{id}/lock
func (h *Handler) LockBlock(w http.ResponseWriter, r *http.Request) {
	actor, ok := decodeActor(w, r)
	if !ok {
		return
	}
	h.mutateBlock(w, r, "Failed to lock block", func(ctx context.Context, id concession.BlockID) error {
		return h.Ledger.Lock(ctx, id, actor)
	})
}

// UnlockBlock unlocks a block.
// POST /api/blocks/{id}/unlock
func (h *Handler) UnlockBlock(w http.ResponseWriter, r *http.Request) {
	actor, ok := decodeActor(w, r)
	if !ok {
		return
	}
	h.mutateBlock(w, r, "Failed to unlock block", func(ctx context.Context, id concession.BlockID) error {
		return h.Ledger.Unlock(ctx, id, actor)
	})
}

// DeleteBlock removes an unlocked block.
// DELETE /api/blocks/{id}
func (h *Handler) DeleteBlock(w http.ResponseWriter, r *http.Request) {
	id := blockParam(r)
	if err := h.Ledger.Delete(r.Context(), id); err != nil {
		if !concession.IsApplied(err) {
			h.writeLedgerError(w, "Failed to delete block", err)
			return
		}
		h.staleBalance(w, id, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// mutateBlock runs op and responds with the block as stored afterwards.
// A write that was applied but left the balance stale still answers 200 so
// the client does not repeat it.
func (h *Handler) mutateBlock(w http.ResponseWriter, r *http.Request, msg string, op func(context.Context, concession.BlockID) error) {
	ctx := r.Context()
	id := blockParam(r)

	if err := op(ctx, id); err != nil {
		if !concession.IsApplied(err) {
			h.writeLedgerError(w, msg, err)
			return
		}
		h.staleBalance(w, id, err)
	}

	b, err := h.Ledger.Get(ctx, id)
	if err != nil {
		h.writeLedgerError(w, "Failed to reload block", err)
		return
	}
	writeJSON(w, http.StatusOK, toBlockDTO(*b))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs the expiry sweep immediately.
// POST /api/admin/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.Ledger.Sweep(r.Context())
	if err != nil && n == 0 {
		h.writeLedgerError(w, "Expiry sweep failed", err)
		return
	}
	if err != nil {
		h.Log.WithError(err).WithField("expired", n).Warn("expiry sweep finished with errors")
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// RecomputeAll re-derives every customer's projection.
// POST /api/admin/recompute
func (h *Handler) RecomputeAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.Ledger.RecomputeAll(r.Context())
	if err != nil && n == 0 {
		h.writeLedgerError(w, "Recompute failed", err)
		return
	}
	if err != nil {
		h.Log.WithError(err).WithField("recomputed", n).Warn("recompute finished with errors")
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// HealthCheck reports whether the store is reachable.
// GET /api/health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func customerParam(r *http.Request) concession.CustomerID {
	return concession.CustomerID(chi.URLParam(r, "id"))
}

func blockParam(r *http.Request) concession.BlockID {
	return concession.BlockID(chi.URLParam(r, "id"))
}

// decodeActor reads an ActorRequest. An empty body is allowed and
// yields an empty actor.
func decodeActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req ActorRequest
	if r.Body == nil || r.ContentLength == 0 {
		return "", true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return "", false
	}
	return req.Actor, true
}

// statusFor maps a ledger error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case concession.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, concession.ErrInvariant):
		return http.StatusUnprocessableEntity
	case errors.Is(err, concession.ErrLocked),
		errors.Is(err, concession.ErrConcurrentModification):
		return http.StatusConflict
	case concession.IsRetryable(err),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// staleBalance logs an applied write whose balance refresh failed and
// flags the response with a Warning header.
func (h *Handler) staleBalance(w http.ResponseWriter, id concession.BlockID, err error) {
	h.Log.WithError(err).WithField("block_id", id).Warn("block written with stale balance")
	w.Header().Set("Warning", staleBalanceWarning)
}

const staleBalanceWarning = `199 - "balance not refreshed, run recompute"`

func (h *Handler) writeLedgerError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.WithError(err).WithField("status", status).Error(message)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
