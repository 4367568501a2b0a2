/*
handlers.go - HTTP API handlers for the stored-value ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response
  and JSON serialization, and delegates every rule to ledger.Engine.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                    Create and load an account
    GET    /api/accounts/{code}             Account detail
    POST   /api/accounts/{code}/redemptions Redeem value
    POST   /api/accounts/{code}/refunds     Refund value
    GET    /api/accounts/{code}/transfers   Transfer history, oldest first
    GET    /api/accounts/{code}/audit       Replay transfers against balance

  Transfers:
    GET    /api/transfers/{id}              Transfer detail
    POST   /api/transfers/{id}/reverse      Reverse a transfer

REQUEST FLOW:
  1. Decode JSON body
  2. Call the engine (validation and policy live there)
  3. Serialize response; creates answer 201 with a Location header
  4. Map errors by class (see errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error class to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/warp/stored-value/ledger"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine  *ledger.Engine
	Logger  *zap.Logger
	Metrics *Metrics

	// Ping reports store health for /healthz. Optional.
	Ping func(ctx context.Context) error

	// Audits, when set, lets /healthz report the next balance audit.
	Audits *AuditScheduler
}

// NewHandler creates a new handler. A nil logger logs nothing; a nil
// metrics value disables /metrics.
func NewHandler(engine *ledger.Engine, logger *zap.Logger, metrics *Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Engine: engine, Logger: logger, Metrics: metrics}
}

func (h *Handler) observe(op string, err error) {
	if h.Metrics != nil {
		h.Metrics.observeOperation(op, err)
	}
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// CreateAccount handles POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	acct, err := h.Engine.CreateAccount(r.Context(), req.toInput())
	h.observe("create_account", err)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dto := toAccountDTO(acct)
	w.Header().Set("Location", dto.URL)
	writeJSON(w, http.StatusCreated, dto)
}

// GetAccount handles GET /api/accounts/{code}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Engine.GetAccount(r.Context(), accountCode(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// Redeem handles POST /api/accounts/{code}/redemptions
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := h.Engine.Redeem(r.Context(), accountCode(r), req.toInput())
	h.observe("redeem", err)
	h.writeCreatedTransfer(w, r, t, err)
}

// Refund handles POST /api/accounts/{code}/refunds
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := h.Engine.Refund(r.Context(), accountCode(r), req.toInput())
	h.observe("refund", err)
	h.writeCreatedTransfer(w, r, t, err)
}

// ListTransfers handles GET /api/accounts/{code}/transfers
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Engine.ListTransfers(r.Context(), accountCode(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTOs(txs))
}

// AuditAccount handles GET /api/accounts/{code}/audit
func (h *Handler) AuditAccount(w http.ResponseWriter, r *http.Request) {
	audit, err := h.Engine.AuditBalance(r.Context(), accountCode(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if !audit.Consistent() {
		h.Logger.Warn("balance audit mismatch",
			zap.String("code", string(audit.Code)),
			zap.String("recorded", audit.Recorded.String()),
			zap.String("computed", audit.Computed.String()),
		)
	}
	writeJSON(w, http.StatusOK, toAuditDTO(audit))
}

// =============================================================================
// TRANSFER ENDPOINTS
// =============================================================================

// GetTransfer handles GET /api/transfers/{id}
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Engine.GetTransfer(r.Context(), transferID(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDetailDTO(detail))
}

// Reverse handles POST /api/transfers/{id}/reverse
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := h.Engine.Reverse(r.Context(), transferID(r), string(req.OrderNumber))
	h.observe("reverse", err)
	h.writeCreatedTransfer(w, r, t, err)
}

// =============================================================================
// HEALTH
// =============================================================================

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			h.Logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	body := map[string]string{"status": "ok"}
	if h.Audits != nil {
		if next, ok := h.Audits.NextRunTime(); ok {
			body["next_audit"] = ledger.FormatTime(next)
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) writeCreatedTransfer(w http.ResponseWriter, r *http.Request, t ledger.Transfer, err error) {
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dto := toTransferDTO(t)
	w.Header().Set("Location", dto.URL)
	writeJSON(w, http.StatusCreated, dto)
}

func accountCode(r *http.Request) ledger.AccountCode {
	return ledger.AccountCode(chi.URLParam(r, "code"))
}

func transferID(r *http.Request) ledger.TransferID {
	return ledger.TransferID(chi.URLParam(r, "id"))
}

// decodeBody decodes a JSON request body into dst. On failure it writes a
// 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is empty")
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		}
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
