package api

import (
	"errors"
	"net/http"

	"github.com/warp/stored-value/ledger"
	"go.uber.org/zap"
)

// statusFor maps a ledger error class to an HTTP status.
func statusFor(err error) int {
	switch ledger.Classify(err) {
	case ledger.ClassValidation:
		return http.StatusBadRequest
	case ledger.ClassPolicy:
		return http.StatusForbidden
	case ledger.ClassNotFound:
		return http.StatusNotFound
	case ledger.ClassConflict:
		return http.StatusConflict
	case ledger.ClassTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeLedgerError renders err with the status, stable code and field it
// maps to. Internal errors are logged and hidden from the client.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Message: err.Error(), Code: ledger.ErrorCode(err)}

	var fe *ledger.FieldError
	if errors.As(err, &fe) {
		resp.Field = fe.Field
	}

	switch status {
	case http.StatusInternalServerError:
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		resp = ErrorResponse{Message: "internal server error"}
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Message: message})
}
