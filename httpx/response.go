package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ledgerline/billing/internal/billing"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	var body []byte
	var err error
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			// best-effort error response; avoid writing partial JSON
			http.Error(w, `{"error":"encode_error"}`, http.StatusInternalServerError)
			return
		}
	} else {
		body = []byte("null")
	}
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		// nothing we can do at this point
		_ = err
	}
}

func JSONError(w http.ResponseWriter, status int, msg string, details any) {
	JSON(w, status, ErrorResponse{Error: msg, Details: details})
}

// Error maps engine error kinds onto HTTP statuses. Validation failures name
// the violated field; retryable storage failures come back as 503.
func Error(w http.ResponseWriter, err error) {
	var verr *billing.ValidationError
	switch {
	case errors.As(err, &verr):
		JSONError(w, http.StatusBadRequest, "validation_error", map[string]string{
			"field":  verr.Field,
			"reason": verr.Reason,
		})
	case errors.Is(err, billing.ErrNotFound):
		JSONError(w, http.StatusNotFound, "not_found", nil)
	case errors.Is(err, billing.ErrInvalidTransition):
		JSONError(w, http.StatusConflict, "invalid_transition", nil)
	case errors.Is(err, billing.ErrConcurrentModification):
		JSONError(w, http.StatusConflict, "conflict", nil)
	case errors.Is(err, billing.ErrStoreUnavailable):
		JSONError(w, http.StatusServiceUnavailable, "store_unavailable", nil)
	default:
		JSONError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}
