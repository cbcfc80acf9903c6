package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/reward-ledger/ledger"
)

const kindUnauthorized = "unauthorized"

var errUnauthorized = errors.New("missing or invalid bearer token")

// statusFor maps a ledger error kind to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, ledger.ErrDuplicateRewardType) {
		return http.StatusConflict
	}
	switch ledger.KindOf(err) {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindInsufficientBalance, ledger.KindIdempotencyConflict:
		return http.StatusConflict
	}
	return http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind string, message string, err error) {
	resp := ErrorResponse{Error: message, Kind: kind}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail writes err with its mapped status. Storage failures are logged and
// their details withheld; the client may retry with the same key.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	kind := ledger.KindOf(err)
	if kind == ledger.KindStorageFailure {
		h.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).WithError(err).Error(message)
		w.Header().Set("Retry-After", "1")
		writeError(w, status, string(kind), message, errors.New("storage unavailable, safe to retry"))
		return
	}
	writeError(w, status, string(kind), message, err)
}

func badRequest(w http.ResponseWriter, message string, err error) {
	writeError(w, http.StatusBadRequest, string(ledger.KindValidation), message, err)
}

// decodeJSON reads a single JSON object from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst)
}
