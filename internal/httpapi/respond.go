package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"errly/pkg/apperror"
	"errly/pkg/logger"
)

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Log.Warn("failed to encode response body", "error", err)
	}
}

// respondError translates err into its mapped status code (spec §7's
// taxonomy) and a JSON error body. Errors that aren't an *apperror.Error
// are treated as internal and logged; apperror's own error-level ones are
// already expected to have been logged by the caller that constructed them.
func respondError(w http.ResponseWriter, err error) {
	var appErr *apperror.Error
	status := http.StatusInternalServerError
	message := "internal error"

	if errors.As(err, &appErr) {
		status = appErr.HTTPStatus()
		message = appErr.Message
	}

	if status >= http.StatusInternalServerError {
		logger.Log.Error("http handler error", "error", err, "status", status)
	}

	respondJSON(w, status, map[string]string{"error": message})
}

func respondStatus(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperror.NewWithField(apperror.CodeValidation, "invalid JSON request body", "body")
	}
	return nil
}
