package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/appointments"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/journey"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
)

// Pre-marshaled fallback written when a response cannot be encoded
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeRunResult reports the outcome of a periodic pass. A failed pass still
// carries its partial summary.
func writeRunResult[T any](w http.ResponseWriter, op, failure string, summary T, err error) {
	if err != nil {
		slog.Error(op+": run failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Failure(failure, summary))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(summary))
}

// writeError maps engine errors to HTTP status codes.
func writeError(w http.ResponseWriter, op string, err error) {
	var (
		lookupErr     *journey.LookupError
		transitionErr *appointments.TransitionError
		persistErr    *journey.PersistenceError
	)
	switch {
	case errors.As(err, &lookupErr):
		slog.Warn(op+": not found", "error", err)
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	case errors.As(err, &transitionErr):
		slog.Warn(op+": invalid transition", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, journey.ErrStageConflict), errors.Is(err, appointments.ErrStatusConflict):
		slog.Warn(op+": conflict", "error", err)
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	case errors.As(err, &persistErr):
		slog.Error(op+": persistence failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save change"))
	default:
		slog.Error(op+": request failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
