// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"log/slog"
	"net/http"
)

// ErrorMapping binds a domain error to a problem response.
type ErrorMapping struct {
	Target error
	Status int
	Title  string
}

// RespondError maps domain errors to HTTP responses using RFC7807.
// Unmapped errors are logged and reported as 500 without detail.
func RespondError(w http.ResponseWriter, logger *slog.Logger, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Target) {
			Problem(w, m.Status, m.Title, err.Error())
			return
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("unhandled error", slog.Any("error", err))
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
