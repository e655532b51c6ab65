package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/shellpod/shellpod/internal/errdefs"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeDomainError maps the error taxonomy to HTTP responses. Container
// detail is logged, never shown.
func writeDomainError(w http.ResponseWriter, op string, err error) {
	var ve *errdefs.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Error())
		return
	}
	var nf *errdefs.NotFoundError
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, nf.Error())
		return
	}
	var bo *errdefs.BreakerOpenError
	if errors.As(err, &bo) {
		writeError(w, http.StatusServiceUnavailable, "Instance temporarily unavailable, please retry shortly")
		return
	}
	var rl *errdefs.RateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", rl.RetryAfter.String())
		writeError(w, http.StatusTooManyRequests, rl.Error())
		return
	}
	var ce *errdefs.ContainerError
	if errors.As(err, &ce) {
		log.Printf("%s: %v", op, ce)
		writeError(w, http.StatusInternalServerError, ce.UserMessage())
		return
	}
	log.Printf("%s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "Internal error")
}
