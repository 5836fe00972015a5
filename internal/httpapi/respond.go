package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fleetbot/internal/auth"
	"fleetbot/internal/platform"
)

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps domain errors onto HTTP statuses.
func writeFailure(w http.ResponseWriter, err error) {
	if wait, ok := platform.AsFloodWait(err); ok {
		// Retry-After carries whole seconds, rounded up so clients never come
		// back early.
		secs := int64((wait + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}

	status := http.StatusBadGateway
	switch {
	case errors.Is(err, platform.ErrInvalidCredentials),
		errors.Is(err, platform.ErrInvalidPhone),
		errors.Is(err, platform.ErrInvalidCode),
		errors.Is(err, platform.ErrInvalidPassword):
		status = http.StatusBadRequest
	case errors.Is(err, platform.ErrCodeExpired),
		errors.Is(err, platform.ErrQRExpired):
		status = http.StatusGone
	case errors.Is(err, platform.ErrSessionExpired):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrNoPendingHandshake),
		errors.Is(err, auth.ErrNotAwaitingPassword):
		status = http.StatusConflict
	case platform.IsPermanent(err):
		status = http.StatusBadRequest
	}
	writeError(w, status, err.Error())
}
