package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vulnforge/vulnforge/internal/domain/etl"
)

// Retcodes carried in every response envelope. Clients dispatch on the
// retcode, not on the HTTP status.
const (
	RetcodeOK                     = 0
	RetcodeInvalidStateTransition = 1
	RetcodeProviderNotFound       = 2
	RetcodeCheckpointUnavailable  = 3
	RetcodeBadRequest             = 4
	RetcodeInternal               = 99
)

// envelope is the uniform response shape of the control surface.
type envelope struct {
	Retcode int    `json:"retcode"`
	Message string `json:"message"`
	Payload any    `json:"payload,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeOK(w http.ResponseWriter, payload any) {
	writeEnvelope(w, http.StatusOK, envelope{Retcode: RetcodeOK, Message: "ok", Payload: payload})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeEnvelope(w, http.StatusBadRequest, envelope{Retcode: RetcodeBadRequest, Message: msg})
}

// writeError maps domain errors onto retcodes and HTTP statuses. Unrecognized
// errors surface as internal without leaking detail.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, etl.ErrProviderNotFound):
		writeEnvelope(w, http.StatusNotFound,
			envelope{Retcode: RetcodeProviderNotFound, Message: err.Error()})
	case errors.Is(err, etl.ErrInvalidStateTransition):
		writeEnvelope(w, http.StatusConflict,
			envelope{Retcode: RetcodeInvalidStateTransition, Message: err.Error()})
	case errors.Is(err, etl.ErrCheckpointUnavailable):
		writeEnvelope(w, http.StatusServiceUnavailable,
			envelope{Retcode: RetcodeCheckpointUnavailable, Message: err.Error()})
	default:
		writeEnvelope(w, http.StatusInternalServerError,
			envelope{Retcode: RetcodeInternal, Message: "internal error"})
	}
}
