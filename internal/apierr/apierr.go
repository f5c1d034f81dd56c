// Package apierr maps domain errors onto the codes clients see, for both the
// JSON API and websocket Error frames.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/DoyleJ11/tictactoe-backend/internal/coordinator"
	"github.com/DoyleJ11/tictactoe-backend/internal/engine"
)

const (
	CodeNotFound     = "not_found"
	CodeInvalidMove  = "invalid_move"
	CodeUnauthorized = "unauthorized"
	CodeBadRequest   = "bad_request"
	CodeInternal     = "internal"
)

// ErrBadRequest marks malformed input caught at the transport.
var ErrBadRequest = errors.New("bad request")

type Body struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Classify returns the HTTP status and client-facing code for err.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, coordinator.ErrGameNotFound),
		errors.Is(err, coordinator.ErrParticipantNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, engine.ErrInvalidMove):
		return http.StatusConflict, CodeInvalidMove
	case errors.Is(err, coordinator.ErrUnauthorized):
		return http.StatusForbidden, CodeUnauthorized
	case errors.Is(err, coordinator.ErrInvalidID), errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, CodeBadRequest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// Message is what a client may read about err. Storage faults stay opaque.
func Message(err error) string {
	if _, code := Classify(err); code == CodeInternal {
		return "internal error"
	}
	return err.Error()
}

func Write(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Body{Error: Message(err), Code: code})
}
