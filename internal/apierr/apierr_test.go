package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/tictactoe-backend/internal/coordinator"
	"github.com/DoyleJ11/tictactoe-backend/internal/engine"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: g1", coordinator.ErrGameNotFound), http.StatusNotFound, CodeNotFound},
		{coordinator.ErrParticipantNotFound, http.StatusNotFound, CodeNotFound},
		{engine.ErrCellOccupied, http.StatusConflict, CodeInvalidMove},
		{engine.ErrGameOver, http.StatusConflict, CodeInvalidMove},
		{coordinator.ErrUnauthorized, http.StatusForbidden, CodeUnauthorized},
		{coordinator.ErrInvalidID, http.StatusBadRequest, CodeBadRequest},
		{fmt.Errorf("%w: cell missing", ErrBadRequest), http.StatusBadRequest, CodeBadRequest},
		{errors.New("connection refused"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.code+"/"+tc.err.Error(), func(t *testing.T) {
			status, code := Classify(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestWrite_HidesStorageFaults(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, errors.New("pq: password authentication failed"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body Body
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, Body{Error: "internal error", Code: CodeInternal}, body)

	rec = httptest.NewRecorder()
	Write(rec, engine.ErrWrongTurn)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeInvalidMove, body.Code)
	assert.Contains(t, body.Error, "turn")
}
