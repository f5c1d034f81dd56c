package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tictactoe-backend/internal/apierr"
	"github.com/DoyleJ11/tictactoe-backend/internal/coordinator"
	"github.com/DoyleJ11/tictactoe-backend/internal/engine"
	"github.com/DoyleJ11/tictactoe-backend/internal/hub"
	"github.com/DoyleJ11/tictactoe-backend/internal/types"
)

const (
	codeLength   = 6
	maxCodeTries = 10
	maxBodyBytes = 4 << 10
	qrSize       = 256
)

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, codeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

type handlers struct {
	c         *coordinator.Coordinator
	hub       *hub.Hub
	publicURL string
	log       *zap.Logger
}

type createGameResponse struct {
	Code  string `json:"code"`
	URL   string `json:"url"`
	QRURL string `json:"qrUrl"`
}

type joinRequest struct {
	PlayerID string `json:"playerId"`
}

type joinResponse struct {
	PlayerID string         `json:"playerId"`
	Symbol   engine.Symbol  `json:"symbol"`
	State    types.GameView `json:"state"`
}

type moveRequest struct {
	PlayerID string `json:"playerId"`
	Cell     *int   `json:"cell"`
}

type resetRequest struct {
	PlayerID string `json:"playerId"`
}

type connectionsResponse struct {
	GameID      string `json:"gameId"`
	Connections int    `json:"connections"`
}

// CreateGame hands out an unused game code. The game itself comes into being
// on the first join.
func (h *handlers) CreateGame(w http.ResponseWriter, r *http.Request) {
	for try := 0; try < maxCodeTries; try++ {
		code, err := GenerateCode()
		if err != nil {
			apierr.Write(w, fmt.Errorf("generate code: %w", err))
			return
		}
		_, err = h.c.GetGame(r.Context(), code)
		switch {
		case errors.Is(err, coordinator.ErrGameNotFound):
			writeJSON(w, http.StatusCreated, createGameResponse{
				Code:  code,
				URL:   h.shareURL(code),
				QRURL: h.shareURL(code) + "/qr.png",
			})
			return
		case err != nil:
			apierr.Write(w, err)
			return
		}
		h.log.Debug("game code collision, regenerating", zap.String("code", code))
	}
	apierr.Write(w, errors.New("no free game code"))
}

func (h *handlers) GetGame(w http.ResponseWriter, r *http.Request) {
	view, err := h.c.GetGame(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decode(r, &req, true); err != nil {
		apierr.Write(w, err)
		return
	}
	if req.PlayerID == "" {
		req.PlayerID = uuid.NewString()
	}
	res, err := h.c.Join(r.Context(), chi.URLParam(r, "gameID"), req.PlayerID)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{PlayerID: req.PlayerID, Symbol: res.Symbol, State: res.View})
}

func (h *handlers) Move(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decode(r, &req, false); err != nil {
		apierr.Write(w, err)
		return
	}
	if req.Cell == nil {
		apierr.Write(w, fmt.Errorf("%w: cell is required", apierr.ErrBadRequest))
		return
	}
	view, err := h.c.Move(r.Context(), chi.URLParam(r, "gameID"), req.PlayerID, *req.Cell)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decode(r, &req, false); err != nil {
		apierr.Write(w, err)
		return
	}
	view, err := h.c.Reset(r.Context(), chi.URLParam(r, "gameID"), req.PlayerID)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) Leave(w http.ResponseWriter, r *http.Request) {
	if err := h.c.Leave(r.Context(), chi.URLParam(r, "gameID"), chi.URLParam(r, "playerID")); err != nil {
		apierr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.c.Heartbeat(r.Context(), chi.URLParam(r, "playerID")); err != nil {
		apierr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Connections reports how many websockets are watching a game.
func (h *handlers) Connections(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if _, err := h.c.GetGame(r.Context(), gameID); err != nil {
		apierr.Write(w, err)
		return
	}
	n, err := h.hub.Connections(r.Context(), gameID)
	if err != nil {
		apierr.Write(w, fmt.Errorf("count connections: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, connectionsResponse{GameID: gameID, Connections: n})
}

// QR renders the share URL of a game as a PNG.
func (h *handlers) QR(w http.ResponseWriter, r *http.Request) {
	png, err := qrcode.Encode(h.shareURL(chi.URLParam(r, "gameID")), qrcode.Medium, qrSize)
	if err != nil {
		apierr.Write(w, fmt.Errorf("qr: %w", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) shareURL(code string) string {
	return strings.TrimSuffix(h.publicURL, "/") + "/games/" + code
}

// decode reads a JSON body into dst. An empty body is accepted only when
// optional is set.
func decode(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", apierr.ErrBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
