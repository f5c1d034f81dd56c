// Package ws is the websocket push channel. Each socket joins one game,
// receives a StateSnapshot after every accepted change and may send Move,
// Reset and Heartbeat frames.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tictactoe-backend/internal/apierr"
	"github.com/DoyleJ11/tictactoe-backend/internal/coordinator"
	"github.com/DoyleJ11/tictactoe-backend/internal/hub"
	"github.com/DoyleJ11/tictactoe-backend/internal/lobby"
	"github.com/DoyleJ11/tictactoe-backend/internal/types"
)

const (
	DefaultReadTimeout = 30 * time.Second

	writeTimeout = 3 * time.Second
	leaveTimeout = 5 * time.Second
	outboxSize   = 8
)

type Options struct {
	// ReadTimeout closes a socket that sent nothing for this long.
	ReadTimeout time.Duration
	// OriginPatterns are passed to websocket.Accept; empty means same origin only.
	OriginPatterns []string
	// ReleaseOnDisconnect frees the participant's seat when its socket closes
	// instead of waiting for the liveness sweep.
	ReleaseOnDisconnect bool
	Logger              *zap.Logger
}

func Handler(c *coordinator.Coordinator, h *hub.Hub, opts Options) http.HandlerFunc {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	held := &holders{n: make(map[string]int)}

	return func(w http.ResponseWriter, r *http.Request) {
		gameID := r.URL.Query().Get("game")
		if gameID == "" {
			apierr.Write(w, fmt.Errorf("%w: missing game", apierr.ErrBadRequest))
			return
		}
		playerID := r.URL.Query().Get("player")
		if playerID == "" {
			playerID = uuid.NewString()
		}
		clientID := uuid.NewString()

		// Subscribe before joining so the join's own view is not missed.
		out := make(chan lobby.Snapshot, outboxSize)
		lb, err := h.Subscribe(r.Context(), gameID, clientID, out)
		if err != nil {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		defer h.Unsubscribe(lb, gameID, clientID)

		log := log.With(
			zap.String("game_id", gameID),
			zap.String("participant_id", playerID),
			zap.String("client_id", clientID),
		)

		key := gameID + "/" + playerID
		if opts.ReleaseOnDisconnect {
			held.acquire(key)
		}
		joined, err := c.Join(r.Context(), gameID, playerID)
		if err != nil {
			if opts.ReleaseOnDisconnect {
				held.release(key)
			}
			apierr.Write(w, err)
			return
		}
		if opts.ReleaseOnDisconnect {
			// Runs on failed upgrades too. The seat goes once the last socket
			// of this participant is gone.
			defer func() {
				if !held.release(key) {
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
				defer cancel()
				if err := c.Leave(ctx, gameID, playerID); err != nil {
					log.Warn("release on disconnect failed", zap.Error(err))
				}
			}()
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Debug("upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		log.Debug("socket joined", zap.String("symbol", string(joined.Symbol)))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sym := joined.Symbol
		if err := write(ctx, conn, types.ServerMessage{
			Type:     types.MsgJoined,
			PlayerID: playerID,
			Symbol:   &sym,
			State:    &joined.View,
		}); err != nil {
			return
		}

		// Writer goroutine
		go func() {
			last := joined.View.Revision
			for {
				select {
				case <-ctx.Done():
					return
				case snap, ok := <-out:
					if !ok {
						// lobby dropped us or the game is gone
						_ = conn.Close(websocket.StatusGoingAway, "game closed")
						return
					}
					if snap.Version <= last {
						continue
					}
					last = snap.Version
					if err := write(ctx, conn, types.ServerMessage{
						Type:    types.MsgStateSnapshot,
						Version: snap.Version,
						State:   &snap.State,
					}); err != nil {
						return
					}
				}
			}
		}()

		s := &session{c: c, conn: conn, gameID: gameID, playerID: playerID, log: log}

		// Reader loop
		for {
			readCtx, readCancel := context.WithTimeout(ctx, opts.ReadTimeout)
			_, data, err := conn.Read(readCtx)
			readCancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("socket read ended", zap.Error(err))
				}
				return
			}
			s.handle(ctx, data)
		}
	}
}

// holders counts the open sockets of each participant.
type holders struct {
	mu sync.Mutex
	n  map[string]int
}

func (h *holders) acquire(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n[key]++
}

// release reports whether key has no sockets left.
func (h *holders) release(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n[key]--
	if h.n[key] > 0 {
		return false
	}
	delete(h.n, key)
	return true
}

type session struct {
	c        *coordinator.Coordinator
	conn     *websocket.Conn
	gameID   string
	playerID string
	log      *zap.Logger
}

func (s *session) handle(ctx context.Context, data []byte) {
	var cm types.ClientMessage
	if err := json.Unmarshal(data, &cm); err != nil {
		s.fail(ctx, fmt.Errorf("%w: bad json", apierr.ErrBadRequest))
		return
	}

	// Any frame counts as a sign of life.
	if err := s.c.Heartbeat(ctx, s.playerID); err != nil {
		s.log.Warn("heartbeat failed", zap.Error(err))
	}

	var err error
	switch cm.Type {
	case types.MsgHeartbeat:
	case types.MsgMove:
		if cm.Cell == nil {
			err = fmt.Errorf("%w: move needs a cell", apierr.ErrBadRequest)
			break
		}
		_, err = s.c.Move(ctx, s.gameID, s.playerID, *cm.Cell)
	case types.MsgReset:
		_, err = s.c.Reset(ctx, s.gameID, s.playerID)
	default:
		err = fmt.Errorf("%w: unknown type %q", apierr.ErrBadRequest, cm.Type)
	}
	if err != nil {
		s.fail(ctx, err)
	}
}

// fail reports err to this client only.
func (s *session) fail(ctx context.Context, err error) {
	_, code := apierr.Classify(err)
	if code == apierr.CodeInternal {
		s.log.Error("command failed", zap.Error(err))
	}
	if werr := write(ctx, s.conn, types.ServerMessage{
		Type:  types.MsgError,
		Code:  code,
		Error: apierr.Message(err),
	}); werr != nil && !errors.Is(werr, context.Canceled) {
		s.log.Debug("error frame not delivered", zap.Error(werr))
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}
