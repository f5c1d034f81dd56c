// Package hub keeps one lobby per game that has live sockets and routes
// committed views to it. It is the coordinator's Notifier.
package hub

import (
	"context"
	"errors"

	"github.com/DoyleJ11/tictactoe-backend/internal/lobby"
	"github.com/DoyleJ11/tictactoe-backend/internal/types"
)

var ErrStopped = errors.New("hub stopped")

type HubMsg interface{ isHubMsg() }

// GetLobby replies with the game's lobby, or nil if it has no sockets.
type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

// Subscribe registers Outbox with the game's lobby, creating it if needed.
type Subscribe struct {
	Code     string
	ClientID string
	Outbox   chan lobby.Snapshot
	Reply    chan *lobby.Lobby
}

// Release removes the game's lobby if nobody is subscribed any more.
type Release struct {
	Code string
}

type Broadcast struct {
	Code string
	View types.GameView
}

type RemoveLobby struct {
	Code string
}

type ShutdownHub struct{}

func (GetLobby) isHubMsg()    {}
func (Subscribe) isHubMsg()   {}
func (Release) isHubMsg()     {}
func (Broadcast) isHubMsg()   {}
func (RemoveLobby) isHubMsg() {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetLobby:
				msg.Reply <- h.lobbies[msg.Code] // may be nil

			case Subscribe:
				lb := h.ensure(msg.Code)
				if !lb.Send(lobby.Join{ClientID: msg.ClientID, Outbox: msg.Outbox}) {
					// stopped on its own (parent cancelled); start over
					delete(h.lobbies, msg.Code)
					lb = h.ensure(msg.Code)
					lb.Send(lobby.Join{ClientID: msg.ClientID, Outbox: msg.Outbox})
				}
				msg.Reply <- lb

			case Release:
				lb := h.lobbies[msg.Code]
				if lb == nil {
					break
				}
				reply := make(chan lobby.View, 1)
				if !lb.Send(lobby.GetState{Reply: reply}) {
					delete(h.lobbies, msg.Code)
					break
				}
				select {
				case v := <-reply:
					if v.NumClients == 0 {
						lb.Send(lobby.Shutdown{})
						delete(h.lobbies, msg.Code)
					}
				case <-lb.Done():
					delete(h.lobbies, msg.Code)
				}

			case Broadcast:
				if lb := h.lobbies[msg.Code]; lb != nil {
					lb.Send(lobby.Publish{View: msg.View})
				}

			case RemoveLobby:
				if lb := h.lobbies[msg.Code]; lb != nil {
					lb.Send(lobby.Shutdown{})
					delete(h.lobbies, msg.Code)
				}

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) ensure(code string) *lobby.Lobby {
	if lb := h.lobbies[code]; lb != nil {
		return lb
	}
	lb := lobby.NewLobby(h.ctx)
	h.lobbies[code] = lb
	return lb
}

func (h *Hub) shutdown() {
	for _, lb := range h.lobbies {
		lb.Send(lobby.Shutdown{})
	}
	clear(h.lobbies)
	h.cancel()
}

func (h *Hub) send(ctx context.Context, m HubMsg) error {
	select {
	case <-h.ctx.Done():
		return ErrStopped
	default:
	}
	select {
	case h.inbox <- m:
		return nil
	case <-h.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) await(ctx context.Context, reply <-chan *lobby.Lobby) (*lobby.Lobby, error) {
	select {
	case lb := <-reply:
		return lb, nil
	case <-h.ctx.Done():
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe attaches out to the game's lobby. The lobby sends the latest view
// it holds right away, then every newer one. out is closed when the lobby
// drops the client or stops.
func (h *Hub) Subscribe(ctx context.Context, gameID, clientID string, out chan lobby.Snapshot) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	if err := h.send(ctx, Subscribe{Code: gameID, ClientID: clientID, Outbox: out, Reply: reply}); err != nil {
		return nil, err
	}
	return h.await(ctx, reply)
}

// Unsubscribe detaches the client and lets the hub retire an empty lobby.
func (h *Hub) Unsubscribe(lb *lobby.Lobby, gameID, clientID string) {
	lb.Send(lobby.Leave{ClientID: clientID})
	_ = h.send(context.Background(), Release{Code: gameID})
}

func (h *Hub) Lobby(ctx context.Context, gameID string) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	if err := h.send(ctx, GetLobby{Code: gameID, Reply: reply}); err != nil {
		return nil, err
	}
	return h.await(ctx, reply)
}

// Connections reports how many sockets are subscribed to the game.
func (h *Hub) Connections(ctx context.Context, gameID string) (int, error) {
	lb, err := h.Lobby(ctx, gameID)
	if err != nil || lb == nil {
		return 0, err
	}
	reply := make(chan lobby.View, 1)
	if !lb.Send(lobby.GetState{Reply: reply}) {
		return 0, nil
	}
	select {
	case v := <-reply:
		return v.NumClients, nil
	case <-lb.Done():
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Publish forwards a committed view to the game's sockets, if any.
func (h *Hub) Publish(gameID string, view types.GameView) {
	_ = h.send(context.Background(), Broadcast{Code: gameID, View: view})
}

// Drop closes every socket subscription of a game that no longer exists.
func (h *Hub) Drop(gameID string) {
	_ = h.send(context.Background(), RemoveLobby{Code: gameID})
}

func (h *Hub) Shutdown() {
	_ = h.send(context.Background(), ShutdownHub{})
	<-h.ctx.Done()
}
