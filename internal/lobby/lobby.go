// Package lobby fans the committed view of one game out to its connected
// sockets. A lobby never decides anything about the game itself: it caches
// the newest view it was handed and forwards it.
package lobby

import (
	"context"

	"github.com/DoyleJ11/tictactoe-backend/internal/types"
)

type Msg interface{ isLobbyMsg() }

type Join struct {
	ClientID string
	Outbox   chan Snapshot // where this client wants to receive snapshots
}

func (Join) isLobbyMsg() {}

type Leave struct{ ClientID string }

func (Leave) isLobbyMsg() {}

// Publish hands the lobby a view that was just committed.
type Publish struct {
	View types.GameView
}

func (Publish) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type Snapshot struct {
	Version int64
	State   types.GameView
}

type View struct {
	Version    int64
	NumClients int
	State      types.GameView
	HasState   bool
}

type Lobby struct {
	inbox    chan Msg
	state    types.GameView
	hasState bool
	clients  map[string]chan Snapshot
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewLobby(parent context.Context) *Lobby {
	ctx, cancel := context.WithCancel(parent)

	l := &Lobby{
		inbox:   make(chan Msg, 64),
		clients: make(map[string]chan Snapshot),
		ctx:     ctx,
		cancel:  cancel,
	}

	go l.loop()
	return l
}

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				if old, ok := l.clients[msg.ClientID]; ok && old != msg.Outbox {
					close(old)
				}
				l.clients[msg.ClientID] = msg.Outbox
				if l.hasState {
					l.deliver(msg.ClientID, msg.Outbox, l.snapshot())
				}

			case Leave:
				if ch, ok := l.clients[msg.ClientID]; ok {
					close(ch)
					delete(l.clients, msg.ClientID)
				}

			case Publish:
				// Commits can be reported out of order; never step backwards.
				if l.hasState && msg.View.Revision <= l.state.Revision {
					break
				}
				l.state = msg.View
				l.hasState = true
				l.broadcast(l.snapshot())

			case GetState:
				msg.Reply <- View{
					Version:    l.state.Revision,
					NumClients: len(l.clients),
					State:      l.state,
					HasState:   l.hasState,
				}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) snapshot() Snapshot {
	return Snapshot{Version: l.state.Revision, State: l.state}
}

func (l *Lobby) shutdown() {
	for id, ch := range l.clients {
		close(ch) // no more snapshots
		delete(l.clients, id)
	}
	l.cancel()
}

func (l *Lobby) broadcast(snap Snapshot) {
	for id, ch := range l.clients {
		l.deliver(id, ch, snap)
	}
}

// deliver drops a client whose outbox is full.
func (l *Lobby) deliver(id string, ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
	default:
		close(ch)
		delete(l.clients, id)
	}
}

// Inbox exposes the mailbox to tests and the hub.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Done is closed once the lobby has stopped.
func (l *Lobby) Done() <-chan struct{} { return l.ctx.Done() }

// Send delivers m unless the lobby has already stopped.
func (l *Lobby) Send(m Msg) bool {
	select {
	case <-l.ctx.Done():
		return false
	default:
	}
	select {
	case l.inbox <- m:
		return true
	case <-l.ctx.Done():
		return false
	}
}
