// Package store defines the persistence boundary the coordinator runs against.
// Two implementations exist: memory (ephemeral, single owner goroutine) and
// postgres (transactional, gorm + pgx).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/DoyleJ11/tictactoe-backend/internal/engine"
	"github.com/DoyleJ11/tictactoe-backend/internal/types"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrClosed        = errors.New("store closed")
)

type Session struct {
	GameID        string
	Board         engine.Board
	CurrentPlayer engine.Symbol
	Winner        engine.Symbol
	IsDraw        bool
	PlayerX       string
	PlayerO       string
	Spectators    int
	LastActivity  time.Time
	Revision      int64
}

// NewSession returns the default state of a freshly created game.
func NewSession(gameID string, now time.Time) Session {
	st := engine.NewEmptyState()
	return Session{
		GameID:        gameID,
		Board:         st.Board,
		CurrentPlayer: st.CurrentPlayer,
		LastActivity:  now,
	}
}

func (s Session) State() engine.State {
	return engine.State{
		Board:         s.Board,
		CurrentPlayer: s.CurrentPlayer,
		Winner:        s.Winner,
		IsDraw:        s.IsDraw,
	}
}

// Vacant reports whether nobody holds a slot and nobody is watching.
func (s Session) Vacant() bool {
	return s.PlayerX == "" && s.PlayerO == "" && s.Spectators == 0
}

func (s Session) View() types.GameView {
	return types.GameView{
		GameID:        s.GameID,
		Board:         s.Board,
		CurrentPlayer: s.CurrentPlayer,
		Winner:        s.Winner,
		IsDraw:        s.IsDraw,
		Players:       types.Players{X: types.Slot(s.PlayerX), O: types.Slot(s.PlayerO)},
		Spectators:    s.Spectators,
		Revision:      s.Revision,
	}
}

type Participant struct {
	ParticipantID string
	GameID        string
	Symbol        engine.Symbol
	LastSeen      time.Time
}

// SessionPatch lists the fields to overwrite; nil fields are left alone.
// Applying any patch bumps the session revision.
type SessionPatch struct {
	State        *engine.State
	PlayerX      *string
	PlayerO      *string
	Spectators   *int
	LastActivity *time.Time
}

// Apply writes p onto s in place.
func (p SessionPatch) Apply(s *Session) {
	if p.State != nil {
		s.Board = p.State.Board
		s.CurrentPlayer = p.State.CurrentPlayer
		s.Winner = p.State.Winner
		s.IsDraw = p.State.IsDraw
	}
	if p.PlayerX != nil {
		s.PlayerX = *p.PlayerX
	}
	if p.PlayerO != nil {
		s.PlayerO = *p.PlayerO
	}
	if p.Spectators != nil {
		s.Spectators = *p.Spectators
	}
	if p.LastActivity != nil {
		s.LastActivity = *p.LastActivity
	}
	s.Revision++
}

type ParticipantPatch struct {
	GameID   *string
	Symbol   *engine.Symbol
	LastSeen *time.Time
}

func (p ParticipantPatch) Apply(pt *Participant) {
	if p.GameID != nil {
		pt.GameID = *p.GameID
	}
	if p.Symbol != nil {
		pt.Symbol = *p.Symbol
	}
	if p.LastSeen != nil {
		pt.LastSeen = *p.LastSeen
	}
}

// Tx is the view of the store inside one transaction. It must not be used
// after the function passed to Store.Tx returns.
type Tx interface {
	FindSession(gameID string) (Session, error)
	// CreateSession inserts s unless a session with the same id already exists.
	CreateSession(s Session) error
	PatchSession(gameID string, p SessionPatch) error
	DeleteSession(gameID string) error

	FindParticipant(participantID string) (Participant, error)
	FindParticipantsByGame(gameID string) ([]Participant, error)
	CreateParticipant(p Participant) error
	PatchParticipant(participantID string, p ParticipantPatch) error
	DeleteParticipant(participantID string) error
}

type Store interface {
	// Tx runs fn atomically. If fn returns an error nothing it wrote is kept.
	Tx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Ptr is a convenience for building patches.
func Ptr[T any](v T) *T { return &v }
