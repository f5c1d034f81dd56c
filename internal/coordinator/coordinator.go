// Package coordinator owns the rules of a shared game session: seating the two
// players, validating and applying moves, and reclaiming seats from
// participants that stopped checking in. Every operation is one store
// transaction; observers are notified after it commits.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tictactoe-backend/internal/engine"
	"github.com/DoyleJ11/tictactoe-backend/internal/store"
	"github.com/DoyleJ11/tictactoe-backend/internal/types"
)

const (
	DefaultLivenessWindow = 30 * time.Second
	DefaultIdleGrace      = time.Minute

	// MaxIDLength bounds game and participant identifiers.
	MaxIDLength = 64

	reapTimeout = 5 * time.Second
)

var (
	ErrGameNotFound        = errors.New("game not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrUnauthorized        = errors.New("only seated players may do that")
	ErrInvalidID           = errors.New("invalid identifier")
)

// Notifier receives the view of a game after every accepted change.
type Notifier interface {
	Publish(gameID string, view types.GameView)
	// Drop tells observers the game no longer exists.
	Drop(gameID string)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, types.GameView) {}
func (nopNotifier) Drop(string)                    {}

type JoinResult struct {
	View types.GameView
	// Symbol is Empty for spectators.
	Symbol engine.Symbol
}

type Coordinator struct {
	store     store.Store
	notifier  Notifier
	log       *zap.Logger
	now       func() time.Time
	afterFunc func(time.Duration, func())
	liveness  time.Duration
	idleGrace time.Duration

	mu        sync.Mutex
	patrolled map[string]bool
}

type Option func(*Coordinator)

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithScheduler replaces time.AfterFunc for delayed idle checks.
func WithScheduler(afterFunc func(time.Duration, func())) Option {
	return func(c *Coordinator) { c.afterFunc = afterFunc }
}

func WithLivenessWindow(d time.Duration) Option {
	return func(c *Coordinator) { c.liveness = d }
}

// WithIdleGrace sets how long an empty session survives. Zero keeps
// sessions forever, which is what a persistent store wants.
func WithIdleGrace(d time.Duration) Option {
	return func(c *Coordinator) { c.idleGrace = d }
}

func New(s store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     s,
		notifier:  nopNotifier{},
		log:       zap.NewNop(),
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		liveness:  DefaultLivenessWindow,
		idleGrace: DefaultIdleGrace,
		patrolled: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func validateID(kind, id string) error {
	if id == "" || len(id) > MaxIDLength {
		return fmt.Errorf("%w: %s must be 1-%d bytes", ErrInvalidID, kind, MaxIDLength)
	}
	return nil
}

func (c *Coordinator) GetGame(ctx context.Context, gameID string) (types.GameView, error) {
	var view types.GameView
	err := c.store.Tx(ctx, func(tx store.Tx) error {
		sess, err := findSession(tx, gameID)
		if err != nil {
			return err
		}
		view = sess.View()
		return nil
	})
	return view, err
}

// Join binds participantID to gameID, creating the game on first use. A new
// participant takes X, then O, then becomes a spectator; a returning one only
// has its last-seen time refreshed. Stale participants are swept first so a
// newcomer can take a seat they abandoned.
func (c *Coordinator) Join(ctx context.Context, gameID, participantID string) (JoinResult, error) {
	if err := validateID("game id", gameID); err != nil {
		return JoinResult{}, err
	}
	if err := validateID("participant id", participantID); err != nil {
		return JoinResult{}, err
	}

	now := c.now()
	var (
		res      JoinResult
		released *types.GameView
	)
	err := c.store.Tx(ctx, func(tx store.Tx) error {
		if err := tx.CreateSession(store.NewSession(gameID, now)); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		// Every operation locks the session row before participant rows, so
		// concurrent joins and sweeps queue up here.
		if _, err := findSession(tx, gameID); err != nil {
			return err
		}

		p, err := tx.FindParticipant(participantID)
		known := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load participant: %w", err)
		}

		// One identity, one game: joining elsewhere gives up the old seat.
		if known && p.GameID != gameID {
			view, err := vacate(tx, p, now)
			if err != nil {
				return fmt.Errorf("release from %s: %w", p.GameID, err)
			}
			released = view
			known = false
		}

		if known {
			if err := tx.PatchParticipant(participantID, store.ParticipantPatch{LastSeen: &now}); err != nil {
				return fmt.Errorf("refresh participant: %w", err)
			}
		}

		if _, err := c.sweep(tx, gameID, participantID, now); err != nil {
			return err
		}

		if !known {
			sess, err := tx.FindSession(gameID)
			if err != nil {
				return fmt.Errorf("load session: %w", err)
			}
			sym, patch := assignSlot(sess, participantID)
			patch.LastActivity = &now
			if err := tx.PatchSession(gameID, patch); err != nil {
				return fmt.Errorf("seat participant: %w", err)
			}
			p = store.Participant{ParticipantID: participantID, GameID: gameID, Symbol: sym, LastSeen: now}
			if err := tx.CreateParticipant(p); err != nil {
				return fmt.Errorf("create participant: %w", err)
			}
		}

		sess, err := tx.FindSession(gameID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		res = JoinResult{View: sess.View(), Symbol: p.Symbol}
		return nil
	})
	if err != nil {
		c.log.Warn("join failed", zap.String("game_id", gameID), zap.String("participant_id", participantID), zap.Error(err))
		return JoinResult{}, err
	}

	c.log.Debug("joined",
		zap.String("game_id", gameID),
		zap.String("participant_id", participantID),
		zap.String("symbol", string(res.Symbol)),
	)
	c.publish(res.View)
	c.patrol(gameID)
	if released != nil {
		c.publish(*released)
		c.scheduleReap(*released)
	}
	return res, nil
}

// assignSlot picks the first free seat, or makes the participant a spectator.
func assignSlot(sess store.Session, participantID string) (engine.Symbol, store.SessionPatch) {
	switch {
	case sess.PlayerX == "":
		return engine.X, store.SessionPatch{PlayerX: &participantID}
	case sess.PlayerO == "":
		return engine.O, store.SessionPatch{PlayerO: &participantID}
	default:
		return engine.Empty, store.SessionPatch{Spectators: store.Ptr(sess.Spectators + 1)}
	}
}

// Heartbeat refreshes the participant's last-seen time. Unknown participants
// are ignored: they may already have been swept.
func (c *Coordinator) Heartbeat(ctx context.Context, participantID string) error {
	now := c.now()
	err := c.store.Tx(ctx, func(tx store.Tx) error {
		return tx.PatchParticipant(participantID, store.ParticipantPatch{LastSeen: &now})
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Coordinator) Move(ctx context.Context, gameID, participantID string, cell int) (types.GameView, error) {
	return c.apply(ctx, gameID, participantID, func(p store.Participant) engine.Command {
		return engine.Command{Type: engine.CmdPlaceMark, Symbol: p.Symbol, Cell: cell}
	})
}

// Reset clears the board. Seats and spectators are untouched.
func (c *Coordinator) Reset(ctx context.Context, gameID, participantID string) (types.GameView, error) {
	return c.apply(ctx, gameID, participantID, func(store.Participant) engine.Command {
		return engine.Command{Type: engine.CmdReset}
	})
}

func (c *Coordinator) apply(ctx context.Context, gameID, participantID string, command func(store.Participant) engine.Command) (types.GameView, error) {
	now := c.now()
	var (
		view   types.GameView
		events []engine.Event
	)
	err := c.store.Tx(ctx, func(tx store.Tx) error {
		sess, p, err := seated(tx, gameID, participantID)
		if err != nil {
			return err
		}
		evts, next, err := engine.Apply(sess.State(), command(p))
		if err != nil {
			return err
		}
		events = evts
		if err := tx.PatchSession(gameID, store.SessionPatch{State: &next, LastActivity: &now}); err != nil {
			return fmt.Errorf("save board: %w", err)
		}
		if err := tx.PatchParticipant(participantID, store.ParticipantPatch{LastSeen: &now}); err != nil {
			return fmt.Errorf("refresh participant: %w", err)
		}
		sess, err = tx.FindSession(gameID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		view = sess.View()
		return nil
	})
	if err != nil {
		c.log.Debug("command rejected",
			zap.String("game_id", gameID),
			zap.String("participant_id", participantID),
			zap.Error(err),
		)
		return types.GameView{}, err
	}
	c.logEvents(gameID, participantID, events)
	c.publish(view)
	return view, nil
}

func (c *Coordinator) logEvents(gameID, participantID string, events []engine.Event) {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = string(e.Type)
	}
	c.log.Debug("applied",
		zap.String("game_id", gameID),
		zap.String("participant_id", participantID),
		zap.Strings("events", names),
	)
	switch {
	case engine.ContainsEvent(events, engine.EvtGameWon):
		c.log.Info("game won", zap.String("game_id", gameID), zap.String("winner", participantID))
	case engine.ContainsEvent(events, engine.EvtGameDrawn):
		c.log.Info("game drawn", zap.String("game_id", gameID))
	}
}

// seated loads the session and a participant allowed to act in it.
func seated(tx store.Tx, gameID, participantID string) (store.Session, store.Participant, error) {
	sess, err := findSession(tx, gameID)
	if err != nil {
		return store.Session{}, store.Participant{}, err
	}
	p, err := tx.FindParticipant(participantID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.GameID != gameID) {
		return sess, p, fmt.Errorf("%w: %s in %s", ErrParticipantNotFound, participantID, gameID)
	}
	if err != nil {
		return sess, p, fmt.Errorf("load participant: %w", err)
	}

	switch {
	case p.Symbol == engine.X && sess.PlayerX == participantID:
	case p.Symbol == engine.O && sess.PlayerO == participantID:
	default:
		return sess, p, ErrUnauthorized
	}
	return sess, p, nil
}

func findSession(tx store.Tx, gameID string) (store.Session, error) {
	sess, err := tx.FindSession(gameID)
	if errors.Is(err, store.ErrNotFound) {
		return sess, fmt.Errorf("%w: %s", ErrGameNotFound, gameID)
	}
	if err != nil {
		return sess, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// Leave releases the participant's seat right away instead of waiting for the
// sweep. Leaving a game one is not part of is a no-op.
func (c *Coordinator) Leave(ctx context.Context, gameID, participantID string) error {
	now := c.now()
	var view *types.GameView
	err := c.store.Tx(ctx, func(tx store.Tx) error {
		if _, err := tx.FindSession(gameID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load session: %w", err)
		}
		p, err := tx.FindParticipant(participantID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load participant: %w", err)
		}
		if p.GameID != gameID {
			return nil
		}
		view, err = vacate(tx, p, now)
		return err
	})
	if err != nil {
		return err
	}
	if view != nil {
		c.log.Debug("left", zap.String("game_id", gameID), zap.String("participant_id", participantID))
		c.publish(*view)
		c.scheduleReap(*view)
	}
	return nil
}

func (c *Coordinator) publish(view types.GameView) {
	c.notifier.Publish(view.GameID, view)
}
