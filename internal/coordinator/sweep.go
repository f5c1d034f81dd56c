package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tictactoe-backend/internal/engine"
	"github.com/DoyleJ11/tictactoe-backend/internal/store"
	"github.com/DoyleJ11/tictactoe-backend/internal/types"
)

// SweepStaleParticipants removes every participant of gameID whose last
// heartbeat is older than the liveness window at now, freeing their seats.
// Join runs the same pass inside its own transaction.
func (c *Coordinator) SweepStaleParticipants(ctx context.Context, gameID string, now time.Time) (int, error) {
	var (
		removed int
		view    types.GameView
	)
	err := c.store.Tx(ctx, func(tx store.Tx) error {
		if _, err := findSession(tx, gameID); err != nil {
			return err
		}
		n, err := c.sweep(tx, gameID, "", now)
		if err != nil {
			return err
		}
		removed = n
		sess, err := tx.FindSession(gameID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		view = sess.View()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.publish(view)
		c.scheduleReap(view)
	}
	return removed, nil
}

// sweep vacates stale participants of gameID, never touching keep. Callers
// hold the session row, so each candidate is re-read before it is vacated: a
// transaction that held the lock first may already have removed it, or a
// heartbeat may have refreshed it.
func (c *Coordinator) sweep(tx store.Tx, gameID, keep string, now time.Time) (int, error) {
	participants, err := tx.FindParticipantsByGame(gameID)
	if err != nil {
		return 0, fmt.Errorf("list participants: %w", err)
	}
	cutoff := now.Add(-c.liveness)
	removed := 0
	for _, p := range participants {
		if p.ParticipantID == keep || !p.LastSeen.Before(cutoff) {
			continue
		}
		cur, err := tx.FindParticipant(p.ParticipantID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("sweep %s: %w", p.ParticipantID, err)
		}
		if cur.GameID != gameID || !cur.LastSeen.Before(cutoff) {
			continue
		}
		if _, err := vacate(tx, cur, now); err != nil {
			return removed, fmt.Errorf("sweep %s: %w", p.ParticipantID, err)
		}
		c.log.Info("swept stale participant",
			zap.String("game_id", gameID),
			zap.String("participant_id", p.ParticipantID),
			zap.Time("last_seen", cur.LastSeen),
		)
		removed++
	}
	return removed, nil
}

// vacate frees whatever p holds in its game and deletes p. It returns the
// game's view afterwards, or nil if the game no longer exists.
func vacate(tx store.Tx, p store.Participant, now time.Time) (*types.GameView, error) {
	sess, err := tx.FindSession(p.GameID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, deleteParticipant(tx, p.ParticipantID)
	}
	if err != nil {
		return nil, err
	}

	patch := store.SessionPatch{LastActivity: &now}
	switch {
	case p.Symbol == engine.X && sess.PlayerX == p.ParticipantID:
		patch.PlayerX = store.Ptr("")
	case p.Symbol == engine.O && sess.PlayerO == p.ParticipantID:
		patch.PlayerO = store.Ptr("")
	case p.Symbol == engine.Empty:
		patch.Spectators = store.Ptr(max(0, sess.Spectators-1))
	}
	if err := tx.PatchSession(p.GameID, patch); err != nil {
		return nil, err
	}
	if err := deleteParticipant(tx, p.ParticipantID); err != nil {
		return nil, err
	}

	sess, err = tx.FindSession(p.GameID)
	if err != nil {
		return nil, err
	}
	view := sess.View()
	return &view, nil
}

// deleteParticipant treats a record that is already gone as deleted.
func deleteParticipant(tx store.Tx, participantID string) error {
	if err := tx.DeleteParticipant(participantID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func vacant(v types.GameView) bool {
	return v.Players.X == nil && v.Players.O == nil && v.Spectators == 0
}

// scheduleReap arranges for an empty game to be deleted once it has stayed
// empty for the idle grace period.
func (c *Coordinator) scheduleReap(view types.GameView) {
	if c.idleGrace <= 0 || !vacant(view) {
		return
	}
	c.afterFunc(c.idleGrace, func() { c.reapIfIdle(view.GameID) })
}

func (c *Coordinator) reapIfIdle(gameID string) {
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()

	var (
		reaped   bool
		occupied bool
		wait     time.Duration
	)
	err := c.store.Tx(ctx, func(tx store.Tx) error {
		sess, err := tx.FindSession(gameID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !sess.Vacant() {
			return nil
		}
		participants, err := tx.FindParticipantsByGame(gameID)
		if err != nil {
			return err
		}
		if len(participants) > 0 {
			occupied = true
			return nil
		}
		if idle := c.now().Sub(sess.LastActivity); idle < c.idleGrace {
			wait = c.idleGrace - idle
			return nil
		}
		reaped = true
		return tx.DeleteSession(gameID)
	})
	switch {
	case err != nil:
		c.log.Warn("idle check failed", zap.String("game_id", gameID), zap.Error(err))
	case occupied:
		// seats are empty but records remain; the patrol sweeps them out
		c.patrol(gameID)
	case wait > 0:
		c.afterFunc(wait, func() { c.reapIfIdle(gameID) })
	case reaped:
		c.log.Info("removed idle game", zap.String("game_id", gameID))
		c.notifier.Drop(gameID)
	}
}

// patrol arms a timer that sweeps gameID every liveness window for as long as
// it has participants. Players who close their tab without leaving are swept
// out this way, after which the idle check can reap the game. At most one
// timer per game is armed at a time.
func (c *Coordinator) patrol(gameID string) {
	if c.idleGrace <= 0 {
		return
	}
	c.mu.Lock()
	armed := c.patrolled[gameID]
	c.patrolled[gameID] = true
	c.mu.Unlock()
	if !armed {
		c.afterFunc(c.liveness, func() { c.patrolTick(gameID) })
	}
}

func (c *Coordinator) patrolTick(gameID string) {
	// Disarm first so a Join racing this tick arms a fresh timer.
	c.mu.Lock()
	delete(c.patrolled, gameID)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()

	var remaining int
	_, err := c.SweepStaleParticipants(ctx, gameID, c.now())
	if err == nil {
		err = c.store.Tx(ctx, func(tx store.Tx) error {
			participants, err := tx.FindParticipantsByGame(gameID)
			remaining = len(participants)
			return err
		})
	}
	switch {
	case errors.Is(err, ErrGameNotFound):
	case err != nil:
		c.log.Warn("patrol failed", zap.String("game_id", gameID), zap.Error(err))
		c.patrol(gameID)
	case remaining > 0:
		c.patrol(gameID)
	}
}
