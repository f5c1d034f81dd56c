package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/DoyleJ11/tictactoe-backend/internal/coordinator"
	"github.com/DoyleJ11/tictactoe-backend/internal/engine"
	"github.com/DoyleJ11/tictactoe-backend/internal/store"
)

func TestRowConversion(t *testing.T) {
	sess := store.NewSession("g1", time.Unix(100, 0).UTC())
	sess.Board[4] = engine.X
	sess.CurrentPlayer = engine.O
	sess.PlayerX = "p1"
	sess.Spectators = 2
	sess.Revision = 5

	row := fromSession(sess)
	assert.Equal(t, "----X----", row.Board)
	assert.Equal(t, "", row.Winner)

	back, err := row.session()
	require.NoError(t, err)
	assert.Equal(t, sess, back)

	row.Board = "bad"
	_, err = row.session()
	require.Error(t, err)

	p := store.Participant{ParticipantID: "p1", GameID: "g1", Symbol: engine.X, LastSeen: time.Unix(5, 0).UTC()}
	assert.Equal(t, p, fromParticipant(p).participant())
}

func TestSessionUpdates(t *testing.T) {
	st := engine.NewEmptyState()
	st.Board[0] = engine.X
	updates := sessionUpdates(store.SessionPatch{State: &st, PlayerO: store.Ptr("")})

	assert.Equal(t, "X--------", updates["board"])
	assert.Equal(t, "X", updates["current_player"])
	assert.Equal(t, "", updates["player_o"])
	assert.NotContains(t, updates, "player_x")
	assert.NotContains(t, updates, "spectators")

	assert.Empty(t, participantUpdates(store.ParticipantPatch{}))
	assert.Equal(t, "O", participantUpdates(store.ParticipantPatch{Symbol: store.Ptr(engine.O)})["symbol"])
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(gorm.ErrRecordNotFound), store.ErrNotFound)

	dup := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "players_pkey"}
	err := classify(fmt.Errorf("insert: %w", dup))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
	var pgErr *pgconn.PgError
	assert.True(t, errors.As(err, &pgErr), "cause is kept")

	assert.ErrorIs(t, classify(&pgconn.PgError{Code: pgDeadlockDetected}), ErrConflict)

	other := errors.New("connection reset")
	assert.Equal(t, other, classify(other))
}

// openTestStore connects to TICTACTOE_TEST_DATABASE_URL or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TICTACTOE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TICTACTOE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, Options{MaxConns: 4, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestStore_Integration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	gameID := "it-" + uuid.NewString()[:8]
	playerID := "it-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.Tx(ctx, func(tx store.Tx) error {
		if err := tx.CreateSession(store.NewSession(gameID, now)); err != nil {
			return err
		}
		// conflicting create is absorbed
		if err := tx.CreateSession(store.NewSession(gameID, now)); err != nil {
			return err
		}
		if err := tx.CreateParticipant(store.Participant{ParticipantID: playerID, GameID: gameID, Symbol: engine.X, LastSeen: now}); err != nil {
			return err
		}
		return tx.PatchSession(gameID, store.SessionPatch{PlayerX: store.Ptr(playerID)})
	}))

	boom := errors.New("boom")
	err := s.Tx(ctx, func(tx store.Tx) error {
		if err := tx.PatchSession(gameID, store.SessionPatch{Spectators: store.Ptr(9)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.Tx(ctx, func(tx store.Tx) error {
		sess, err := tx.FindSession(gameID)
		if err != nil {
			return err
		}
		assert.Equal(t, playerID, sess.PlayerX)
		assert.Equal(t, 0, sess.Spectators, "rolled back")
		assert.EqualValues(t, 1, sess.Revision)

		players, err := tx.FindParticipantsByGame(gameID)
		if err != nil {
			return err
		}
		assert.Len(t, players, 1)

		if err := tx.DeleteParticipant(playerID); err != nil {
			return err
		}
		return tx.DeleteSession(gameID)
	}))

	err = s.Tx(ctx, func(tx store.Tx) error {
		_, err := tx.FindSession(gameID)
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_ConcurrentJoinsSweepOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	gameID := "it-" + uuid.NewString()[:8]
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = fmt.Sprintf("it-%d-%s", i, uuid.NewString()[:8])
	}
	x, o, stale, a, b := ids[0], ids[1], ids[2], ids[3], ids[4]

	base := time.Now().UTC().Truncate(time.Millisecond)
	var offset atomic.Int64
	c := coordinator.New(s,
		coordinator.WithClock(func() time.Time { return base.Add(time.Duration(offset.Load())) }),
		coordinator.WithIdleGrace(0),
		coordinator.WithLogger(zaptest.NewLogger(t)),
	)
	t.Cleanup(func() {
		_ = s.Tx(ctx, func(tx store.Tx) error {
			for _, id := range ids {
				_ = tx.DeleteParticipant(id)
			}
			return tx.DeleteSession(gameID)
		})
	})

	for _, id := range []string{x, o, stale} {
		_, err := c.Join(ctx, gameID, id)
		require.NoError(t, err)
	}
	offset.Store(int64(coordinator.DefaultLivenessWindow + time.Second))
	require.NoError(t, c.Heartbeat(ctx, x))
	require.NoError(t, c.Heartbeat(ctx, o))

	// Both joins see the stale spectator; only one may remove it.
	var g errgroup.Group
	for _, id := range []string{a, b} {
		id := id
		g.Go(func() error {
			_, err := c.Join(ctx, gameID, id)
			return err
		})
	}
	require.NoError(t, g.Wait())

	v, err := c.GetGame(ctx, gameID)
	require.NoError(t, err)
	assert.Equal(t, x, *v.Players.X)
	assert.Equal(t, o, *v.Players.O)
	assert.Equal(t, 2, v.Spectators)

	require.NoError(t, s.Tx(ctx, func(tx store.Tx) error {
		_, err := tx.FindParticipant(stale)
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}
