package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/tictactoe-backend/internal/apierr"
	"github.com/DoyleJ11/tictactoe-backend/internal/coordinator"
	"github.com/DoyleJ11/tictactoe-backend/internal/engine"
	"github.com/DoyleJ11/tictactoe-backend/internal/hub"
	"github.com/DoyleJ11/tictactoe-backend/internal/store/memory"
	"github.com/DoyleJ11/tictactoe-backend/internal/types"
)

type fixture struct {
	srv   *httptest.Server
	coord *coordinator.Coordinator
	hub   *hub.Hub
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := memory.New(ctx)
	t.Cleanup(func() { _ = st.Close() })
	h := hub.NewHub(ctx)
	t.Cleanup(h.Shutdown)

	log := zaptest.NewLogger(t)
	c := coordinator.New(st,
		coordinator.WithNotifier(h),
		coordinator.WithLogger(log),
		coordinator.WithIdleGrace(0),
	)
	opts.Logger = log

	mux := http.NewServeMux()
	mux.Handle("/ws", Handler(c, h, opts))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, coord: c, hub: h}
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) types.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg types.ServerMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

// readUntil skips frames until one satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, match func(types.ServerMessage) bool) types.ServerMessage {
	t.Helper()
	for iter := 0; iter < 10; iter++ {
		if msg := read(t, conn); match(msg) {
			return msg
		}
	}
	t.Fatalf("no matching frame")
	return types.ServerMessage{}
}

func send(t *testing.T, conn *websocket.Conn, msg types.ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, msg))
}

func cell(i int) *int { return &i }

func TestSocket_JoinMoveAndBroadcast(t *testing.T) {
	f := newFixture(t, Options{})

	x := f.dial(t, "game=g1&player=p1")
	joined := read(t, x)
	require.Equal(t, types.MsgJoined, joined.Type)
	require.NotNil(t, joined.Symbol)
	assert.Equal(t, engine.X, *joined.Symbol)
	assert.Equal(t, "p1", joined.PlayerID)

	o := f.dial(t, "game=g1&player=p2")
	joined = read(t, o)
	assert.Equal(t, engine.O, *joined.Symbol)

	seen := readUntil(t, x, func(m types.ServerMessage) bool {
		return m.Type == types.MsgStateSnapshot && m.State.Players.O != nil
	})
	assert.Equal(t, "p2", *seen.State.Players.O)

	send(t, x, types.ClientMessage{Type: types.MsgMove, Cell: cell(4)})
	for _, conn := range []*websocket.Conn{x, o} {
		snap := readUntil(t, conn, func(m types.ServerMessage) bool {
			return m.Type == types.MsgStateSnapshot && m.State.Board.Marks() == 1
		})
		assert.Equal(t, engine.X, snap.State.Board[4])
		assert.Equal(t, engine.O, snap.State.CurrentPlayer)
		assert.Equal(t, snap.State.Revision, snap.Version)
	}
}

func TestSocket_RejectionGoesToSenderOnly(t *testing.T) {
	f := newFixture(t, Options{})

	x := f.dial(t, "game=g1&player=p1")
	read(t, x)
	o := f.dial(t, "game=g1&player=p2")
	read(t, o)

	send(t, o, types.ClientMessage{Type: types.MsgMove, Cell: cell(0)})
	msg := readUntil(t, o, func(m types.ServerMessage) bool { return m.Type == types.MsgError })
	assert.Equal(t, apierr.CodeInvalidMove, msg.Code)
	assert.Contains(t, msg.Error, "turn")

	send(t, o, types.ClientMessage{Type: types.MsgMove})
	msg = readUntil(t, o, func(m types.ServerMessage) bool { return m.Type == types.MsgError })
	assert.Equal(t, apierr.CodeBadRequest, msg.Code)

	send(t, o, types.ClientMessage{Type: "Dance"})
	msg = readUntil(t, o, func(m types.ServerMessage) bool { return m.Type == types.MsgError })
	assert.Equal(t, apierr.CodeBadRequest, msg.Code)

	// x only ever sees snapshots
	send(t, x, types.ClientMessage{Type: types.MsgMove, Cell: cell(0)})
	snap := readUntil(t, x, func(m types.ServerMessage) bool {
		require.NotEqual(t, types.MsgError, m.Type)
		return m.Type == types.MsgStateSnapshot && m.State.Board.Marks() == 1
	})
	assert.Equal(t, engine.X, snap.State.Board[0])
}

func TestSocket_SpectatorCannotReset(t *testing.T) {
	f := newFixture(t, Options{})

	read(t, f.dial(t, "game=g1&player=p1"))
	read(t, f.dial(t, "game=g1&player=p2"))

	watcher := f.dial(t, "game=g1&player=p3")
	joined := read(t, watcher)
	assert.Nil(t, joined.Symbol, "spectators get a null symbol")
	assert.Equal(t, 1, joined.State.Spectators)

	send(t, watcher, types.ClientMessage{Type: types.MsgReset})
	msg := readUntil(t, watcher, func(m types.ServerMessage) bool { return m.Type == types.MsgError })
	assert.Equal(t, apierr.CodeUnauthorized, msg.Code)
}

func TestSocket_GeneratesPlayerID(t *testing.T) {
	f := newFixture(t, Options{})

	joined := read(t, f.dial(t, "game=g1"))
	assert.NotEmpty(t, joined.PlayerID)
	assert.Equal(t, engine.X, *joined.Symbol)
}

func TestSocket_BadRequestBeforeUpgrade(t *testing.T) {
	f := newFixture(t, Options{})

	resp, err := http.Get(f.srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	long := strings.Repeat("g", coordinator.MaxIDLength+1)
	_, resp, err = websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws?game="+long, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSocket_ReleaseOnDisconnect(t *testing.T) {
	f := newFixture(t, Options{ReleaseOnDisconnect: true})

	x := f.dial(t, "game=g1&player=p1")
	read(t, x)
	require.NoError(t, x.Close(websocket.StatusNormalClosure, "done"))

	require.Eventually(t, func() bool {
		v, err := f.coord.GetGame(context.Background(), "g1")
		return err == nil && v.Players.X == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func (f *fixture) seatX(t *testing.T) *string {
	t.Helper()
	v, err := f.coord.GetGame(context.Background(), "g1")
	require.NoError(t, err)
	return v.Players.X
}

func TestSocket_ReleaseWaitsForLastSocketOfPlayer(t *testing.T) {
	f := newFixture(t, Options{ReleaseOnDisconnect: true})

	first := f.dial(t, "game=g1&player=p1")
	read(t, first)
	second := f.dial(t, "game=g1&player=p1")
	assert.Equal(t, engine.X, *read(t, second).Symbol)

	require.NoError(t, first.Close(websocket.StatusNormalClosure, "tab closed"))
	// the lobby loses the client only after the disconnect path ran
	require.Eventually(t, func() bool {
		n, err := f.hub.Connections(context.Background(), "g1")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	x := f.seatX(t)
	require.NotNil(t, x)
	assert.Equal(t, "p1", *x, "the other tab still plays")

	require.NoError(t, second.Close(websocket.StatusNormalClosure, "done"))
	require.Eventually(t, func() bool {
		v, err := f.coord.GetGame(context.Background(), "g1")
		return err == nil && v.Players.X == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSocket_FailedUpgradeReleasesSeat(t *testing.T) {
	f := newFixture(t, Options{ReleaseOnDisconnect: true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?game=g1&player=p1"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://elsewhere.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.Eventually(t, func() bool {
		v, err := f.coord.GetGame(context.Background(), "g1")
		return err == nil && v.Players.X == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSocket_KeepsSeatOnDisconnectByDefault(t *testing.T) {
	f := newFixture(t, Options{})

	x := f.dial(t, "game=g1&player=p1")
	read(t, x)
	require.NoError(t, x.Close(websocket.StatusNormalClosure, "done"))

	o := f.dial(t, "game=g1&player=p2")
	joined := read(t, o)
	assert.Equal(t, engine.O, *joined.Symbol, "p1 still holds X until swept")
}

func TestSocket_ReadTimeoutClosesSilentSocket(t *testing.T) {
	f := newFixture(t, Options{ReadTimeout: 100 * time.Millisecond})

	x := f.dial(t, "game=g1&player=p1")
	read(t, x)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := x.Read(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}
