// Package types holds the JSON shapes shared by the HTTP and websocket surfaces.
//
// Client -> Server (websocket)
//
//	Move:      { "type": "Move", "cell": 0..8 }
//	Reset:     { "type": "Reset" }
//	Heartbeat: { "type": "Heartbeat" }
//
// Server -> Client
//
//	Joined:        { "type": "Joined", "player_id", "symbol": "X" | "O" | null, "state": GameView }
//	StateSnapshot: { "type": "StateSnapshot", "version", "state": GameView }
//	Error:         { "type": "Error", "code", "error" }
package types

import "github.com/DoyleJ11/tictactoe-backend/internal/engine"

// Players maps each slot to the participant holding it; nil when vacant.
type Players struct {
	X *string `json:"X"`
	O *string `json:"O"`
}

// GameView is what observers of a game see.
type GameView struct {
	GameID        string        `json:"gameId"`
	Board         engine.Board  `json:"board"`
	CurrentPlayer engine.Symbol `json:"currentPlayer"`
	Winner        engine.Symbol `json:"winner"`
	IsDraw        bool          `json:"isDraw"`
	Players       Players       `json:"players"`
	Spectators    int           `json:"spectators"`
	Revision      int64         `json:"revision"`
}

const (
	MsgMove      = "Move"
	MsgReset     = "Reset"
	MsgHeartbeat = "Heartbeat"

	MsgJoined        = "Joined"
	MsgStateSnapshot = "StateSnapshot"
	MsgError         = "Error"
)

type ClientMessage struct {
	Type string `json:"type"`
	Cell *int   `json:"cell,omitempty"`
}

type ServerMessage struct {
	Type     string         `json:"type"` // "Joined" | "StateSnapshot" | "Error"
	Version  int64          `json:"version,omitempty"`
	PlayerID string         `json:"player_id,omitempty"`
	Symbol   *engine.Symbol `json:"symbol,omitempty"`
	State    *GameView      `json:"state,omitempty"`
	Code     string         `json:"code,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Slot returns a pointer for a participant id, nil for a vacant slot.
func Slot(participantID string) *string {
	if participantID == "" {
		return nil
	}
	return &participantID
}
