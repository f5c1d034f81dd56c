package postgres

import (
	"fmt"
	"time"

	"github.com/DoyleJ11/tictactoe-backend/internal/engine"
	"github.com/DoyleJ11/tictactoe-backend/internal/store"
)

type gameRow struct {
	GameID        string    `gorm:"column:game_id;primaryKey;size:64"`
	Board         string    `gorm:"size:9;not null"`
	CurrentPlayer string    `gorm:"size:1;not null"`
	Winner        string    `gorm:"size:1;not null;default:''"`
	IsDraw        bool      `gorm:"not null;default:false"`
	PlayerX       string    `gorm:"column:player_x;size:64;not null;default:''"`
	PlayerO       string    `gorm:"column:player_o;size:64;not null;default:''"`
	Spectators    int       `gorm:"not null;default:0"`
	LastActivity  time.Time `gorm:"not null"`
	Revision      int64     `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (gameRow) TableName() string { return "games" }

type playerRow struct {
	PlayerID  string    `gorm:"column:player_id;primaryKey;size:64"`
	GameID    string    `gorm:"size:64;not null;index"`
	Symbol    string    `gorm:"size:1;not null;default:''"`
	LastSeen  time.Time `gorm:"not null;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (playerRow) TableName() string { return "players" }

func fromSession(s store.Session) gameRow {
	return gameRow{
		GameID:        s.GameID,
		Board:         s.Board.String(),
		CurrentPlayer: string(s.CurrentPlayer),
		Winner:        string(s.Winner),
		IsDraw:        s.IsDraw,
		PlayerX:       s.PlayerX,
		PlayerO:       s.PlayerO,
		Spectators:    s.Spectators,
		LastActivity:  s.LastActivity,
		Revision:      s.Revision,
	}
}

func (r gameRow) session() (store.Session, error) {
	board, err := engine.ParseBoard(r.Board)
	if err != nil {
		return store.Session{}, fmt.Errorf("game %s: %w", r.GameID, err)
	}
	return store.Session{
		GameID:        r.GameID,
		Board:         board,
		CurrentPlayer: engine.Symbol(r.CurrentPlayer),
		Winner:        engine.Symbol(r.Winner),
		IsDraw:        r.IsDraw,
		PlayerX:       r.PlayerX,
		PlayerO:       r.PlayerO,
		Spectators:    r.Spectators,
		LastActivity:  r.LastActivity,
		Revision:      r.Revision,
	}, nil
}

func fromParticipant(p store.Participant) playerRow {
	return playerRow{
		PlayerID: p.ParticipantID,
		GameID:   p.GameID,
		Symbol:   string(p.Symbol),
		LastSeen: p.LastSeen,
	}
}

func (r playerRow) participant() store.Participant {
	return store.Participant{
		ParticipantID: r.PlayerID,
		GameID:        r.GameID,
		Symbol:        engine.Symbol(r.Symbol),
		LastSeen:      r.LastSeen,
	}
}

// sessionUpdates turns a patch into a column map for gorm. The revision is
// bumped in SQL so concurrent writers cannot lose an increment.
func sessionUpdates(p store.SessionPatch) map[string]any {
	updates := map[string]any{}
	if p.State != nil {
		updates["board"] = p.State.Board.String()
		updates["current_player"] = string(p.State.CurrentPlayer)
		updates["winner"] = string(p.State.Winner)
		updates["is_draw"] = p.State.IsDraw
	}
	if p.PlayerX != nil {
		updates["player_x"] = *p.PlayerX
	}
	if p.PlayerO != nil {
		updates["player_o"] = *p.PlayerO
	}
	if p.Spectators != nil {
		updates["spectators"] = *p.Spectators
	}
	if p.LastActivity != nil {
		updates["last_activity"] = *p.LastActivity
	}
	return updates
}

func participantUpdates(p store.ParticipantPatch) map[string]any {
	updates := map[string]any{}
	if p.GameID != nil {
		updates["game_id"] = *p.GameID
	}
	if p.Symbol != nil {
		updates["symbol"] = string(*p.Symbol)
	}
	if p.LastSeen != nil {
		updates["last_seen"] = *p.LastSeen
	}
	return updates
}
