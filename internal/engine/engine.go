package engine

import (
	"errors"
	"fmt"
)

// ErrInvalidMove is the category every rejected board command falls into.
var ErrInvalidMove = errors.New("invalid move")

var ErrGameOver = fmt.Errorf("%w: game is over", ErrInvalidMove)
var ErrWrongTurn = fmt.Errorf("%w: not your turn", ErrInvalidMove)
var ErrCellOutOfRange = fmt.Errorf("%w: cell out of range", ErrInvalidMove)
var ErrCellOccupied = fmt.Errorf("%w: cell already taken", ErrInvalidMove)
var ErrUnknownSymbol = fmt.Errorf("%w: unknown symbol", ErrInvalidMove)
var ErrUnsupportedCommand = errors.New("unsupported command")

type State struct {
	Board         Board
	CurrentPlayer Symbol
	Winner        Symbol
	IsDraw        bool
}

// Over reports whether the board is won or drawn.
func (s State) Over() bool {
	return s.Winner != Empty || s.IsDraw
}

type CommandType string

const (
	CmdPlaceMark CommandType = "PlaceMark"
	CmdReset     CommandType = "Reset"
)

/*
	CmdPlaceMark -> EvtMarkPlaced -> EvtTurnPassed
	                              -> EvtGameWon   (current player stays)
	                              -> EvtGameDrawn (current player stays)
	CmdReset     -> EvtBoardReset
*/

type Command struct {
	Type   CommandType
	Symbol Symbol
	Cell   int
}

type EventType string

const (
	EvtMarkPlaced EventType = "MarkPlaced"
	EvtTurnPassed EventType = "TurnPassed"
	EvtGameWon    EventType = "GameWon"
	EvtGameDrawn  EventType = "GameDrawn"
	EvtBoardReset EventType = "BoardReset"
)

type Event struct {
	Type   EventType
	Symbol Symbol
	Cell   int
}

// Apply validates cmd against s and returns the resulting events and state.
// On error the returned state is s, untouched.
func Apply(s State, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdPlaceMark:
		if !cmd.Symbol.Valid() {
			return nil, s, ErrUnknownSymbol
		}
		if s.Over() {
			return nil, s, ErrGameOver
		}
		if s.CurrentPlayer != cmd.Symbol {
			return nil, s, ErrWrongTurn
		}
		if cmd.Cell < 0 || cmd.Cell >= Cells {
			return nil, s, ErrCellOutOfRange
		}
		if s.Board[cmd.Cell] != Empty {
			return nil, s, ErrCellOccupied
		}

		// Board is an array, so newState owns its own copy.
		newState := s
		newState.Board[cmd.Cell] = cmd.Symbol
		events := []Event{{Type: EvtMarkPlaced, Symbol: cmd.Symbol, Cell: cmd.Cell}}

		switch {
		case Winner(newState.Board) != Empty:
			newState.Winner = Winner(newState.Board)
			events = append(events, Event{Type: EvtGameWon, Symbol: newState.Winner})
		case newState.Board.Full():
			newState.IsDraw = true
			events = append(events, Event{Type: EvtGameDrawn})
		default:
			newState.CurrentPlayer = cmd.Symbol.Other()
			events = append(events, Event{Type: EvtTurnPassed, Symbol: newState.CurrentPlayer})
		}
		return events, newState, nil

	case CmdReset:
		return []Event{{Type: EvtBoardReset}}, NewEmptyState(), nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// Reduce rebuilds a state by replaying events from an empty board.
func Reduce(events []Event) State {
	s := NewEmptyState()
	for _, event := range events {
		switch event.Type {
		case EvtMarkPlaced:
			s.Board[event.Cell] = event.Symbol
		case EvtTurnPassed:
			s.CurrentPlayer = event.Symbol
		case EvtGameWon:
			s.Winner = event.Symbol
		case EvtGameDrawn:
			s.IsDraw = true
		case EvtBoardReset:
			s = NewEmptyState()
		}
	}
	return s
}
