package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Cells is the number of squares on the board.
const Cells = 9

type Symbol string

const (
	X     Symbol = "X"
	O     Symbol = "O"
	Empty Symbol = ""
)

// Valid reports whether s is a playable mark.
func (s Symbol) Valid() bool {
	return s == X || s == O
}

// Other returns the opposing mark. Empty stays Empty.
func (s Symbol) Other() Symbol {
	switch s {
	case X:
		return O
	case O:
		return X
	default:
		return Empty
	}
}

// MarshalJSON encodes Empty as null.
func (s Symbol) MarshalJSON() ([]byte, error) {
	if s == Empty {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

func (s *Symbol) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = Empty
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	sym := Symbol(raw)
	if sym != Empty && !sym.Valid() {
		return fmt.Errorf("unknown symbol %q", raw)
	}
	*s = sym
	return nil
}

// Board cells are indexed row-major, 0 top-left through 8 bottom-right.
type Board [Cells]Symbol

// WinLines are the three rows, three columns and two diagonals.
var WinLines = [8][3]int{
	{0, 1, 2},
	{3, 4, 5},
	{6, 7, 8},
	{0, 3, 6},
	{1, 4, 7},
	{2, 5, 8},
	{0, 4, 8},
	{2, 4, 6},
}

// Winner returns the mark holding a complete line, or Empty.
func Winner(b Board) Symbol {
	for _, line := range WinLines {
		a, c, d := b[line[0]], b[line[1]], b[line[2]]
		if a != Empty && a == c && c == d {
			return a
		}
	}
	return Empty
}

func (b Board) Full() bool {
	for _, cell := range b {
		if cell == Empty {
			return false
		}
	}
	return true
}

// Marks counts occupied cells.
func (b Board) Marks() int {
	n := 0
	for _, cell := range b {
		if cell != Empty {
			n++
		}
	}
	return n
}

// String renders the board as nine characters, '-' for an empty cell.
func (b Board) String() string {
	var sb strings.Builder
	for _, cell := range b {
		if cell == Empty {
			sb.WriteByte('-')
			continue
		}
		sb.WriteString(string(cell))
	}
	return sb.String()
}

// ParseBoard is the inverse of Board.String.
func ParseBoard(s string) (Board, error) {
	var b Board
	if len(s) != Cells {
		return b, fmt.Errorf("board must have %d cells, got %d", Cells, len(s))
	}
	for i := 0; i < Cells; i++ {
		switch s[i] {
		case '-':
			b[i] = Empty
		case 'X':
			b[i] = X
		case 'O':
			b[i] = O
		default:
			return b, fmt.Errorf("bad cell %q at %d", s[i], i)
		}
	}
	return b, nil
}
