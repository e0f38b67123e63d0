// Package breakthrough implements the Breakthrough board game on an NxN
// board. It is the concrete game used by self-play and by the search tests;
// the engine itself only depends on the game.State contract.
package breakthrough

import (
	"fmt"
	"math/rand"

	"github.com/mtaktikos/CrazyAra/game"
)

const (
	// DefaultSize is the classic board size.
	DefaultSize = 8

	// directions per pawn move: forward-left, forward, forward-right,
	// always from the mover's point of view.
	numDirections = 3
)

type piece uint8

const (
	empty piece = iota
	white
	black
)

// zobrist keys are fixed at init so hashes are stable across processes,
// which transposition tables written by different runs rely on.
var (
	zobristPiece       [2][DefaultSize * DefaultSize]uint64
	zobristBlackToMove uint64
)

func init() {
	rng := rand.New(rand.NewSource(0x6272746872752121))
	for p := 0; p < 2; p++ {
		for sq := range zobristPiece[p] {
			zobristPiece[p][sq] = rng.Uint64()
		}
	}
	zobristBlackToMove = rng.Uint64()
}

// State is a Breakthrough position. White moves toward the top row, black
// toward the bottom row. Reaching the far row wins; so does capturing every
// enemy pawn.
type State struct {
	size  int
	board []piece
	side  game.SideToMove
	moves int
	hash  uint64
}

// New returns the initial position with two pawn rows per side.
func New() *State {
	return NewSize(DefaultSize)
}

// NewSize returns the initial position on a size x size board. Sizes above
// DefaultSize are rejected because the zobrist tables are sized for it;
// sizes below 4 leave no room for two pawn rows per side.
func NewSize(size int) *State {
	if size < 4 || size > DefaultSize {
		panic("breakthrough: unsupported board size")
	}
	s := &State{
		size:  size,
		board: make([]piece, size*size),
		side:  game.White,
	}
	for col := 0; col < size; col++ {
		s.board[col] = white
		s.board[size+col] = white
		s.board[(size-2)*size+col] = black
		s.board[(size-1)*size+col] = black
	}
	s.rehash()
	return s
}

// Empty returns a board with no pawns placed. Intended for tests that set up
// specific positions via Put.
func Empty(size int) *State {
	if size < 3 || size > DefaultSize {
		panic("breakthrough: unsupported board size")
	}
	s := &State{
		size:  size,
		board: make([]piece, size*size),
		side:  game.White,
	}
	s.rehash()
	return s
}

// FromBoard reconstructs a position from a BoardString snapshot.
func FromBoard(size int, board string, side game.SideToMove) (*State, error) {
	if size < 3 || size > DefaultSize {
		return nil, fmt.Errorf("unsupported board size %d", size)
	}
	if len(board) != size*size {
		return nil, fmt.Errorf("board string has %d cells, want %d", len(board), size*size)
	}
	s := &State{
		size:  size,
		board: make([]piece, size*size),
		side:  side,
	}
	for i := 0; i < len(board); i++ {
		switch board[i] {
		case 'w':
			s.board[i] = white
		case 'b':
			s.board[i] = black
		case '.':
		default:
			return nil, fmt.Errorf("bad board cell %q at %d", board[i], i)
		}
	}
	s.rehash()
	return s, nil
}

// Put places a pawn for side at (row, col). Test helper.
func (s *State) Put(side game.SideToMove, row, col int) {
	p := white
	if side == game.Black {
		p = black
	}
	s.board[row*s.size+col] = p
	s.rehash()
}

// SetSideToMove overrides the side to move. Test helper.
func (s *State) SetSideToMove(side game.SideToMove) {
	s.side = side
	s.rehash()
}

func (s *State) rehash() {
	h := uint64(0)
	for sq, p := range s.board {
		switch p {
		case white:
			h ^= zobristPiece[0][sq]
		case black:
			h ^= zobristPiece[1][sq]
		}
	}
	if s.side == game.Black {
		h ^= zobristBlackToMove
	}
	s.hash = h
}

func (s *State) Size() int { return s.size }

// Ply is the number of half-moves played from the initial position.
func (s *State) Ply() int { return s.moves }

// BoardString renders the board row-major, rank 0 first, with '.', 'w' and
// 'b' cells. Used for training-data snapshots.
func (s *State) BoardString() string {
	out := make([]byte, len(s.board))
	for i, p := range s.board {
		switch p {
		case white:
			out[i] = 'w'
		case black:
			out[i] = 'b'
		default:
			out[i] = '.'
		}
	}
	return string(out)
}

func (s *State) Clone() game.State {
	c := &State{
		size:  s.size,
		board: append([]piece(nil), s.board...),
		side:  s.side,
		moves: s.moves,
		hash:  s.hash,
	}
	return c
}

func (s *State) SideToMove() game.SideToMove { return s.side }

func (s *State) Hash() uint64 { return s.hash }

// forward is +1 row for white, -1 for black.
func (s *State) forward() int {
	if s.side == game.White {
		return 1
	}
	return -1
}

func (s *State) own() piece {
	if s.side == game.White {
		return white
	}
	return black
}

func (s *State) enemy() piece {
	if s.side == game.White {
		return black
	}
	return white
}

// encodeAction packs (from square, direction). Direction is relative to the
// mover: 0 forward-left, 1 forward, 2 forward-right.
func encodeAction(from, dir int) game.Action {
	return game.Action(from*numDirections + dir)
}

func decodeAction(a game.Action) (from, dir int) {
	return int(a) / numDirections, int(a) % numDirections
}

// target returns the destination square of an action for the current side
// to move, or -1 when it leaves the board.
func (s *State) target(a game.Action) int {
	from, dir := decodeAction(a)
	row, col := from/s.size, from%s.size
	row += s.forward()
	col += dir - 1
	if row < 0 || row >= s.size || col < 0 || col >= s.size {
		return -1
	}
	return row*s.size + col
}

func (s *State) LegalActions() []game.Action {
	own, enemy := s.own(), s.enemy()
	actions := make([]game.Action, 0, 16)
	for from, p := range s.board {
		if p != own {
			continue
		}
		for dir := 0; dir < numDirections; dir++ {
			a := encodeAction(from, dir)
			to := s.target(a)
			if to < 0 {
				continue
			}
			// straight moves cannot capture; diagonal moves may.
			if dir == 1 {
				if s.board[to] == empty {
					actions = append(actions, a)
				}
			} else if s.board[to] == empty || s.board[to] == enemy {
				actions = append(actions, a)
			}
		}
	}
	return actions
}

func (s *State) DoAction(a game.Action) {
	from, _ := decodeAction(a)
	to := s.target(a)
	own := s.own()
	ownIdx, enemyIdx := 0, 1
	if s.side == game.Black {
		ownIdx, enemyIdx = 1, 0
	}
	s.hash ^= zobristPiece[ownIdx][from]
	if s.board[to] != empty {
		s.hash ^= zobristPiece[enemyIdx][to]
	}
	s.hash ^= zobristPiece[ownIdx][to]
	s.board[from] = empty
	s.board[to] = own
	s.side = s.side.Flip()
	s.hash ^= zobristBlackToMove
	s.moves++
}

// GivesCheck reports whether the move lands a pawn one row from promotion,
// which forces the opponent to answer the threat immediately.
func (s *State) GivesCheck(a game.Action) bool {
	to := s.target(a)
	if to < 0 {
		return false
	}
	row := to / s.size
	if s.side == game.White {
		return row == s.size-2
	}
	return row == 1
}

func (s *State) Result() (float32, bool) {
	// the previous mover wins by reaching its far row.
	backRow, promoted := 0, black
	if s.side == game.Black {
		backRow, promoted = s.size-1, white
	}
	for col := 0; col < s.size; col++ {
		if s.board[backRow*s.size+col] == promoted {
			return -1, true
		}
	}
	// no pawns or no moves loses for the side to move.
	if len(s.LegalActions()) == 0 {
		return -1, true
	}
	return 0, false
}

func (s *State) RandomRollout(rng *rand.Rand) float32 {
	sim := s.Clone().(*State)
	sign := float32(1)
	for {
		v, terminal := sim.Result()
		if terminal {
			return sign * v
		}
		actions := sim.LegalActions()
		sim.DoAction(actions[rng.Intn(len(actions))])
		sign = -sign
	}
}

// relSquare converts an absolute square into the mover-relative frame. Black
// sees the board rotated by 180 degrees so both sides share one policy head.
func (s *State) relSquare(sq int, side game.SideToMove) int {
	if side == game.White {
		return sq
	}
	return s.size*s.size - 1 - sq
}

func (s *State) PolicySize() int { return s.size * s.size * numDirections }

// MirrorPolicy is always false: PolicyIndex and StatePlanes already encode
// from the side to move's perspective.
func (s *State) MirrorPolicy(side game.SideToMove) bool { return false }

func (s *State) PolicyIndex(a game.Action, mirror bool) int {
	from, dir := decodeAction(a)
	rel := s.relSquare(from, s.side)
	if mirror || s.side == game.Black {
		// rotating the board also swaps left and right diagonals.
		dir = numDirections - 1 - dir
	}
	return rel*numDirections + dir
}

// PlaneValues: own pawns, enemy pawns, and a constant side-to-move plane.
func (s *State) PlaneValues() int { return 3 * s.size * s.size }

func (s *State) StatePlanes(normalize bool, dst []float32, nnVersion int) {
	cells := s.size * s.size
	for i := range dst[:3*cells] {
		dst[i] = 0
	}
	own := s.own()
	for sq, p := range s.board {
		if p == empty {
			continue
		}
		rel := s.relSquare(sq, s.side)
		if p == own {
			dst[rel] = 1
		} else {
			dst[cells+rel] = 1
		}
	}
	fill := float32(1)
	if normalize && s.side == game.Black {
		fill = 0
	}
	for i := 0; i < cells; i++ {
		dst[2*cells+i] = fill
	}
}

func (s *State) Phase(numPhases int, def game.PhaseDefinition) game.Phase {
	if numPhases <= 1 {
		return game.PhaseAll
	}
	switch def {
	case game.PhaseByMaterial:
		pawns := 0
		for _, p := range s.board {
			if p != empty {
				pawns++
			}
		}
		full := 4 * s.size
		bucket := (full - pawns) * numPhases / (full + 1)
		if bucket >= numPhases {
			bucket = numPhases - 1
		}
		return game.Phase(bucket)
	default:
		bucket := s.moves * numPhases / (s.moves + 20)
		if bucket >= numPhases {
			bucket = numPhases - 1
		}
		return game.Phase(bucket)
	}
}
