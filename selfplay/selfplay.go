// Package selfplay generates training data by having the searcher play
// complete games against itself.
package selfplay

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/mtaktikos/CrazyAra/game"
	"github.com/mtaktikos/CrazyAra/game/breakthrough"
	"github.com/mtaktikos/CrazyAra/mcts"
	"github.com/mtaktikos/CrazyAra/store"
)

// GameResult summarizes one finished self-play game.
type GameResult struct {
	GameID string
	Winner game.SideToMove
	Plies  int
}

// Options tunes one self-play game.
type Options struct {
	// BoardSize of the Breakthrough position; 0 uses the default.
	BoardSize int

	// MaxPlies aborts run-away games; 0 uses a generous default.
	MaxPlies int

	// SampleOpeningPlies plays this many opening plies by sampling the root
	// visit distribution instead of taking the maximum, for variety.
	SampleOpeningPlies int

	// Seed for the sampling RNG; 0 derives one from the game ID.
	Seed int64

	// OnStep is called once per committed move, e.g. for throughput
	// counters. May be nil.
	OnStep func()
}

// PlayGame runs one game to completion and returns training rows for every
// ply, with the final outcome written back into each row.
func PlayGame(ctx context.Context, searcher *mcts.Searcher, limits *mcts.Limits, opts Options) ([]store.TrainingRow, GameResult, error) {
	boardSize := opts.BoardSize
	if boardSize == 0 {
		boardSize = breakthrough.DefaultSize
	}
	maxPlies := opts.MaxPlies
	if maxPlies == 0 {
		maxPlies = boardSize * boardSize * 8
	}

	gameID := uuid.NewString()
	seed := opts.Seed
	if seed == 0 {
		seed = int64(uuid.MustParse(gameID).ID())
	}
	rng := rand.New(rand.NewSource(seed))

	state := breakthrough.NewSize(boardSize)
	rows := make([]store.TrainingRow, 0, 128)
	result := GameResult{GameID: gameID}

	for ply := 0; ply < maxPlies; ply++ {
		if ctx != nil && ctx.Err() != nil {
			return nil, result, ctx.Err()
		}
		if _, terminal := state.Result(); terminal {
			break
		}

		res, err := searcher.Search(ctx, state, limits)
		if err != nil {
			return nil, result, fmt.Errorf("search at ply %d: %w", ply, err)
		}

		action := res.BestAction
		if ply < opts.SampleOpeningPlies {
			action = sampleByVisits(rng, res.Children)
		}

		snapshot, err := store.EncodeRawPosition(store.RawPosition{
			Size:       boardSize,
			Board:      state.BoardString(),
			SideToMove: sideName(state.SideToMove()),
			Ply:        ply,
		})
		if err != nil {
			return nil, result, err
		}
		rows = append(rows, store.TrainingRow{
			GameID:      gameID,
			Ply:         int32(ply),
			SideToMove:  sideName(state.SideToMove()),
			StateFormat: store.StateFormatRawV1,
			State:       snapshot,
			Policy:      int32(state.PolicyIndex(action, false)),
			Value:       0, // assigned once the outcome is known
			RootVisits:  int32(res.RootVisits),
			RootQ:       res.Value,
			Source:      "selfplay",
		})

		state.DoAction(action)
		if opts.OnStep != nil {
			opts.OnStep()
		}
	}

	result.Plies = state.Ply()
	// the side to move at the end has lost (Breakthrough has no draws).
	result.Winner = state.SideToMove().Flip()

	for i := range rows {
		if rows[i].SideToMove == sideName(result.Winner) {
			rows[i].Value = 1
		} else {
			rows[i].Value = -1
		}
	}
	return rows, result, nil
}

// sampleByVisits draws an action proportionally to root visit counts.
func sampleByVisits(rng *rand.Rand, children []mcts.ChildStats) game.Action {
	total := uint64(0)
	for _, c := range children {
		total += uint64(c.Visits)
	}
	if total == 0 {
		return children[0].Action
	}
	pick := rng.Uint64() % total
	for _, c := range children {
		if uint64(c.Visits) > pick {
			return c.Action
		}
		pick -= uint64(c.Visits)
	}
	return children[len(children)-1].Action
}

func sideName(s game.SideToMove) string {
	if s == game.White {
		return "white"
	}
	return "black"
}
