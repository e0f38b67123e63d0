package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtaktikos/CrazyAra/game"
	"github.com/mtaktikos/CrazyAra/game/breakthrough"
	"github.com/mtaktikos/CrazyAra/inference"
	"github.com/mtaktikos/CrazyAra/logging"
	"github.com/mtaktikos/CrazyAra/mcts"
)

func main() {
	modelPath := flag.String("model", "", "Path to an .onnx model; empty runs the neural-free rollout variant")
	boardSize := flag.Int("board-size", 8, "Breakthrough board size")
	board := flag.String("board", "", "Row-major board string ('.', 'w', 'b'); empty analyses the initial position")
	sideToMove := flag.String("side", "white", "Side to move: white or black")
	simulations := flag.Uint64("simulations", 10000, "Simulation limit (0 disables)")
	nodes := flag.Uint64("nodes", 0, "Node limit (0 disables)")
	batchSize := flag.Int("batch-size", 16, "Search mini-batch size")
	threads := flag.Int("threads", 2, "Search worker threads")
	seed := flag.Int64("seed", 0, "RNG seed; 0 uses the clock")
	flag.Parse()

	log := slog.New(logging.NewPrettyJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := buildState(*boardSize, *board, *sideToMove)
	if err != nil {
		log.Error("bad position", "err", err)
		os.Exit(1)
	}

	var nets []mcts.Net
	if *modelPath != "" {
		cells := *boardSize * *boardSize
		net, err := inference.NewOnnxNet(*modelPath, inference.Config{
			Planes:     3,
			Rows:       *boardSize,
			Cols:       *boardSize,
			PolicySize: cells * 3,
		})
		if err != nil {
			log.Error("load model", "err", err)
			os.Exit(1)
		}
		defer net.Close()
		nets = []mcts.Net{net}
	}

	settings := mcts.DefaultSettings()
	settings.BatchSize = *batchSize
	settings.Threads = *threads

	searcher := mcts.NewSearcher(settings, nets, nil)
	if *seed != 0 {
		searcher.SetSeed(*seed)
	}

	result, err := searcher.Search(ctx, state, &mcts.Limits{Simulations: *simulations, Nodes: *nodes})
	if err != nil {
		log.Error("search failed", "err", err)
		os.Exit(1)
	}

	log.Info("search complete",
		"best_action", int32(result.BestAction),
		"value", result.Value,
		"visits", result.RootVisits,
		"nodes", result.Nodes,
		"depth_max", result.DepthMax,
		"avg_depth", result.AvgDepth,
		"tb_hits", result.TBHits,
		"nps", result.NPS,
		"elapsed", result.Elapsed)
	for _, child := range result.Children {
		if child.Visits == 0 {
			continue
		}
		log.Info("root child",
			"action", int32(child.Action),
			"visits", child.Visits,
			"q", child.Q,
			"prior", child.Prior)
	}
}

func buildState(size int, board, side string) (game.State, error) {
	if board == "" {
		return breakthrough.NewSize(size), nil
	}
	s := game.White
	if side == "black" {
		s = game.Black
	}
	return breakthrough.FromBoard(size, board, s)
}
