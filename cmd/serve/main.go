package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtaktikos/CrazyAra/inference"
	"github.com/mtaktikos/CrazyAra/logging"
	"github.com/mtaktikos/CrazyAra/mcts"
	"github.com/mtaktikos/CrazyAra/server"
)

func main() {
	addr := flag.String("addr", ":8090", "Listen address")
	modelPath := flag.String("model", "", "Path to an .onnx model; empty runs the neural-free rollout variant")
	boardSize := flag.Int("board-size", 8, "Breakthrough board size")
	batchSize := flag.Int("batch-size", 16, "Search mini-batch size")
	threads := flag.Int("threads", 2, "Search worker threads per connection")
	sessions := flag.Int("onnx-sessions", 1, "Number of ONNX Runtime sessions")
	flag.Parse()

	log := slog.New(logging.NewPrettyJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var nets []mcts.Net
	if *modelPath != "" {
		cells := *boardSize * *boardSize
		pool, err := inference.NewPool(*modelPath, *sessions, inference.Config{
			Planes:     3,
			Rows:       *boardSize,
			Cols:       *boardSize,
			PolicySize: cells * 3,
		})
		if err != nil {
			log.Error("create onnx pool", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		nets = []mcts.Net{pool}
	}

	settings := mcts.DefaultSettings()
	settings.BatchSize = *batchSize
	settings.Threads = *threads

	srv := server.New(server.Config{
		Addr: *addr,
		NewSearcher: func() *mcts.Searcher {
			return mcts.NewSearcher(settings, nets, nil)
		},
	}, log)

	log.Info("serving live analysis", "addr", *addr)
	if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
}
