package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mtaktikos/CrazyAra/game"
	"github.com/mtaktikos/CrazyAra/inference"
	"github.com/mtaktikos/CrazyAra/logging"
	"github.com/mtaktikos/CrazyAra/mcts"
	"github.com/mtaktikos/CrazyAra/selfplay"
	"github.com/mtaktikos/CrazyAra/store"
)

var totalMoves atomic.Int64
var totalGames atomic.Int64

type gameUpdate struct {
	WorkerID int
	Result   selfplay.GameResult
	Examples int
}

type gameWriteRequest struct {
	rows []store.TrainingRow
}

type model struct {
	gamesPlayed   int
	totalExamples int
	moves         int64
	startTime     time.Time
	recentGames   []string
	updates       chan gameUpdate
}

func initialModel(updates chan gameUpdate) model {
	return model{
		startTime: time.Now(),
		updates:   updates,
	}
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.updates), tickCmd())
}

func waitForUpdate(updates chan gameUpdate) tea.Cmd {
	return func() tea.Msg {
		return <-updates
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tickMsg:
		m.moves = totalMoves.Load()
		return m, tickCmd()
	case gameUpdate:
		m.gamesPlayed++
		m.totalExamples += msg.Examples
		logMsg := fmt.Sprintf("Worker %d: Winner %s, Plies %d, Ex %d",
			msg.WorkerID, sideName(msg.Result.Winner), msg.Result.Plies, msg.Examples)
		m.recentGames = append([]string{logMsg}, m.recentGames...)
		if len(m.recentGames) > 10 {
			m.recentGames = m.recentGames[:10]
		}
		return m, waitForUpdate(m.updates)
	}
	return m, nil
}

func (m model) View() string {
	duration := time.Since(m.startTime)
	gamesPerSec := float64(m.gamesPlayed) / duration.Seconds()
	movesPerSec := float64(m.moves) / duration.Seconds()
	if duration.Seconds() < 1 {
		gamesPerSec = 0
		movesPerSec = 0
	}

	s := fmt.Sprintf("Games Played:   %d\n", m.gamesPlayed)
	s += fmt.Sprintf("Total Examples: %d\n", m.totalExamples)
	s += fmt.Sprintf("Total Moves:    %d\n", m.moves)
	s += fmt.Sprintf("Duration:       %s\n", duration.Round(time.Second))
	s += fmt.Sprintf("Games/Sec:      %.2f\n", gamesPerSec)
	s += fmt.Sprintf("Moves/Sec:      %.2f\n\n", movesPerSec)

	s += "Recent Games:\n"
	for _, g := range m.recentGames {
		s += g + "\n"
	}

	s += "\nPress q to quit.\n"
	return s
}

func sideName(s game.SideToMove) string {
	if s == game.White {
		return "white"
	}
	return "black"
}

func main() {
	outDir := flag.String("out-dir", "data/generated", "Output directory for generated training parquet batches")
	workers := flag.Int("workers", 8, "Number of self-play workers")
	gamesPerFlush := flag.Int("games-per-flush", 50, "Number of games to buffer per parquet flush")
	maxGames := flag.Int64("max-games", 0, "If > 0, stop after generating this many games (across all workers)")
	modelPath := flag.String("model", "", "Path to an .onnx model; empty runs the neural-free rollout variant")
	boardSize := flag.Int("board-size", 8, "Breakthrough board size")
	simulations := flag.Uint64("simulations", 400, "Search simulations per move")
	batchSize := flag.Int("batch-size", 16, "Search mini-batch size")
	threads := flag.Int("threads", 2, "Search worker threads per game")
	sessions := flag.Int("onnx-sessions", 1, "Number of ONNX Runtime sessions shared by all games")
	useTUI := flag.Bool("tui", true, "Show the live TUI instead of plain logs")
	flag.Parse()

	log := slog.New(logging.NewPrettyJSONHandler(os.Stderr, nil))

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

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
	limits := &mcts.Limits{Simulations: *simulations}

	updates := make(chan gameUpdate, *workers)
	writeReqs := make(chan gameWriteRequest, (*workers)*4)

	writerDone := make(chan struct{})
	go func() {
		parquetWriterLoop(log, *outDir, *gamesPerFlush, writeReqs)
		close(writerDone)
	}()

	var workerWG sync.WaitGroup
	for i := 0; i < *workers; i++ {
		workerWG.Add(1)
		go func(workerID int) {
			defer workerWG.Done()
			searcher := mcts.NewSearcher(settings, nets, nil)
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				rows, result, err := selfplay.PlayGame(ctx, searcher, limits, selfplay.Options{
					BoardSize:          *boardSize,
					SampleOpeningPlies: 6,
					OnStep:             func() { totalMoves.Add(1) },
				})
				if err != nil {
					if ctx.Err() == nil {
						log.Error("self-play game failed", "worker", workerID, "err", err)
					}
					return
				}
				total := totalGames.Add(1)
				if *maxGames > 0 && total >= *maxGames {
					cancel()
				}

				writeReqs <- gameWriteRequest{rows: rows}

				// avoid blocking shutdown if the UI loop stops consuming.
				select {
				case updates <- gameUpdate{WorkerID: workerID, Result: result, Examples: len(rows)}:
				default:
				}
			}
		}(i)
	}

	if *useTUI {
		p := tea.NewProgram(initialModel(updates), tea.WithAltScreen())
		go func() {
			<-ctx.Done()
			p.Quit()
		}()
		if _, err := p.Run(); err != nil {
			log.Error("tui failed", "err", err)
		}
		cancel()
	} else {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
	plain:
		for {
			select {
			case <-ctx.Done():
				break plain
			case update := <-updates:
				log.Info("game finished",
					"worker", update.WorkerID,
					"winner", sideName(update.Result.Winner),
					"plies", update.Result.Plies,
					"examples", update.Examples)
			case <-ticker.C:
				log.Info("throughput",
					"games", totalGames.Load(),
					"moves", totalMoves.Load())
			}
		}
	}

	log.Info("shutdown requested; waiting for workers to finish current games")
	workerWG.Wait()
	close(writeReqs)
	<-writerDone
	log.Info("shutdown complete", "games", totalGames.Load())
}

func parquetWriterLoop(log *slog.Logger, outDir string, gamesPerFlush int, in <-chan gameWriteRequest) {
	if gamesPerFlush <= 0 {
		gamesPerFlush = 50
	}

	pendingRows := make([]store.TrainingRow, 0, 1024)
	pendingGames := 0

	flush := func() {
		if len(pendingRows) == 0 {
			return
		}
		outPath, err := store.WriteBatchAtomic(outDir, pendingRows)
		if err != nil {
			log.Error("parquet flush failed", "games", pendingGames, "rows", len(pendingRows), "err", err)
		} else {
			log.Info("parquet flush ok", "path", outPath, "games", pendingGames, "rows", len(pendingRows))
		}
		pendingRows = pendingRows[:0]
		pendingGames = 0
	}

	for req := range in {
		if len(req.rows) == 0 {
			continue
		}
		pendingRows = append(pendingRows, req.rows...)
		pendingGames++
		if pendingGames >= gamesPerFlush {
			flush()
		}
	}
	flush()
}
