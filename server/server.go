// Package server exposes live analysis over websockets. A client connects,
// sends one analysis request, and receives periodic info frames while the
// search runs, then a final result frame.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtaktikos/CrazyAra/game"
	"github.com/mtaktikos/CrazyAra/game/breakthrough"
	"github.com/mtaktikos/CrazyAra/mcts"
)

// AnalyseRequest is the single message a client sends after connecting.
// Board/Size/SideToMove describe the position (empty board means the initial
// position).
type AnalyseRequest struct {
	Size        int    `json:"size,omitempty"`
	Board       string `json:"board,omitempty"`
	SideToMove  string `json:"side_to_move,omitempty"`
	Simulations uint64 `json:"simulations,omitempty"`
	Nodes       uint64 `json:"nodes,omitempty"`
}

// InfoFrame is streamed periodically while the search runs. The final frame
// has Done set and carries the chosen action.
type InfoFrame struct {
	Done       bool    `json:"done"`
	Visits     uint32  `json:"visits"`
	Nodes      uint64  `json:"nodes"`
	Value      float32 `json:"value,omitempty"`
	DepthMax   int     `json:"depth_max,omitempty"`
	AvgDepth   int     `json:"avg_depth,omitempty"`
	NPS        float64 `json:"nps,omitempty"`
	BestAction int32   `json:"best_action,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Config holds server configuration.
type Config struct {
	Addr string

	// InfoInterval between streamed frames.
	InfoInterval time.Duration

	// NewSearcher builds a fresh searcher per connection so concurrent
	// clients do not share a tree.
	NewSearcher func() *mcts.Searcher
}

// Server serves the analysis websocket endpoint.
type Server struct {
	config   Config
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func New(config Config, log *slog.Logger) *Server {
	if config.InfoInterval <= 0 {
		config.InfoInterval = 250 * time.Millisecond
	}
	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Handler returns the mux with the /ws/analyse endpoint registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/analyse", s.handleAnalyse)
	return mux
}

// ListenAndServe blocks serving the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.config.Addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleAnalyse(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	var req AnalyseRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.log.Warn("bad analyse request", "err", err)
		return
	}

	state, err := stateFromRequest(req)
	if err != nil {
		_ = conn.WriteJSON(InfoFrame{Done: true, Error: err.Error()})
		return
	}

	limits := &mcts.Limits{Simulations: req.Simulations, Nodes: req.Nodes}
	if limits.Simulations == 0 && limits.Nodes == 0 {
		limits.Simulations = 10000
	}

	searcher := s.config.NewSearcher()
	done := make(chan struct{})
	var result *mcts.Result
	var searchErr error
	go func() {
		defer close(done)
		result, searchErr = searcher.Search(r.Context(), state, limits)
	}()

	ticker := time.NewTicker(s.config.InfoInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			frame := InfoFrame{Nodes: searcher.TreeSize()}
			if root := searcher.Root(); root != nil {
				frame.Visits = root.Visits()
			}
			if err := conn.WriteJSON(frame); err != nil {
				// client went away; the search stops cooperatively.
				searcher.Stop()
				<-done
				return
			}
		case <-done:
			final := InfoFrame{Done: true}
			if searchErr != nil {
				final.Error = searchErr.Error()
			} else {
				final.Visits = result.RootVisits
				final.Nodes = result.Nodes
				final.Value = result.Value
				final.DepthMax = result.DepthMax
				final.AvgDepth = result.AvgDepth
				final.NPS = result.NPS
				final.BestAction = int32(result.BestAction)
			}
			if err := conn.WriteJSON(final); err != nil {
				s.log.Warn("write final frame", "err", err)
			}
			return
		}
	}
}

func stateFromRequest(req AnalyseRequest) (game.State, error) {
	if req.Board == "" {
		if req.Size == 0 {
			return breakthrough.New(), nil
		}
		return breakthrough.NewSize(req.Size), nil
	}
	side := game.White
	switch req.SideToMove {
	case "", "white":
	case "black":
		side = game.Black
	default:
		return nil, fmt.Errorf("bad side_to_move %q", req.SideToMove)
	}
	size := req.Size
	if size == 0 {
		size = breakthrough.DefaultSize
	}
	return breakthrough.FromBoard(size, req.Board, side)
}
