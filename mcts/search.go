package mcts

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mtaktikos/CrazyAra/game"
)

// Searcher owns the shared tree state and fans a search out over
// Settings.Threads workers. The final move choice is by root visit count.
type Searcher struct {
	settings      *Settings
	nets          []Net
	phaseToNetIdx map[game.Phase]int

	tt       *TranspositionMap
	treeSize atomic.Uint64

	root      atomic.Pointer[Node]
	rootState game.State

	mu      sync.Mutex
	workers []*Worker

	seed int64
}

// Result summarizes one finished search.
type Result struct {
	BestAction game.Action
	Value      float32
	RootVisits uint32
	Nodes      uint64
	TBHits     uint64
	DepthMax   int
	AvgDepth   int
	Elapsed    time.Duration
	NPS        float64
	Children   []ChildStats
}

// NewSearcher builds a searcher. nets may be empty for the neural-free
// rollout variant. phaseToNetIdx maps game phases onto net indices and may
// be nil with a single network.
func NewSearcher(settings *Settings, nets []Net, phaseToNetIdx map[game.Phase]int) *Searcher {
	return &Searcher{
		settings:      settings,
		nets:          nets,
		phaseToNetIdx: phaseToNetIdx,
		tt:            NewTranspositionMap(),
		seed:          time.Now().UnixNano(),
	}
}

// SetSeed fixes the RNG seed used to derive per-worker seeds, for
// reproducible single-threaded searches.
func (s *Searcher) SetSeed(seed int64) { s.seed = seed }

// Root exposes the current root node (nil before the first Search). Safe to
// call while a search runs.
func (s *Searcher) Root() *Node { return s.root.Load() }

// TreeSize is the number of nodes created for the current tree.
func (s *Searcher) TreeSize() uint64 { return s.treeSize.Load() }

// Stop asks all running workers to finish their current iteration and exit.
func (s *Searcher) Stop() {
	s.mu.Lock()
	workers := append([]*Worker(nil), s.workers...)
	s.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
}

// Search grows a fresh tree rooted at state until limits trip and returns
// the aggregated result.
func (s *Searcher) Search(ctx context.Context, state game.State, limits *Limits) (*Result, error) {
	start := time.Now()

	s.tt.Clear()
	s.treeSize.Store(0)
	s.rootState = state.Clone()

	root, err := s.prepareRoot(s.rootState)
	if err != nil {
		return nil, err
	}
	s.root.Store(root)

	threads := s.settings.Threads
	if threads < 1 {
		threads = 1
	}
	seedRng := rand.New(rand.NewSource(s.seed))
	workers := make([]*Worker, threads)
	for i := range workers {
		w := NewWorker(s.nets, s.phaseToNetIdx, s.settings, s.tt, &s.treeSize, seedRng.Int63())
		w.SetRoot(root, s.rootState)
		w.SetLimits(limits)
		w.ResetStats()
		workers[i] = w
	}
	s.mu.Lock()
	s.workers = workers
	s.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, threads)
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				errCh <- err
				s.Stop()
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}

	return s.collectResult(start)
}

func (s *Searcher) collectResult(start time.Time) (*Result, error) {
	root := s.root.Load()
	best := root.BestChild()
	if best < 0 {
		return nil, errors.New("search produced no visited root child")
	}

	res := &Result{
		BestAction: root.Action(best),
		RootVisits: root.Visits(),
		Nodes:      s.treeSize.Load(),
		Elapsed:    time.Since(start),
		Children:   root.ChildrenStats(),
	}
	res.Value = res.Children[best].Q

	totalDepthSum := uint64(0)
	for _, w := range s.workers {
		res.TBHits += w.TBHits()
		if w.DepthMax() > res.DepthMax {
			res.DepthMax = w.DepthMax()
		}
		totalDepthSum += w.depthSum
	}
	if visits := res.RootVisits; visits > 0 {
		res.AvgDepth = int(float64(totalDepthSum)/float64(visits) + 0.5)
	}
	if secs := res.Elapsed.Seconds(); secs > 0 {
		res.NPS = float64(res.RootVisits) / secs
	}
	return res, nil
}

// prepareRoot creates and evaluates the root so workers find a playout node.
func (s *Searcher) prepareRoot(state game.State) (*Node, error) {
	if _, terminal := state.Result(); terminal {
		return nil, errors.New("root position is terminal")
	}
	root := newNode(state)
	s.tt.lookupOrInsert(root.hash, true, root)
	s.treeSize.Store(1)

	if len(s.nets) == 0 {
		rng := rand.New(rand.NewSource(s.seed))
		root.setValue(state.Clone().RandomRollout(rng))
		root.EnableHasNNResults()
		return root, nil
	}

	net := s.nets[s.rootNetIndex(state)]
	inputPlanes := make([]float32, net.InputValues())
	state.StatePlanes(true, inputPlanes, net.Version())
	valueOut := make([]float32, 1)
	probOut := make([]float32, net.PolicySize())
	if err := net.PredictBatch(inputPlanes, 1, valueOut, probOut); err != nil {
		return nil, fmt.Errorf("evaluate root: %w", err)
	}

	var tbHits uint64
	mirror := state.MirrorPolicy(state.SideToMove())
	fillNNResults(root, probOut, valueOut[0], mirror, net.IsPolicyMap(), s.settings, &tbHits, root.IsTablebase())
	return root, nil
}

func (s *Searcher) rootNetIndex(state game.State) int {
	if len(s.nets) == 1 || s.phaseToNetIdx == nil {
		return 0
	}
	phase := state.Phase(s.settings.NumPhases, s.settings.GamePhaseDefinition)
	return s.phaseToNetIdx[phase]
}
