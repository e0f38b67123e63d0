package mcts

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mtaktikos/CrazyAra/game"
	"github.com/mtaktikos/CrazyAra/game/breakthrough"
)

// mockNet returns a fixed value and uniform policy logits, and records every
// batch size it sees.
type mockNet struct {
	inputValues int
	policySize  int
	value       float32

	mu      sync.Mutex
	batches []int
}

func newMockNet(state game.State, value float32) *mockNet {
	return &mockNet{
		inputValues: state.PlaneValues(),
		policySize:  state.PolicySize(),
		value:       value,
	}
}

func (m *mockNet) PredictBatch(inputPlanes []float32, batch int, valueOut, policyOut []float32) error {
	m.mu.Lock()
	m.batches = append(m.batches, batch)
	m.mu.Unlock()
	for i := 0; i < batch; i++ {
		valueOut[i] = m.value
	}
	for i := range policyOut[:batch*m.policySize] {
		policyOut[i] = 0
	}
	return nil
}

func (m *mockNet) InputValues() int  { return m.inputValues }
func (m *mockNet) PolicySize() int   { return m.policySize }
func (m *mockNet) IsPolicyMap() bool { return false }
func (m *mockNet) Version() int      { return 0 }

func (m *mockNet) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// newTestWorker prepares a published root and one worker over a fresh tree.
func newTestWorker(t *testing.T, state game.State, net Net, settings *Settings, seed int64) (*Worker, *Node, *atomic.Uint64) {
	t.Helper()
	tt := NewTranspositionMap()
	var treeSize atomic.Uint64

	root := newNode(state)
	if root.IsTerminal() {
		t.Fatal("test root is terminal")
	}
	tt.lookupOrInsert(root.hash, true, root)
	treeSize.Store(1)

	var nets []Net
	if net != nil {
		nets = []Net{net}
		policy := make([]float32, net.PolicySize())
		var tbHits uint64
		fillNNResults(root, policy, 0, false, false, settings, &tbHits, false)
	} else {
		root.setValue(0)
		root.EnableHasNNResults()
	}

	w := NewWorker(nets, nil, settings, tt, &treeSize, seed)
	w.SetRoot(root, state)
	return w, root, &treeSize
}

// assertNoVirtualLoss walks the tree and fails on any edge that still
// carries virtual loss.
func assertNoVirtualLoss(t *testing.T, n *Node, seen map[*Node]bool) {
	t.Helper()
	if seen[n] {
		return
	}
	seen[n] = true
	n.lock()
	for idx, vl := range n.childVirtualLoss {
		if vl != 0 {
			t.Errorf("edge %d of node %x still carries virtual loss %d", idx, n.hash, vl)
		}
	}
	children := append([]*Node(nil), n.children...)
	n.unlock()
	for _, c := range children {
		if c != nil {
			assertNoVirtualLoss(t, c, seen)
		}
	}
}

// Scenario: the root's only continuations promote immediately, so iterations
// back terminals up without any network call.
func TestTerminalShortcut(t *testing.T) {
	state := breakthrough.Empty(3)
	state.Put(game.White, 1, 1)
	state.Put(game.Black, 2, 0)

	settings := DefaultSettings()
	settings.BatchSize = 8
	settings.Threads = 1

	net := newMockNet(state, 0)
	w, root, treeSize := newTestWorker(t, state, net, settings, 1)

	if err := w.Iteration(); err != nil {
		t.Fatal(err)
	}

	if got := net.batchCount(); got != 0 {
		t.Fatalf("terminal-only iteration ran %d network batches, want 0", got)
	}
	// every selection hit a terminal, so the iteration filled the terminal
	// cache exactly.
	if got := root.Visits(); got != uint32(settings.terminalNodeCache()) {
		t.Fatalf("root visits = %d, want %d", got, settings.terminalNodeCache())
	}
	if w.TBHits() != 0 {
		t.Fatalf("tbHits = %d, want 0", w.TBHits())
	}
	// root plus one to three promoting children, depending on how often UCB
	// re-picks the proven winner.
	if got := treeSize.Load(); got < 2 || got > 4 {
		t.Fatalf("tree size = %d, want within [2, 4]", got)
	}
	assertNoVirtualLoss(t, root, map[*Node]bool{})

	// the terminal children are losses for the opponent, so the root edges
	// all carry value 1.
	for _, cs := range root.ChildrenStats() {
		if cs.Visits > 0 && cs.Q != 1 {
			t.Fatalf("winning edge Q = %v, want 1", cs.Q)
		}
	}
}

func TestTerminalShortcutSinglePlayer(t *testing.T) {
	state := breakthrough.Empty(3)
	state.Put(game.White, 1, 1)
	state.Put(game.Black, 2, 0)

	settings := DefaultSettings()
	settings.BatchSize = 8
	settings.SearchPlayerMode = ModeSinglePlayer

	net := newMockNet(state, 0)
	w, root, _ := newTestWorker(t, state, net, settings, 1)

	if err := w.Iteration(); err != nil {
		t.Fatal(err)
	}
	if got := root.Visits(); got != 1 {
		t.Fatalf("single-player terminal cache should stop after 1 terminal, visits = %d", got)
	}
}

// Scenario: with one legal root continuation, the second selection of a
// batch collides with the pending leaf; the tree grows by exactly one and
// virtual loss balances after the backup.
func TestCollision(t *testing.T) {
	state := breakthrough.Empty(3)
	state.Put(game.White, 0, 0)
	state.Put(game.Black, 1, 0) // blocks the straight push; only the diagonal remains

	settings := DefaultSettings()
	settings.BatchSize = 4
	net := newMockNet(state, 0.25)
	w, root, treeSize := newTestWorker(t, state, net, settings, 1)

	w.createMiniBatch()

	if got := len(w.newNodes); got != 1 {
		t.Fatalf("staged %d new nodes, want 1", got)
	}
	if got := len(w.collisionTrajectories); got != settings.BatchSize {
		t.Fatalf("staged %d collisions, want %d", got, settings.BatchSize)
	}
	if got := treeSize.Load(); got != 2 {
		t.Fatalf("tree size = %d, want 2 (collision must not duplicate the leaf)", got)
	}

	leaf := root.getChildNode(0)
	if leaf == nil || leaf.HasNNResults() {
		t.Fatal("pending leaf missing or published before the batch ran")
	}

	// finish the iteration by hand to inspect the staging first.
	if err := net.PredictBatch(w.inputPlanes, len(w.newNodes), w.valueOutputs, w.probOutputs); err != nil {
		t.Fatal(err)
	}
	w.setNNResultsToChildNodes()
	w.backupValueOutputs()
	w.backupCollisions()

	if !leaf.HasNNResults() {
		t.Fatal("leaf not published after batch")
	}
	assertNoVirtualLoss(t, root, map[*Node]bool{})

	// collisions contribute no value: only the one real backup counts.
	stats := root.ChildrenStats()
	if stats[0].Visits != 1 {
		t.Fatalf("edge visits = %d, want 1 (collisions are value-neutral)", stats[0].Visits)
	}
	if stats[0].Q != -0.25 {
		t.Fatalf("edge Q = %v, want -0.25", stats[0].Q)
	}
}

// Scenario: a transposition reached during expansion borrows the canonical
// node's value instead of duplicating it.
func TestTranspositionDuringSearch(t *testing.T) {
	settings := DefaultSettings()
	settings.BatchSize = 4
	settings.Threads = 1

	state := breakthrough.NewSize(5)
	net := newMockNet(state, 0.1)
	w, root, _ := newTestWorker(t, state, net, settings, 3)

	for i := 0; i < 60; i++ {
		if err := w.Iteration(); err != nil {
			t.Fatal(err)
		}
	}

	// walk the tree: no two distinct nodes may share a position hash.
	byHash := make(map[uint64]*Node)
	var walk func(n *Node, seen map[*Node]bool)
	walk = func(n *Node, seen map[*Node]bool) {
		if seen[n] {
			return
		}
		seen[n] = true
		if prev, ok := byHash[n.hash]; ok && prev != n {
			t.Fatalf("two nodes share hash %x", n.hash)
		}
		byHash[n.hash] = n
		n.lock()
		children := append([]*Node(nil), n.children...)
		n.unlock()
		for _, c := range children {
			if c != nil && !c.IsTerminal() {
				walk(c, seen)
			}
		}
	}
	walk(root, map[*Node]bool{})
	assertNoVirtualLoss(t, root, map[*Node]bool{})
}

// Boundary: batchSize 1 must run exactly one evaluation per network batch.
func TestBatchSizeOne(t *testing.T) {
	settings := DefaultSettings()
	settings.BatchSize = 1

	state := breakthrough.NewSize(4)
	net := newMockNet(state, 0)
	w, _, _ := newTestWorker(t, state, net, settings, 5)

	for i := 0; i < 20; i++ {
		if err := w.Iteration(); err != nil {
			t.Fatal(err)
		}
	}
	net.mu.Lock()
	defer net.mu.Unlock()
	for _, b := range net.batches {
		if b != 1 {
			t.Fatalf("batch of size %d with batchSize=1", b)
		}
	}
}

func TestNodesLimitsOK(t *testing.T) {
	settings := DefaultSettings()
	state := breakthrough.NewSize(4)
	net := newMockNet(state, 0)
	w, _, _ := newTestWorker(t, state, net, settings, 1)

	w.SetLimits(&Limits{})
	if !w.nodesLimitsOK() {
		t.Fatal("all-zero limits must always pass")
	}
	w.SetLimits(&Limits{Simulations: 1})
	if !w.nodesLimitsOK() {
		t.Fatal("limit above the counter must pass")
	}
}

// Scenario: the simulations limit stops the driver at the next iteration
// boundary.
func TestLimitStop(t *testing.T) {
	settings := DefaultSettings()
	settings.BatchSize = 4

	state := breakthrough.NewSize(5)
	net := newMockNet(state, 0)
	w, root, _ := newTestWorker(t, state, net, settings, 7)
	w.SetLimits(&Limits{Simulations: 100})

	if err := w.Run(nil); err != nil {
		t.Fatal(err)
	}
	visits := root.Visits()
	if visits < 100 {
		t.Fatalf("driver stopped early at %d visits", visits)
	}
	// the final iteration may overshoot by at most one mini-batch worth of
	// selections plus the terminal cache.
	maxOvershoot := uint32(settings.BatchSize + 2*settings.BatchSize + 2*settings.BatchSize)
	if visits > 100+maxOvershoot {
		t.Fatalf("driver overshot the limit: %d visits", visits)
	}
}

// Scenario: with epsilonGreedyCounter=1 every iteration runs in random
// playout mode and spreads visits beyond the top pick.
func TestEpsilonGreedySpread(t *testing.T) {
	settings := DefaultSettings()
	settings.BatchSize = 4
	settings.EpsilonGreedyCounter = 1

	state := breakthrough.NewSize(5)
	net := newMockNet(state, 0)
	w, root, _ := newTestWorker(t, state, net, settings, 11)
	w.SetLimits(&Limits{Simulations: 300})

	if err := w.Run(nil); err != nil {
		t.Fatal(err)
	}

	visited := 0
	for _, cs := range root.ChildrenStats() {
		if cs.Visits > 0 {
			visited++
		}
	}
	if visited < 2 {
		t.Fatalf("random playouts visited only %d root children", visited)
	}
	assertNoVirtualLoss(t, root, map[*Node]bool{})
}

// Scenario: the check probe returns the unique checking move first and the
// node is marked inspected once the scan comes up empty.
func TestCheckProbe(t *testing.T) {
	state := breakthrough.Empty(4)
	state.Put(game.White, 1, 3)
	state.Put(game.White, 2, 3) // blocks the straight push so only one check remains
	state.Put(game.White, 0, 0)
	state.Put(game.Black, 3, 0)

	settings := DefaultSettings()
	net := newMockNet(state, 0)
	w, root, _ := newTestWorker(t, state, net, settings, 1)

	w.actionsBuffer = w.actionsBuffer[:0]
	root.lock()
	idx := w.selectEnhancedMove(root)
	root.unlock()
	if idx == sentinelIdx {
		t.Fatal("check probe found no move")
	}
	if !state.GivesCheck(root.getAction(idx)) {
		t.Fatal("check probe returned a non-checking move")
	}
	if root.getNoVisitIdx() != idx+1 {
		t.Fatalf("noVisitIdx = %d, want %d", root.getNoVisitIdx(), idx+1)
	}

	// remaining children hold no check: the scan marks the node inspected.
	root.lock()
	second := w.selectEnhancedMove(root)
	root.unlock()
	if second != sentinelIdx {
		t.Fatalf("second probe returned %d, want sentinel", second)
	}
	if !root.wasInspectedAlready() {
		t.Fatal("node not marked inspected after an empty scan")
	}

	// an inspected node short-circuits.
	root.lock()
	third := w.selectEnhancedMove(root)
	root.unlock()
	if third != sentinelIdx {
		t.Fatal("inspected node must return the sentinel immediately")
	}
}

// Neural-free variant: rollout values publish immediately and the
// transposition table participates only when enabled.
func TestRolloutVariant(t *testing.T) {
	settings := DefaultSettings()
	settings.BatchSize = 4
	settings.UseTranspositionTable = true

	state := breakthrough.NewSize(4)
	w, root, _ := newTestWorker(t, state, nil, settings, 9)
	w.SetLimits(&Limits{Simulations: 50})

	if err := w.Run(nil); err != nil {
		t.Fatal(err)
	}
	if root.Visits() < 50 {
		t.Fatalf("rollout search made only %d visits", root.Visits())
	}
	assertNoVirtualLoss(t, root, map[*Node]bool{})
}

// Visit counts never decrease across iterations.
func TestVisitMonotonicity(t *testing.T) {
	settings := DefaultSettings()
	settings.BatchSize = 2

	state := breakthrough.NewSize(4)
	net := newMockNet(state, 0)
	w, root, _ := newTestWorker(t, state, net, settings, 13)

	prev := root.Visits()
	for i := 0; i < 30; i++ {
		if err := w.Iteration(); err != nil {
			t.Fatal(err)
		}
		cur := root.Visits()
		if cur < prev {
			t.Fatalf("root visits decreased from %d to %d", prev, cur)
		}
		prev = cur
	}
}

// Depth accounting: depthMax bounds every trajectory and avg depth is
// consistent.
func TestDepthAccounting(t *testing.T) {
	settings := DefaultSettings()
	settings.BatchSize = 4

	state := breakthrough.NewSize(5)
	net := newMockNet(state, 0)
	w, root, _ := newTestWorker(t, state, net, settings, 17)
	w.SetLimits(&Limits{Simulations: 200})

	if err := w.Run(nil); err != nil {
		t.Fatal(err)
	}
	if w.DepthMax() < 1 {
		t.Fatal("depthMax not tracked")
	}
	if avg := w.AvgDepth(); avg < 1 || avg > w.DepthMax() {
		t.Fatalf("avg depth %d outside [1, %d]", avg, w.DepthMax())
	}
	_ = root
}

// The solver promotes a forced win to the root and the driver stops on it.
func TestSolverStopsOnSolvedRoot(t *testing.T) {
	state := breakthrough.Empty(3)
	state.Put(game.White, 1, 1)
	state.Put(game.Black, 2, 0)

	settings := DefaultSettings()
	settings.BatchSize = 4
	settings.MCTSSolver = true

	net := newMockNet(state, 0)
	w, root, _ := newTestWorker(t, state, net, settings, 1)
	w.SetLimits(&Limits{Simulations: 10000})

	if err := w.Run(nil); err != nil {
		t.Fatal(err)
	}
	if root.NodeType() != SolvedWin {
		t.Fatalf("root type = %v, want solved win", root.NodeType())
	}
	if root.Visits() >= 10000 {
		t.Fatal("driver did not stop on the solved root")
	}
}
