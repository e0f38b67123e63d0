package mcts

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/mtaktikos/CrazyAra/game"
)

// Net is the neural-network collaborator. PredictBatch must be safe to call
// from multiple workers; the ONNX client in the inference package serializes
// internally.
type Net interface {
	// PredictBatch evaluates batch positions packed into inputPlanes and
	// writes one value per position into valueOut and one policy vector per
	// position into policyOut.
	PredictBatch(inputPlanes []float32, batch int, valueOut, policyOut []float32) error

	// InputValues is the number of floats one position occupies.
	InputValues() int

	// PolicySize is the length of one policy vector.
	PolicySize() int

	// IsPolicyMap reports whether the policy head emits probabilities
	// (true) or raw logits (false).
	IsPolicyMap() bool

	// Version of the input encoding the network expects.
	Version() int
}

// leafKind describes what one selection pass ended on.
type leafKind uint8

const (
	leafNewNode leafKind = iota
	leafTerminal
	leafCollision
	leafTransposition
)

// nodeDescription is the per-selection result: trajectory depth and the kind
// of leaf reached.
type nodeDescription struct {
	depth int
	kind  leafKind
}

// sentinelIdx marks "no child chosen yet"; the main selection loop falls
// back to UCB when it sees it.
const sentinelIdx = -1

// Worker grows the shared tree from one OS thread. It repeatedly assembles a
// mini-batch of leaves, runs one network forward pass, and backs the results
// up. Scratch buffers are reused across iterations; a Worker must not be
// shared between goroutines.
type Worker struct {
	rootNode  *Node
	rootState game.State

	nets          []Net
	phaseToNetIdx map[game.Phase]int

	settings *Settings
	limits   *Limits
	tt       *TranspositionMap
	treeSize *atomic.Uint64
	rng      *rand.Rand

	running atomic.Bool

	// per-iteration scratch
	trajectoryBuffer trajectory
	actionsBuffer    []game.Action

	// batch staging
	newNodes                  []*Node
	newNodeSideToMove         []game.SideToMove
	newTrajectories           []trajectory
	transpositionValues       []float32
	transpositionTrajectories []trajectory
	collisionTrajectories     []trajectory
	phaseCount                map[game.Phase]int
	phaseOrder                []game.Phase

	inputPlanes  []float32
	valueOutputs []float32
	probOutputs  []float32

	terminalNodeCache int

	tbHits          uint64
	depthSum        uint64
	depthMax        int
	visitsPreSearch uint32
}

// NewWorker builds a worker sharing the given transposition map and tree
// counter. nets may be empty, which selects the neural-free rollout variant.
func NewWorker(nets []Net, phaseToNetIdx map[game.Phase]int, settings *Settings, tt *TranspositionMap, treeSize *atomic.Uint64, seed int64) *Worker {
	w := &Worker{
		nets:              nets,
		phaseToNetIdx:     phaseToNetIdx,
		settings:          settings,
		tt:                tt,
		treeSize:          treeSize,
		rng:               rand.New(rand.NewSource(seed)),
		terminalNodeCache: settings.terminalNodeCache(),
		phaseCount:        make(map[game.Phase]int, settings.NumPhases),
	}
	w.newNodes = make([]*Node, 0, settings.BatchSize)
	w.newNodeSideToMove = make([]game.SideToMove, 0, settings.BatchSize)
	w.newTrajectories = make([]trajectory, 0, settings.BatchSize)
	w.transpositionValues = make([]float32, 0, 2*settings.BatchSize)
	w.transpositionTrajectories = make([]trajectory, 0, 2*settings.BatchSize)
	w.collisionTrajectories = make([]trajectory, 0, settings.BatchSize)
	if len(nets) > 0 {
		w.inputPlanes = make([]float32, settings.BatchSize*nets[0].InputValues())
		w.valueOutputs = make([]float32, settings.BatchSize)
		w.probOutputs = make([]float32, settings.BatchSize*nets[0].PolicySize())
	}
	return w
}

// SetRoot points the worker at the shared root. The root must be a playout
// node before Run is called.
func (w *Worker) SetRoot(root *Node, rootState game.State) {
	w.rootNode = root
	w.rootState = rootState
	w.visitsPreSearch = root.Visits()
}

func (w *Worker) SetLimits(limits *Limits) { w.limits = limits }

func (w *Worker) Stop() { w.running.Store(false) }

func (w *Worker) IsRunning() bool { return w.running.Load() }

func (w *Worker) ResetStats() {
	w.tbHits = 0
	w.depthSum = 0
	w.depthMax = 0
}

func (w *Worker) TBHits() uint64 { return w.tbHits }

func (w *Worker) DepthMax() int { return w.depthMax }

// AvgDepth is the mean trajectory depth since the stats reset.
func (w *Worker) AvgDepth() int {
	visits := w.rootNode.Visits() - w.visitsPreSearch
	if visits == 0 {
		return 0
	}
	return int(float64(w.depthSum)/float64(visits) + 0.5)
}

func (w *Worker) neural() bool { return len(w.nets) > 0 }

// Run drives iterations until a limit is hit, the root is solved, the
// context is done, or Stop is called. The current iteration always finishes
// so the virtual-loss balance is preserved.
func (w *Worker) Run(ctx context.Context) error {
	w.running.Store(true)
	w.ResetStats()
	defer w.running.Store(false)
	for w.running.Load() && w.nodesLimitsOK() && w.isRootNodeUnsolved() {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
		}
		if err := w.Iteration(); err != nil {
			return err
		}
	}
	return nil
}

// Iteration assembles one mini-batch, runs at most one network forward pass,
// and backs up every staged trajectory.
func (w *Worker) Iteration() error {
	w.createMiniBatch()
	if w.neural() && len(w.newNodes) > 0 {
		net := w.nets[w.selectNetIndex()]
		if err := net.PredictBatch(w.inputPlanes, len(w.newNodes), w.valueOutputs, w.probOutputs); err != nil {
			return fmt.Errorf("predict batch of %d: %w", len(w.newNodes), err)
		}
		w.setNNResultsToChildNodes()
	}
	w.backupValueOutputs()
	w.backupCollisions()
	return nil
}

// nodesLimitsOK reports whether every configured limit still has headroom.
// Zero-valued limits are disabled.
func (w *Worker) nodesLimitsOK() bool {
	if w.limits == nil {
		return true
	}
	return (w.limits.Nodes == 0 || w.treeSize.Load() < w.limits.Nodes) &&
		(w.limits.Simulations == 0 || uint64(w.rootNode.Visits()) < w.limits.Simulations) &&
		(w.limits.NodesLimit == 0 || w.treeSize.Load() < w.limits.NodesLimit)
}

func (w *Worker) isRootNodeUnsolved() bool {
	t := w.rootNode.NodeType()
	return t == Unsolved || t == Tablebase
}

// createMiniBatch runs selection passes until one of the four capacity
// limits trips: new leaves, collisions, transposition values, or the
// terminal cache.
func (w *Worker) createMiniBatch() {
	var desc nodeDescription
	numTerminalNodes := 0

	for len(w.newNodes) < w.settings.BatchSize &&
		len(w.collisionTrajectories) < w.settings.BatchSize &&
		len(w.transpositionValues) < 2*w.settings.BatchSize &&
		numTerminalNodes < w.terminalNodeCache {

		w.trajectoryBuffer = w.trajectoryBuffer[:0]
		w.actionsBuffer = w.actionsBuffer[:0]
		newNode := w.getNewChildToEvaluate(&desc)
		w.depthSum += uint64(desc.depth)
		if desc.depth > w.depthMax {
			w.depthMax = desc.depth
		}

		switch desc.kind {
		case leafTerminal:
			// terminals back up immediately so the worker does not sit on
			// applied virtual loss while the batch fills.
			numTerminalNodes++
			backupValue(newNode.Value(), w.settings, w.trajectoryBuffer, w.settings.MCTSSolver)
		case leafCollision:
			w.collisionTrajectories = append(w.collisionTrajectories, cloneTrajectory(w.trajectoryBuffer))
		case leafTransposition:
			w.transpositionTrajectories = append(w.transpositionTrajectories, cloneTrajectory(w.trajectoryBuffer))
		default:
			w.newNodes = append(w.newNodes, newNode)
			w.newTrajectories = append(w.newTrajectories, cloneTrajectory(w.trajectoryBuffer))
		}
	}
}

// getNewChildToEvaluate walks from the root to a leaf, applying virtual loss
// to every edge it records. The epsilon-greedy and check-probe branches pick a
// starting node and a forced child first; the main loop then handles
// expansion, terminals, collisions and transpositions.
func (w *Worker) getNewChildToEvaluate(desc *nodeDescription) *Node {
	desc.depth = 0
	currentNode := w.rootNode
	childIdx := sentinelIdx

	if w.settings.EpsilonGreedyCounter > 0 && w.rootNode.IsPlayoutNode() &&
		w.rng.Intn(w.settings.EpsilonGreedyCounter) == 0 {
		currentNode = w.getStartingNode(currentNode, desc)
		currentNode.lock()
		childIdx = w.randomPlayout(currentNode)
		currentNode.unlock()
	} else if w.settings.EpsilonChecksCounter > 0 && w.rootNode.IsPlayoutNode() &&
		w.rng.Intn(w.settings.EpsilonChecksCounter) == 0 {
		currentNode = w.getStartingNode(currentNode, desc)
		currentNode.lock()
		childIdx = w.selectEnhancedMove(currentNode)
		if childIdx == sentinelIdx {
			childIdx = w.randomPlayout(currentNode)
		}
		currentNode.unlock()
	}

	for {
		currentNode.lock()
		if childIdx == sentinelIdx {
			childIdx = currentNode.selectChildNode(w.settings)
		}
		currentNode.applyVirtualLossToChild(childIdx, w.settings)
		w.trajectoryBuffer = append(w.trajectoryBuffer, nodeAndIdx{currentNode, childIdx})

		nextNode := currentNode.getChildNode(childIdx)
		desc.depth++

		if nextNode == nil {
			nextNode = w.expandLeaf(currentNode, childIdx, desc)
			currentNode.unlock()
			return nextNode
		}
		if nextNode.IsTerminal() {
			desc.kind = leafTerminal
			currentNode.unlock()
			return nextNode
		}
		if !nextNode.HasNNResults() {
			desc.kind = leafCollision
			currentNode.unlock()
			return nextNode
		}
		if nextNode.IsTransposition() {
			transposVisits := currentNode.realVisits(childIdx)
			if transposVisits > 0 {
				transposQValue := currentNode.transpositionQValue(childIdx, transposVisits)
				if nextNode.isTranspositionReturn(transposVisits) {
					backup := transpositionBackupValue(transposVisits, transposQValue, nextNode.Value())
					desc.kind = leafTransposition
					w.transpositionValues = append(w.transpositionValues, backup)
					currentNode.unlock()
					return nextNode
				}
			}
		}
		currentNode.unlock()

		w.actionsBuffer = append(w.actionsBuffer, currentNode.getAction(childIdx))
		currentNode = nextNode
		childIdx = sentinelIdx
	}
}

// expandLeaf reconstructs the child state by replaying the recorded actions
// on a clone of the root state, attaches a new (or canonical) node and, for
// genuinely new nodes, stages it for evaluation. Caller holds currentNode's
// lock.
func (w *Worker) expandLeaf(currentNode *Node, childIdx int, desc *nodeDescription) *Node {
	newState := w.rootState.Clone()
	for _, a := range w.actionsBuffer {
		newState.DoAction(a)
	}
	newState.DoAction(currentNode.getAction(childIdx))
	currentNode.incrementNoVisitIdx()

	useTT := w.neural() || w.settings.UseTranspositionTable
	nextNode, isTransposition := currentNode.addNewNodeToTree(w.tt, newState, childIdx, w.settings, useTT)
	switch {
	case nextNode.IsTerminal():
		desc.kind = leafTerminal
	case isTransposition:
		w.transpositionValues = append(w.transpositionValues, nextNode.Value())
		desc.kind = leafTransposition
	default:
		w.treeSize.Add(1)
		desc.kind = leafNewNode
		if w.neural() {
			w.stageForEvaluation(nextNode, newState)
		} else {
			// neural-free variant: the rollout value publishes immediately.
			nextNode.setValue(newState.RandomRollout(w.rng))
			nextNode.EnableHasNNResults()
		}
	}
	if nextNode.IsTerminal() {
		w.treeSize.Add(1)
	}
	return nextNode
}

// stageForEvaluation packs the leaf's input planes at the next batch slot
// and records side to move and game phase.
func (w *Worker) stageForEvaluation(node *Node, state game.State) {
	perInput := w.nets[0].InputValues()
	offset := len(w.newNodes) * perInput
	state.StatePlanes(true, w.inputPlanes[offset:offset+perInput], w.nets[0].Version())

	phase := state.Phase(numNetPhases(w.settings, len(w.nets)), w.settings.GamePhaseDefinition)
	if w.phaseCount[phase] == 0 {
		w.phaseOrder = append(w.phaseOrder, phase)
	}
	w.phaseCount[phase]++
	w.newNodeSideToMove = append(w.newNodeSideToMove, state.SideToMove())
}

// getStartingNode descends along the UCB-best line for a random number of
// plies, bailing out at the first child that is missing, unevaluated,
// under-visited or already solved. Only the action path is recorded; the
// trajectory (and virtual loss) starts at the node this returns.
func (w *Worker) getStartingNode(currentNode *Node, desc *nodeDescription) *Node {
	depth := w.randomDepth()
	for curDepth := 0; curDepth < depth; curDepth++ {
		currentNode.lock()
		childIdx := currentNode.selectChildNode(w.settings)
		nextNode := currentNode.getChildNode(childIdx)
		if nextNode == nil || !nextNode.IsPlayoutNode() ||
			nextNode.Visits() < uint32(w.settings.EpsilonGreedyCounter) ||
			nextNode.NodeType() != Unsolved {
			currentNode.unlock()
			break
		}
		currentNode.unlock()
		w.actionsBuffer = append(w.actionsBuffer, currentNode.getAction(childIdx))
		currentNode = nextNode
		desc.depth++
	}
	return currentNode
}

// randomPlayout picks the child to force for an epsilon-greedy iteration: a
// uniformly random child on fully expanded nodes, else the next undispatched
// one. Returns sentinelIdx when the random pick is already solved, which
// makes the caller fall through to normal selection. Caller holds the lock.
func (w *Worker) randomPlayout(currentNode *Node) int {
	if currentNode.NumberChildNodes() == 0 {
		return sentinelIdx
	}
	if currentNode.isFullyExpanded() {
		idx := w.rng.Intn(currentNode.NumberChildNodes())
		child := currentNode.getChildNode(idx)
		if child == nil || !child.IsPlayoutNode() {
			return idx
		}
		if child.NodeType() == Unsolved {
			return idx
		}
		return sentinelIdx
	}
	idx := currentNode.getNoVisitIdx()
	if idx > currentNode.NumberChildNodes()-1 {
		idx = currentNode.NumberChildNodes() - 1
	}
	currentNode.incrementNoVisitIdx()
	return idx
}

// selectEnhancedMove scans the undispatched children for the first checking
// move, replaying the recorded actions to query the game. Nodes that went a
// full scan without finding one are marked inspected and never scanned
// again. Caller holds the lock.
func (w *Worker) selectEnhancedMove(currentNode *Node) int {
	if !currentNode.IsPlayoutNode() || currentNode.wasInspectedAlready() || currentNode.IsTerminal() {
		return sentinelIdx
	}
	pos := w.rootState.Clone()
	for _, a := range w.actionsBuffer {
		pos.DoAction(a)
	}
	for childIdx := currentNode.getNoVisitIdx(); childIdx < currentNode.NumberChildNodes(); childIdx++ {
		if pos.GivesCheck(currentNode.getAction(childIdx)) {
			for idx := currentNode.getNoVisitIdx(); idx < childIdx+1; idx++ {
				currentNode.incrementNoVisitIdx()
			}
			return childIdx
		}
	}
	currentNode.setAsInspected()
	return sentinelIdx
}

// randomDepth draws the epsilon-greedy descent depth from a geometric-like
// distribution over 100 discrete buckets.
func (w *Worker) randomDepth() int {
	r := w.rng.Intn(100) + 1
	if r == 100 {
		// log2(0) is unbounded; the descent breaks at the first
		// non-playout child anyway, so any deep cap behaves the same.
		return 64
	}
	return int(math.Ceil(-math.Log2(1-float64(r)/100.0) - 1))
}

// selectNetIndex routes the batch to the network responsible for the
// majority game phase, first-seen phase winning ties.
func (w *Worker) selectNetIndex() int {
	if len(w.nets) == 1 {
		return 0
	}
	best := w.phaseOrder[0]
	for _, phase := range w.phaseOrder[1:] {
		if w.phaseCount[phase] > w.phaseCount[best] {
			best = phase
		}
	}
	return w.phaseToNetIdx[best]
}

// setNNResultsToChildNodes distributes the batch outputs to the staged
// leaves and publishes them.
func (w *Worker) setNNResultsToChildNodes() {
	psz := w.nets[0].PolicySize()
	isPolicyMap := w.nets[0].IsPolicyMap()
	rootTB := w.rootNode.IsTablebase()
	for i, node := range w.newNodes {
		mirror := w.rootState.MirrorPolicy(w.newNodeSideToMove[i])
		fillNNResults(node, w.probOutputs[i*psz:(i+1)*psz], w.valueOutputs[i],
			mirror, isPolicyMap, w.settings, &w.tbHits, rootTB)
	}
}

// fillNNResults writes policy and value into a pending leaf and publishes
// it. Publication is last: readers that observe the flag observe the
// complete node.
func fillNNResults(node *Node, policy []float32, value float32, mirror, isPolicyMap bool, settings *Settings, tbHits *uint64, isRootNodeTB bool) {
	node.SetProbabilitiesForMoves(policy, mirror, isPolicyMap)
	node.EnhanceMoves(settings)
	node.ApplyTemperatureToPriorPolicy(settings.NodePolicyTemperature)
	nodeAssignValue(node, value, tbHits, isRootNodeTB)
	node.EnableHasNNResults()
}

// nodeAssignValue sets the network value on ordinary nodes. Tablebase nodes
// count a tbHit and keep their tablebase value; only for non-draw entries
// under a tablebase root is it averaged with the network value.
func nodeAssignValue(node *Node, value float32, tbHits *uint64, isRootNodeTB bool) {
	if node.IsTablebase() {
		*tbHits++
		if node.Value() != 0 && isRootNodeTB {
			node.setValue((value + node.Value()) * 0.5)
		}
		return
	}
	node.setValue(value)
}

// backupValueOutputs propagates the evaluated leaves first, then the
// borrowed transposition values, and resets the batch staging.
func (w *Worker) backupValueOutputs() {
	for i, node := range w.newNodes {
		solveForTerminal := w.settings.MCTSSolver && node.IsTablebase()
		backupValue(node.Value(), w.settings, w.newTrajectories[i], solveForTerminal)
	}
	w.newNodes = w.newNodes[:0]
	w.newNodeSideToMove = w.newNodeSideToMove[:0]
	w.newTrajectories = w.newTrajectories[:0]

	for i, value := range w.transpositionValues {
		backupValue(value, w.settings, w.transpositionTrajectories[i], false)
	}
	w.transpositionValues = w.transpositionValues[:0]
	w.transpositionTrajectories = w.transpositionTrajectories[:0]

	for _, phase := range w.phaseOrder {
		delete(w.phaseCount, phase)
	}
	w.phaseOrder = w.phaseOrder[:0]
}

func (w *Worker) backupCollisions() {
	for _, traj := range w.collisionTrajectories {
		backupCollision(w.settings, traj)
	}
	w.collisionTrajectories = w.collisionTrajectories[:0]
}

func cloneTrajectory(t trajectory) trajectory {
	return append(trajectory(nil), t...)
}

// numNetPhases is the phase count the staging histogram should use: one
// bucket with a single network, the configured phase count otherwise.
func numNetPhases(settings *Settings, numNets int) int {
	if numNets <= 1 {
		return 1
	}
	return settings.NumPhases
}
