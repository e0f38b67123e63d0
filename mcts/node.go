package mcts

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mtaktikos/CrazyAra/game"
)

// NodeType classifies how much is known about a node's game-theoretic value.
type NodeType uint8

const (
	Unsolved NodeType = iota
	SolvedWin
	SolvedLoss
	SolvedDraw
	Tablebase
)

func (t NodeType) String() string {
	switch t {
	case Unsolved:
		return "unsolved"
	case SolvedWin:
		return "win"
	case SolvedLoss:
		return "loss"
	case SolvedDraw:
		return "draw"
	case Tablebase:
		return "tablebase"
	}
	return "unknown"
}

// Node is one position in the shared search tree. Child edges are stored on
// the parent: the action, the prior, per-edge visit/value sums, and the
// virtual-loss counter all live in parallel slices ordered by the policy
// order established at expansion.
//
// The per-node mutex guards the child slices, noVisitIdx and wasInspected.
// visits, value, nodeType and the publication flags are atomics so guards in
// other workers can read them while holding only the parent's lock.
type Node struct {
	mu sync.Mutex

	hash uint64

	visits    atomic.Uint32
	valueBits atomic.Uint32
	nodeType  atomic.Uint32

	hasNNResults    atomic.Bool
	isTransposition atomic.Bool

	isTerminal   bool // immutable after creation
	wasInspected bool

	sideToMove game.SideToMove

	actions          []game.Action
	policyIdx        []int32 // policy-head index per action
	policyIdxMirr    []int32 // same, mirrored
	givesCheck       []bool
	priors           []float32
	children         []*Node
	childVisits      []uint32
	childValueSum    []float32
	childVirtualLoss []uint32

	noVisitIdx int
}

// newNode builds an unexpanded node for state. Terminal positions are fully
// initialized: their value is the game-theoretic score from the side to
// move's perspective and they publish immediately.
func newNode(state game.State) *Node {
	n := &Node{
		hash:       state.Hash(),
		sideToMove: state.SideToMove(),
	}
	value, terminal := state.Result()
	if terminal {
		n.isTerminal = true
		n.setValue(value)
		switch {
		case value > 0:
			n.nodeType.Store(uint32(SolvedWin))
		case value < 0:
			n.nodeType.Store(uint32(SolvedLoss))
		default:
			n.nodeType.Store(uint32(SolvedDraw))
		}
		n.hasNNResults.Store(true)
		return n
	}
	actions := state.LegalActions()
	n.actions = actions
	n.policyIdx = make([]int32, len(actions))
	n.policyIdxMirr = make([]int32, len(actions))
	n.givesCheck = make([]bool, len(actions))
	for i, a := range actions {
		n.policyIdx[i] = int32(state.PolicyIndex(a, false))
		n.policyIdxMirr[i] = int32(state.PolicyIndex(a, true))
		n.givesCheck[i] = state.GivesCheck(a)
	}
	n.priors = make([]float32, len(actions))
	n.children = make([]*Node, len(actions))
	n.childVisits = make([]uint32, len(actions))
	n.childValueSum = make([]float32, len(actions))
	n.childVirtualLoss = make([]uint32, len(actions))
	return n
}

func (n *Node) lock()   { n.mu.Lock() }
func (n *Node) unlock() { n.mu.Unlock() }

func (n *Node) HashKey() uint64 { return n.hash }

func (n *Node) Visits() uint32 { return n.visits.Load() }

func (n *Node) Value() float32 {
	return math.Float32frombits(n.valueBits.Load())
}

func (n *Node) setValue(v float32) {
	n.valueBits.Store(math.Float32bits(v))
}

func (n *Node) NodeType() NodeType { return NodeType(n.nodeType.Load()) }

func (n *Node) IsTerminal() bool { return n.isTerminal }

func (n *Node) IsTablebase() bool { return n.NodeType() == Tablebase }

// IsPlayoutNode reports whether the node's evaluation (network or rollout)
// has completed and it can be descended through.
func (n *Node) IsPlayoutNode() bool { return n.hasNNResults.Load() }

func (n *Node) HasNNResults() bool { return n.hasNNResults.Load() }

func (n *Node) IsTransposition() bool { return n.isTransposition.Load() }

func (n *Node) SideToMove() game.SideToMove { return n.sideToMove }

func (n *Node) NumberChildNodes() int { return len(n.actions) }

// isFullyExpanded reports whether every child has been dispatched at least
// once. Caller holds the node lock.
func (n *Node) isFullyExpanded() bool { return n.noVisitIdx >= len(n.actions) }

func (n *Node) getNoVisitIdx() int { return n.noVisitIdx }

// incrementNoVisitIdx advances the dispatch frontier by one. Caller holds
// the node lock.
func (n *Node) incrementNoVisitIdx() {
	if n.noVisitIdx < len(n.actions) {
		n.noVisitIdx++
	}
}

func (n *Node) getAction(idx int) game.Action { return n.actions[idx] }

func (n *Node) getChildNode(idx int) *Node { return n.children[idx] }

// realVisits is the edge visit count excluding virtual loss. Caller holds
// the node lock.
func (n *Node) realVisits(idx int) uint32 { return n.childVisits[idx] }

// selectChildNode picks the PUCT-best child among the dispatched children
// plus the first not-yet-dispatched one, so the frontier advances in policy
// order. Caller holds the node lock.
func (n *Node) selectChildNode(settings *Settings) int {
	hi := n.noVisitIdx + 1
	if hi > len(n.actions) {
		hi = len(n.actions)
	}
	sqrtVisits := float32(math.Sqrt(float64(n.visits.Load()) + 0.01))
	bestIdx := 0
	bestScore := float32(math.Inf(-1))
	for idx := 0; idx < hi; idx++ {
		weight := n.childVisits[idx] + n.childVirtualLoss[idx]
		var q float32
		if weight > 0 {
			// each in-flight virtual loss counts as a lost visit, which
			// biases concurrent workers away from this edge.
			q = (n.childValueSum[idx] - float32(n.childVirtualLoss[idx])) / float32(weight)
		} else {
			q = settings.QValueInit
		}
		u := settings.CPuct * n.priors[idx] * sqrtVisits / (1 + float32(weight))
		if score := q + u; score > bestScore {
			bestScore = score
			bestIdx = idx
		}
	}
	return bestIdx
}

// applyVirtualLossToChild reserves the edge for an in-flight trajectory.
// Caller holds the node lock; the matching revert happens during backup.
func (n *Node) applyVirtualLossToChild(idx int, settings *Settings) {
	n.childVirtualLoss[idx] += settings.VirtualLoss
}

// revertVirtualLoss undoes one applyVirtualLossToChild. Caller holds the
// node lock.
func (n *Node) revertVirtualLoss(idx int, settings *Settings) {
	if n.childVirtualLoss[idx] >= settings.VirtualLoss {
		n.childVirtualLoss[idx] -= settings.VirtualLoss
	} else {
		n.childVirtualLoss[idx] = 0
	}
}

// transpositionQValue is the mean edge value from this node's perspective.
// Caller holds the node lock and guarantees realVisits > 0.
func (n *Node) transpositionQValue(idx int, realVisits uint32) float64 {
	return float64(n.childValueSum[idx]) / float64(realVisits)
}

// isTranspositionReturn reports whether borrowing the canonical node's value
// adds information over the edge's own statistics: the canonical node must
// have seen more visits than this particular edge.
func (n *Node) isTranspositionReturn(edgeVisits uint32) bool {
	return n.visits.Load() > edgeVisits
}

// transpositionBackupValue computes the value to back up for a transposition
// hit. It is chosen so that after the backup the edge mean, which is kept from
// the parent's perspective, equals the negated canonical node's current value.
func transpositionBackupValue(edgeVisits uint32, edgeQ float64, nodeValue float32) float32 {
	return float32(float64(edgeVisits+1)*float64(nodeValue) + edgeQ*float64(edgeVisits))
}

func (n *Node) wasInspectedAlready() bool { return n.wasInspected }

func (n *Node) setAsInspected() { n.wasInspected = true }

// SetProbabilitiesForMoves gathers the raw policy-head output into per-child
// priors and establishes the policy order: children are sorted by prior,
// best first. Only fresh leaves may be sorted, so this must run before
// publication.
func (n *Node) SetProbabilitiesForMoves(policy []float32, mirror bool, isPolicyMap bool) {
	idx := n.policyIdx
	if mirror {
		idx = n.policyIdxMirr
	}
	for i := range n.actions {
		n.priors[i] = policy[idx[i]]
	}
	if !isPolicyMap {
		softmaxInPlace(n.priors)
	} else {
		normalizeInPlace(n.priors)
	}
	n.sortByPriors()
}

func (n *Node) sortByPriors() {
	order := make([]int, len(n.actions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return n.priors[order[a]] > n.priors[order[b]]
	})
	actions := make([]game.Action, len(order))
	priors := make([]float32, len(order))
	policyIdx := make([]int32, len(order))
	policyIdxMirr := make([]int32, len(order))
	givesCheck := make([]bool, len(order))
	for i, o := range order {
		actions[i] = n.actions[o]
		priors[i] = n.priors[o]
		policyIdx[i] = n.policyIdx[o]
		policyIdxMirr[i] = n.policyIdxMirr[o]
		givesCheck[i] = n.givesCheck[o]
	}
	n.actions = actions
	n.priors = priors
	n.policyIdx = policyIdx
	n.policyIdxMirr = policyIdxMirr
	n.givesCheck = givesCheck
}

// ApplyTemperatureToPriorPolicy rescales priors by 1/temperature in exponent
// space and renormalizes. Temperature 1 (or 0) is a no-op.
func (n *Node) ApplyTemperatureToPriorPolicy(temperature float32) {
	if temperature == 1 || temperature <= 0 {
		return
	}
	inv := 1 / float64(temperature)
	for i, p := range n.priors {
		n.priors[i] = float32(math.Pow(float64(p), inv))
	}
	normalizeInPlace(n.priors)
	n.sortByPriors()
}

// EnhanceMoves guarantees forcing moves a minimum prior so each check line
// is explored at least once.
func (n *Node) EnhanceMoves(settings *Settings) {
	if !settings.EnhanceChecks {
		return
	}
	enhanced := false
	for i, check := range n.givesCheck {
		if check && n.priors[i] < settings.CheckFactor {
			n.priors[i] += settings.CheckFactor
			enhanced = true
		}
	}
	if enhanced {
		normalizeInPlace(n.priors)
		n.sortByPriors()
	}
}

// EnableHasNNResults publishes the node as a playout node. Every write to
// priors and value must be ordered before this call; readers that observe
// the flag observe a fully populated node.
func (n *Node) EnableHasNNResults() {
	n.hasNNResults.Store(true)
}

// addNewNodeToTree attaches a child for (n, childIdx) built from state. When
// the transposition map already holds a canonical node for the position the
// existing node is linked instead and isTransposition is returned true.
// Terminal nodes are not canonicalized: their value is cheap to recompute
// and keeping them out of the map avoids lock traffic on dead ends. useTT
// additionally gates the insert for the rollout variant, which only writes
// the table when configured to.
//
// Caller holds n's lock (the map lock nests inside it). The fresh node is
// built before taking the map lock; losing the insert race just discards it.
func (n *Node) addNewNodeToTree(tt *TranspositionMap, state game.State, childIdx int, settings *Settings, useTT bool) (*Node, bool) {
	fresh := newNode(state)
	node, existed := tt.lookupOrInsert(fresh.hash, useTT && !fresh.isTerminal, fresh)
	if existed {
		node.isTransposition.Store(true)
		n.children[childIdx] = node
		return node, true
	}
	n.children[childIdx] = fresh
	return fresh, false
}

// NodeCount walks the subtree and counts reachable nodes, visiting shared
// transposition nodes once.
func (n *Node) NodeCount() uint64 {
	seen := make(map[*Node]struct{})
	return n.countNodes(seen)
}

func (n *Node) countNodes(seen map[*Node]struct{}) uint64 {
	if _, ok := seen[n]; ok {
		return 0
	}
	seen[n] = struct{}{}
	count := uint64(1)
	n.mu.Lock()
	children := append([]*Node(nil), n.children...)
	n.mu.Unlock()
	for _, c := range children {
		if c != nil {
			count += c.countNodes(seen)
		}
	}
	return count
}

// BestChild returns the index of the most visited child, or -1 for a node
// without dispatched children.
func (n *Node) BestChild() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	best := -1
	bestVisits := uint32(0)
	for idx := range n.actions {
		if n.children[idx] != nil && n.childVisits[idx] >= bestVisits && n.childVisits[idx] > 0 {
			best = idx
			bestVisits = n.childVisits[idx]
		}
	}
	return best
}

// Action returns the action leading to child idx.
func (n *Node) Action(idx int) game.Action { return n.actions[idx] }

// ChildStats snapshots per-edge statistics for reporting.
type ChildStats struct {
	Action game.Action
	Visits uint32
	Q      float32
	Prior  float32
}

func (n *Node) ChildrenStats() []ChildStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	stats := make([]ChildStats, len(n.actions))
	for idx := range n.actions {
		q := float32(0)
		if n.childVisits[idx] > 0 {
			q = n.childValueSum[idx] / float32(n.childVisits[idx])
		}
		stats[idx] = ChildStats{
			Action: n.actions[idx],
			Visits: n.childVisits[idx],
			Q:      q,
			Prior:  n.priors[idx],
		}
	}
	return stats
}

func softmaxInPlace(v []float32) {
	if len(v) == 0 {
		return
	}
	maxV := v[0]
	for _, x := range v[1:] {
		if x > maxV {
			maxV = x
		}
	}
	sum := float32(0)
	for i, x := range v {
		e := float32(math.Exp(float64(x - maxV)))
		v[i] = e
		sum += e
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range v {
			v[i] *= inv
		}
	}
}

func normalizeInPlace(v []float32) {
	sum := float32(0)
	for _, x := range v {
		sum += x
	}
	if sum <= 0 {
		if len(v) == 0 {
			return
		}
		uniform := 1 / float32(len(v))
		for i := range v {
			v[i] = uniform
		}
		return
	}
	inv := 1 / sum
	for i := range v {
		v[i] *= inv
	}
}
