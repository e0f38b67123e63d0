package mcts

import (
	"testing"

	"github.com/mtaktikos/CrazyAra/game/breakthrough"
)

// buildChain links root -> mid -> leaf with virtual loss applied along the
// way, mimicking one selection pass.
func buildChain(t *testing.T, settings *Settings) (trajectory, *Node, *Node) {
	t.Helper()
	rootState := breakthrough.NewSize(5)
	root := newNode(rootState)

	midState := rootState.Clone()
	midState.DoAction(midState.LegalActions()[0])
	mid := newNode(midState)
	root.children[0] = mid

	leafState := midState.Clone()
	leafState.DoAction(leafState.LegalActions()[0])
	leaf := newNode(leafState)
	mid.children[0] = leaf

	traj := trajectory{}
	for _, n := range []*Node{root, mid} {
		n.lock()
		n.applyVirtualLossToChild(0, settings)
		traj = append(traj, nodeAndIdx{n, 0})
		n.unlock()
	}
	return traj, root, mid
}

func TestBackupValueSignFlips(t *testing.T) {
	settings := DefaultSettings()
	traj, root, mid := buildChain(t, settings)

	backupValue(0.8, settings, traj, false)

	// the leaf's parent sees the value from its own perspective.
	if got := mid.childValueSum[0]; got != float32(-0.8) {
		t.Fatalf("mid edge sum = %v, want -0.8", got)
	}
	if got := root.childValueSum[0]; got != float32(0.8) {
		t.Fatalf("root edge sum = %v, want 0.8", got)
	}
	if root.childVisits[0] != 1 || mid.childVisits[0] != 1 {
		t.Fatal("edge visits not incremented")
	}
	if root.childVirtualLoss[0] != 0 || mid.childVirtualLoss[0] != 0 {
		t.Fatal("virtual loss not reverted")
	}
	if root.Visits() != 1 {
		t.Fatalf("root visits = %d, want 1", root.Visits())
	}
	if mid.Visits() != 1 {
		t.Fatalf("mid visits = %d, want 1", mid.Visits())
	}
}

func TestBackupCollisionIsValueNeutral(t *testing.T) {
	settings := DefaultSettings()
	traj, root, mid := buildChain(t, settings)

	backupCollision(settings, traj)

	if root.childVirtualLoss[0] != 0 || mid.childVirtualLoss[0] != 0 {
		t.Fatal("virtual loss not reverted")
	}
	if root.childVisits[0] != 0 || mid.childVisits[0] != 0 {
		t.Fatal("collision backup must not add visits")
	}
	if root.childValueSum[0] != 0 || mid.childValueSum[0] != 0 {
		t.Fatal("collision backup must not add value")
	}
	if root.Visits() != 0 {
		t.Fatal("collision backup must not add a root visit")
	}
}

func TestVirtualLossBiasesSelection(t *testing.T) {
	settings := DefaultSettings()
	state := breakthrough.NewSize(5)
	n := newNode(state)
	policy := make([]float32, state.PolicySize())
	n.SetProbabilitiesForMoves(policy, false, false)
	n.EnableHasNNResults()

	n.lock()
	first := n.selectChildNode(settings)
	n.applyVirtualLossToChild(first, settings)
	n.incrementNoVisitIdx()
	second := n.selectChildNode(settings)
	n.unlock()

	if first == second {
		t.Fatalf("virtual loss did not steer selection away from child %d", first)
	}
}

func TestUpdateSolvedStateWin(t *testing.T) {
	settings := DefaultSettings()
	settings.MCTSSolver = true
	traj, root, mid := buildChain(t, settings)

	lost := mid.children[0]
	lost.nodeType.Store(uint32(SolvedLoss))
	lost.setValue(-1)

	backupValue(-1, settings, traj, true)

	if mid.NodeType() != SolvedWin {
		t.Fatalf("parent of a lost child = %v, want solved win", mid.NodeType())
	}
	if mid.Value() != 1 {
		t.Fatalf("solved win value = %v, want 1", mid.Value())
	}
	_ = root
}
