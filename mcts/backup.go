package mcts

// nodeAndIdx is one trajectory step: the node whose lock covered the
// selection and the child index the virtual loss was applied to.
type nodeAndIdx struct {
	node     *Node
	childIdx int
}

// trajectory records the (node, child-index) pairs from root to the selected
// leaf's parent. It is created by one selection pass, consumed by exactly one
// backup pass, then discarded.
type trajectory []nodeAndIdx

// backupValue propagates value (from the leaf's side to move's perspective)
// along the trajectory, reverting the virtual loss each edge carries. The
// sign flips once per ply so every edge accumulates value from its parent's
// perspective. solveForTerminal additionally tries to promote exactly-known
// results toward the root.
func backupValue(value float32, settings *Settings, traj trajectory, solveForTerminal bool) {
	for i := len(traj) - 1; i >= 0; i-- {
		value = -value
		step := traj[i]
		n := step.node
		n.lock()
		n.revertVirtualLoss(step.childIdx, settings)
		n.childVisits[step.childIdx]++
		n.childValueSum[step.childIdx] += value
		child := n.children[step.childIdx]
		if solveForTerminal {
			n.updateSolvedState(step.childIdx)
		}
		n.unlock()
		if child != nil {
			child.visits.Add(1)
		}
	}
	if len(traj) > 0 {
		traj[0].node.visits.Add(1)
	}
}

// backupCollision only reverts the virtual loss: the colliding trajectory's
// leaf is being evaluated by another worker, so contributing a value here
// would double-count that evaluation.
func backupCollision(settings *Settings, traj trajectory) {
	for i := len(traj) - 1; i >= 0; i-- {
		step := traj[i]
		step.node.lock()
		step.node.revertVirtualLoss(step.childIdx, settings)
		step.node.unlock()
	}
}

// updateSolvedState promotes exactly-known child results. A child that is
// lost for its side to move is a winning move here; a node is itself lost
// only once every child is a solved win for the opponent, and drawn when the
// best it can reach among solved children is a draw. Caller holds n's lock.
func (n *Node) updateSolvedState(childIdx int) {
	if n.NodeType() != Unsolved && n.NodeType() != Tablebase {
		return
	}
	child := n.children[childIdx]
	if child == nil {
		return
	}
	switch child.NodeType() {
	case SolvedLoss:
		n.nodeType.Store(uint32(SolvedWin))
		n.setValue(1)
		return
	case SolvedWin, SolvedDraw:
		// only a fully expanded node with every child solved can be
		// downgraded.
		if !n.isFullyExpanded() {
			return
		}
		allWin := true
		anyDraw := false
		for _, c := range n.children {
			if c == nil {
				return
			}
			switch c.NodeType() {
			case SolvedWin:
			case SolvedDraw:
				anyDraw = true
			default:
				return
			}
			if c.NodeType() != SolvedWin {
				allWin = false
			}
		}
		if allWin {
			n.nodeType.Store(uint32(SolvedLoss))
			n.setValue(-1)
		} else if anyDraw {
			n.nodeType.Store(uint32(SolvedDraw))
			n.setValue(0)
		}
	}
}
