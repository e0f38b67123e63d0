package mcts

import "sync"

// TranspositionMap canonicalizes positions: every hash ever inserted maps to
// exactly one node, no matter how many parent edges lead to it. The first
// inserter wins; later arrivals link to the canonical node instead of
// creating a duplicate.
type TranspositionMap struct {
	mu    sync.Mutex
	table map[uint64]*Node
}

func NewTranspositionMap() *TranspositionMap {
	return &TranspositionMap{table: make(map[uint64]*Node, 1<<14)}
}

// Len returns the number of canonical nodes in the map.
func (m *TranspositionMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}

// Clear drops all entries, e.g. between games.
func (m *TranspositionMap) Clear() {
	m.mu.Lock()
	m.table = make(map[uint64]*Node, 1<<14)
	m.mu.Unlock()
}

// lookupOrInsert returns the canonical node for hash, or makes candidate
// canonical when none exists yet. store=false skips the insert (terminal
// nodes are not worth canonicalizing) while still honoring an existing
// entry. The second return reports whether an existing node was found.
func (m *TranspositionMap) lookupOrInsert(hash uint64, store bool, candidate *Node) (*Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.table[hash]; ok {
		return existing, true
	}
	if store {
		m.table[hash] = candidate
	}
	return candidate, false
}
