package mcts

import "github.com/mtaktikos/CrazyAra/game"

// PlayerMode distinguishes adversarial two-player search from single-player
// (puzzle/optimization) search.
type PlayerMode uint8

const (
	ModeTwoPlayer PlayerMode = iota
	ModeSinglePlayer
)

// Settings holds every tunable of the search core. A zero value is not
// usable; start from DefaultSettings.
type Settings struct {
	// BatchSize is the mini-batch capacity per worker iteration.
	BatchSize int

	// Threads is the number of search workers the orchestrator spawns.
	Threads int

	SearchPlayerMode PlayerMode

	// CPuct scales the exploration term of the PUCT formula.
	CPuct float32

	// QValueInit is the Q assumed for edges that have never been visited.
	QValueInit float32

	// VirtualLoss is the number of loss units applied to an edge while a
	// trajectory through it is in flight.
	VirtualLoss uint32

	// EpsilonGreedyCounter enables random playouts with probability
	// 1/EpsilonGreedyCounter per iteration. 0 disables.
	EpsilonGreedyCounter int

	// EpsilonChecksCounter enables check probing with probability
	// 1/EpsilonChecksCounter per iteration (only when the random-playout
	// branch was not taken). 0 disables.
	EpsilonChecksCounter int

	// UseTranspositionTable enables hash-based node reuse in the neural-free
	// (rollout) variant. The neural variant always canonicalizes via the map.
	UseTranspositionTable bool

	// MCTSSolver propagates solved and tablebase states during backup.
	MCTSSolver bool

	// NodePolicyTemperature softens (>1) or sharpens (<1) priors after the
	// network evaluation. 1 leaves them untouched.
	NodePolicyTemperature float32

	// EnhanceChecks raises the prior of low-prior checking moves so forcing
	// lines are explored at least once.
	EnhanceChecks bool

	// CheckFactor is the prior mass added to an enhanced checking move.
	CheckFactor float32

	GamePhaseDefinition game.PhaseDefinition

	// NumPhases is how many phase buckets the configured networks cover.
	NumPhases int
}

func DefaultSettings() *Settings {
	return &Settings{
		BatchSize:             16,
		Threads:               2,
		SearchPlayerMode:      ModeTwoPlayer,
		CPuct:                 2.5,
		QValueInit:            -1,
		VirtualLoss:           1,
		NodePolicyTemperature: 1,
		CheckFactor:           0.1,
		NumPhases:             1,
	}
}

// terminalNodeCache is the number of terminal leaves one mini-batch may
// absorb before the iteration is forced to dispatch. Single-player search
// caps it at one so same-side terminals do not compound inside a batch.
func (s *Settings) terminalNodeCache() int {
	switch s.SearchPlayerMode {
	case ModeSinglePlayer:
		return 1
	default:
		return 2 * s.BatchSize
	}
}

// Limits bounds a single search. A zero field disables that bound.
type Limits struct {
	// Nodes bounds the number of tree nodes.
	Nodes uint64

	// Simulations bounds the root visit count.
	Simulations uint64

	// NodesLimit is a hard secondary cap on tree nodes.
	NodesLimit uint64
}
