package routing

// Mode tells deciders why they are being asked.
type Mode int

const (
	// ModeReroute is an automatic cycle triggered by a state change.
	ModeReroute Mode = iota
	// ModeExplicit is an operator command such as explain or a manual reroute.
	ModeExplicit
	// ModeRebalance is the balancing pass of a cycle.
	ModeRebalance
)

// String returns the lower-case mode name used in logs.
func (m Mode) String() string {
	switch m {
	case ModeReroute:
		return "reroute"
	case ModeExplicit:
		return "explicit"
	case ModeRebalance:
		return "rebalance"
	}
	return "unknown"
}

// Allocation is the context handed to every decider. It is built from one
// cluster state and never changes afterwards, so any number of goroutines may
// evaluate deciders against it at once.
type Allocation struct {
	state *ClusterState
	nodes *RoutingNodes
	mode  Mode
	debug bool
}

// NewAllocation builds a context over state.
func NewAllocation(state *ClusterState, mode Mode) *Allocation {
	return &Allocation{
		state: state,
		nodes: NewRoutingNodes(state.Nodes(), state.RoutingTable()),
		mode:  mode,
	}
}

// WithDebug returns a context that asks the decider chain to report every
// decider's verdict rather than stopping at the first veto.
func (a *Allocation) WithDebug() *Allocation {
	out := *a
	out.debug = true
	return &out
}

// State returns the cluster state the context was built from.
func (a *Allocation) State() *ClusterState { return a.state }

// RoutingNodes returns the node table of the state.
func (a *Allocation) RoutingNodes() *RoutingNodes { return a.nodes }

// RoutingTable returns the routing table of the state.
func (a *Allocation) RoutingTable() *RoutingTable { return a.state.RoutingTable() }

// Mode returns why deciders are being asked.
func (a *Allocation) Mode() Mode { return a.mode }

// Debug reports whether the chain should collect every decider's verdict.
func (a *Allocation) Debug() bool { return a.debug }

// Index returns the metadata of the index a copy belongs to.
func (a *Allocation) Index(name string) (IndexMetadata, bool) {
	return a.state.Index(name)
}
