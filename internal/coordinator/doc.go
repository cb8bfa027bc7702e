// Package coordinator owns the authoritative cluster state and drives the
// allocation engine over it.
//
// # Cluster service
//
// ClusterService serializes every change to the cluster state on a single
// goroutine: node joins and departures, index creation, in-place splits and
// recovery reports from nodes. Each change that produces a new state starts
// an allocation cycle on that snapshot.
//
// Cycles never block updates. When an update arrives while a cycle is still
// running, the running cycle is cancelled and a new one starts on the newer
// state. The cancelled cycle's output is thrown away whole, whether it
// stopped early or finished just in time; it is counted as superseded in
// metrics and logged at debug level. A cycle that finishes is committed only
// if the state it started from is still the current one, so a committed
// routing table always derives from the latest state.
//
//	update ──► apply ──► new state ──► cycle ──► commit if still current
//	                        ▲                       │
//	                        └── newer update cancels┘
//
// Explicit reroutes (ClusterService.Reroute) wait for their cycle. If a
// later update supersedes it, they wait for the replacement, which also
// inherits a request to retry failed allocations.
//
// # Health monitoring
//
// HealthMonitor probes every node's /health endpoint on an interval. After
// maxFailures consecutive failures it reports the node once through the
// OnUnhealthy callback; the coordinator removes such nodes from the cluster,
// which unassigns their copies and promotes replicas of lost primaries. A
// node that recovers is reported healthy again but must register to rejoin.
package coordinator
