// This file implements liveness probing for the nodes of the cluster state.
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/shardalloc/internal/metrics"
	"github.com/dreamware/shardalloc/internal/routing"
)

// NodeStatus is the liveness of a node as last observed.
type NodeStatus string

const (
	// StatusUnknown is a node that has not answered a probe yet.
	StatusUnknown NodeStatus = "unknown"
	// StatusHealthy is a node whose last probe succeeded.
	StatusHealthy NodeStatus = "healthy"
	// StatusUnhealthy is a node that failed maxFailures probes in a row.
	StatusUnhealthy NodeStatus = "unhealthy"
)

// NodeHealth tracks the probe history of one node.
// It maintains the current status, last successful probe time and failure count.
// Thread-safe: Protected by HealthMonitor's mutex; callers only ever get copies.
type NodeHealth struct {
	LastCheck        time.Time  `json:"last_check"`        // Timestamp of the last probe attempt
	LastHealthy      time.Time  `json:"last_healthy"`      // Timestamp of the last successful probe
	NodeID           string     `json:"node_id"`           // Id of the probed node
	Status           NodeStatus `json:"status"`            // Current liveness
	ConsecutiveFails int        `json:"consecutive_fails"` // Failed probes since the last success
}

// HealthMonitor probes every node of the cluster state on an interval and
// reports nodes that fail maxFailures probes in a row. The coordinator wires
// the report to node removal, which unassigns the node's copies and lets the
// next cycle reallocate them.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth                       // Probe history per node
	httpClient  *http.Client                                 // Client for the default probe
	checkFunc   func(ctx context.Context, addr string) error // Probe implementation
	onUnhealthy func(nodeID string)                          // Callback when a node turns unhealthy
	ctx         context.Context                              // Cancelled by Stop
	cancel      context.CancelFunc                           // Cancel function for Stop
	interval    time.Duration                                // Time between probe rounds
	timeout     time.Duration                                // Deadline of a single probe
	mu          sync.RWMutex                                 // Protects nodes
	wg          sync.WaitGroup                               // Tracks the running Start loop
	maxFailures int                                          // Failures before a node is unhealthy
}

// NewHealthMonitor creates a health monitor that probes each node's /health
// endpoint every interval. A node is reported unhealthy after maxFailures
// consecutive failed probes; values below 1 are raised to 1.
//
// Parameters:
//   - interval: How often every node is probed (the coordinator defaults to 5s)
//   - maxFailures: Consecutive failures before a node is reported
//
// Returns:
//   - *HealthMonitor: Configured monitor, ready for SetOnUnhealthy and Start
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, 3)
//	monitor.SetOnUnhealthy(func(nodeID string) { _, _ = svc.RemoveNode(ctx, nodeID) })
//	go monitor.Start(ctx, func() []routing.Node { return svc.State().Nodes() })
func NewHealthMonitor(interval time.Duration, maxFailures int) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if maxFailures < 1 {
		maxFailures = 1
	}

	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: maxFailures,
		nodes:       make(map[string]*NodeHealth),
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetOnUnhealthy registers the callback run when a node turns unhealthy.
// The callback runs on its own goroutine and fires once per transition; a
// node that recovers and fails again is reported again.
// It must be set before Start.
//
// Parameters:
//   - callback: Function called with the id of the failing node
//
// Example:
//
//	monitor.SetOnUnhealthy(func(nodeID string) {
//	    if _, err := svc.RemoveNode(context.Background(), nodeID); err != nil {
//	        log.Warnf("failed to remove node %s: %v", nodeID, err)
//	    }
//	})
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the HTTP probe. It must be set before Start.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}

// Start probes the nodes returned by nodeProvider until ctx is done or Stop
// is called. The first round runs immediately. This method blocks; run it
// on its own goroutine.
//
// nodeProvider is called once per round, so nodes joining or leaving the
// cluster state are picked up without restarting the monitor. Nodes that
// disappear from the provider are forgotten.
//
// Parameters:
//   - ctx: Context for cancellation
//   - nodeProvider: Function returning the nodes to probe this round
//
// Example:
//
//	go monitor.Start(ctx, func() []routing.Node {
//	    return svc.State().Nodes()
//	})
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []routing.Node) {
	h.wg.Add(1)
	defer h.wg.Done()

	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.WithFields(log.Fields{
		"interval":     h.interval,
		"max_failures": h.maxFailures,
	}).Info("health monitor started")

	h.checkAllNodes(ctx, nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			log.Debug("health monitor stopping: context done")
			return
		case <-h.ctx.Done():
			log.Debug("health monitor stopping: stopped")
			return
		}
	}
}

// Stop ends the Start loop and waits for it to return.
// Probes in flight are abandoned.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	log.Info("health monitor stopped")
}

// checkAllNodes probes each node in turn, drops the history of nodes no
// longer in the cluster, and publishes the unhealthy count.
func (h *HealthMonitor) checkAllNodes(ctx context.Context, nodes []routing.Node) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	unhealthy := 0
	for nodeID, health := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			log.WithField("node", nodeID).Debug("node no longer monitored")
			continue
		}
		if health.Status == StatusUnhealthy {
			unhealthy++
		}
	}
	metrics.RecordUnhealthyNodes(unhealthy)
}

// checkNode probes one node and updates its history. The unhealthy callback
// fires only on the transition into StatusUnhealthy.
func (h *HealthMonitor) checkNode(ctx context.Context, node routing.Node) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      StatusUnknown,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.checkFunc(checkCtx, node.Addr)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	logger := log.WithField("node", node.ID)

	if err != nil {
		health.ConsecutiveFails++
		logger.WithField("attempt", health.ConsecutiveFails).Warnf("health check failed: %v", err)

		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			logger.Warnf("node marked unhealthy after %d failures", health.ConsecutiveFails)
			if h.onUnhealthy != nil {
				go h.onUnhealthy(node.ID)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		logger.Info("node recovered")
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

// defaultHealthCheck performs GET <addr>/health and expects 200 OK.
// Addresses without a scheme are treated as http.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the node's health, or nil if it is not
// monitored.
//
// Parameters:
//   - nodeID: Id of the node
//
// Returns:
//   - *NodeHealth: Snapshot of the node's probe history, or nil
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	out := *health
	return &out
}

// GetAllNodeHealth returns copies of every monitored node's health, keyed
// by node id.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		out := *health
		result[id] = &out
	}
	return result
}

// IsHealthy reports whether the node's last probe succeeded. Unknown and
// unmonitored nodes are not healthy.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}
