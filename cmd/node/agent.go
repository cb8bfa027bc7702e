package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardalloc/internal/cluster"
	"github.com/dreamware/shardalloc/internal/config"
	"github.com/dreamware/shardalloc/internal/routing"
)

var (
	registerAttempts = 10
	registerDelay    = 400 * time.Millisecond
)

// RecoverFunc brings a copy up on this node. A returned error is reported to
// the coordinator as a failed recovery.
type RecoverFunc func(ctx context.Context, c routing.ShardRouting) error

// localCopy is a shard copy this node hosts or is recovering.
type localCopy struct {
	Copy routing.ShardRouting `json:"copy"`
	// Acked is set once the coordinator has accepted the started report.
	Acked bool      `json:"acked"`
	Since time.Time `json:"since"`
}

// Agent represents this node to the coordinator. It keeps the set of copies
// the routing table places here in step with the coordinator:
//
//   - copies recovering onto this node (new copies and relocation targets)
//     are recovered and reported started
//   - copies that no longer route here are released
//   - copies already started here are adopted, e.g. after an agent restart
//
// The coordinator decides; the agent only acknowledges.
type Agent struct {
	cfg     *config.NodeConfig
	recover RecoverFunc

	mu      sync.RWMutex
	copies  map[routing.CopyKey]*localCopy
	version int64
}

// NewAgent creates an agent for the node described by cfg. Its recovery
// step succeeds immediately until SetRecoverFunc replaces it.
func NewAgent(cfg *config.NodeConfig) *Agent {
	return &Agent{
		cfg:     cfg,
		recover: func(context.Context, routing.ShardRouting) error { return nil },
		copies:  make(map[routing.CopyKey]*localCopy),
	}
}

// SetRecoverFunc replaces the recovery step, which by default succeeds
// immediately.
func (a *Agent) SetRecoverFunc(fn RecoverFunc) {
	a.recover = fn
}

func (a *Agent) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/copies", a.handleCopies)
	return r
}

func (a *Agent) handleCopies(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Node    string      `json:"node"`
		Version int64       `json:"routing_version"`
		Copies  []localCopy `json:"copies"`
	}{Node: a.cfg.NodeID, Version: a.Version(), Copies: a.Copies()})
}

// Copies returns the local copies ordered by shard and copy number.
func (a *Agent) Copies() []localCopy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]localCopy, 0, len(a.copies))
	for _, c := range a.copies {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(x, y localCopy) int { return x.Copy.Key().Compare(y.Copy.Key()) })
	return out
}

// Version is the routing table version seen by the last successful sync.
func (a *Agent) Version() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// Register announces the node to the coordinator, retrying while the
// coordinator is unreachable.
//
// Registration process:
//  1. Sends id, public address and attributes
//  2. Retries up to registerAttempts times, registerDelay apart
//  3. Gives up early when ctx ends
//
// Attributes are what filter and awareness rules match against, so they
// are only ever sent here; changing them requires registering again.
func (a *Agent) Register(ctx context.Context) error {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{
		ID:         a.cfg.NodeID,
		Addr:       a.cfg.NodeAddr,
		Attributes: a.cfg.Attributes,
	}}
	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		lastErr = cluster.PostJSON(ctx, a.cfg.CoordinatorURL+"/register", body, nil)
		if lastErr == nil {
			log.WithField("coordinator", a.cfg.CoordinatorURL).Info("registered with coordinator")
			return nil
		}
		log.Debugf("register retry %d: %v", i+1, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerDelay):
		}
	}
	return fmt.Errorf("failed to register with coordinator: %w", lastErr)
}

// Run syncs with the coordinator every poll interval until ctx ends.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := a.Sync(ctx); err != nil && ctx.Err() == nil {
			log.Warnf("routing sync failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sync fetches the copies routed to this node and reconciles the local set
// against them.
func (a *Agent) Sync(ctx context.Context) error {
	var table cluster.RoutingResponse
	u := a.cfg.CoordinatorURL + "/routing?node=" + url.QueryEscape(a.cfg.NodeID)
	if err := cluster.GetJSON(ctx, u, &table); err != nil {
		return err
	}

	me := a.cfg.NodeID
	routed := make(map[routing.CopyKey]routing.ShardRouting)
	for _, c := range table.Shards {
		if c.NodeID == me || c.RelocatingNodeID == me {
			routed[c.Key()] = c
		}
	}

	a.mu.Lock()
	a.version = table.Version
	for key, local := range a.copies {
		if c, ok := routed[key]; !ok || c.AllocationID != local.Copy.AllocationID {
			delete(a.copies, key)
			log.WithField("shard", local.Copy.ShardID.String()).Info("released shard copy")
		}
	}
	a.mu.Unlock()

	keys := make([]routing.CopyKey, 0, len(routed))
	for k := range routed {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(x, y routing.CopyKey) int { return x.Compare(y) })

	var failed []error
	for _, k := range keys {
		if err := a.reconcile(ctx, routed[k]); err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

func (a *Agent) reconcile(ctx context.Context, c routing.ShardRouting) error {
	me := a.cfg.NodeID
	recovering := (c.Initializing() && c.NodeID == me) || (c.Relocating() && c.RelocatingNodeID == me)

	a.mu.Lock()
	local, ok := a.copies[c.Key()]
	if !recovering {
		// started here, or the source of an outgoing relocation
		if !ok {
			a.copies[c.Key()] = &localCopy{Copy: c, Acked: true, Since: time.Now()}
		} else {
			local.Copy = c
		}
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	logger := log.WithFields(log.Fields{"shard": c.ShardID.String(), "copy": c.Copy})
	if !ok {
		if err := a.recover(ctx, c); err != nil {
			logger.Warnf("recovery failed: %v", err)
			ev := cluster.ShardEvent{AllocationID: c.AllocationID, Message: err.Error()}
			return cluster.PostJSON(ctx, a.cfg.CoordinatorURL+"/shards/failed", ev, nil)
		}
		local = &localCopy{Copy: c, Since: time.Now()}
		a.mu.Lock()
		a.copies[c.Key()] = local
		a.mu.Unlock()
	}

	ev := cluster.ShardEvent{AllocationID: c.AllocationID}
	err := cluster.PostJSON(ctx, a.cfg.CoordinatorURL+"/shards/started", ev, nil)
	var se *cluster.StatusError
	switch {
	case err == nil, errors.As(err, &se) && se.Code == http.StatusConflict:
		// a conflict means an earlier report already went through
	case errors.As(err, &se) && se.Code == http.StatusNotFound:
		a.mu.Lock()
		delete(a.copies, c.Key())
		a.mu.Unlock()
		return nil
	default:
		return err
	}
	a.mu.Lock()
	local.Acked = true
	local.Copy = c
	a.mu.Unlock()
	logger.Info("reported shard copy started")
	return nil
}
