package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardalloc/internal/cluster"
	"github.com/dreamware/shardalloc/internal/config"
	"github.com/dreamware/shardalloc/internal/routing"
)

// fakeCoordinator serves just enough of the control API for one agent
type fakeCoordinator struct {
	mu          sync.Mutex
	version     int64
	shards      []routing.ShardRouting
	registered  []cluster.NodeInfo
	failRegs    int
	started     []string
	failed      []cluster.ShardEvent
	startStatus int
}

func (f *fakeCoordinator) handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/register", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failRegs > 0 {
			f.failRegs--
			http.Error(w, "starting up", http.StatusServiceUnavailable)
			return
		}
		var req cluster.RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.registered = append(f.registered, req.Node)
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/routing", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		node := r.URL.Query().Get("node")
		out := cluster.RoutingResponse{Version: f.version}
		for _, c := range f.shards {
			if c.NodeID == node || c.RelocatingNodeID == node {
				out.Shards = append(out.Shards, c)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	r.Post("/shards/started", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var ev cluster.ShardEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		f.started = append(f.started, ev.AllocationID)
		if f.startStatus != 0 {
			w.WriteHeader(f.startStatus)
			_ = json.NewEncoder(w).Encode(cluster.ErrorResponse{Error: "rejected"})
			return
		}
		for i, c := range f.shards {
			if c.AllocationID != ev.AllocationID {
				continue
			}
			if c.Relocating() {
				c.NodeID, c.RelocatingNodeID = c.RelocatingNodeID, ""
			}
			c.State = routing.StateStarted
			f.shards[i] = c
		}
		f.version++
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/shards/failed", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var ev cluster.ShardEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		f.failed = append(f.failed, ev)
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (f *fakeCoordinator) setShards(version int64, shards ...routing.ShardRouting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = version
	f.shards = shards
}

func (f *fakeCoordinator) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func newAgentWithFake(t *testing.T) (*Agent, *fakeCoordinator) {
	t.Helper()
	fake := &fakeCoordinator{}
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)
	agent := NewAgent(&config.NodeConfig{
		CoordinatorURL: ts.URL,
		NodeID:         "n1",
		NodeAddr:       "http://n1:8081",
		Attributes:     map[string]string{"zone": "a"},
		PollInterval:   10 * time.Millisecond,
	})
	return agent, fake
}

func copyOn(index string, shard, copyNum int, state routing.ShardState, node, relocatingTo, allocationID string) routing.ShardRouting {
	return routing.ShardRouting{
		ShardID:          routing.ShardID{Index: index, Shard: shard},
		Copy:             copyNum,
		Primary:          copyNum == 0,
		State:            state,
		NodeID:           node,
		RelocatingNodeID: relocatingTo,
		AllocationID:     allocationID,
	}
}

func withRegisterRetry(t *testing.T, attempts int) {
	t.Helper()
	oldAttempts, oldDelay := registerAttempts, registerDelay
	registerAttempts, registerDelay = attempts, time.Millisecond
	t.Cleanup(func() { registerAttempts, registerDelay = oldAttempts, oldDelay })
}

// TestAgentRegister tests registration with retries
func TestAgentRegister(t *testing.T) {
	t.Run("retries until the coordinator answers", func(t *testing.T) {
		withRegisterRetry(t, 5)
		agent, fake := newAgentWithFake(t)
		fake.failRegs = 2

		require.NoError(t, agent.Register(context.Background()))
		require.Len(t, fake.registered, 1)
		assert.Equal(t, cluster.NodeInfo{ID: "n1", Addr: "http://n1:8081", Attributes: map[string]string{"zone": "a"}}, fake.registered[0])
	})

	t.Run("gives up", func(t *testing.T) {
		withRegisterRetry(t, 3)
		agent, fake := newAgentWithFake(t)
		fake.failRegs = 10

		err := agent.Register(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to register")
		assert.Equal(t, 7, fake.failRegs)
	})

	t.Run("context cancelled", func(t *testing.T) {
		withRegisterRetry(t, 5)
		agent, fake := newAgentWithFake(t)
		fake.failRegs = 10
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Error(t, agent.Register(ctx))
	})
}

// TestAgentSyncAcknowledgesRecoveries tests that copies recovering onto the
// node are reported once and adopted
func TestAgentSyncAcknowledgesRecoveries(t *testing.T) {
	agent, fake := newAgentWithFake(t)
	fake.setShards(7,
		copyOn("logs", 0, 0, routing.StateInitializing, "n1", "", "a-init"),
		copyOn("logs", 1, 0, routing.StateRelocating, "n2", "n1", "a-in"),
		copyOn("logs", 2, 0, routing.StateStarted, "n1", "", "a-started"),
		copyOn("logs", 3, 0, routing.StateRelocating, "n1", "n2", "a-out"),
		copyOn("logs", 4, 0, routing.StateInitializing, "n2", "", "a-other"),
	)

	require.NoError(t, agent.Sync(context.Background()))
	assert.Equal(t, []string{"a-init", "a-in"}, fake.startedIDs())
	assert.Equal(t, int64(7), agent.Version())

	copies := agent.Copies()
	require.Len(t, copies, 4)
	for _, c := range copies {
		assert.True(t, c.Acked, "%s", c.Copy)
		assert.NotEqual(t, "a-other", c.Copy.AllocationID)
	}

	// nothing left to report on the next poll
	require.NoError(t, agent.Sync(context.Background()))
	assert.Len(t, fake.startedIDs(), 2)
	assert.Equal(t, int64(9), agent.Version())
	for _, c := range agent.Copies() {
		if c.Copy.AllocationID != "a-out" {
			assert.Equal(t, routing.StateStarted, c.Copy.State, "%s", c.Copy)
		}
	}
}

// TestAgentReportsFailedRecovery tests that a recovery error is reported and
// the copy is not kept
func TestAgentReportsFailedRecovery(t *testing.T) {
	agent, fake := newAgentWithFake(t)
	agent.SetRecoverFunc(func(context.Context, routing.ShardRouting) error {
		return errors.New("disk full")
	})
	fake.setShards(1, copyOn("logs", 0, 0, routing.StateInitializing, "n1", "", "a-1"))

	require.NoError(t, agent.Sync(context.Background()))
	assert.Empty(t, fake.startedIDs())
	require.Len(t, fake.failed, 1)
	assert.Equal(t, cluster.ShardEvent{AllocationID: "a-1", Message: "disk full"}, fake.failed[0])
	assert.Empty(t, agent.Copies())
}

// TestAgentReleasesCopies tests that copies moved away or reallocated are
// dropped
func TestAgentReleasesCopies(t *testing.T) {
	agent, fake := newAgentWithFake(t)
	fake.setShards(1,
		copyOn("logs", 0, 0, routing.StateStarted, "n1", "", "a-1"),
		copyOn("logs", 1, 0, routing.StateStarted, "n1", "", "a-2"),
	)
	require.NoError(t, agent.Sync(context.Background()))
	require.Len(t, agent.Copies(), 2)

	// logs/0 moved away, logs/1 was lost and allocated here again
	fake.setShards(2, copyOn("logs", 1, 0, routing.StateInitializing, "n1", "", "a-3"))
	require.NoError(t, agent.Sync(context.Background()))

	copies := agent.Copies()
	require.Len(t, copies, 1)
	assert.Equal(t, "a-3", copies[0].Copy.AllocationID)
	assert.Equal(t, []string{"a-3"}, fake.startedIDs())
}

// TestAgentAckResponses tests how rejected started reports are handled
func TestAgentAckResponses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantErr    bool
		wantCopies int
		wantAcked  bool
	}{
		{name: "already started", status: http.StatusConflict, wantCopies: 1, wantAcked: true},
		{name: "allocation gone", status: http.StatusNotFound, wantCopies: 0},
		{name: "coordinator error", status: http.StatusInternalServerError, wantErr: true, wantCopies: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent, fake := newAgentWithFake(t)
			fake.startStatus = tt.status
			fake.setShards(1, copyOn("logs", 0, 0, routing.StateInitializing, "n1", "", "a-1"))

			err := agent.Sync(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			copies := agent.Copies()
			require.Len(t, copies, tt.wantCopies)
			if tt.wantCopies > 0 {
				assert.Equal(t, tt.wantAcked, copies[0].Acked)
			}
		})
	}
}

// TestAgentSyncUnreachable tests a poll against a coordinator that is down
func TestAgentSyncUnreachable(t *testing.T) {
	agent := NewAgent(&config.NodeConfig{CoordinatorURL: "http://127.0.0.1:1", NodeID: "n1", PollInterval: time.Second})
	assert.Error(t, agent.Sync(context.Background()))
	assert.Zero(t, agent.Version())
}

// TestAgentHTTP tests the agent's own endpoints
func TestAgentHTTP(t *testing.T) {
	agent, fake := newAgentWithFake(t)
	fake.setShards(3, copyOn("logs", 0, 0, routing.StateStarted, "n1", "", "a-1"))
	require.NoError(t, agent.Sync(context.Background()))

	ts := httptest.NewServer(agent.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Node    string      `json:"node"`
		Version int64       `json:"routing_version"`
		Copies  []localCopy `json:"copies"`
	}
	require.NoError(t, cluster.GetJSON(context.Background(), ts.URL+"/copies", &out))
	assert.Equal(t, "n1", out.Node)
	assert.Equal(t, int64(3), out.Version)
	require.Len(t, out.Copies, 1)
	assert.Equal(t, "a-1", out.Copies[0].Copy.AllocationID)
}

// TestRun tests the full agent loop against the fake coordinator
func TestRun(t *testing.T) {
	agent, fake := newAgentWithFake(t)
	fake.setShards(1, copyOn("logs", 0, 0, routing.StateInitializing, "n1", "", "a-1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, agent, "127.0.0.1:0") }()

	require.Eventually(t, func() bool { return len(fake.startedIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}
