package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardalloc/internal/allocation"
	"github.com/dreamware/shardalloc/internal/cluster"
	"github.com/dreamware/shardalloc/internal/coordinator"
	errs "github.com/dreamware/shardalloc/internal/errors"
	"github.com/dreamware/shardalloc/internal/routing"
)

const contentTypeJSON = "application/json"

var errBadRequest = errors.New("bad request")

type server struct {
	svc     *coordinator.ClusterService
	monitor *coordinator.HealthMonitor
}

func newServer(svc *coordinator.ClusterService, monitor *coordinator.HealthMonitor) *server {
	return &server{svc: svc, monitor: monitor}
}

// routes builds the control-plane router
func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/register", s.handleRegister)
	r.Get("/nodes", s.handleListNodes)
	r.Delete("/nodes/{id}", s.handleRemoveNode)

	r.Put("/indices/{index}", s.handleCreateIndex)
	r.Post("/indices/{index}/shards/{shard}/_split", s.handleSplit)

	r.Get("/routing", s.handleRouting)
	r.Get("/explain", s.handleExplain)
	r.Post("/reroute", s.handleReroute)

	r.Post("/shards/started", s.handleShardStarted)
	r.Post("/shards/failed", s.handleShardFailed)
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.svc.State().Version(),
	})
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		writeError(w, fmt.Errorf("%w: missing id/addr", errBadRequest))
		return
	}
	if _, err := s.svc.AddNode(r.Context(), req.Node.Node()); err != nil {
		writeError(w, err)
		return
	}
	log.WithFields(log.Fields{"node": req.Node.ID, "addr": req.Node.Addr}).Info("node registered")
	w.WriteHeader(http.StatusNoContent)
}

// nodeView is a registered node with its last known health
type nodeView struct {
	cluster.NodeInfo
	Health string `json:"health,omitempty"`
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.svc.State().Nodes()
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		v := nodeView{NodeInfo: cluster.NodeInfoFrom(n)}
		if s.monitor != nil {
			if h := s.monitor.GetNodeHealth(n.ID); h != nil {
				v.Health = string(h.Status)
			}
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, struct {
		Nodes []nodeView `json:"nodes"`
	}{Nodes: out})
}

func (s *server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.RemoveNode(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var meta routing.IndexMetadata
	if !decode(w, r, &meta) {
		return
	}
	meta.Name = chi.URLParam(r, "index")
	state, err := s.svc.CreateIndex(r.Context(), meta)
	if err != nil {
		writeError(w, err)
		return
	}
	created, _ := state.Index(meta.Name)
	writeJSON(w, http.StatusCreated, struct {
		Version int64                 `json:"version"`
		Index   routing.IndexMetadata `json:"index"`
	}{Version: state.Version(), Index: created})
}

func (s *server) handleSplit(w http.ResponseWriter, r *http.Request) {
	shard, err := strconv.Atoi(chi.URLParam(r, "shard"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: shard must be a number", errBadRequest))
		return
	}
	var req cluster.SplitRequest
	if !decode(w, r, &req) {
		return
	}
	children, err := s.svc.SplitShard(r.Context(), chi.URLParam(r, "index"), shard, req.Children)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Children []routing.ShardID `json:"children"`
	}{Children: children})
}

// handleRouting serves the routing table, optionally only the copies that
// involve one node
func (s *server) handleRouting(w http.ResponseWriter, r *http.Request) {
	state := s.svc.State()
	shards := state.RoutingTable().All()
	if node := r.URL.Query().Get("node"); node != "" {
		shards = slices.DeleteFunc(shards, func(c routing.ShardRouting) bool {
			return c.NodeID != node && c.RelocatingNodeID != node
		})
	}
	writeJSON(w, http.StatusOK, cluster.RoutingResponse{Version: state.Version(), Shards: shards})
}

func (s *server) handleExplain(w http.ResponseWriter, r *http.Request) {
	key, err := parseCopyKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	explanation, err := s.svc.Explain(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, explanation)
}

func parseCopyKey(r *http.Request) (routing.CopyKey, error) {
	q := r.URL.Query()
	key := routing.CopyKey{ShardID: routing.ShardID{Index: q.Get("index")}}
	if key.ShardID.Index == "" {
		return key, fmt.Errorf("%w: index is required", errBadRequest)
	}
	var err error
	if key.ShardID.Shard, err = intParam(q.Get("shard")); err != nil {
		return key, fmt.Errorf("%w: shard: %v", errBadRequest, err)
	}
	if key.Copy, err = intParam(q.Get("copy")); err != nil {
		return key, fmt.Errorf("%w: copy: %v", errBadRequest, err)
	}
	return key, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (s *server) handleReroute(w http.ResponseWriter, r *http.Request) {
	retryFailed := false
	if v := r.URL.Query().Get("retry_failed"); v != "" {
		var err error
		if retryFailed, err = strconv.ParseBool(v); err != nil {
			writeError(w, fmt.Errorf("%w: retry_failed: %v", errBadRequest, err))
			return
		}
	}
	res, err := s.svc.Reroute(r.Context(), retryFailed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Version int64 `json:"version"`
		*allocation.Result
	}{Version: res.State.Version(), Result: res})
}

func (s *server) handleShardStarted(w http.ResponseWriter, r *http.Request) {
	var ev cluster.ShardEvent
	if !decode(w, r, &ev) {
		return
	}
	if ev.AllocationID == "" {
		writeError(w, fmt.Errorf("%w: missing allocation_id", errBadRequest))
		return
	}
	if _, err := s.svc.ShardStarted(r.Context(), ev.AllocationID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleShardFailed(w http.ResponseWriter, r *http.Request) {
	var ev cluster.ShardEvent
	if !decode(w, r, &ev) {
		return
	}
	if ev.AllocationID == "" {
		writeError(w, fmt.Errorf("%w: missing allocation_id", errBadRequest))
		return
	}
	if _, err := s.svc.ShardFailed(r.Context(), ev.AllocationID, ev.Message); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: bad json: %v", errBadRequest, err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Warnf("request failed: %v", err)
	}
	writeJSON(w, status, cluster.ErrorResponse{Error: err.Error()})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, errs.ErrInvalidIndex),
		errors.Is(err, errs.ErrInvalidSplit):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrUnknownIndex),
		errors.Is(err, errs.ErrUnknownNode),
		errors.Is(err, errs.ErrUnknownShard),
		errors.Is(err, errs.ErrUnknownAllocation):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrIndexExists),
		errors.Is(err, errs.ErrIllegalTransition),
		errors.Is(err, errs.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, errs.ErrServiceStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
