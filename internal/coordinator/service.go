package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/shardalloc/internal/allocation"
	errs "github.com/dreamware/shardalloc/internal/errors"
	"github.com/dreamware/shardalloc/internal/metrics"
	"github.com/dreamware/shardalloc/internal/routing"
)

// UpdateFunc derives a new cluster state from the current one. Returning the
// same pointer means nothing changed.
type UpdateFunc func(*routing.ClusterState) (*routing.ClusterState, error)

// ClusterService owns the cluster state. Updates are applied one at a time on
// a single goroutine; every update that changes the state starts an
// allocation cycle on the new snapshot and cancels the cycle still running
// on an older one. A finished cycle is committed only if the state it
// started from is still current.
type ClusterService struct {
	allocator *allocation.Allocator
	rebalance bool

	updates chan update
	results chan cycleResult

	mu       sync.RWMutex
	state    *routing.ClusterState
	last     *allocation.Result
	listener func(*routing.ClusterState)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type update struct {
	source string
	fn     UpdateFunc
	// reroute forces a cycle even when fn changes nothing
	reroute bool
	opts    allocation.Options
	waiter  chan rerouteOutcome
	done    chan applied
}

type applied struct {
	state *routing.ClusterState
	err   error
}

type rerouteOutcome struct {
	result *allocation.Result
	err    error
}

// run is one allocation cycle in flight.
type run struct {
	source  string
	version int64
	opts    allocation.Options
	cancel  context.CancelFunc
	start   time.Time
	waiters []chan rerouteOutcome
}

type cycleResult struct {
	run    *run
	result *allocation.Result
	err    error
}

// NewClusterService creates a service over initial, or over an empty state
// when initial is nil. Nothing runs until Start.
//
// Parameters:
//   - allocator: Runs the allocation cycles; its Rebalance setting decides
//     whether automatic cycles balance the cluster
//   - initial: The starting cluster state, or nil
//
// Example:
//
//	svc := NewClusterService(allocator, nil)
//	svc.Start()
//	defer svc.Stop()
func NewClusterService(allocator *allocation.Allocator, initial *routing.ClusterState) *ClusterService {
	if initial == nil {
		initial = routing.NewClusterState()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ClusterService{
		allocator: allocator,
		rebalance: allocator.Settings().Rebalance,
		updates:   make(chan update),
		results:   make(chan cycleResult),
		state:     initial,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetCommitListener registers a callback invoked, on the service goroutine,
// with every committed state. It must be set before Start.
func (s *ClusterService) SetCommitListener(fn func(*routing.ClusterState)) {
	s.listener = fn
}

// Start launches the update loop. Call it once.
func (s *ClusterService) Start() {
	s.wg.Add(1)
	go s.loop()
	log.WithField("version", s.State().Version()).Info("cluster service started")
}

// Stop cancels any running cycle and waits for the service to exit. Pending
// and later calls fail with ErrServiceStopped.
func (s *ClusterService) Stop() {
	s.cancel()
	s.wg.Wait()
	log.Info("cluster service stopped")
}

// State returns the current cluster state.
func (s *ClusterService) State() *routing.ClusterState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastResult returns the output of the last committed or unchanged cycle,
// nil before the first one finishes.
func (s *ClusterService) LastResult() *allocation.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Submit applies fn to the current state and returns the state it produced.
// It does not wait for the allocation cycle the update triggers.
//
// Updates are applied in the order they reach the service goroutine. fn runs
// on that goroutine and must not call back into the service. If fn returns
// the state it was given, nothing is committed and no cycle starts; if it
// returns an error the state is left as it was.
//
// Parameters:
//   - ctx: Bounds the wait for the update to be applied
//   - source: Short description used in logs, e.g. "node-join[n1]"
//   - fn: Derives the new state from the current one
//
// Returns:
//   - *routing.ClusterState: The state fn produced
//   - error: fn's error, ctx.Err() or errs.ErrServiceStopped
//
// Example:
//
//	state, err := svc.Submit(ctx, "create-index[logs]", func(st *routing.ClusterState) (*routing.ClusterState, error) {
//	    return st.WithIndex(routing.IndexMetadata{Name: "logs", NumberOfShards: 3, NumberOfReplicas: 1})
//	})
func (s *ClusterService) Submit(ctx context.Context, source string, fn UpdateFunc) (*routing.ClusterState, error) {
	u := update{source: source, fn: fn, opts: allocation.Options{Mode: routing.ModeReroute}, done: make(chan applied, 1)}
	return s.submit(ctx, u)
}

func (s *ClusterService) submit(ctx context.Context, u update) (*routing.ClusterState, error) {
	select {
	case s.updates <- u:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, errs.ErrServiceStopped
	}
	select {
	case a := <-u.done:
		return a.state, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, errs.ErrServiceStopped
	}
}

// Reroute runs an explicit allocation cycle after every update submitted
// before it and waits for the outcome. If a later update supersedes the
// cycle, Reroute waits for the cycle that replaced it, which inherits
// retryFailed.
//
// Parameters:
//   - ctx: Bounds the wait
//   - retryFailed: Reset failed allocation counters so copies stopped by
//     max_retry are tried again
//
// Returns:
//   - *allocation.Result: The committed cycle's result
//   - error: ctx.Err(), errs.ErrServiceStopped, or the allocator's error
//
// Example:
//
//	result, err := svc.Reroute(ctx, true)
//	if err != nil {
//	    return err
//	}
//	log.Infof("reroute committed version %d", result.State.Version())
func (s *ClusterService) Reroute(ctx context.Context, retryFailed bool) (*allocation.Result, error) {
	u := update{
		source:  "reroute",
		fn:      func(st *routing.ClusterState) (*routing.ClusterState, error) { return st, nil },
		reroute: true,
		opts:    allocation.Options{Mode: routing.ModeExplicit, RetryFailed: retryFailed},
		waiter:  make(chan rerouteOutcome, 1),
		done:    make(chan applied, 1),
	}
	if _, err := s.submit(ctx, u); err != nil {
		return nil, err
	}
	select {
	case out := <-u.waiter:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, errs.ErrServiceStopped
	}
}

func (s *ClusterService) loop() {
	defer s.wg.Done()
	var inflight *run
	for {
		select {
		case u := <-s.updates:
			inflight = s.apply(u, inflight)
		case r := <-s.results:
			if r.run != inflight {
				s.discard(r)
				continue
			}
			inflight = nil
			s.finish(r)
		case <-s.ctx.Done():
			if inflight != nil {
				inflight.cancel()
				notify(inflight.waiters, rerouteOutcome{err: errs.ErrServiceStopped})
			}
			return
		}
	}
}

func (s *ClusterService) apply(u update, inflight *run) *run {
	current := s.State()
	next, err := u.fn(current)
	if err != nil {
		log.WithField("source", u.source).Debugf("cluster state update rejected: %v", err)
		u.done <- applied{err: err}
		return inflight
	}
	changed := next != current
	if changed {
		s.mu.Lock()
		s.state = next
		s.mu.Unlock()
		metrics.CollectState(next)
	}
	u.done <- applied{state: next}
	if !changed && !u.reroute {
		return inflight
	}

	opts := u.opts
	opts.Rebalance = s.rebalance
	var waiters []chan rerouteOutcome
	if inflight != nil {
		// the replacement cycle inherits what the old one was asked to do
		inflight.cancel()
		waiters = inflight.waiters
		opts.RetryFailed = opts.RetryFailed || inflight.opts.RetryFailed
		log.WithFields(log.Fields{
			"version": inflight.version,
			"source":  inflight.source,
			"by":      u.source,
		}).Debug("superseding allocation cycle")
	}
	if u.waiter != nil {
		waiters = append(waiters, u.waiter)
	}
	return s.startCycle(u.source, next, opts, waiters)
}

func (s *ClusterService) startCycle(source string, state *routing.ClusterState, opts allocation.Options, waiters []chan rerouteOutcome) *run {
	ctx, cancel := context.WithCancel(s.ctx)
	r := &run{
		source:  source,
		version: state.Version(),
		opts:    opts,
		cancel:  cancel,
		start:   time.Now(),
		waiters: waiters,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.allocator.Reroute(ctx, state, opts)
		select {
		case s.results <- cycleResult{run: r, result: result, err: err}:
		case <-s.ctx.Done():
		}
	}()
	return r
}

// discard drops the output of a cycle that was superseded while running.
func (s *ClusterService) discard(r cycleResult) {
	r.run.cancel()
	metrics.RecordCycle("superseded", time.Since(r.run.start))
	log.WithFields(log.Fields{
		"version": r.run.version,
		"source":  r.run.source,
	}).Debug("discarded superseded allocation cycle")
}

func (s *ClusterService) finish(r cycleResult) {
	defer r.run.cancel()
	logger := log.WithFields(log.Fields{
		"version": r.run.version,
		"source":  r.run.source,
	})

	if r.err != nil {
		if errors.Is(r.err, errs.ErrSuperseded) {
			s.discard(r)
			notify(r.run.waiters, rerouteOutcome{err: r.err})
			return
		}
		metrics.RecordCycle("error", time.Since(r.run.start))
		logger.Errorf("allocation cycle failed: %v", r.err)
		notify(r.run.waiters, rerouteOutcome{err: r.err})
		return
	}

	s.mu.Lock()
	if s.state.Version() != r.run.version {
		s.mu.Unlock()
		s.discard(r)
		notify(r.run.waiters, rerouteOutcome{err: errs.ErrSuperseded})
		return
	}
	if r.result.Changed {
		s.state = r.result.State
	}
	s.last = r.result
	committed := s.state
	s.mu.Unlock()

	metrics.CollectState(committed)
	metrics.RecordDelayed(r.result.Delayed)
	if r.result.Changed {
		metrics.RecordCycle("committed", time.Since(r.run.start))
		logger.WithFields(log.Fields{
			"committed": committed.Version(),
			"delayed":   r.result.Delayed,
			"faults":    len(r.result.Faults),
		}).Info("committed allocation cycle")
		if s.listener != nil {
			s.listener(committed)
		}
	} else {
		metrics.RecordCycle("unchanged", time.Since(r.run.start))
		logger.Debug("allocation cycle changed nothing")
	}
	notify(r.run.waiters, rerouteOutcome{result: r.result})
}

func notify(waiters []chan rerouteOutcome, out rerouteOutcome) {
	for _, w := range waiters {
		w <- out
	}
}
