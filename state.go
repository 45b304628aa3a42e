// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package retrystate

import (
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gogama/retrystate/backoff"
	"github.com/gogama/retrystate/cluster"
	"github.com/gogama/retrystate/policy"
	"github.com/gogama/retrystate/random"
	"github.com/gogama/retrystate/reset"
	"github.com/gogama/retrystate/retry"
	"github.com/gogama/retrystate/runtimecfg"
	"github.com/gogama/retrystate/timer"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBaseBackOff is the base backoff interval used when the runtime
// does not set upstream.base_retry_backoff_ms.
const DefaultBaseBackOff = 25 * time.Millisecond

// maxBackOffFactor caps the backoff interval at a multiple of the base.
const maxBackOffFactor = 10

// maxBaseBackOffMs is the largest base interval, in milliseconds, whose
// capped backoff interval is representable as a time.Duration.
const maxBaseBackOffMs = math.MaxInt64 / int64(time.Millisecond) / maxBackOffFactor

var emptyHandlers = HandlerGroup{}

// Config holds the collaborators a State depends on. Only Cluster is
// required.
type Config struct {
	// Cluster is the upstream cluster whose retry limiter and
	// statistics the State uses. It may not be nil.
	Cluster cluster.Info
	// Priority selects the cluster's admission limits.
	Priority cluster.Priority
	// Runtime supplies the base backoff interval and the retry feature
	// gate. If Runtime is nil, the defaults are used.
	Runtime runtimecfg.Loader
	// Random supplies backoff jitter. If Random is nil, random.Default
	// is used.
	Random random.Generator
	// Dispatcher creates backoff timers. If Dispatcher is nil,
	// timer.NewDispatcher() is used.
	Dispatcher timer.Dispatcher
	// Logger receives decision diagnostics at debug level. If Logger is
	// nil, nothing is logged.
	Logger *zap.Logger
	// Handlers are run at lifecycle events. If Handlers is nil, no
	// handlers are run.
	Handlers *HandlerGroup
}

// A State is the retry state of one upstream request. It tracks the
// request's remaining retries, and while a retry is scheduled it holds
// one admission token from the cluster's retry limiter.
//
// Create a State with Create when the request starts. After every
// upstream attempt, call DecideHeaders or DecideReset (or Decide) with a
// continuation that re-issues the attempt. Call Close when the request
// ends; Close releases anything the State still holds.
//
// A request is a single logical flow of control, and a State expects its
// Decide and Close calls to come from that flow one at a time. The State
// is nevertheless internally synchronised, because its backoff timer may
// fire on another goroutine.
//
// Close waits for a continuation which is already running to return, so
// a continuation must not call Close synchronously, nor may a
// BeforeRetry handler.
type State struct {
	id         uuid.UUID
	effective  *policy.Effective
	cluster    cluster.Info
	priority   cluster.Priority
	runtime    runtimecfg.Loader
	dispatcher timer.Dispatcher
	backoff    backoff.Strategy
	logger     *zap.Logger
	handlers   *HandlerGroup

	fireLock         sync.Mutex
	lock             sync.Mutex
	retriesRemaining uint32
	callback         func()
	token            *cluster.Token
	timer            timer.Timer
	gen              uint64
	pending          bool
	last             Status
	closed           bool
}

// Create returns the retry state for a request with route retry policy
// p (which may be nil) and request headers h.
//
// If neither p nor the request headers declare any retry condition,
// Create returns nil: the request can never be retried, so it needs no
// retry state. In every case Create strips the retry directive headers
// from h so they are not forwarded upstream.
//
// Create panics if cfg.Cluster is nil.
func Create(p *policy.Policy, h http.Header, cfg Config) *State {
	if cfg.Cluster == nil {
		panic("retrystate: nil cluster")
	}

	e, ok := policy.Merge(p, h)
	if !ok {
		return nil
	}

	g := cfg.Random
	if g == nil {
		g = random.Default
	}
	rt := cfg.Runtime
	if rt == nil {
		rt = runtimecfg.NewStatic(nil, g)
	}
	d := cfg.Dispatcher
	if d == nil {
		d = timer.NewDispatcher()
	}
	handlers := cfg.Handlers
	if handlers == nil {
		handlers = &emptyHandlers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	base := DefaultBaseBackOff
	ms := rt.Snapshot().GetInteger(runtimecfg.KeyBaseRetryBackoffMs, uint64(DefaultBaseBackOff/time.Millisecond))
	switch {
	case ms > uint64(maxBaseBackOffMs):
		logger.Warn("base retry backoff out of range, using default",
			zap.Uint64("base_retry_backoff_ms", ms),
			zap.Duration("default", DefaultBaseBackOff),
		)
	case ms > 0:
		base = time.Duration(ms) * time.Millisecond
	}

	id := uuid.New()
	return &State{
		id:         id,
		effective:  e,
		cluster:    cfg.Cluster,
		priority:   cfg.Priority,
		runtime:    rt,
		dispatcher: d,
		backoff:    backoff.NewJittered(base, maxBackOffFactor*base, g),
		logger: logger.With(
			zap.Stringer("retry_state", id),
			zap.String("cluster", cfg.Cluster.Name()),
			zap.Stringer("priority", cfg.Priority),
		),
		handlers:         handlers,
		retriesRemaining: e.MaxRetries,
	}
}

// DecideHeaders decides whether to retry after an attempt produced the
// response outcome o. See Decide.
func (s *State) DecideHeaders(o *retry.Outcome, cb func()) Status {
	return s.Decide(retry.WouldRetryOnHeaders(s.effective, o), cb)
}

// DecideReset decides whether to retry after an attempt's stream was
// reset for reason r. See Decide.
func (s *State) DecideReset(r reset.Reason, cb func()) Status {
	return s.Decide(retry.WouldRetryOnReset(s.effective, r), cb)
}

// Decide decides whether to retry after an upstream attempt, given
// whether the attempt's outcome is retriable.
//
// If a retry was scheduled by the previous decision and this attempt is
// not retriable, the previous retry is counted as a success. Whatever
// the outcome, any retry scheduled by the previous decision is then
// finished: its timer is cancelled and its admission token released.
//
// Every decision made while retries remain uses one of them, even when
// the result is not Yes. Once none remain, Decide returns
// NoRetryLimitExceeded.
//
// On Yes, cb will be called once, on the timer's goroutine, after the
// backoff delay, unless the State is closed or decides again first.
// Decide panics if wouldRetry is true and cb is nil, or if the State is
// closed.
func (s *State) Decide(wouldRetry bool, cb func()) Status {
	if wouldRetry && cb == nil {
		panic("retrystate: nil continuation")
	}

	var events []Event
	var delay time.Duration

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		panic("retrystate: decision on closed state")
	}

	if s.callback != nil && !wouldRetry {
		s.cluster.Stats().RetrySucceeded.Inc()
		events = append(events, RetrySucceeded)
	}

	if s.resetLocked() {
		events = append(events, RetryReleased)
	}
	if s.token != nil {
		s.lock.Unlock()
		panic("retrystate: admission token already held")
	}

	st := s.decideLocked(wouldRetry)
	switch st {
	case NoOverflow:
		events = append(events, RetryOverflowed)
	case Yes:
		delay = s.armLocked(cb)
		events = append(events, RetryArmed)
	}
	s.last = st
	remaining := s.retriesRemaining
	s.lock.Unlock()

	s.logger.Debug("retry decision",
		zap.Bool("would_retry", wouldRetry),
		zap.Stringer("status", st),
		zap.Uint32("retries_remaining", remaining),
		zap.Duration("backoff", delay),
	)

	for _, evt := range events {
		s.handlers.run(evt, s)
	}
	s.handlers.run(AfterDecision, s)

	return st
}

func (s *State) decideLocked(wouldRetry bool) Status {
	if s.retriesRemaining == 0 {
		return NoRetryLimitExceeded
	}

	s.retriesRemaining--
	if !wouldRetry {
		return No
	}

	token, ok := cluster.Acquire(s.cluster.ResourceManager(s.priority).Retries())
	if !ok {
		s.cluster.Stats().RetryOverflowed.Inc()
		return NoOverflow
	}

	if !s.runtime.Snapshot().FeatureEnabled(runtimecfg.KeyUseRetry, 100) {
		token.Release()
		return No
	}

	s.token = token
	return Yes
}

// armLocked registers cb and arms a fresh one-shot backoff timer for it.
func (s *State) armLocked(cb func()) time.Duration {
	s.callback = cb
	s.cluster.Stats().RetryAttempted.Inc()

	s.gen++
	gen := s.gen
	s.pending = true
	s.timer = s.dispatcher.CreateTimer(func() { s.fire(gen) })
	d := s.backoff.NextBackOff()
	s.timer.Enable(d)
	return d
}

// fire runs the continuation armed in generation gen, unless the State
// has since been closed or has decided again. The fire lock is held
// until the continuation returns, so Close cannot return in between.
func (s *State) fire(gen uint64) {
	s.fireLock.Lock()
	defer s.fireLock.Unlock()

	s.lock.Lock()
	if s.closed || !s.pending || gen != s.gen {
		s.lock.Unlock()
		return
	}
	s.pending = false
	cb := s.callback
	s.lock.Unlock()

	s.handlers.run(BeforeRetry, s)
	cb()
}

// resetLocked cancels any pending backoff timer and, if a retry is
// registered, releases its admission token. It reports whether a token
// was released.
func (s *State) resetLocked() bool {
	if s.timer != nil {
		s.timer.Disable()
		s.timer = nil
	}
	s.pending = false
	if s.callback == nil {
		return false
	}

	s.token.Release()
	s.token = nil
	s.callback = nil
	return true
}

// Close ends the State. A pending backoff timer is cancelled without
// calling its continuation, and a held admission token is released. If
// the continuation is already running, Close waits for it to return;
// once Close returns, the continuation is never called.
//
// Calling Close more than once has no further effect, and Close on a
// nil State does nothing.
func (s *State) Close() {
	if s == nil {
		return
	}

	s.fireLock.Lock()
	defer s.fireLock.Unlock()

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.closed = true
	released := s.resetLocked()
	s.lock.Unlock()

	if released {
		s.logger.Debug("retry state closed with retry outstanding")
		s.handlers.run(RetryReleased, s)
	}
}

// ID returns the State's unique identifier, which is also attached to
// its log entries.
func (s *State) ID() uuid.UUID {
	return s.id
}

// Effective returns the effective retry policy. The caller must not
// modify it.
func (s *State) Effective() *policy.Effective {
	return s.effective
}

// Enabled reports whether the effective policy enables any retry
// condition.
func (s *State) Enabled() bool {
	return s.effective.RetryOn != 0
}

// RetriesRemaining returns the number of retry decisions left before
// the State returns NoRetryLimitExceeded.
func (s *State) RetriesRemaining() uint32 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.retriesRemaining
}

// Armed reports whether a retry scheduled by the most recent decision
// is still outstanding, i.e. whether the State holds an admission
// token. A retry stays outstanding after its continuation runs, until
// the next decision or Close.
func (s *State) Armed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.callback != nil
}

// LastDecision returns the status of the most recent decision, or No if
// there has been none.
func (s *State) LastDecision() Status {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.last
}

// HostSelectionMaxAttempts returns the maximum number of host selection
// attempts to make when choosing the host for a retry.
func (s *State) HostSelectionMaxAttempts() uint32 {
	return s.effective.HostSelectionMaxAttempts
}

// ShouldSelectAnotherHost reports whether any of the policy's host
// predicates rejects host for a retry.
func (s *State) ShouldSelectAnotherHost(host string) bool {
	for _, p := range s.effective.HostPredicates {
		if p.ShouldSelectAnotherHost(host) {
			return true
		}
	}
	return false
}

// OnHostAttempted informs the policy's host predicates and priority
// strategy that an attempt was sent to host.
func (s *State) OnHostAttempted(host string) {
	for _, p := range s.effective.HostPredicates {
		p.OnHostAttempted(host)
	}
	if s.effective.Priority != nil {
		s.effective.Priority.OnHostAttempted(host)
	}
}

// PriorityLoad returns the priority load to use for a retry. Without a
// priority strategy, base is returned unchanged.
func (s *State) PriorityLoad(base []uint32) []uint32 {
	if s.effective.Priority == nil {
		return base
	}
	return s.effective.Priority.PriorityLoad(base)
}
