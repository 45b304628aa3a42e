// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package retrystate

import (
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogama/retrystate/cluster"
	"github.com/gogama/retrystate/policy"
	"github.com/gogama/retrystate/random"
	"github.com/gogama/retrystate/reset"
	"github.com/gogama/retrystate/retry"
	"github.com/gogama/retrystate/runtimecfg"
	"github.com/gogama/retrystate/timer"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestCreate(t *testing.T) {
	c := newTestCluster(t, cluster.Thresholds{})

	t.Run("nil cluster", func(t *testing.T) {
		assert.PanicsWithValue(t, "retrystate: nil cluster", func() {
			Create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{}, Config{})
		})
	})
	t.Run("no retry state", func(t *testing.T) {
		testCases := []struct {
			name   string
			policy *policy.Policy
			header http.Header
		}{
			{"nil policy", nil, http.Header{}},
			{"empty policy", &policy.Policy{NumRetries: 3}, http.Header{}},
			{"max retries only", nil, header(policy.HeaderMaxRetries, "5")},
			{"status codes only", nil, header(policy.HeaderRetriableStatusCodes, "409")},
		}
		for i, testCase := range testCases {
			t.Run(fmt.Sprintf("testCases[%d]=%s", i, testCase.name), func(t *testing.T) {
				s := Create(testCase.policy, testCase.header, Config{Cluster: c})
				assert.Nil(t, s)
				assert.Empty(t, testCase.header)
			})
		}
	})
	t.Run("route policy", func(t *testing.T) {
		h := http.Header{"X-Other": {"kept"}}
		s := Create(&policy.Policy{RetryOn: policy.On5xx, NumRetries: 2}, h, Config{Cluster: c})
		require.NotNil(t, s)
		defer s.Close()
		assert.True(t, s.Enabled())
		assert.Equal(t, uint32(2), s.RetriesRemaining())
		assert.False(t, s.Armed())
		assert.Equal(t, No, s.LastDecision())
		assert.NotEqual(t, uuid.Nil, s.ID())
		assert.Equal(t, http.Header{"X-Other": {"kept"}}, h)
	})
	t.Run("header policy", func(t *testing.T) {
		h := http.Header{}
		h.Set(policy.HeaderRetryOn, "connect-failure")
		h.Set(policy.HeaderMaxRetries, "4")
		s := Create(nil, h, Config{Cluster: c})
		require.NotNil(t, s)
		defer s.Close()
		assert.Equal(t, policy.OnConnectFailure, s.Effective().RetryOn)
		assert.Equal(t, uint32(4), s.RetriesRemaining())
		assert.Empty(t, h)
	})
	t.Run("unknown tokens", func(t *testing.T) {
		h := http.Header{}
		h.Set(policy.HeaderRetryOn, "bogus")
		s := Create(nil, h, Config{Cluster: c})
		require.NotNil(t, s)
		defer s.Close()
		assert.False(t, s.Enabled())
		assert.Equal(t, uint32(1), s.RetriesRemaining())
	})
	t.Run("base backoff out of range", func(t *testing.T) {
		for i, ms := range []uint64{1e12, math.MaxUint64} {
			t.Run(fmt.Sprintf("testCases[%d]=%d", i, ms), func(t *testing.T) {
				core, logs := observer.New(zap.WarnLevel)
				m := &timer.Manual{}
				var s *State
				require.NotPanics(t, func() {
					s = Create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{}, Config{
						Cluster:    c,
						Runtime:    runtimecfg.NewStatic(map[string]uint64{runtimecfg.KeyBaseRetryBackoffMs: ms}, &random.Sequence{}),
						Random:     &random.Sequence{Values: []uint64{1010}},
						Dispatcher: m,
						Logger:     zap.New(core),
					})
				})
				require.NotNil(t, s)
				defer s.Close()
				assert.Equal(t, 1, logs.FilterMessage("base retry backoff out of range, using default").Len())

				var fired bool
				require.Equal(t, Yes, s.Decide(true, func() { fired = true }))
				m.Advance(10 * time.Millisecond)
				assert.True(t, fired, "delay drawn against the default base")
			})
		}
	})
	t.Run("largest base backoff", func(t *testing.T) {
		rt := runtimecfg.NewStatic(map[string]uint64{runtimecfg.KeyBaseRetryBackoffMs: uint64(maxBaseBackOffMs)}, nil)
		assert.NotPanics(t, func() {
			s := Create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{}, Config{Cluster: c, Runtime: rt})
			s.Close()
		})
	})
	t.Run("distinct ids", func(t *testing.T) {
		s1 := Create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{}, Config{Cluster: c})
		s2 := Create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{}, Config{Cluster: c})
		assert.NotEqual(t, s1.ID(), s2.ID())
	})
}

func TestState_Decide(t *testing.T) {
	t.Run("retry then success", func(t *testing.T) {
		f := newFixture(t, cluster.Thresholds{}, nil)
		s := f.create(&policy.Policy{RetryOn: policy.On5xx, NumRetries: 2}, http.Header{})

		st := s.DecideHeaders(&retry.Outcome{StatusCode: 503}, f.cb)
		assert.Equal(t, Yes, st)
		assert.Equal(t, Yes, s.LastDecision())
		assert.Equal(t, uint32(1), s.RetriesRemaining())
		assert.True(t, s.Armed())
		assert.Equal(t, uint64(1), f.active())
		assert.Equal(t, 1, f.manual.Pending())
		assert.Equal(t, 1.0, f.stat(f.cluster.Stats().RetryAttempted))

		f.manual.Advance(9 * time.Millisecond)
		assert.Equal(t, int32(0), f.calls.Load())
		f.manual.Advance(time.Millisecond)
		assert.Equal(t, int32(1), f.calls.Load())
		assert.True(t, s.Armed(), "retry stays outstanding until the next decision")
		assert.Equal(t, uint64(1), f.active())

		st = s.DecideHeaders(&retry.Outcome{StatusCode: 200}, f.cb)
		assert.Equal(t, No, st)
		assert.Equal(t, uint32(0), s.RetriesRemaining())
		assert.False(t, s.Armed())
		assert.Equal(t, uint64(0), f.active())
		assert.Equal(t, 1.0, f.stat(f.cluster.Stats().RetrySucceeded))
		assert.Equal(t, 0, f.manual.Pending())
		s.Close()
		assert.Equal(t, int32(1), f.calls.Load())
	})
	t.Run("retriable status codes from header", func(t *testing.T) {
		f := newFixture(t, cluster.Thresholds{}, nil)
		h := http.Header{}
		h.Set(policy.HeaderRetriableStatusCodes, "409,429")
		s := f.create(&policy.Policy{RetryOn: policy.OnRetriableStatusCodes, NumRetries: 3}, h)
		defer s.Close()

		assert.Equal(t, No, s.DecideHeaders(&retry.Outcome{StatusCode: 418}, f.cb))
		assert.Equal(t, Yes, s.DecideHeaders(&retry.Outcome{StatusCode: 429}, f.cb))
		assert.Equal(t, uint32(1), s.RetriesRemaining())
	})
	t.Run("zero retries from header", func(t *testing.T) {
		f := newFixture(t, cluster.Thresholds{}, nil)
		h := http.Header{}
		h.Set(policy.HeaderMaxRetries, "0")
		s := f.create(&policy.Policy{RetryOn: policy.On5xx, NumRetries: 3}, h)
		defer s.Close()

		assert.Equal(t, NoRetryLimitExceeded, s.Decide(true, f.cb))
		assert.Equal(t, uint64(0), f.active())
		assert.Equal(t, 0.0, f.stat(f.cluster.Stats().RetryAttempted))
		assert.Equal(t, 0.0, f.stat(f.cluster.Stats().RetryOverflowed))
	})
	t.Run("zero route retries means one", func(t *testing.T) {
		f := newFixture(t, cluster.Thresholds{}, nil)
		s := f.create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{})
		defer s.Close()

		assert.Equal(t, uint32(1), s.RetriesRemaining())
		assert.Equal(t, Yes, s.Decide(true, f.cb))
	})
	t.Run("limit exceeded releases previous retry", func(t *testing.T) {
		f := newFixture(t, cluster.Thresholds{}, nil)
		s := f.create(&policy.Policy{RetryOn: policy.On5xx, NumRetries: 1}, http.Header{})
		defer s.Close()

		assert.Equal(t, Yes, s.Decide(true, f.cb))
		f.manual.Advance(time.Second)
		assert.Equal(t, NoRetryLimitExceeded, s.Decide(true, f.cb))
		assert.False(t, s.Armed())
		assert.Equal(t, uint64(0), f.active())
		assert.Equal(t, 0.0, f.stat(f.cluster.Stats().RetrySucceeded))
		assert.Equal(t, NoRetryLimitExceeded, s.Decide(false, nil))
		assert.Equal(t, int32(1), f.calls.Load())
	})
	t.Run("not retriable still uses a retry", func(t *testing.T) {
		f := newFixture(t, cluster.Thresholds{}, nil)
		s := f.create(&policy.Policy{RetryOn: policy.On5xx, NumRetries: 2}, http.Header{})
		defer s.Close()

		assert.Equal(t, No, s.Decide(false, nil))
		assert.Equal(t, uint32(1), s.RetriesRemaining())
		assert.Equal(t, 0.0, f.stat(f.cluster.Stats().RetrySucceeded))
	})
	t.Run("overflow", func(t *testing.T) {
		f := newFixture(t, cluster.Thresholds{Default: cluster.Limits{MaxRetries: 1}}, nil)
		p := &policy.Policy{RetryOn: policy.On5xx, NumRetries: 3}
		s1 := f.create(p, http.Header{})
		s2 := f.create(p, http.Header{})

		assert.Equal(t, Yes, s1.Decide(true, f.cb))
		assert.Equal(t, NoOverflow, s2.Decide(true, f.cb))
		assert.Equal(t, NoOverflow, s2.LastDecision())
		assert.Equal(t, uint32(2), s2.RetriesRemaining())
		assert.False(t, s2.Armed())
		assert.Equal(t, 1.0, f.stat(f.cluster.Stats().RetryOverflowed))
		assert.Equal(t, 1.0, f.stat(f.cluster.Stats().RetryAttempted))

		s1.Close()
		assert.Equal(t, Yes, s2.Decide(true, f.cb))
		s2.Close()
		assert.Equal(t, uint64(0), f.active())
	})
	t.Run("priority limits", func(t *testing.T) {
		f := newFixture(t, cluster.Thresholds{Default: cluster.Limits{MaxRetries: 1}, High: cluster.Limits{MaxRetries: 5}}, nil)
		p := &policy.Policy{RetryOn: policy.On5xx}
		s1 := f.create(p, http.Header{})
		defer s1.Close()
		s2 := Create(p, http.Header{}, Config{Cluster: f.cluster, Priority: cluster.High, Dispatcher: f.manual})
		defer s2.Close()

		assert.Equal(t, Yes, s1.Decide(true, f.cb))
		assert.Equal(t, Yes, s2.Decide(true, f.cb))
		assert.Equal(t, uint64(1), f.cluster.ResourceManager(cluster.High).Retries().Count())
	})
	t.Run("feature gate off", func(t *testing.T) {
		rt := runtimecfg.NewStatic(map[string]uint64{runtimecfg.KeyUseRetry: 0}, &random.Sequence{})
		f := newFixture(t, cluster.Thresholds{}, rt)
		s := f.create(&policy.Policy{RetryOn: policy.On5xx, NumRetries: 2}, http.Header{})
		defer s.Close()

		assert.Equal(t, No, s.Decide(true, f.cb))
		assert.Equal(t, uint32(1), s.RetriesRemaining())
		assert.False(t, s.Armed())
		assert.Equal(t, uint64(0), f.active())
		assert.Equal(t, 0.0, f.stat(f.cluster.Stats().RetryAttempted))
		assert.Equal(t, 0, f.manual.Pending())
	})
	t.Run("feature gate sampled per decision", func(t *testing.T) {
		rt := runtimecfg.NewStatic(map[string]uint64{runtimecfg.KeyUseRetry: 50}, &random.Sequence{Values: []uint64{75, 25}})
		f := newFixture(t, cluster.Thresholds{}, rt)
		s := f.create(&policy.Policy{RetryOn: policy.On5xx, NumRetries: 2}, http.Header{})
		defer s.Close()

		assert.Equal(t, No, s.Decide(true, f.cb))
		assert.Equal(t, Yes, s.Decide(true, f.cb))
	})
	t.Run("new decision supersedes pending retry", func(t *testing.T) {
		f := newFixture(t, cluster.Thresholds{}, nil)
		s := f.create(&policy.Policy{RetryOn: policy.On5xx, NumRetries: 3}, http.Header{})
		defer s.Close()

		var first int32
		assert.Equal(t, Yes, s.Decide(true, func() { first++ }))
		assert.Equal(t, Yes, s.Decide(true, f.cb))
		assert.Equal(t, uint64(1), f.active())
		assert.Equal(t, 1, f.manual.Pending())
		f.manual.Advance(time.Second)
		assert.Equal(t, int32(0), first)
		assert.Equal(t, int32(1), f.calls.Load())
		f.manual.Advance(time.Second)
		assert.Equal(t, int32(1), f.calls.Load())
		assert.Equal(t, 0.0, f.stat(f.cluster.Stats().RetrySucceeded))
		assert.Equal(t, 2.0, f.stat(f.cluster.Stats().RetryAttempted))
	})
	t.Run("nil continuation", func(t *testing.T) {
		f := newFixture(t, cluster.Thresholds{}, nil)
		s := f.create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{})
		defer s.Close()

		assert.PanicsWithValue(t, "retrystate: nil continuation", func() { s.Decide(true, nil) })
		assert.Equal(t, uint32(1), s.RetriesRemaining())
	})
	t.Run("balanced admission", func(t *testing.T) {
		f := newFixture(t, cluster.Thresholds{}, nil)
		s := f.create(&policy.Policy{RetryOn: policy.On5xx, NumRetries: 10}, http.Header{})

		yes := 0
		for i, would := range []bool{true, true, false, true, false, false, true, true} {
			if s.Decide(would, f.cb) == Yes {
				yes++
			}
			require.LessOrEqual(t, f.active(), uint64(1), "decision %d", i)
			f.manual.Advance(time.Second)
		}
		s.Close()
		assert.Equal(t, uint64(0), f.active())
		assert.Equal(t, float64(yes), f.stat(f.cluster.Stats().RetryAttempted))
		assert.Equal(t, 2.0, f.stat(f.cluster.Stats().RetrySucceeded))
		assert.Equal(t, int32(yes), f.calls.Load())
	})
}

func TestState_DecideReset(t *testing.T) {
	testCases := []struct {
		retryOn  policy.RetryOn
		reason   reset.Reason
		expected Status
	}{
		{policy.On5xx, reset.Overflow, No},
		{policy.On5xx, reset.RemoteReset, Yes},
		{policy.OnGatewayError, reset.ConnectionTermination, Yes},
		{policy.OnConnectFailure, reset.ConnectionFailure, Yes},
		{policy.OnConnectFailure, reset.RemoteReset, No},
		{policy.OnRefusedStream, reset.RemoteRefusedStream, Yes},
		{policy.OnRetriable4xx, reset.LocalReset, No},
	}
	for i, testCase := range testCases {
		t.Run(fmt.Sprintf("testCases[%d]=%s/%s", i, testCase.retryOn, testCase.reason), func(t *testing.T) {
			f := newFixture(t, cluster.Thresholds{}, nil)
			s := f.create(&policy.Policy{RetryOn: testCase.retryOn}, http.Header{})
			defer s.Close()
			assert.Equal(t, testCase.expected, s.DecideReset(testCase.reason, f.cb))
		})
	}
}

func TestState_DecideHeaders(t *testing.T) {
	unavailable := retry.FromHeader(200, header(retry.HeaderGrpcStatus, "14"), nil)
	testCases := []struct {
		name     string
		retryOn  policy.RetryOn
		outcome  *retry.Outcome
		expected Status
	}{
		{"5xx", policy.On5xx, &retry.Outcome{StatusCode: 500}, Yes},
		{"gateway", policy.OnGatewayError, &retry.Outcome{StatusCode: 500}, No},
		{"overloaded", policy.On5xx, &retry.Outcome{StatusCode: 503, Overloaded: true}, No},
		{"rate limited", policy.On5xx, &retry.Outcome{StatusCode: 429, RateLimited: true}, No},
		{"conflict", policy.OnRetriable4xx, &retry.Outcome{StatusCode: 409}, Yes},
		{"grpc", policy.OnGrpcUnavailable, unavailable, Yes},
		{"grpc not enabled", policy.OnGrpcInternal, unavailable, No},
		{"nil outcome", policy.On5xx, nil, No},
	}
	for i, testCase := range testCases {
		t.Run(fmt.Sprintf("testCases[%d]=%s", i, testCase.name), func(t *testing.T) {
			f := newFixture(t, cluster.Thresholds{}, nil)
			s := f.create(&policy.Policy{RetryOn: testCase.retryOn}, http.Header{})
			defer s.Close()
			assert.Equal(t, testCase.expected, s.DecideHeaders(testCase.outcome, f.cb))
		})
	}
}

func TestState_Close(t *testing.T) {
	t.Run("while armed", func(t *testing.T) {
		f := newFixture(t, cluster.Thresholds{}, nil)
		s := f.create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{})
		require.Equal(t, Yes, s.Decide(true, f.cb))

		s.Close()
		assert.False(t, s.Armed())
		assert.Equal(t, uint64(0), f.active())
		assert.Equal(t, 0, f.manual.Pending())
		f.manual.Advance(time.Minute)
		assert.Equal(t, int32(0), f.calls.Load())
		assert.NotPanics(t, s.Close)
		assert.Equal(t, uint64(0), f.active())
	})
	t.Run("after fire", func(t *testing.T) {
		f := newFixture(t, cluster.Thresholds{}, nil)
		s := f.create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{})
		require.Equal(t, Yes, s.Decide(true, f.cb))
		f.manual.Advance(time.Minute)

		s.Close()
		assert.Equal(t, uint64(0), f.active())
		assert.Equal(t, 0.0, f.stat(f.cluster.Stats().RetrySucceeded))
	})
	t.Run("while continuation running", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		g := &HandlerGroup{}
		g.PushBack(BeforeRetry, HandlerFunc(func(Event, *State) {
			close(entered)
			<-release
		}))
		c := newTestCluster(t, cluster.Thresholds{})
		s := Create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{}, Config{
			Cluster:  c,
			Runtime:  runtimecfg.NewStatic(map[string]uint64{runtimecfg.KeyBaseRetryBackoffMs: 1}, nil),
			Handlers: g,
		})
		var called atomic.Bool
		require.Equal(t, Yes, s.Decide(true, func() { called.Store(true) }))
		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatal("timer did not fire")
		}

		closed := make(chan struct{})
		go func() {
			s.Close()
			close(closed)
		}()
		select {
		case <-closed:
			t.Fatal("Close returned while the continuation was running")
		case <-time.After(50 * time.Millisecond):
		}
		close(release)
		select {
		case <-closed:
		case <-time.After(5 * time.Second):
			t.Fatal("Close did not return")
		}
		assert.True(t, called.Load(), "continuation finishes before Close returns")
		assert.Equal(t, uint64(0), c.ResourceManager(cluster.Default).Retries().Count())
	})
	t.Run("nil state", func(t *testing.T) {
		var s *State
		assert.NotPanics(t, s.Close)
	})
	t.Run("decide after close", func(t *testing.T) {
		f := newFixture(t, cluster.Thresholds{}, nil)
		s := f.create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{})
		s.Close()
		assert.PanicsWithValue(t, "retrystate: decision on closed state", func() { s.Decide(false, nil) })
	})
}

func TestState_SharedCluster(t *testing.T) {
	const timelines = 16
	const limit = 2
	const retries = 5
	c := newTestCluster(t, cluster.Thresholds{Default: cluster.Limits{MaxRetries: limit}})
	rt := runtimecfg.NewStatic(map[string]uint64{runtimecfg.KeyBaseRetryBackoffMs: 1}, nil)
	r := c.ResourceManager(cluster.Default).Retries()

	var yes, overflow atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < timelines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := Create(&policy.Policy{RetryOn: policy.On5xx, NumRetries: retries}, http.Header{}, Config{
				Cluster: c,
				Runtime: rt,
			})
			defer s.Close()

			retryCh := make(chan struct{}, 1)
			for {
				st := s.Decide(true, func() { retryCh <- struct{}{} })
				assert.LessOrEqual(t, r.Count(), uint64(limit))
				switch st {
				case Yes:
					yes.Add(1)
					select {
					case <-retryCh:
					case <-time.After(5 * time.Second):
						assert.Fail(t, "continuation not called")
						return
					}
				case NoOverflow:
					overflow.Add(1)
				default:
					assert.Equal(t, NoRetryLimitExceeded, st)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(0), r.Count())
	assert.Equal(t, int64(timelines*retries), yes.Load()+overflow.Load())
	assert.Equal(t, float64(yes.Load()), testutil.ToFloat64(c.Stats().RetryAttempted.(prometheus.Counter)))
	assert.Equal(t, float64(overflow.Load()), testutil.ToFloat64(c.Stats().RetryOverflowed.(prometheus.Counter)))
}

func TestState_RealDispatcher(t *testing.T) {
	c := newTestCluster(t, cluster.Thresholds{})
	rt := runtimecfg.NewStatic(map[string]uint64{runtimecfg.KeyBaseRetryBackoffMs: 1}, nil)
	s := Create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{}, Config{
		Cluster: c,
		Runtime: rt,
		Logger:  zaptest.NewLogger(t),
	})
	require.NotNil(t, s)
	defer s.Close()

	fired := make(chan struct{})
	require.Equal(t, Yes, s.Decide(true, func() { close(fired) }))
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("continuation not called")
	}
}

func TestState_Handlers(t *testing.T) {
	var evts []string
	var remaining []uint32
	g := &HandlerGroup{}
	for _, evt := range Events() {
		g.PushBack(evt, HandlerFunc(func(evt Event, s *State) {
			evts = append(evts, evt.Name())
			remaining = append(remaining, s.RetriesRemaining())
		}))
	}
	f := newFixture(t, cluster.Thresholds{}, nil)
	s := Create(&policy.Policy{RetryOn: policy.On5xx, NumRetries: 2}, http.Header{}, Config{
		Cluster:    f.cluster,
		Random:     &random.Sequence{Values: []uint64{10}},
		Dispatcher: f.manual,
		Handlers:   g,
	})

	require.Equal(t, Yes, s.Decide(true, f.cb))
	f.manual.Advance(time.Second)
	require.Equal(t, No, s.Decide(false, nil))
	s.Close()

	assert.Equal(t, []string{
		"RetryArmed", "AfterDecision",
		"BeforeRetry",
		"RetrySucceeded", "RetryReleased", "AfterDecision",
	}, evts)
	assert.Equal(t, []uint32{1, 1, 1, 0, 0, 0}, remaining)

	t.Run("overflow and close", func(t *testing.T) {
		evts = evts[:0]
		f := newFixture(t, cluster.Thresholds{Default: cluster.Limits{MaxRetries: 1}}, nil)
		blocker := f.create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{})
		defer blocker.Close()
		require.Equal(t, Yes, blocker.Decide(true, f.cb))

		s := Create(&policy.Policy{RetryOn: policy.On5xx, NumRetries: 2}, http.Header{}, Config{
			Cluster:    f.cluster,
			Dispatcher: f.manual,
			Handlers:   g,
		})
		require.Equal(t, NoOverflow, s.Decide(true, f.cb))
		blocker.Close()
		require.Equal(t, Yes, s.Decide(true, f.cb))
		s.Close()

		assert.Equal(t, []string{
			"RetryOverflowed", "AfterDecision",
			"RetryArmed", "AfterDecision",
			"RetryReleased",
		}, evts)
	})
}

func TestState_Logging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	f := newFixture(t, cluster.Thresholds{}, nil)
	s := Create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{}, Config{
		Cluster:    f.cluster,
		Priority:   cluster.High,
		Random:     &random.Sequence{Values: []uint64{10}},
		Dispatcher: f.manual,
		Logger:     zap.New(core),
	})
	require.Equal(t, Yes, s.Decide(true, f.cb))
	s.Close()

	entries := logs.FilterMessage("retry decision").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, s.ID().String(), fields["retry_state"])
	assert.Equal(t, "test", fields["cluster"])
	assert.Equal(t, "high", fields["priority"])
	assert.Equal(t, "Yes", fields["status"])
	assert.Equal(t, uint32(0), fields["retries_remaining"])
	assert.Equal(t, 10*time.Millisecond, fields["backoff"])
	assert.Equal(t, 1, logs.FilterMessage("retry state closed with retry outstanding").Len())
}

func TestState_Backoff(t *testing.T) {
	rt := runtimecfg.NewStatic(map[string]uint64{runtimecfg.KeyBaseRetryBackoffMs: 10}, &random.Sequence{})
	c := newTestCluster(t, cluster.Thresholds{})
	m := &timer.Manual{}
	s := Create(&policy.Policy{RetryOn: policy.On5xx, NumRetries: 5}, http.Header{}, Config{
		Cluster:    c,
		Runtime:    rt,
		Random:     &random.Sequence{Values: []uint64{1000}},
		Dispatcher: m,
	})
	defer s.Close()

	// Ceilings are 10, 30, 70, 150, 150 ms; 1000 mod each is the delay,
	// capped at 100ms.
	expected := []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}
	for i, d := range expected {
		var fired bool
		require.Equal(t, Yes, s.Decide(true, func() { fired = true }), "decision %d", i)
		if d > 0 {
			m.Advance(d - time.Millisecond)
			assert.False(t, fired, "decision %d fired early", i)
		}
		m.Advance(time.Millisecond)
		assert.True(t, fired, "decision %d", i)
	}
}

func TestState_Hosts(t *testing.T) {
	c := newTestCluster(t, cluster.Thresholds{})
	pred := &testHostPredicate{reject: "bad"}
	prio := &testPriority{}
	s := Create(&policy.Policy{
		RetryOn:                  policy.On5xx,
		HostSelectionMaxAttempts: 3,
		HostPredicates:           []policy.HostPredicate{pred},
		Priority:                 prio,
	}, http.Header{}, Config{Cluster: c})
	require.NotNil(t, s)
	defer s.Close()

	assert.Equal(t, uint32(3), s.HostSelectionMaxAttempts())
	assert.True(t, s.ShouldSelectAnotherHost("bad"))
	assert.False(t, s.ShouldSelectAnotherHost("good"))
	s.OnHostAttempted("good")
	assert.Equal(t, []string{"good"}, pred.attempted)
	assert.Equal(t, []string{"good"}, prio.attempted)
	assert.Equal(t, []uint32{0, 100}, s.PriorityLoad([]uint32{100, 0}))

	t.Run("no collaborators", func(t *testing.T) {
		s := Create(&policy.Policy{RetryOn: policy.On5xx}, http.Header{}, Config{Cluster: c})
		defer s.Close()
		base := []uint32{100, 0}
		assert.Equal(t, base, s.PriorityLoad(base))
		assert.False(t, s.ShouldSelectAnotherHost("any"))
		assert.NotPanics(t, func() { s.OnHostAttempted("any") })
	})
}

func header(name, value string) http.Header {
	h := http.Header{}
	h.Set(name, value)
	return h
}

type fixture struct {
	t       *testing.T
	cluster *cluster.Cluster
	runtime runtimecfg.Loader
	manual  *timer.Manual
	calls   atomic.Int32
}

func newFixture(t *testing.T, th cluster.Thresholds, rt runtimecfg.Loader) *fixture {
	if rt == nil {
		rt = runtimecfg.NewStatic(nil, &random.Sequence{})
	}
	return &fixture{
		t:       t,
		cluster: newTestCluster(t, th),
		runtime: rt,
		manual:  &timer.Manual{},
	}
}

func (f *fixture) create(p *policy.Policy, h http.Header) *State {
	s := Create(p, h, Config{
		Cluster:    f.cluster,
		Runtime:    f.runtime,
		Random:     &random.Sequence{Values: []uint64{10}},
		Dispatcher: f.manual,
		Logger:     zaptest.NewLogger(f.t),
	})
	require.NotNil(f.t, s)
	return s
}

func (f *fixture) cb() {
	f.calls.Add(1)
}

func (f *fixture) active() uint64 {
	return f.cluster.ResourceManager(cluster.Default).Retries().Count()
}

func (f *fixture) stat(c cluster.Counter) float64 {
	return testutil.ToFloat64(c.(prometheus.Counter))
}

func newTestCluster(t *testing.T, th cluster.Thresholds) *cluster.Cluster {
	c, err := cluster.New("test", th, prometheus.NewRegistry())
	require.NoError(t, err)
	return c
}

type testHostPredicate struct {
	reject    string
	attempted []string
}

func (p *testHostPredicate) ShouldSelectAnotherHost(host string) bool {
	return host == p.reject
}

func (p *testHostPredicate) OnHostAttempted(host string) {
	p.attempted = append(p.attempted, host)
}

type testPriority struct {
	attempted []string
}

func (p *testPriority) PriorityLoad(base []uint32) []uint32 {
	out := make([]uint32, len(base))
	for i := range base {
		out[len(base)-1-i] = base[i]
	}
	return out
}

func (p *testPriority) OnHostAttempted(host string) {
	p.attempted = append(p.attempted, host)
}
