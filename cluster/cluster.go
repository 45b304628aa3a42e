// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package cluster

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// A Priority is the routing priority of a request. Each priority has
// its own admission limits.
type Priority int

const (
	// Default is the priority of ordinary requests.
	Default Priority = iota
	// High is the priority of requests routed with high priority.
	High

	numPriorities
)

var priorityNames = []string{"default", "high"}

// String returns the name of the priority.
func (p Priority) String() string {
	if p < 0 || p >= numPriorities {
		return "unknown"
	}
	return priorityNames[p]
}

// DefaultMaxRetries is the retry concurrency limit used when Limits
// leaves MaxRetries unset.
const DefaultMaxRetries = 3

// Limits are the admission limits for one priority.
type Limits struct {
	// MaxRetries caps the number of retries the cluster allows to be
	// in flight at once. Zero means DefaultMaxRetries.
	MaxRetries uint64 `yaml:"max_retries"`
}

// Thresholds hold the admission limits for each priority.
type Thresholds struct {
	Default Limits `yaml:"default"`
	High    Limits `yaml:"high"`
}

func (th Thresholds) limits(p Priority) Limits {
	l := th.Default
	if p == High {
		l = th.High
	}
	if l.MaxRetries == 0 {
		l.MaxRetries = DefaultMaxRetries
	}
	return l
}

// A ResourceManager exposes the admission-controlled resources of one
// cluster priority.
type ResourceManager interface {
	Retries() Resource
}

// A Counter is a monotonically increasing statistic.
type Counter interface {
	Inc()
}

// Stats are the retry statistics of a cluster.
type Stats struct {
	// RetryAttempted counts retries scheduled.
	RetryAttempted Counter
	// RetrySucceeded counts retries inferred to have succeeded.
	RetrySucceeded Counter
	// RetryOverflowed counts retries refused by the admission limiter.
	RetryOverflowed Counter
}

// Info is the view of a cluster the retry engine depends on.
type Info interface {
	Name() string
	ResourceManager(p Priority) ResourceManager
	Stats() *Stats
}

// A Cluster is the standard implementation of Info, with statistics
// exported as Prometheus metrics labelled with the cluster name.
type Cluster struct {
	name     string
	managers [numPriorities]resourceManager
	stats    Stats
}

type resourceManager struct {
	retries *resource
}

func (m *resourceManager) Retries() Resource {
	return m.retries
}

// New constructs a Cluster.
//
// Its metrics are registered with reg unless reg is nil. Several
// clusters may share one registry: collectors already registered by an
// earlier cluster are reused.
func New(name string, th Thresholds, reg prometheus.Registerer) (*Cluster, error) {
	m, err := newMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("retrystate/cluster: %s: %w", name, err)
	}

	c := &Cluster{
		name: name,
		stats: Stats{
			RetryAttempted:  m.retry.WithLabelValues(name),
			RetrySucceeded:  m.retrySuccess.WithLabelValues(name),
			RetryOverflowed: m.retryOverflow.WithLabelValues(name),
		},
	}
	for p := Default; p < numPriorities; p++ {
		c.managers[p].retries = &resource{
			max:   th.limits(p).MaxRetries,
			gauge: m.retryActive.WithLabelValues(name, p.String()),
		}
	}

	return c, nil
}

// Name returns the cluster name.
func (c *Cluster) Name() string {
	return c.name
}

// ResourceManager returns the resource manager for priority p. Unknown
// priorities get the Default manager.
func (c *Cluster) ResourceManager(p Priority) ResourceManager {
	if p < 0 || p >= numPriorities {
		p = Default
	}
	return &c.managers[p]
}

// Stats returns the cluster's retry statistics.
func (c *Cluster) Stats() *Stats {
	return &c.stats
}

type metrics struct {
	retry         *prometheus.CounterVec
	retrySuccess  *prometheus.CounterVec
	retryOverflow *prometheus.CounterVec
	retryActive   *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		retry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrystate",
			Name:      "upstream_rq_retry_total",
			Help:      "Number of upstream request retries scheduled.",
		}, []string{"cluster"}),
		retrySuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrystate",
			Name:      "upstream_rq_retry_success_total",
			Help:      "Number of upstream request retries which succeeded.",
		}, []string{"cluster"}),
		retryOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrystate",
			Name:      "upstream_rq_retry_overflow_total",
			Help:      "Number of upstream request retries refused by the retry concurrency limit.",
		}, []string{"cluster"}),
		retryActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "retrystate",
			Name:      "upstream_rq_retry_active",
			Help:      "Number of upstream request retries currently in flight.",
		}, []string{"cluster", "priority"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.retry, err = registerCounterVec(reg, m.retry); err != nil {
		return nil, err
	}
	if m.retrySuccess, err = registerCounterVec(reg, m.retrySuccess); err != nil {
		return nil, err
	}
	if m.retryOverflow, err = registerCounterVec(reg, m.retryOverflow); err != nil {
		return nil, err
	}
	if err = reg.Register(m.retryActive); err != nil {
		existing, ok := alreadyRegistered(err).(*prometheus.GaugeVec)
		if !ok {
			return nil, err
		}
		m.retryActive = existing
	}
	return m, nil
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		existing, ok := alreadyRegistered(err).(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		return existing, nil
	}
	return c, nil
}

func alreadyRegistered(err error) prometheus.Collector {
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector
	}
	return nil
}
