package gotxn

import (
	"github.com/prometheus/client_golang/prometheus"
)

type agentMetrics struct {
	started   prometheus.Counter
	committed prometheus.Counter
	aborted   *prometheus.CounterVec
	inDoubt   prometheus.Counter
}

func newAgentMetrics(registerer prometheus.Registerer) *agentMetrics {
	m := &agentMetrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gotxn",
			Subsystem: "agent",
			Name:      "started_total",
			Help:      "Transactions started by this agent.",
		}),
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gotxn",
			Subsystem: "agent",
			Name:      "committed_total",
			Help:      "Transactions committed by this agent.",
		}),
		aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gotxn",
			Subsystem: "agent",
			Name:      "aborted_total",
			Help:      "Transactions that definitely aborted, by error kind.",
		}, []string{"kind"}),
		inDoubt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gotxn",
			Subsystem: "agent",
			Name:      "in_doubt_total",
			Help:      "Commits whose outcome could not be determined.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.started, m.committed, m.aborted, m.inDoubt)
	}
	return m
}

// observe counts the outcome of one commit.
func (m *agentMetrics) observe(err error) {
	if err == nil {
		m.committed.Inc()
		return
	}
	kind := KindOf(err)
	switch {
	case kind.Aborted():
		m.aborted.WithLabelValues(kind.String()).Inc()
	case kind == KindInDoubt:
		m.inDoubt.Inc()
	}
}
