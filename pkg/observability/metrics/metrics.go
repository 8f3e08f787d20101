package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    SiblingsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "clustermembership",
        Name:      "siblings_total",
        Help:      "Current number of known, non-stale sibling members",
    })

    SiblingRemovalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "clustermembership",
        Name:      "sibling_removals_total",
        Help:      "Total number of siblings removed from the known set, whether substrate-reported (leave/failure/deletion) or purged by the stale-GC threshold",
    })

    HeartbeatWritesTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "clustermembership",
        Name:      "heartbeat_writes_total",
        Help:      "Total number of local member revision updates observed (heartbeats, registration changes and the initial snapshot)",
    })

    ReconciliationActionFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "clustermembership",
        Name:      "reconciliation_action_failures_total",
        Help:      "Total number of reconciler actions that returned an error",
    }, []string{"action"})

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "clustermembership",
        Name:      "is_leader",
        Help:      "1 if this node currently holds the leadership role, else 0",
    })

    LeaderElectionTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "clustermembership",
        Name:      "leader_election_transitions_total",
        Help:      "Total number of local leadership role transitions",
    }, []string{"role"})

    SubstrateReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "clustermembership",
        Name:      "substrate_reconnects_total",
        Help:      "Total number of substrate event-stream reconnect attempts",
    }, []string{"stream"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "clustermembership",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "clustermembership",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "clustermembership",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "clustermembership",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(SiblingsTotal)
        prometheus.MustRegister(SiblingRemovalsTotal)
        prometheus.MustRegister(HeartbeatWritesTotal)
        prometheus.MustRegister(ReconciliationActionFailuresTotal)
        prometheus.MustRegister(IsLeader)
        prometheus.MustRegister(LeaderElectionTransitionsTotal)
        prometheus.MustRegister(SubstrateReconnectsTotal)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
    })
}
