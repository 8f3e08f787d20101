package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"strings"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	cm "github.com/amirimatin/clustermembership/pkg/clustermembership"
	"github.com/amirimatin/clustermembership/pkg/discovery"
	dDNS "github.com/amirimatin/clustermembership/pkg/discovery/dns"
	dFile "github.com/amirimatin/clustermembership/pkg/discovery/file"
	dStatic "github.com/amirimatin/clustermembership/pkg/discovery/static"
	"github.com/amirimatin/clustermembership/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/clustermembership/pkg/observability/metrics"
	tlsx "github.com/amirimatin/clustermembership/pkg/security/tlsconfig"
	"github.com/amirimatin/clustermembership/pkg/substrate/gossip"
	k8ssubstrate "github.com/amirimatin/clustermembership/pkg/substrate/k8s"
	"github.com/amirimatin/clustermembership/pkg/transport"
	mgmtgrpc "github.com/amirimatin/clustermembership/pkg/transport/grpc"
	httpjson "github.com/amirimatin/clustermembership/pkg/transport/httpjson"
)

// Config defines the high-level inputs needed to assemble and run a cluster
// node: which substrate backs the two executor ports, the connector's own
// tunables, and how (if at all) its status is exposed over the wire.
type Config struct {
	NodeID    string
	LabelsCSV string // "k=v,k2=v2"

	// Substrate selects which backend implements MembershipExecutor and
	// LeaderElectionExecutor: "gossip" (memberlist + raft) or "k8s"
	// (annotated Pods + coordination/v1 Lease).
	Substrate string

	// Gossip substrate settings.
	GossipBind      string
	GossipAdvertise string
	SeedsCSV        string
	DiscoveryKind   string // "static" (default), "dns", or "file"
	DNSNamesCSV     string
	DNSPort         int
	DiscRefresh     time.Duration
	FilePath        string
	FileEnv         string
	RaftBindAddr    string
	RaftDataDir     string
	RaftBootstrap   bool

	// Kubernetes substrate settings.
	Kubeconfig    string // empty uses in-cluster config
	Namespace     string
	LabelSelector string
	LeaseName     string

	// Status API (optional; empty StatusAddr disables it).
	StatusAddr  string
	StatusProto string // "http" (default) or "grpc"

	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	// JoinLeaderElection campaigns for leadership immediately on start.
	JoinLeaderElection bool

	// ClusterMembership tunables; StaleThresholdMs defaults to 15s when 0.
	StaleThresholdMs       int64
	HeartbeatIntervalMs    int64
	ReconnectIntervalMs    int64
	ReconcilerQuickCycleMs int64
	ReconcilerLongCycleMs  int64
	ShutdownGraceMs        int64

	Logger *log.Logger
}

// Node bundles a running connector, its substrate handles, and (if
// configured) its status server, so callers can tear everything down in the
// right order from Close.
type Node struct {
	Connector *cm.Connector

	substrateStop func() error
	statusSrv     transport.StatusServer
	logger        *log.Logger
}

func parseLabels(csv string) map[string]string {
	if csv == "" {
		return nil
	}
	out := map[string]string{}
	for _, kv := range strings.Split(csv, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

func buildKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	var restCfg *rest.Config
	var err error
	if kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build kube config: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}

// Run assembles the chosen substrate, constructs a clustermembership
// Connector on top of it, optionally starts a status server, and returns
// the running Node. Callers must eventually call Close.
func Run(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("bootstrap: NodeID is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	obsmetrics.Register()

	staleThreshold := cfg.StaleThresholdMs
	if staleThreshold <= 0 {
		staleThreshold = 15000
	}
	cmConfig := cm.DefaultConfig(staleThreshold)
	if cfg.HeartbeatIntervalMs > 0 {
		cmConfig.HeartbeatIntervalMs = cfg.HeartbeatIntervalMs
	}
	if cfg.ReconnectIntervalMs > 0 {
		cmConfig.ReconnectIntervalMs = cfg.ReconnectIntervalMs
	}
	if cfg.ReconcilerQuickCycleMs > 0 {
		cmConfig.ReconcilerQuickCycleMs = cfg.ReconcilerQuickCycleMs
	}
	if cfg.ReconcilerLongCycleMs > 0 {
		cmConfig.ReconcilerLongCycleMs = cfg.ReconcilerLongCycleMs
	}
	if cfg.ShutdownGraceMs > 0 {
		cmConfig.ShutdownGraceMs = cfg.ShutdownGraceMs
	}

	var membership cm.MembershipExecutor
	var leaderElection cm.LeaderElectionExecutor
	var substrateStop func() error

	switch cfg.Substrate {
	case "k8s":
		client, err := buildKubeClient(cfg.Kubeconfig)
		if err != nil {
			return nil, err
		}
		ns := cfg.Namespace
		if ns == "" {
			ns = "default"
		}
		var memOpts []k8ssubstrate.MembershipOption
		if cfg.LabelSelector != "" {
			memOpts = append(memOpts, k8ssubstrate.WithLabelSelector(cfg.LabelSelector))
		}
		mem := k8ssubstrate.NewMembershipAdapter(client, ns, cm.MemberID(cfg.NodeID), cfg.Logger, memOpts...)
		var leadOpts []k8ssubstrate.LeaderOption
		if cfg.LeaseName != "" {
			leadOpts = append(leadOpts, k8ssubstrate.WithLeaseName(cfg.LeaseName))
		}
		lead := k8ssubstrate.NewLeaderElectionAdapter(client, ns, cfg.Logger, leadOpts...)
		membership, leaderElection = mem, lead
		substrateStop = func() error { return nil }
	default:
		var disc discovery.Discovery
		switch cfg.DiscoveryKind {
		case "dns":
			names := dStatic.Parse(cfg.DNSNamesCSV)
			opts := dDNS.Options{Names: names, Port: cfg.DNSPort}
			if cfg.DiscRefresh > 0 {
				opts.Refresh = cfg.DiscRefresh
			}
			disc = dDNS.New(opts)
		case "file":
			opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
			if cfg.DiscRefresh > 0 {
				opts.Refresh = cfg.DiscRefresh
			}
			disc = dFile.New(opts)
		default:
			disc = dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)
		}
		bundle, err := gossip.New(ctx, gossip.Config{
			MemberID:        cfg.NodeID,
			GossipBind:      cfg.GossipBind,
			GossipAdvertise: cfg.GossipAdvertise,
			Discovery:       disc,
			RaftBindAddr:    cfg.RaftBindAddr,
			RaftDataDir:     cfg.RaftDataDir,
			RaftBootstrap:   cfg.RaftBootstrap,
			Logger:          cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		membership, leaderElection = bundle.Membership, bundle.LeaderElection
		substrateStop = bundle.Stop
	}

	local := cm.ClusterMember{
		MemberID:   cm.MemberID(cfg.NodeID),
		Active:     true,
		Enabled:    true,
		Registered: true,
		Labels:     parseLabels(cfg.LabelsCSV),
	}

	connector, err := cm.New(ctx, cm.ConnectorOptions{
		Local:          local,
		Membership:     membership,
		LeaderElection: leaderElection,
		Config:         cmConfig,
		Logger:         cfg.Logger,
		OnActionError: func(label string, err error) {
			obsmetrics.ReconciliationActionFailuresTotal.WithLabelValues(label).Inc()
		},
	})
	if err != nil {
		if substrateStop != nil {
			_ = substrateStop()
		}
		return nil, err
	}

	if _, err := connector.Register(ctx, func(m cm.ClusterMember) cm.MemberRevision[cm.ClusterMember] {
		return cm.MemberRevision[cm.ClusterMember]{MemberID: m.MemberID, Payload: m, RevisionNumber: 1}
	}); err != nil {
		connector.Shutdown()
		if substrateStop != nil {
			_ = substrateStop()
		}
		return nil, fmt.Errorf("bootstrap: initial register failed: %w", err)
	}

	if cfg.JoinLeaderElection {
		if err := connector.JoinLeadershipGroup(ctx); err != nil {
			logutil.Warnf(cfg.Logger, "bootstrap: join leadership group failed: %v", err)
		}
	}

	node := &Node{Connector: connector, substrateStop: substrateStop, logger: cfg.Logger}
	go observeMetrics(connector)

	if cfg.StatusAddr != "" {
		srv, err := startStatusServer(ctx, cfg, connector)
		if err != nil {
			node.Close(ctx)
			return nil, err
		}
		node.statusSrv = srv
	}

	return node, nil
}

func startStatusServer(ctx context.Context, cfg Config, connector *cm.Connector) (transport.StatusServer, error) {
	var srvTLS *tls.Config
	if cfg.TLSEnable {
		topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
		var err error
		srvTLS, err = topts.ServerHotReload()
		if err != nil {
			return nil, fmt.Errorf("bootstrap: tls server config: %w", err)
		}
	}

	statusFn := func(ctx context.Context) (transport.StatusPayload, error) {
		return statusPayload(connector), nil
	}
	watchFn := func(ctx context.Context, onDelta func(transport.DeltaPayload)) error {
		ch := connector.MembershipChangeEvents()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case u, ok := <-ch:
				if !ok {
					return nil
				}
				for _, d := range u.DeltaEvents {
					onDelta(deltaPayload(d))
				}
			}
		}
	}

	var srv transport.StatusServer
	switch cfg.StatusProto {
	case "grpc":
		s := mgmtgrpc.NewServer(cfg.StatusAddr)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		srv = s
	default:
		s := httpjson.NewServer(cfg.StatusAddr, cfg.Logger)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		srv = s
	}
	if err := srv.Start(ctx, statusFn, watchFn); err != nil {
		return nil, err
	}
	logutil.Infof(cfg.Logger, "status API listening at %s (%s)", srv.Addr(), cfg.StatusProto)
	return srv, nil
}

func statusPayload(connector *cm.Connector) transport.StatusPayload {
	local := connector.GetLocalMember()
	siblings := connector.GetSiblings()
	out := transport.StatusPayload{
		LocalMemberID:   string(local.MemberID),
		LocalRevision:   local.RevisionNumber,
		LocalActive:     local.Payload.Active,
		LocalRegistered: local.Payload.Registered,
		Labels:          local.Payload.Labels,
		InElection:      connector.GetLocalLeadership().Payload.Role != cm.RoleDisabled,
		Siblings:        make([]transport.SiblingStatus, 0, len(siblings)),
	}
	if leader := connector.FindCurrentLeader(); leader != nil {
		out.LeaderID = string(leader.MemberID)
	}
	for id, rev := range siblings {
		out.Siblings = append(out.Siblings, transport.SiblingStatus{
			MemberID:   string(id),
			Revision:   rev.RevisionNumber,
			Active:     rev.Payload.Active,
			Registered: rev.Payload.Registered,
		})
	}
	return out
}

func deltaPayload(d cm.DeltaEvent) transport.DeltaPayload {
	out := transport.DeltaPayload{Kind: string(d.Kind), MemberID: string(d.MemberID)}
	if d.MemberRevision != nil {
		out.Revision = d.MemberRevision.RevisionNumber
		out.Active = d.MemberRevision.Payload.Active
		out.Registered = d.MemberRevision.Payload.Registered
	}
	if d.LeadershipRecord != nil {
		out.Role = string(d.LeadershipRecord.Payload.Role)
	}
	if d.Cause != nil {
		out.Cause = d.Cause.Error()
	}
	return out
}

// observeMetrics consumes its own MembershipChangeEvents subscription and
// updates the Prometheus gauges/counters described in the connector's
// observability surface. It exits once the connector shuts down and closes
// the subscription.
func observeMetrics(connector *cm.Connector) {
	ch := connector.MembershipChangeEvents()
	for u := range ch {
		for _, d := range u.DeltaEvents {
			switch d.Kind {
			case cm.DeltaLocalUpdated:
				obsmetrics.HeartbeatWritesTotal.Inc()
			case cm.DeltaSiblingRemoved:
				obsmetrics.SiblingRemovalsTotal.Inc()
			case cm.DeltaLocalLeadershipUpdated:
				if d.LeadershipRecord != nil {
					role := string(d.LeadershipRecord.Payload.Role)
					obsmetrics.LeaderElectionTransitionsTotal.WithLabelValues(role).Inc()
					if d.LeadershipRecord.Payload.Role == cm.RoleLeader {
						obsmetrics.IsLeader.Set(1)
					} else {
						obsmetrics.IsLeader.Set(0)
					}
				}
			case cm.DeltaDisconnected:
				obsmetrics.SubstrateReconnectsTotal.WithLabelValues("substrate").Inc()
			}
		}
		obsmetrics.SiblingsTotal.Set(float64(len(u.Snapshot.Siblings())))
	}
}

// Close shuts down the status server, the connector, and the substrate, in
// reverse acquisition order. Idempotent.
func (n *Node) Close(ctx context.Context) {
	if n.statusSrv != nil {
		_ = n.statusSrv.Stop(ctx)
		n.statusSrv = nil
	}
	if n.Connector != nil {
		n.Connector.Shutdown()
	}
	if n.substrateStop != nil {
		if err := n.substrateStop(); err != nil {
			logutil.Warnf(n.logger, "bootstrap: substrate stop error: %v", err)
		}
	}
}
