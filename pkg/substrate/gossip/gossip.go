package gossip

import (
	"context"
	"log"

	cm "github.com/amirimatin/clustermembership/pkg/clustermembership"
	"github.com/amirimatin/clustermembership/pkg/consensus"
	raftcons "github.com/amirimatin/clustermembership/pkg/consensus/raft"
	"github.com/amirimatin/clustermembership/pkg/discovery"
	memberlist "github.com/amirimatin/clustermembership/pkg/membership/memberlist"
)

// Config bundles the gossip and raft tunables needed to stand up both
// substrate ports for one local member.
type Config struct {
	MemberID string

	GossipBind      string
	GossipAdvertise string
	// Seeds is used directly when non-empty. Discovery, if set, is
	// consulted instead (e.g. DNS or file-backed seed lists from
	// pkg/discovery), letting the seed list come from an external source
	// rather than a fixed flag.
	Seeds     []string
	Discovery discovery.Discovery

	RaftBindAddr  string
	RaftDataDir   string
	RaftBootstrap bool

	Logger *log.Logger
}

func (c Config) resolveSeeds() []string {
	if len(c.Seeds) > 0 {
		return c.Seeds
	}
	if c.Discovery != nil {
		return c.Discovery.Seeds()
	}
	return nil
}

// Bundle holds the started substrate primitives plus the two port adapters
// built on top of them, so callers can Stop both in the right order.
type Bundle struct {
	Membership     *MembershipAdapter
	LeaderElection *LeaderElectionAdapter

	ml       memberlistHandle
	raftNode consensus.Consensus
}

// memberlistHandle is the subset of base.Membership this package needs to
// manage lifecycle beyond the MembershipExecutor port itself.
type memberlistHandle interface {
	Leave() error
	Stop() error
}

// New stands up memberlist and raft for one local member and returns the
// two MembershipExecutor/LeaderElectionExecutor adapters wired on top of
// them, matching the grpc/httpjson/gossip transport choices already in this
// module.
func New(ctx context.Context, cfg Config) (*Bundle, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	ml, err := memberlist.New(memberlist.Options{
		NodeID:    cfg.MemberID,
		Bind:      cfg.GossipBind,
		Advertise: cfg.GossipAdvertise,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	if err := ml.Start(ctx); err != nil {
		return nil, err
	}
	if err := ml.Join(cfg.resolveSeeds()); err != nil {
		logger.Printf("gossip: initial join to seeds failed, continuing without joining: %v", err)
	}

	raftNode, err := raftcons.New(raftcons.Options{
		NodeID:    cfg.MemberID,
		BindAddr:  cfg.RaftBindAddr,
		DataDir:   cfg.RaftDataDir,
		Bootstrap: cfg.RaftBootstrap,
		Logger:    logger,
	})
	if err != nil {
		_ = ml.Stop()
		return nil, err
	}
	if err := raftNode.Start(ctx); err != nil {
		_ = ml.Stop()
		return nil, err
	}

	id := cm.MemberID(cfg.MemberID)
	return &Bundle{
		Membership:     NewMembershipAdapter(ml, id, logger),
		LeaderElection: NewLeaderElectionAdapter(raftNode, id, cfg.RaftBindAddr, logger),
		ml:             ml,
		raftNode:       raftNode,
	}, nil
}

// Stop tears down the raft node then the gossip layer, best-effort.
func (b *Bundle) Stop() error {
	if b.raftNode != nil {
		_ = b.raftNode.Stop()
	}
	if b.ml != nil {
		return b.ml.Stop()
	}
	return nil
}
