package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cm "github.com/amirimatin/clustermembership/pkg/clustermembership"
	"github.com/amirimatin/clustermembership/pkg/substrate/gossip"
)

func main() {
	var (
		id         = flag.String("id", "node-1", "member id")
		bind       = flag.String("bind", ":7946", "gossip bind host:port")
		advertise  = flag.String("advertise", "", "gossip advertise host:port (optional)")
		joinCSV    = flag.String("join", "", "comma-separated gossip seeds (host:port)")
		raftBind   = flag.String("raft-bind", ":7950", "raft bind host:port")
		raftDir    = flag.String("raft-dir", "", "raft data dir (defaults to a temp dir per run)")
		bootstrap  = flag.Bool("bootstrap", false, "bootstrap a single-voter raft cluster")
		joinLeader = flag.Bool("join-leader-election", false, "campaign for leadership on start")
	)
	flag.Parse()

	ctx, cancel := signalContext()
	defer cancel()

	dataDir := *raftDir
	if dataDir == "" {
		var err error
		dataDir, err = os.MkdirTemp("", "memdemo-raft-")
		if err != nil {
			log.Fatal(err)
		}
		defer os.RemoveAll(dataDir)
	}

	bundle, err := gossip.New(ctx, gossip.Config{
		MemberID:        *id,
		GossipBind:      *bind,
		GossipAdvertise: *advertise,
		Seeds:           splitCSV(*joinCSV),
		RaftBindAddr:    *raftBind,
		RaftDataDir:     dataDir,
		RaftBootstrap:   *bootstrap,
		Logger:          log.Default(),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer bundle.Stop()

	local := cm.ClusterMember{
		MemberID: cm.MemberID(*id),
		Active:   true,
		Enabled:  true,
	}

	connector, err := cm.New(ctx, cm.ConnectorOptions{
		Local:          local,
		Membership:     bundle.Membership,
		LeaderElection: bundle.LeaderElection,
		Config:         cm.DefaultConfig(5000),
		Logger:         log.Default(),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer connector.Shutdown()

	if _, err := connector.Register(ctx, func(m cm.ClusterMember) cm.MemberRevision[cm.ClusterMember] {
		return cm.MemberRevision[cm.ClusterMember]{MemberID: m.MemberID, Payload: m}
	}); err != nil {
		log.Fatal(err)
	}

	if *joinLeader {
		if err := connector.JoinLeadershipGroup(ctx); err != nil {
			log.Printf("join leadership group: %v", err)
		}
	}

	fmt.Println("memdemo started. Press Ctrl+C to exit.")
	go func() {
		for u := range connector.MembershipChangeEvents() {
			for _, d := range u.DeltaEvents {
				fmt.Printf("delta: %-20s member=%s\n", d.Kind, d.MemberID)
			}
		}
	}()

	<-ctx.Done()
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
