package cli

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/clustermembership/pkg/bootstrap"
    tracing "github.com/amirimatin/clustermembership/pkg/observability/tracing"
    tlsx "github.com/amirimatin/clustermembership/pkg/security/tlsconfig"
    "github.com/amirimatin/clustermembership/pkg/transport"
    mgmtgrpc "github.com/amirimatin/clustermembership/pkg/transport/grpc"
    httpjson "github.com/amirimatin/clustermembership/pkg/transport/httpjson"
)

// AddAll attaches cluster subcommands (run/status/watch) to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewWatchCmd())
}

// NewClusterCommand returns a parent command "cluster" containing run/status/watch as subcommands.
func NewClusterCommand() *cobra.Command {
    parent := &cobra.Command{Use: "cluster", Short: "cluster membership commands"}
    parent.AddCommand(NewRunCmd())
    parent.AddCommand(NewStatusCmd())
    parent.AddCommand(NewWatchCmd())
    return parent
}

// NewRunCmd returns the "run" command used to start a cluster node.
func NewRunCmd() *cobra.Command {
    var (
        id, labels, substrate                                       string
        memBind, memAdv, joinCSV, discoveryKind                     string
        dnsNames, filePath, fileEnv                                 string
        dnsPort                                                     int
        discRefresh                                                 time.Duration
        raftAddr, dataDir                                           string
        raftBootstrap                                               bool
        kubeconfig, namespace, labelSelector, leaseName             string
        statusAddr, statusProto                                     string
        joinElection, tlsEnable, tlsSkip, traceEnable                bool
        tlsCA, tlsCert, tlsKey, tlsServerName                        string
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a cluster membership node",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" {
                return fmt.Errorf("missing --id")
            }
            ctx, cancel := signalContext()
            defer cancel()

            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            cfg := bootstrap.Config{
                NodeID:             id,
                LabelsCSV:          labels,
                Substrate:          substrate,
                GossipBind:         memBind,
                GossipAdvertise:    memAdv,
                SeedsCSV:           joinCSV,
                DiscoveryKind:      discoveryKind,
                DNSNamesCSV:        dnsNames,
                DNSPort:            dnsPort,
                DiscRefresh:        discRefresh,
                FilePath:           filePath,
                FileEnv:            fileEnv,
                RaftBindAddr:       raftAddr,
                RaftDataDir:        dataDir,
                RaftBootstrap:      raftBootstrap,
                Kubeconfig:         kubeconfig,
                Namespace:          namespace,
                LabelSelector:      labelSelector,
                LeaseName:          leaseName,
                StatusAddr:         statusAddr,
                StatusProto:        statusProto,
                JoinLeaderElection: joinElection,
                TLSEnable:          tlsEnable,
                TLSCA:              tlsCA,
                TLSCert:            tlsCert,
                TLSKey:             tlsKey,
                TLSServerName:      tlsServerName,
                TLSSkipVerify:      tlsSkip,
                Logger:             log.Default(),
            }
            node, err := bootstrap.Run(ctx, cfg)
            if err != nil {
                return err
            }
            defer node.Close(context.Background())

            fmt.Println("cluster node running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "member id (required)")
    cmd.Flags().StringVar(&labels, "labels", "", "comma-separated key=value labels advertised on the local member")
    cmd.Flags().StringVar(&substrate, "substrate", "gossip", "membership substrate: gossip|k8s")
    cmd.Flags().StringVar(&memBind, "mem-bind", ":7946", "gossip bind addr (host:port)")
    cmd.Flags().StringVar(&memAdv, "mem-adv", "", "gossip advertise addr (host:port, optional)")
    cmd.Flags().StringVar(&joinCSV, "join", "", "comma-separated seed nodes (host:port) — used by discovery=static")
    cmd.Flags().StringVar(&discoveryKind, "discovery", "static", "seed discovery backend: static|dns|file")
    cmd.Flags().StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names or SRV records")
    cmd.Flags().IntVar(&dnsPort, "dns-port", 7946, "port used for A/AAAA lookups")
    cmd.Flags().DurationVar(&discRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
    cmd.Flags().StringVar(&filePath, "file-path", "", "path or glob to a file with seeds (one per line or CSV)")
    cmd.Flags().StringVar(&fileEnv, "file-env", "", "ENV var name containing CSV seeds; overrides file when set")
    cmd.Flags().StringVar(&raftAddr, "raft-addr", ":9520", "raft bind addr used by the leader election campaign (gossip substrate)")
    cmd.Flags().StringVar(&dataDir, "data", "", "raft data dir (gossip substrate)")
    cmd.Flags().BoolVar(&raftBootstrap, "bootstrap", false, "bootstrap single-node raft (development, gossip substrate)")
    cmd.Flags().StringVar(&kubeconfig, "kubeconfig", "", "path to kubeconfig (k8s substrate); empty uses in-cluster config")
    cmd.Flags().StringVar(&namespace, "namespace", "default", "Kubernetes namespace (k8s substrate)")
    cmd.Flags().StringVar(&labelSelector, "label-selector", "", "Pod label selector for sibling discovery (k8s substrate)")
    cmd.Flags().StringVar(&leaseName, "lease-name", "", "coordination/v1 Lease name for leader election (k8s substrate)")
    cmd.Flags().StringVar(&statusAddr, "status-addr", ":17946", "address to serve the read-only status API on; empty disables it")
    cmd.Flags().StringVar(&statusProto, "status-proto", "http", "status API protocol: http|grpc")
    cmd.Flags().BoolVar(&joinElection, "join-election", false, "campaign for leadership immediately on start")
    cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable TLS for the status API")
    cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to node certificate (PEM)")
    cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to node private key (PEM)")
    cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    return cmd
}

func newStatusClient(proto string, timeout time.Duration, cliTLS *tls.Config) transport.StatusClient {
    switch proto {
    case "grpc":
        c := mgmtgrpc.NewClient(timeout)
        if cliTLS != nil {
            c.UseTLS(cliTLS)
        }
        return c
    default:
        c := httpjson.NewClient(timeout)
        if cliTLS != nil {
            c.UseTLS(cliTLS)
        }
        return c
    }
}

func clientTLS(enable bool, ca, cert, key, serverName string, skip bool) (*tls.Config, error) {
    if !enable {
        return nil, nil
    }
    topts := tlsx.Options{Enable: true, CAFile: ca, CertFile: cert, KeyFile: key, InsecureSkipVerify: skip, ServerName: serverName}
    return topts.Client()
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var (
        addr, proto                           string
        timeout                                time.Duration
        tlsEnable, tlsSkip                     bool
        tlsCA, tlsCert, tlsKey, tlsServerName string
    )
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch a node's membership status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            cliTLS, err := clientTLS(tlsEnable, tlsCA, tlsCert, tlsKey, tlsServerName, tlsSkip)
            if err != nil {
                return fmt.Errorf("tls client config: %w", err)
            }
            client := newStatusClient(proto, timeout, cliTLS)
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            st, err := client.GetStatus(ctx, addr)
            if err != nil {
                return fmt.Errorf("status error: %w", err)
            }
            enc := json.NewEncoder(os.Stdout)
            enc.SetIndent("", "  ")
            return enc.Encode(st)
        },
    }
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "status API address of a node (host:port)")
    cmd.Flags().StringVar(&proto, "proto", "http", "status API protocol: http|grpc")
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
    cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable TLS for the status API")
    cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to client certificate (PEM)")
    cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to client private key (PEM)")
    cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    return cmd
}

// NewWatchCmd returns the "watch" command, which streams delta events from
// a node's status API until interrupted.
func NewWatchCmd() *cobra.Command {
    var (
        addr, proto                           string
        tlsEnable, tlsSkip                     bool
        tlsCA, tlsCert, tlsKey, tlsServerName string
    )
    cmd := &cobra.Command{
        Use:   "watch",
        Short: "Stream membership and leadership changes from a node",
        RunE: func(cmd *cobra.Command, args []string) error {
            cliTLS, err := clientTLS(tlsEnable, tlsCA, tlsCert, tlsKey, tlsServerName, tlsSkip)
            if err != nil {
                return fmt.Errorf("tls client config: %w", err)
            }
            client := newStatusClient(proto, 0, cliTLS)
            ctx, cancel := signalContext()
            defer cancel()
            enc := json.NewEncoder(os.Stdout)
            return client.Watch(ctx, addr, func(d transport.DeltaPayload) {
                _ = enc.Encode(d)
            })
        },
    }
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "status API address of a node (host:port)")
    cmd.Flags().StringVar(&proto, "proto", "http", "status API protocol: http|grpc")
    cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable TLS for the status API")
    cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to client certificate (PEM)")
    cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to client private key (PEM)")
    cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    return cmd
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
