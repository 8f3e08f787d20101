package grpc

import (
	"context"
	"crypto/tls"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/clustermembership/pkg/transport"
)

// Client is a gRPC client for transport.StatusServer, using the same JSON
// codec trick as Server so no protobuf codegen is required.
type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config
	cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithBlock(),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.DialContext(ctx, target, opts...)
}

func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
	if c.cm == nil {
		c.cm = NewConnManager(30*time.Second, c.dialCtx)
	}
	return c.cm.Get(ctx, addr)
}

func (c *Client) GetStatus(ctx context.Context, addr string) (transport.StatusPayload, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return transport.StatusPayload{}, err
	}
	defer rel()
	var out transport.StatusPayload
	if err := cc.Invoke(cctx, "/clustermembership.v1.StatusAPI/GetStatus", &empty{}, &out); err != nil {
		return transport.StatusPayload{}, err
	}
	return out, nil
}

// Watch opens a long-lived server stream and invokes onDelta for each
// relayed delta event. It blocks until the stream ends or ctx is done.
func (c *Client) Watch(ctx context.Context, addr string, onDelta func(transport.DeltaPayload)) error {
	cc, rel, err := c.getConn(ctx, addr)
	if err != nil {
		return err
	}
	defer rel()
	sd := &grpc.StreamDesc{ServerStreams: true}
	cs, err := cc.NewStream(ctx, sd, "/clustermembership.v1.StatusAPI/Watch")
	if err != nil {
		return err
	}
	if err := cs.SendMsg(&empty{}); err != nil {
		return err
	}
	_ = cs.CloseSend()
	for {
		var d transport.DeltaPayload
		if err := cs.RecvMsg(&d); err != nil {
			return err
		}
		if onDelta != nil {
			onDelta(d)
		}
	}
}

var _ transport.StatusClient = (*Client)(nil)
