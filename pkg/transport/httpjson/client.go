package httpjson

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amirimatin/clustermembership/pkg/transport"
)

// Client is a thin HTTP client for the status API. It supports optional TLS
// configuration and simple retry with backoff for the unary GetStatus call.
type Client struct {
	httpc       *http.Client
	streamHTTPC *http.Client
	transport   *http.Transport
	isTLS       bool
}

// NewClient constructs a new Client with the given timeout. The timeout
// applies only to the unary GetStatus call; Watch is long-lived by design
// and is bounded by its caller's context instead.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{
		httpc:       &http.Client{Timeout: timeout, Transport: tr},
		streamHTTPC: &http.Client{Transport: tr},
		transport:   tr,
	}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil {
		c.transport.TLSClientConfig = cfg
	}
	c.isTLS = cfg != nil
	return c
}

func (c *Client) scheme() string {
	if c.isTLS {
		return "https"
	}
	return "http"
}

func (c *Client) GetStatus(ctx context.Context, addr string) (transport.StatusPayload, error) {
	var out transport.StatusPayload
	url := fmt.Sprintf("%s://%s/status", c.scheme(), addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, err
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					b, _ := io.ReadAll(resp.Body)
					lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
					return
				}
				lastErr = json.NewDecoder(resp.Body).Decode(&out)
			}()
			if lastErr == nil {
				return out, nil
			}
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return out, lastErr
}

// Watch opens the /watch endpoint, which streams newline-delimited JSON
// DeltaPayload objects, and invokes onDelta for each one. It blocks until
// the connection ends or ctx is done.
func (c *Client) Watch(ctx context.Context, addr string, onDelta func(transport.DeltaPayload)) error {
	url := fmt.Sprintf("%s://%s/watch", c.scheme(), addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.streamHTTPC.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("watch status %d: %s", resp.StatusCode, string(b))
	}
	dec := json.NewDecoder(bufio.NewReader(resp.Body))
	for {
		var d transport.DeltaPayload
		if err := dec.Decode(&d); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if onDelta != nil {
			onDelta(d)
		}
	}
}

var _ transport.StatusClient = (*Client)(nil)
