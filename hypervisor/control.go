// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/holt-systems/holt/lib/netutil"
)

// controlClient speaks the hypervisor's JSON API over its private
// unix control socket. Both firecracker and cloud-hypervisor expose
// the same transport shape, so the two backends share this client.
type controlClient struct {
	socketPath string
	httpClient *http.Client
}

func newControlClient(socketPath string) *controlClient {
	return &controlClient{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
				// One VM, one socket. No pooling to speak of.
				MaxIdleConns:    1,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// put issues a PUT with a JSON body. The hypervisor answers 2xx with
// an empty or JSON body; anything else is an error carrying the
// response body as diagnostic.
func (c *controlClient) put(ctx context.Context, path string, body any) error {
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// patch issues a PATCH with a JSON body, used for post-boot device
// updates.
func (c *controlClient) patch(ctx context.Context, path string, body any) error {
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

// get issues a GET and decodes the JSON response into out.
func (c *controlClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *controlClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hypervisor: encoding %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	// The host is ignored; the transport dials the unix socket.
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reader)
	if err != nil {
		return fmt.Errorf("hypervisor: building %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hypervisor: %s %s on %s: %w", method, path, c.socketPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("hypervisor: %s %s returned %d: %s",
			method, path, resp.StatusCode, netutil.ErrorBody(resp.Body))
	}
	if out != nil {
		if err := netutil.DecodeResponse(resp.Body, out); err != nil {
			return fmt.Errorf("hypervisor: decoding %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// close releases the client's idle connections. The socket itself
// dies with the hypervisor process.
func (c *controlClient) close() {
	c.httpClient.CloseIdleConnections()
}
