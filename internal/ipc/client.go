package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Ping checks daemon liveness.
func (c *Client) Ping() (*PingResponse, error) {
	var resp PingResponse
	if err := c.client.Call(serviceName+".Ping", PingRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartRun launches a pipeline run.
func (c *Client) StartRun(req StartRunRequest) (*StartRunResponse, error) {
	var resp StartRunResponse
	if err := c.client.Call(serviceName+".StartRun", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopRun cancels the active pipeline run.
func (c *Client) StopRun() (*StopRunResponse, error) {
	var resp StopRunResponse
	if err := c.client.Call(serviceName+".StopRun", StopRunRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call(serviceName+".Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sessions lists stage sessions.
func (c *Client) Sessions() (*SessionsResponse, error) {
	var resp SessionsResponse
	if err := c.client.Call(serviceName+".Sessions", SessionsRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// KillSession tears down one session by name.
func (c *Client) KillSession(name string) (*KillSessionResponse, error) {
	var resp KillSessionResponse
	if err := c.client.Call(serviceName+".KillSession", KillSessionRequest{Name: name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// KillAllSessions tears down every running session.
func (c *Client) KillAllSessions() (*KillAllSessionsResponse, error) {
	var resp KillAllSessionsResponse
	if err := c.client.Call(serviceName+".KillAllSessions", KillAllSessionsRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Datasets lists catalog datasets, optionally filtered by status.
func (c *Client) Datasets(statuses []string) (*DatasetsResponse, error) {
	var resp DatasetsResponse
	if err := c.client.Call(serviceName+".Datasets", DatasetsRequest{Statuses: statuses}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Units lists catalog units, optionally filtered by status.
func (c *Client) Units(statuses []string) (*UnitsResponse, error) {
	var resp UnitsResponse
	if err := c.client.Call(serviceName+".Units", UnitsRequest{Statuses: statuses}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RetryFailed resets failed units for reprocessing.
func (c *Client) RetryFailed(ids []int64) (*RetryFailedResponse, error) {
	var resp RetryFailedResponse
	if err := c.client.Call(serviceName+".RetryFailed", RetryFailedRequest{IDs: ids}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogTail returns log lines from the daemon or a named session.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	var resp LogTailResponse
	if err := c.client.Call(serviceName+".LogTail", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotification triggers a notification test via the daemon.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	var resp TestNotificationResponse
	if err := c.client.Call(serviceName+".TestNotification", TestNotificationRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
