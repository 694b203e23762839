package control

import (
	"encoding/json"
	"net"
	"time"

	"github.com/driftfs/driftfs/pkg/errors"
)

// Client is a one-shot unix-socket client: driftfsctl dials, sends one
// Request, reads one Response, and closes the connection. The daemon
// accepts exactly this shape per connection (see Server.handleConn).
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient builds a client bound to the daemon's control socket.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 10 * time.Second}
}

// Call sends req and returns the daemon's Response.
func (c *Client) Call(req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return Response{}, errors.New(errors.KindIO, "connect to driftfs daemon").
			WithComponent("control").WithPath(c.socketPath).WithCause(err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, errors.New(errors.KindIO, "send request").WithComponent("control").WithCause(err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, errors.New(errors.KindIO, "read response").WithComponent("control").WithCause(err)
	}
	return resp, nil
}
