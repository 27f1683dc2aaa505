// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package agentlink lets the Reactor Manager reach a co-located node
// agent running inside a sibling microVM over AF_VSOCK, for deployments
// where the VMM and the agent don't share a filesystem and a Unix domain
// socket control channel isn't reachable. One connection per query,
// addressed by context ID and port, line-oriented request/response.
package agentlink

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/mdlayher/vsock"

	flerrors "mvirt.io/netd/internal/errors"
)

// DefaultPort is the vsock port node agents listen on.
const DefaultPort = 5000

// DefaultTimeout bounds a single request/response round trip.
const DefaultTimeout = 5 * time.Second

// Client dials a node agent by its vsock context ID. The zero value dials
// DefaultPort with DefaultTimeout.
type Client struct {
	CID     uint32
	Port    uint32
	Timeout time.Duration
}

// NewClient returns a Client addressed at cid on DefaultPort.
func NewClient(cid uint32) *Client {
	return &Client{CID: cid}
}

// Ping dials the agent, sends a status query, and returns its response
// line. Used to confirm a sibling microVM's node agent is reachable
// before the manager relies on it, and by health checks that can't use
// the usual Unix-domain control socket because the agent runs in its
// own VM rather than as a sibling process.
func (c *Client) Ping() (string, error) {
	return c.query("PING\n")
}

func (c *Client) query(req string) (string, error) {
	conn, err := vsock.Dial(c.CID, c.port(), nil)
	if err != nil {
		return "", flerrors.Wrap(err, flerrors.KindUnavailable, fmt.Sprintf("dial node agent vsock cid %d port %d", c.CID, c.port()))
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout())); err != nil {
		return "", flerrors.Wrap(err, flerrors.KindUnavailable, "set agent vsock deadline")
	}
	if _, err := conn.Write([]byte(req)); err != nil {
		return "", flerrors.Wrap(err, flerrors.KindUnavailable, "write node agent request")
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", flerrors.Wrap(err, flerrors.KindUnavailable, "read node agent response")
	}
	return strings.TrimSpace(line), nil
}

func (c *Client) port() uint32 {
	if c.Port == 0 {
		return DefaultPort
	}
	return c.Port
}

func (c *Client) timeout() time.Duration {
	if c.Timeout == 0 {
		return DefaultTimeout
	}
	return c.Timeout
}
