// Package guest queries the tiny agent running inside a machine over
// vsock. The hotplug subsystem never waits on the guest; this client exists
// so operators and tests can poll the eventually-consistent guest view of
// the CPU set after a hotplug.
package guest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/tinyvmm/tinyvmm/lib/logger"
)

const (
	// AgentPort is the vsock port the guest agent listens on.
	AgentPort = 5050

	dialTimeout  = 5 * time.Second
	queryTimeout = 5 * time.Second
)

// CPU is one guest-visible CPU device.
type CPU struct {
	ID     uint8 `json:"id"`
	Online bool  `json:"online"`
}

// CPUState is the guest's view of its CPU set. Hot-added CPUs show up here
// as present but offline until something in the guest onlines them.
type CPUState struct {
	CPUs []CPU `json:"cpus"`
}

// Total returns the number of CPUs the guest can see.
func (s *CPUState) Total() int { return len(s.CPUs) }

// Online returns the number of schedulable CPUs.
func (s *CPUState) Online() int {
	var n int
	for _, c := range s.CPUs {
		if c.Online {
			n++
		}
	}
	return n
}

type request struct {
	Type string `json:"type"`
}

// DialFunc opens a connection to the agent. Swappable for tests.
type DialFunc func(ctx context.Context, cid, port uint32) (net.Conn, error)

func dialVsock(ctx context.Context, cid, port uint32) (net.Conn, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("dial vsock cid %d port %d: %w", cid, port, err)
	}
	return conn, nil
}

// Client talks to one machine's guest agent.
type Client struct {
	cid  uint32
	dial DialFunc
}

// NewClient creates a client for the guest with the given vsock context ID.
func NewClient(cid uint32) *Client {
	return &Client{cid: cid, dial: dialVsock}
}

// NewClientWithDialer creates a client with a custom dialer.
func NewClientWithDialer(cid uint32, dial DialFunc) *Client {
	return &Client{cid: cid, dial: dial}
}

// CPUState asks the agent for the guest-visible CPU set.
func (c *Client) CPUState(ctx context.Context) (*CPUState, error) {
	log := logger.FromContext(ctx)

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := c.dial(dctx, c.cid, AgentPort)
	if err != nil {
		return nil, fmt.Errorf("connect guest agent: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(queryTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set agent deadline: %w", err)
	}

	if err := json.NewEncoder(conn).Encode(request{Type: "cpu-state"}); err != nil {
		return nil, fmt.Errorf("send cpu-state request: %w", err)
	}

	var state CPUState
	if err := json.NewDecoder(conn).Decode(&state); err != nil {
		return nil, fmt.Errorf("read cpu-state response (is the agent running in the guest?): %w", err)
	}

	log.DebugContext(ctx, "guest cpu state", "cid", c.cid, "total", state.Total(), "online", state.Online())
	return &state, nil
}
