package guest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer serves one scripted agent response over an in-memory pipe.
func pipeDialer(t *testing.T, state CPUState) DialFunc {
	t.Helper()
	return func(ctx context.Context, cid, port uint32) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			var req request
			if err := json.NewDecoder(server).Decode(&req); err != nil {
				return
			}
			if req.Type != "cpu-state" {
				return
			}
			_ = json.NewEncoder(server).Encode(state)
		}()
		return client, nil
	}
}

func TestCPUState(t *testing.T) {
	want := CPUState{CPUs: []CPU{
		{ID: 0, Online: true},
		{ID: 1, Online: false},
		{ID: 2, Online: false},
	}}

	c := NewClientWithDialer(3, pipeDialer(t, want))

	state, err := c.CPUState(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, state.Total())
	assert.Equal(t, 1, state.Online())
	assert.Equal(t, want.CPUs, state.CPUs)
}

func TestCPUStateDialFailure(t *testing.T) {
	c := NewClientWithDialer(3, func(ctx context.Context, cid, port uint32) (net.Conn, error) {
		return nil, errors.New("no such guest")
	})

	_, err := c.CPUState(context.Background())
	assert.ErrorContains(t, err, "connect guest agent")
}

func TestCPUStateRespectsContextDeadline(t *testing.T) {
	c := NewClientWithDialer(3, func(ctx context.Context, cid, port uint32) (net.Conn, error) {
		client, server := net.Pipe()
		// Read the request but never answer; the deadline must fire.
		go func() {
			defer server.Close()
			var req request
			_ = json.NewDecoder(server).Decode(&req)
			time.Sleep(500 * time.Millisecond)
		}()
		return client, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.CPUState(ctx)
	require.Error(t, err)
}
