package source

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlipin/skytrack/internal/wire"
	"github.com/mlipin/skytrack/pkg/logger"
)

func testConnConfig(addr string) ConnectionConfig {
	return ConnectionConfig{
		Name:           "test",
		Address:        addr,
		Format:         wire.FormatAVR,
		ConnectTimeout: time.Second,
		ReadTimeout:    20 * time.Millisecond,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     40 * time.Millisecond,
		MaxAttempts:    3,
		MinRetry:       time.Millisecond,
	}
}

func TestConnectionPollFramesAndTagsSource(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("*8D4840D6202CC371C32CE0576098;\n*5D4840D6CCA7E2;\n"))
		conn.Close()
	}()

	c, err := NewConnection(testConnConfig(ln.Addr().String()), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	var frames []wire.Frame
	deadline := time.Now().Add(2 * time.Second)
	for len(frames) < 2 && time.Now().Before(deadline) {
		got, _ := c.Poll()
		frames = append(frames, got...)
	}
	require.Len(t, frames, 2)
	assert.Equal(t, "8D4840D6202CC371C32CE0576098", frames[0].Hex)
	assert.Equal(t, "test", frames[0].Source)

	h := c.Health()
	assert.Equal(t, int64(2), h.Messages)
	assert.Positive(t, h.Bytes)
}

func TestConnectionEOFTransitionsToDisconnected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	c, err := NewConnection(testConnConfig(ln.Addr().String()), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	var pollErr error
	deadline := time.Now().Add(2 * time.Second)
	for pollErr == nil && time.Now().Before(deadline) {
		_, pollErr = c.Poll()
	}
	require.Error(t, pollErr)
	assert.False(t, c.Connected())
	assert.Equal(t, StateDisconnected, c.Health().State)
}

func TestConnectionBackoffExhaustionMarksUnhealthy(t *testing.T) {
	cfg := testConnConfig("127.0.0.1:1") // nothing listens here
	c, err := NewConnection(cfg, logger.NewNop())
	require.NoError(t, err)
	c.SetDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("refused")
	})

	for i := 0; i < cfg.MaxAttempts; i++ {
		require.Error(t, c.Connect(context.Background()))
	}
	h := c.Health()
	assert.Equal(t, StateUnhealthy, h.State)
	assert.Equal(t, cfg.MaxAttempts, h.Attempts)
	assert.False(t, c.RetryDue(time.Now().Add(time.Hour)),
		"unhealthy sources are never retried")
}

func TestConnectionRetrySpacing(t *testing.T) {
	cfg := testConnConfig("127.0.0.1:1")
	cfg.MinRetry = time.Hour
	c, err := NewConnection(cfg, logger.NewNop())
	require.NoError(t, err)
	c.SetDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("refused")
	})

	require.Error(t, c.Connect(context.Background()))
	assert.False(t, c.RetryDue(time.Now()), "retry not due before the minimum spacing")
	assert.True(t, c.RetryDue(time.Now().Add(2*time.Hour)))
}

func TestConnectionPollWhenDisconnectedIsNoop(t *testing.T) {
	c, err := NewConnection(testConnConfig("127.0.0.1:1"), logger.NewNop())
	require.NoError(t, err)

	frames, err := c.Poll()
	assert.NoError(t, err)
	assert.Empty(t, frames)
}
