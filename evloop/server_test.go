//go:build linux
// +build linux

package evloop

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fzft/go-evserver/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerEchoesUntilCancelled(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 0
	cfg.Backlog = 8
	cfg.EchoDelayMin = 0
	cfg.EchoDelayMax = 0

	s := NewServer(cfg)
	accepted := make(chan struct{}, 1)
	s.SetAcceptHandler(func(Conn) { accepted <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Loop() != nil }, waitFor, 5*time.Millisecond)
	<-s.Loop().Ready()

	client, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.Loop().Port()), waitFor)
	require.NoError(t, err)
	defer client.Close()
	<-accepted

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("server did not stop")
	}
}

func TestServerRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Backlog = 0

	err := NewServer(cfg).Run(context.Background())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
