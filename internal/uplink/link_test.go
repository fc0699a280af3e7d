package uplink

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jasperhome/jasperd/internal/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startProbeServer(t *testing.T) (net.Listener, chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()
	return ln, accepted
}

func TestDialerLink_ConnectReportsLocalAddr(t *testing.T) {
	ln, accepted := startProbeServer(t)
	link := &DialerLink{Address: ln.Addr().String()}
	defer link.Close()

	addr, err := link.Connect(context.Background(), command.Credentials{})
	require.NoError(t, err)

	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.NotEmpty(t, port)

	select {
	case conn := <-accepted:
		_ = conn.Close()
	case <-time.After(time.Second):
		t.Fatal("probe server never saw the connection")
	}
}

func TestDialerLink_ConnectRefused(t *testing.T) {
	ln, _ := startProbeServer(t)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	link := &DialerLink{Address: addr}
	_, err := link.Connect(context.Background(), command.Credentials{})
	assert.Error(t, err)
}

func TestDialerLink_MonitorReturnsOnRemoteClose(t *testing.T) {
	ln, accepted := startProbeServer(t)
	link := &DialerLink{Address: ln.Addr().String()}
	defer link.Close()

	_, err := link.Connect(context.Background(), command.Credentials{})
	require.NoError(t, err)

	monErr := make(chan error, 1)
	go func() { monErr <- link.Monitor(context.Background()) }()

	select {
	case conn := <-accepted:
		_ = conn.Close()
	case <-time.After(time.Second):
		t.Fatal("probe server never saw the connection")
	}

	select {
	case err := <-monErr:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not notice the remote close")
	}
}

func TestDialerLink_MonitorHonorsContext(t *testing.T) {
	ln, _ := startProbeServer(t)
	link := &DialerLink{Address: ln.Addr().String()}
	defer link.Close()

	_, err := link.Connect(context.Background(), command.Credentials{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	monErr := make(chan error, 1)
	go func() { monErr <- link.Monitor(ctx) }()

	cancel()
	select {
	case err := <-monErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("monitor did not honor cancellation")
	}
}

func TestDialerLink_MonitorWithoutConnection(t *testing.T) {
	link := &DialerLink{Address: "127.0.0.1:1"}
	assert.ErrorIs(t, link.Monitor(context.Background()), errLinkNotConnected)
}

func TestDialerLink_CloseIsIdempotent(t *testing.T) {
	link := &DialerLink{Address: "127.0.0.1:1"}
	assert.NoError(t, link.Close())
	assert.NoError(t, link.Close())
}
