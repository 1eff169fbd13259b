package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// localDialer stands in for an SSH connection by dialing directly.
type localDialer struct{ dials int }

func (d *localDialer) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d.dials++
	var nd net.Dialer
	return nd.DialContext(ctx, network, addr)
}

func TestHTTPClientUsesDialer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pong")
	}))
	defer srv.Close()

	d := &localDialer{}
	resp, err := HTTPClient(d, 5*time.Second).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "pong", string(body))
	assert.Equal(t, 1, d.dials)
}

func TestForwardPipesConnections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "through the tunnel")
	}))
	defer srv.Close()

	// Reserve a free port, then hand it to Forward.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	localAddr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Forward(ctx, &localDialer{}, localAddr, strings.TrimPrefix(srv.URL, "http://"), nil)
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + localAddr)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "through the tunnel", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after cancel")
	}
}

// brokenListener fails every Accept with an error that is not a close.
type brokenListener struct{ closes int32 }

func (l *brokenListener) Accept() (net.Conn, error) { return nil, errors.New("too many open files") }
func (l *brokenListener) Close() error              { atomic.AddInt32(&l.closes, 1); return nil }
func (l *brokenListener) Addr() net.Addr            { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestServeAcceptErrorReleasesListener(t *testing.T) {
	before := runtime.NumGoroutine()
	ln := &brokenListener{}

	err := serve(context.Background(), ln, &localDialer{}, "127.0.0.1:1", zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many open files")
	assert.EqualValues(t, 1, atomic.LoadInt32(&ln.closes))
	assert.Eventually(t, func() bool { return runtime.NumGoroutine() <= before },
		2*time.Second, 10*time.Millisecond, "listener watcher still running")
}

func TestWriteFileCommand(t *testing.T) {
	content := []byte("KEY='a b'\nOTHER=$HOME\n")
	cmd := WriteFileCommand("/opt/llm/.env", content, 0600)

	assert.True(t, strings.HasPrefix(cmd, "mkdir -p /opt/llm && echo "))
	assert.Contains(t, cmd, base64.StdEncoding.EncodeToString(content))
	assert.True(t, strings.HasSuffix(cmd, "> /opt/llm/.env && chmod 600 /opt/llm/.env"))
	assert.NotContains(t, cmd, "$HOME")
}

func TestResultOK(t *testing.T) {
	assert.True(t, Result{}.OK())
	assert.False(t, Result{ExitCode: 1}.OK())
}

func TestChannelRejected(t *testing.T) {
	refused := &ssh.OpenChannelError{Reason: ssh.ConnectionFailed, Message: "Connection refused"}
	assert.True(t, channelRejected(refused))
	assert.True(t, channelRejected(fmt.Errorf("dial 127.0.0.1:8000: %w", refused)))
	assert.False(t, channelRejected(io.EOF))
	assert.False(t, channelRejected(errors.New("ssh: unexpected packet")))
}
