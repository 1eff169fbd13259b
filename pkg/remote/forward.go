package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dialer opens connections from the far side of a tunnel.
type Dialer interface {
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
}

// HTTPClient returns a client whose connections are opened by d, so requests
// to 127.0.0.1 reach the remote host's loopback interface.
func HTTPClient(d Dialer, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:       d.Dial,
			DisableKeepAlives: true,
		},
	}
}

// Forward accepts on localAddr and pipes every connection to remoteAddr
// through d until ctx is done.
func Forward(ctx context.Context, d Dialer, localAddr, remoteAddr string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", localAddr, err)
	}
	return serve(ctx, ln, d, remoteAddr, log)
}

func serve(ctx context.Context, ln net.Listener, d Dialer, remoteAddr string, log *zap.Logger) error {
	defer ln.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		local, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer local.Close()
			far, err := d.Dial(ctx, "tcp", remoteAddr)
			if err != nil {
				log.Warn("tunnel dial failed", zap.String("remote", remoteAddr), zap.Error(err))
				return
			}
			defer far.Close()
			pipe(local, far)
		}()
	}
}

func pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
}
