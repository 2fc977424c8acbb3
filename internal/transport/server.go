package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ruster/ruster/internal/wire"
)

// Server binds a UNIX socket and dispatches each connection's framed
// commands to a Router. Unlike a one-shot request/response protocol,
// connections are long-lived and full-duplex: the server may push
// events (proactive heartbeats, other sessions' fan-out) at any time
// alongside command replies.
type Server struct {
	SocketPath string
	Router     *Router
	Logger     *slog.Logger

	activeConnections sync.WaitGroup
}

// Serve accepts connections until ctx is cancelled, then stops accepting
// and waits for in-flight connections to finish their current command.
func (srv *Server) Serve(ctx context.Context) error {
	logger := srv.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.Remove(srv.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", srv.SocketPath, err)
	}

	listener, err := net.Listen("unix", srv.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.SocketPath, err)
	}
	if err := os.Chmod(srv.SocketPath, 0o666); err != nil {
		listener.Close()
		return fmt.Errorf("chmod %s: %w", srv.SocketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(srv.SocketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger.Info("transport listening", "path", srv.SocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			logger.Error("accept failed", "error", err)
			continue
		}

		srv.activeConnections.Add(1)
		go func() {
			defer srv.activeConnections.Done()
			srv.handleConnection(ctx, conn, logger)
		}()
	}

	srv.activeConnections.Wait()
	return nil
}

// conn wraps a net.Conn with a write mutex so command replies and
// asynchronously fanned-out events never interleave mid-line, and tracks
// which sessions it has subscribed to so disconnection can prune them
// from the Event Sink.
type conn struct {
	mu sync.Mutex
	nc net.Conn

	subMu      sync.Mutex
	subscribed map[wire.SessionID]struct{}
}

func (c *conn) Send(ev wire.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.nc.Write(b)
	return err
}

func (c *conn) trackSubscription(id wire.SessionID) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subscribed == nil {
		c.subscribed = map[wire.SessionID]struct{}{}
	}
	c.subscribed[id] = struct{}{}
}

func (c *conn) subscriptions() []wire.SessionID {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]wire.SessionID, 0, len(c.subscribed))
	for id := range c.subscribed {
		out = append(out, id)
	}
	return out
}

func (srv *Server) handleConnection(ctx context.Context, nc net.Conn, logger *slog.Logger) {
	defer nc.Close()
	c := &conn{nc: nc}

	// On shutdown, unblock the pending read so the loop ends after the
	// command currently being dispatched, not when the client disconnects.
	stop := context.AfterFunc(ctx, func() { nc.SetReadDeadline(time.Now()) })
	defer stop()

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := append([]byte(nil), line...)
		srv.Router.Dispatch(ctx, c, cp)
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("connection read error", "error", err)
	}
	for _, id := range c.subscriptions() {
		srv.Router.Sink.Unsubscribe(id, c)
	}
}
