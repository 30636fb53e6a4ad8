package pbench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ServerKind string

const (
	KindTCP   ServerKind = "tcp"
	KindIOVec ServerKind = "io-vec"
	KindRing  ServerKind = "iouring-0"
)

func ParseServerKind(s string) (ServerKind, error) {
	switch k := ServerKind(s); k {
	case KindTCP, KindIOVec, KindRing:
		return k, nil
	default:
		return "", fmt.Errorf("unsupported server kind %q, want one of tcp, io-vec, iouring-0", s)
	}
}

type ServerConfig struct {
	Kind ServerKind
	// RingSize is the submission queue capacity of the ring server.
	RingSize uint32
}

// Server answers work requests on every connection accepted from ln until
// ctx is done.
type Server interface {
	Serve(ctx context.Context, ln net.Listener) error
}

func NewServer(c ServerConfig) (Server, error) {
	switch c.Kind {
	case KindTCP:
		return &TCPServer{}, nil
	case KindIOVec:
		return &IOVecServer{}, nil
	case KindRing:
		if c.RingSize < minRingSize {
			return nil, fmt.Errorf("ring server needs a ring size of at least %d, got %d", minRingSize, c.RingSize)
		}
		return &RingServer{RingSize: c.RingSize}, nil
	default:
		return nil, fmt.Errorf("unsupported server kind %q", c.Kind)
	}
}

// ListenAndServe listens on addr and serves with the configured server.
func ListenAndServe(ctx context.Context, addr string, c ServerConfig) error {
	s, err := NewServer(c)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return err
	}
	zap.L().Info("server listening", zap.String("addr", ln.Addr().String()), zap.String("server", string(c.Kind)))
	return s.Serve(ctx, ln)
}

// respond decodes msg, runs its work and appends the encoded response to
// dst.
func respond(server string, dst, msg []byte) ([]byte, error) {
	dst, req, resp, err := Handle(dst, msg)
	if err != nil {
		return dst, err
	}
	if resp.Status == StatusFailed {
		zap.L().Debug("answering request with invalid work", zap.String("server", server), zap.Uint64("id", req.ID))
	}
	observeResponse(server, req, resp)
	return dst, nil
}

// serveConns runs one goroutine per accepted connection. A connection's
// error ends only that connection.
func serveConns(ctx context.Context, ln net.Listener, server string, handle func(net.Conn) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})

	for {
		client, err := ln.Accept()

		if errors.Is(err, net.ErrClosed) {
			break
		} else if err != nil {
			zap.L().Warn("accept", zap.String("server", server), zap.Error(err))
			time.Sleep(5 * time.Millisecond)
			continue
		}

		g.Go(func() error {
			defer client.Close()
			openConnections.WithLabelValues(server).Inc()
			defer openConnections.WithLabelValues(server).Dec()

			stop := make(chan struct{})
			defer close(stop)
			go func() {
				select {
				case <-ctx.Done():
					client.SetDeadline(time.Now())
				case <-stop:
				}
			}()

			logger := zap.L().With(zap.String("server", server), zap.Stringer("conn", client.RemoteAddr()))
			if err := handle(client); isDisconnect(err) {
				logger.Debug("connection closed", zap.Error(err))
			} else {
				connErrorsTotal.WithLabelValues(server).Inc()
				logger.Warn("connection error", zap.Error(err))
			}
			return nil
		})
	}
	cancel()
	return g.Wait()
}

// isDisconnect reports whether err is an ordinary end of a connection
// rather than a protocol or I/O failure.
func isDisconnect(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// TCPServer is the blocking thread-per-connection server.
type TCPServer struct{}

func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	return serveConns(ctx, ln, string(KindTCP), s.handleConnection)
}

func (s *TCPServer) handleConnection(conn net.Conn) error {
	requests := NewRequestReader(conn)
	responses := NewResponseWriter(conn)

	buf := frameBuffers.Get()
	defer frameBuffers.Put(buf)

	for {
		msg, err := requests.Recv()
		if err != nil {
			return err
		}
		*buf, err = respond(string(KindTCP), (*buf)[:0], msg)
		if err != nil {
			return err
		}
		if err := responses.SendEncoded(*buf); err != nil {
			return err
		}
	}
}
