package transport

import (
	"context"
	"net"
	"strconv"

	"github.com/latticebft/lattice/internal/utils"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentHandlers bounds the number of simultaneously dispatched
// inbound connections, the same way the teacher bounds concurrent
// message-handler goroutines on its node accept loop.
const maxConcurrentHandlers = 64

// Server accepts inbound connections on the listener passed to Serve and
// feeds each to Transport.HandleConn, bounded by a weighted semaphore.
type Server struct {
	transport *Transport
	sem       *semaphore.Weighted
}

// NewServer returns a Server driving t.
func NewServer(t *Transport) *Server {
	return &Server{transport: t, sem: semaphore.NewWeighted(maxConcurrentHandlers)}
}

// Serve accepts connections on ln until it errors or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "transport: accept")
			}
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			continue
		}
		go func() {
			defer s.sem.Release(1)
			s.transport.HandleConn(conn)
		}()
	}
}

// Listen binds a TCP listener at host:port.
func Listen(host string, port uint32) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr(host, port))
	if err != nil {
		return nil, errors.Wrap(err, "transport: listen")
	}
	utils.Logger().Info().Str("addr", addr(host, port)).Msg("[Listen] accepting connections")
	return ln, nil
}

func addr(host string, port uint32) string {
	return host + ":" + strconv.FormatUint(uint64(port), 10)
}
