package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/connect-proxy/internal/logging"
)

// Middleware inspects a request before the connect handler runs. It may
// rewrite the request target; returning an error terminates the connection.
type Middleware func(ctx context.Context, req *Request) error

// ConnectHandler resolves a request to a destination socket. Once it
// returns, the server owns the socket and pipes bytes end-to-end.
type ConnectHandler func(ctx context.Context, req *Request) (net.Conn, error)

// ErrorResponder maps a handler error to the status line owed to the
// client. write is false when the connection should close silently.
type ErrorResponder func(ctx context.Context, req *Request, err error) (response string, write bool)

const responseConnected = "HTTP/1.0 200 Connection established\r\n\r\n"
const responseMethodNotAllowed = "HTTP/1.0 405 Method Not Allowed\r\n\r\n"
const responseBadRequest = "HTTP/1.0 400 Bad Request\r\n\r\n"

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":3128")
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited)
	MaxConnections int

	// Middleware chain, run in order before Connect.
	Middleware []Middleware

	// Connect resolves the destination socket.
	Connect ConnectHandler

	// OnError maps handler errors to client responses.
	OnError ErrorResponder

	// Logger for logging.
	Logger *slog.Logger
}

// Server is a CONNECT tunnel server.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	listener net.Listener

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new CONNECT server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		cfg:         cfg,
		logger:      logger,
		connections: make(map[net.Conn]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start starts the server.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}
	if s.cfg.Connect == nil {
		return fmt.Errorf("no connect handler configured")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.mu.Lock()
		for conn := range s.connections {
			conn.Close()
		}
		s.mu.Unlock()
	})

	s.wg.Wait()
	return err
}

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int64 {
	return s.connCount.Load()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// acceptLoop accepts new connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.connCount.Load() >= int64(s.cfg.MaxConnections) {
			conn.Close()
			continue
		}

		s.trackConn(conn, true)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs the full per-connection flow: parse, middleware chain,
// connect resolution, piping.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.trackConn(conn, false)
	defer conn.Close()

	ctx := context.Background()
	br := bufio.NewReader(conn)

	req, err := readRequest(br, conn.RemoteAddr().String())
	if err != nil {
		var merr *methodError
		if errors.As(err, &merr) {
			io.WriteString(conn, responseMethodNotAllowed)
		} else if !errors.Is(err, io.EOF) {
			io.WriteString(conn, responseBadRequest)
		}
		return
	}

	logger := s.logger.With(
		logging.KeyRemoteAddr, req.RemoteAddr,
		logging.KeyTarget, req.Target)

	for _, mw := range s.cfg.Middleware {
		if err := mw(ctx, req); err != nil {
			s.respondError(ctx, conn, req, err)
			return
		}
	}

	dest, err := s.cfg.Connect(ctx, req)
	if err != nil {
		s.respondError(ctx, conn, req, err)
		return
	}
	defer dest.Close()
	defer req.NotifyClose()

	if _, err := io.WriteString(conn, responseConnected); err != nil {
		return
	}

	logger.Debug("tunnel established")
	s.pipe(conn, dest, br)
	logger.Debug("tunnel closed")
}

// respondError writes at most one status line and closes the connection.
func (s *Server) respondError(ctx context.Context, conn net.Conn, req *Request, err error) {
	defer req.NotifyClose()

	if s.cfg.OnError == nil {
		return
	}
	if response, write := s.cfg.OnError(ctx, req, err); write {
		io.WriteString(conn, response)
	}
}

// pipe copies bytes bidirectionally until either side closes. Bytes the
// request reader already buffered are flushed to the destination first.
func (s *Server) pipe(client net.Conn, dest net.Conn, br *bufio.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if n := br.Buffered(); n > 0 {
			buffered, _ := br.Peek(n)
			if _, err := dest.Write(buffered); err != nil {
				client.Close()
				return
			}
			br.Discard(n)
		}
		io.Copy(dest, client)
		closeWrite(dest)
	}()

	go func() {
		defer wg.Done()
		io.Copy(client, dest)
		closeWrite(client)
	}()

	wg.Wait()
}

// closeWrite half-closes a connection when supported, else closes it.
func closeWrite(conn net.Conn) {
	type halfCloser interface {
		CloseWrite() error
	}
	if hc, ok := conn.(halfCloser); ok {
		hc.CloseWrite()
		return
	}
	conn.Close()
}

// trackConn tracks active connections.
func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		s.connections[conn] = struct{}{}
		s.connCount.Add(1)
	} else {
		delete(s.connections, conn)
		s.connCount.Add(-1)
	}
}
