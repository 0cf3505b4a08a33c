package forward

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/postalsys/connect-proxy/internal/config"
	"github.com/postalsys/connect-proxy/internal/logging"
	"github.com/postalsys/connect-proxy/internal/metrics"
	"github.com/postalsys/connect-proxy/internal/report"
)

// RemoteError indicates the sibling instance rejected or aborted the
// forwarded CONNECT handshake.
type RemoteError struct {
	StatusLine string // sibling's status line, empty for stream-level failures
	Cause      error
}

// Error implements error.
func (e *RemoteError) Error() string {
	if e.StatusLine != "" {
		return fmt.Sprintf("remote tunnel rejected: %s", e.StatusLine)
	}
	return fmt.Sprintf("remote tunnel failed: %v", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *RemoteError) Unwrap() error {
	return e.Cause
}

// ClientConfig contains forwarding client configuration.
type ClientConfig struct {
	// Port is the sibling instance's forwarding port.
	Port int

	// ConnectTimeout bounds the TCP dial to the sibling. The handshake
	// itself has no timeout; an unresponsive sibling holds the flow open.
	ConnectTimeout time.Duration

	// Logger for logging.
	Logger *slog.Logger

	// Reporter receives transport-level handshake failures.
	Reporter report.Reporter

	// Metrics records handshake outcomes.
	Metrics *metrics.Metrics
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Port:           config.DefaultForwardPort,
		ConnectTimeout: 30 * time.Second,
	}
}

// Client relays CONNECT handshakes to sibling instances.
type Client struct {
	cfg      ClientConfig
	logger   *slog.Logger
	reporter report.Reporter
}

// NewClient creates a new forwarding client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = report.NopReporter{}
	}
	return &Client{cfg: cfg, logger: logger, reporter: reporter}
}

// Connect opens a TCP connection to the sibling at ip, writes the nested
// CONNECT request for the device and waits for the sibling's response.
// Exactly one outcome is produced per handshake:
//
//   - status 200: the open socket is returned, ready for piping;
//   - any other status: *RemoteError carrying the status line;
//   - stream closed before a full header: *RemoteError;
//   - transport error: *RemoteError, also escalated to the reporter.
func (c *Client) Connect(ctx context.Context, ip, uuid string, port uint16, auth []byte) (net.Conn, error) {
	start := time.Now()

	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.recordError("dial")
		c.reporter.Report(ctx, err,
			logging.KeyComponent, "forward",
			logging.KeyUUID, uuid,
			logging.KeyRemoteAddr, addr)
		return nil, &RemoteError{Cause: err}
	}

	if err := c.writeRequest(conn, uuid, port, auth); err != nil {
		conn.Close()
		c.recordError("write")
		c.reporter.Report(ctx, err,
			logging.KeyComponent, "forward",
			logging.KeyUUID, uuid,
			logging.KeyRemoteAddr, addr)
		return nil, &RemoteError{Cause: err}
	}

	var dec Decoder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			done, ferr := dec.Feed(buf[:n])
			if ferr != nil {
				conn.Close()
				c.recordError("oversized")
				return nil, &RemoteError{Cause: ferr}
			}
			if done {
				break
			}
		}
		if err != nil {
			conn.Close()
			if err == io.EOF {
				c.recordError("eof")
				c.logger.Warn("sibling closed before completing handshake",
					logging.KeyUUID, uuid,
					logging.KeyRemoteAddr, addr)
				return nil, &RemoteError{Cause: fmt.Errorf("connection closed during handshake")}
			}
			c.recordError("read")
			c.reporter.Report(ctx, err,
				logging.KeyComponent, "forward",
				logging.KeyUUID, uuid,
				logging.KeyRemoteAddr, addr)
			return nil, &RemoteError{Cause: err}
		}
	}

	code, err := dec.StatusCode()
	if err != nil {
		conn.Close()
		c.recordError("malformed")
		return nil, &RemoteError{StatusLine: dec.StatusLine(), Cause: err}
	}
	if code != 200 {
		conn.Close()
		c.recordError("status")
		c.logger.Warn("sibling rejected forwarded tunnel",
			logging.KeyUUID, uuid,
			logging.KeyRemoteAddr, addr,
			logging.KeyStatus, code)
		return nil, &RemoteError{StatusLine: dec.StatusLine()}
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordForward(time.Since(start).Seconds())
	}
	c.logger.Debug("forwarded tunnel established",
		logging.KeyUUID, uuid,
		logging.KeyRemoteAddr, addr,
		logging.KeyDuration, time.Since(start))

	// Bytes read past the header terminator are tunnel payload; replay them
	// ahead of the socket.
	if rest := dec.Rest(); len(rest) > 0 {
		return &prefixedConn{Conn: conn, prefix: rest}, nil
	}
	return conn, nil
}

// writeRequest writes the nested CONNECT request to the sibling.
func (c *Client) writeRequest(conn net.Conn, uuid string, port uint16, auth []byte) error {
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s.balena:%d HTTP/1.0\r\n", uuid, port)
	if len(auth) > 0 {
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", base64.StdEncoding.EncodeToString(auth))
	}
	b.WriteString("\r\n\r\n")

	_, err := io.WriteString(conn, b.String())
	return err
}

func (c *Client) recordError(errorType string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordForwardError(errorType)
	}
}

// prefixedConn replays buffered bytes before reading from the socket.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

// Read implements net.Conn.
func (p *prefixedConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
