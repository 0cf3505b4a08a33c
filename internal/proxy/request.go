// Package proxy implements the CONNECT-accepting transport of the connect
// proxy: the TCP listener, request parsing, the middleware chain and the
// bidirectional piping that runs once a destination socket is resolved.
package proxy

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
)

// Header parsing limits.
const (
	maxHeaderLine  = 8 * 1024
	maxHeaderCount = 64
)

// Request is a parsed inbound CONNECT request. Middleware may rewrite
// Target before the connect handler runs.
type Request struct {
	// Target is the raw CONNECT target, e.g. "abc123.balena:22".
	Target string

	// ProxyAuth is the decoded Proxy-Authorization credential
	// ("user:pass" bytes), nil when the client sent none.
	ProxyAuth []byte

	// RemoteAddr is the client's address.
	RemoteAddr string

	hookMu     sync.Mutex
	closeHooks []func()
	hooksDone  bool
}

// OnClose registers a hook to run exactly once when the tunnel's piping
// ends (or when the connection fails after registration).
func (r *Request) OnClose(hook func()) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	if r.hooksDone {
		hook()
		return
	}
	r.closeHooks = append(r.closeHooks, hook)
}

// NotifyClose fires registered close hooks. Safe to call more than once;
// hooks fire only on the first call.
func (r *Request) NotifyClose() {
	r.hookMu.Lock()
	hooks := r.closeHooks
	r.closeHooks = nil
	done := r.hooksDone
	r.hooksDone = true
	r.hookMu.Unlock()

	if done {
		return
	}
	for _, hook := range hooks {
		hook()
	}
}

// readRequest parses the CONNECT request line and headers from the client.
func readRequest(br *bufio.Reader, remoteAddr string) (*Request, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, fmt.Errorf("read request line: %w", err)
	}

	fields := strings.Fields(line)
	if len(fields) < 1 {
		return nil, fmt.Errorf("empty request line")
	}
	if fields[0] != "CONNECT" {
		return nil, &methodError{method: fields[0]}
	}

	req := &Request{RemoteAddr: remoteAddr}
	if len(fields) >= 2 && !strings.HasPrefix(fields[1], "HTTP/") {
		req.Target = fields[1]
	}

	for i := 0; ; i++ {
		if i >= maxHeaderCount {
			return nil, fmt.Errorf("too many request headers")
		}
		line, err := readLine(br)
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Proxy-Authorization") {
			req.ProxyAuth = parseProxyAuth(strings.TrimSpace(value))
		}
	}

	return req, nil
}

// readLine reads one CRLF-terminated line, enforcing the line length cap.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > maxHeaderLine {
		return "", fmt.Errorf("header line too long")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseProxyAuth decodes a "Basic <base64>" credential. The decoded bytes
// pass through to the access gate and the forwarding client unchanged.
func parseProxyAuth(value string) []byte {
	scheme, encoded, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil
	}
	return decoded
}

// methodError marks a non-CONNECT request.
type methodError struct {
	method string
}

// Error implements error.
func (e *methodError) Error() string {
	return fmt.Sprintf("method %s not allowed", e.method)
}
