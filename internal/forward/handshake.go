// Package forward implements the sibling-forwarding side of the connect
// proxy: it relays a CONNECT handshake to the service instance that holds a
// device's VPN session and hands back the open socket once the sibling
// accepts.
package forward

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// maxHandshakeBytes bounds how much of the sibling's response is buffered
// while waiting for the header terminator.
const maxHandshakeBytes = 8 * 1024

var headerTerminator = []byte("\r\n\r\n")

// ErrHandshakeTooLarge is returned when the sibling sends more header bytes
// than the decoder will buffer.
var ErrHandshakeTooLarge = errors.New("handshake response exceeds buffer limit")

// Decoder incrementally parses the sibling's CONNECT handshake response.
// Chunks are fed as they arrive; the response is complete once the header
// terminator has been observed. The decoder has no socket dependencies.
type Decoder struct {
	buf  []byte
	rest []byte
	done bool
}

// Feed appends a chunk to the response buffer. It returns true once a
// complete header block has been observed; chunks fed after that point are
// appended to Rest untouched.
func (d *Decoder) Feed(p []byte) (bool, error) {
	if d.done {
		d.rest = append(d.rest, p...)
		return true, nil
	}

	d.buf = append(d.buf, p...)
	if idx := bytes.Index(d.buf, headerTerminator); idx >= 0 {
		d.rest = d.buf[idx+len(headerTerminator):]
		d.buf = d.buf[:idx]
		d.done = true
		return true, nil
	}

	if len(d.buf) > maxHandshakeBytes {
		return false, ErrHandshakeTooLarge
	}
	return false, nil
}

// Done reports whether a complete header block has been observed.
func (d *Decoder) Done() bool {
	return d.done
}

// StatusLine returns the first line of the response. Valid only after Feed
// has returned true.
func (d *Decoder) StatusLine() string {
	line := d.buf
	if idx := bytes.Index(line, []byte("\r\n")); idx >= 0 {
		line = line[:idx]
	}
	return string(line)
}

// StatusCode parses the status code out of the status line
// ("<version> <code> <reason>").
func (d *Decoder) StatusCode() (int, error) {
	line := d.StatusLine()
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("malformed status code in %q", line)
	}
	return code, nil
}

// Rest returns any bytes received after the header terminator. These belong
// to the tunnel payload and must be replayed to the reader.
func (d *Decoder) Rest() []byte {
	return d.rest
}
