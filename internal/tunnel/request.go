// Package tunnel implements the per-connection routing core of the connect
// proxy: target grammar parsing, device authorization, local presence
// resolution and the connect state machine that either opens a direct tunnel
// or relays the CONNECT handshake to a sibling instance.
package tunnel

import (
	"log/slog"
	"regexp"
	"strconv"

	"github.com/postalsys/connect-proxy/internal/logging"
)

// TLD is the top-level label of a tunnel target.
type TLD string

// Accepted top-level labels. "resin" is deprecated but still routed.
const (
	TLDBalena TLD = "balena"
	TLDResin  TLD = "resin"
	TLDVPN    TLD = "vpn"
)

// DefaultPort is used when the target omits an explicit port.
const DefaultPort uint16 = 80

// targetPattern is the tunnel target grammar: a hex UUID, an accepted
// top-level label and an optional port.
var targetPattern = regexp.MustCompile(`^([0-9a-f]+)\.(balena|resin|vpn)(?::(\d+))?$`)

// ParsedTarget is a decoded tunnel target.
type ParsedTarget struct {
	UUID string
	Port uint16
	TLD  TLD
}

// ParseTarget decodes a raw tunnel target. An empty target fails with
// KindBadRequest; a target that does not match the grammar fails with
// KindInvalidHostname. No network calls are made here.
func ParseTarget(target string, logger *slog.Logger) (ParsedTarget, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	if target == "" {
		return ParsedTarget{}, &Error{Kind: KindBadRequest, Message: "request has no target"}
	}

	m := targetPattern.FindStringSubmatch(target)
	if m == nil {
		return ParsedTarget{}, &Error{Kind: KindInvalidHostname, Message: "invalid hostname " + strconv.Quote(target)}
	}

	port := DefaultPort
	if m[3] != "" {
		n, err := strconv.ParseUint(m[3], 10, 16)
		if err != nil {
			return ParsedTarget{}, &Error{Kind: KindInvalidHostname, Message: "invalid port in " + strconv.Quote(target), Cause: err}
		}
		port = uint16(n)
	}

	tld := TLD(m[2])
	if tld == TLDResin {
		logger.Warn("deprecated resin tld in tunnel target", logging.KeyTarget, target)
	}

	return ParsedTarget{UUID: m[1], Port: port, TLD: tld}, nil
}
