package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/connect-proxy/internal/directory"
	"github.com/postalsys/connect-proxy/internal/forward"
	"github.com/postalsys/connect-proxy/internal/logging"
	"github.com/postalsys/connect-proxy/internal/metrics"
	"github.com/postalsys/connect-proxy/internal/proxy"
	"github.com/postalsys/connect-proxy/internal/report"
)

// DirectoryClient is the device directory surface the handler consumes.
type DirectoryClient interface {
	GetDevice(ctx context.Context, uuid, token string) (*directory.Device, error)
	CanAccess(ctx context.Context, device *directory.Device, port uint16, credential []byte) (bool, error)
	GetDeviceVpnHost(ctx context.Context, uuid, token string) (*directory.VpnHostAssignment, error)
}

// Forwarder relays a CONNECT handshake to a sibling instance.
type Forwarder interface {
	Connect(ctx context.Context, ip, uuid string, port uint16, auth []byte) (net.Conn, error)
}

// Dialer opens the device-side socket for locally present devices.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// HandlerConfig contains tunnel handler configuration.
type HandlerConfig struct {
	// ServiceInstanceID is this instance's ID in the directory. A VPN-host
	// assignment pointing back at it is a routing inconsistency.
	ServiceInstanceID int

	// APIToken is the privileged directory credential used for lookups on
	// behalf of unauthenticated clients.
	APIToken string

	// ConnectTimeout bounds the local device-side dial.
	ConnectTimeout time.Duration

	// Logger for logging.
	Logger *slog.Logger

	// Reporter receives directory failures and unclassified errors.
	Reporter report.Reporter

	// Metrics records tunnel outcomes.
	Metrics *metrics.Metrics

	// Dialer overrides the device-side dialer. Nil means net.Dialer with
	// ConnectTimeout.
	Dialer Dialer
}

// Handler is the per-connection tunnel controller. It authorizes inbound
// requests (Gate), resolves them to a destination socket (Connect) and owns
// the error-to-response mapping (RespondError).
type Handler struct {
	cfg       HandlerConfig
	logger    *slog.Logger
	reporter  report.Reporter
	resolver  Resolver
	directory DirectoryClient
	forwarder Forwarder
	dialer    Dialer
}

// NewHandler creates a new tunnel handler.
func NewHandler(cfg HandlerConfig, resolver Resolver, dir DirectoryClient, fwd Forwarder) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = report.NopReporter{}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: cfg.ConnectTimeout}
	}
	return &Handler{
		cfg:       cfg,
		logger:    logger,
		reporter:  reporter,
		resolver:  resolver,
		directory: dir,
		forwarder: fwd,
		dialer:    dialer,
	}
}

// Gate authorizes an inbound tunnel request against the device directory
// and rewrites the target to the canonical local form <uuid>.vpn:<port>.
// Targets already in canonical form pass through untouched.
func (h *Handler) Gate(ctx context.Context, req *proxy.Request) error {
	pt, err := ParseTarget(req.Target, h.logger)
	if err != nil {
		return err
	}

	if pt.TLD == TLDVPN {
		return nil
	}

	device, err := h.directory.GetDevice(ctx, pt.UUID, h.cfg.APIToken)
	if errors.Is(err, directory.ErrDeviceNotFound) {
		return &Error{Kind: KindNotFound, Message: "device " + pt.UUID + " not found"}
	}
	if err != nil {
		return &Error{Kind: KindAPI, Message: "device lookup failed", Cause: err}
	}

	allowed, err := h.directory.CanAccess(ctx, device, pt.Port, req.ProxyAuth)
	if err != nil {
		return &Error{Kind: KindAPI, Message: "access evaluation failed", Cause: err}
	}
	if !allowed {
		return &Error{Kind: KindAccessDenied, Message: "access to device " + pt.UUID + " denied"}
	}

	if !device.IsConnectedToVPN {
		return &Error{Kind: KindDeviceOffline, Message: "device " + pt.UUID + " is not connected to the vpn"}
	}

	req.Target = fmt.Sprintf("%s.vpn:%d", pt.UUID, pt.Port)
	return nil
}

// Connect resolves a gated request to a destination socket. Exactly one of
// local connect or sibling forward is attempted; every failure is terminal
// for the connection.
func (h *Handler) Connect(ctx context.Context, req *proxy.Request) (net.Conn, error) {
	pt, err := ParseTarget(req.Target, h.logger)
	if err != nil {
		return nil, err
	}

	if h.resolver.IsLocal(ctx, pt.UUID) {
		return h.connectLocal(ctx, req, pt)
	}
	return h.connectForward(ctx, req, pt)
}

// connectLocal opens the device-side socket on this instance.
func (h *Handler) connectLocal(ctx context.Context, req *proxy.Request, pt ParsedTarget) (net.Conn, error) {
	addr := fmt.Sprintf("%s.vpn:%d", pt.UUID, pt.Port)
	conn, err := h.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		// Not wrapped: a failed local dial is an unclassified condition
		// that must be reported upstream.
		return nil, err
	}

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RecordTunnelOpen()
		var once sync.Once
		req.OnClose(func() {
			once.Do(h.cfg.Metrics.RecordTunnelClose)
		})
	}

	h.logger.Debug("local tunnel opened",
		logging.KeyUUID, pt.UUID,
		logging.KeyPort, pt.Port)
	return conn, nil
}

// connectForward relays the handshake to the sibling instance holding the
// device's VPN session.
func (h *Handler) connectForward(ctx context.Context, req *proxy.Request, pt ParsedTarget) (net.Conn, error) {
	assignment, err := h.directory.GetDeviceVpnHost(ctx, pt.UUID, h.cfg.APIToken)
	if err != nil {
		var apiErr *directory.APIError
		if errors.As(err, &apiErr) {
			return nil, Handled("vpn host lookup failed", err)
		}
		return nil, err
	}

	if assignment.ServiceInstanceID == h.cfg.ServiceInstanceID {
		// The presence probe said "not local" but the directory points
		// back at this instance.
		return nil, Handled("device is not available on registered service instance", nil)
	}

	conn, err := h.forwarder.Connect(ctx, assignment.IPAddress, pt.UUID, pt.Port, req.ProxyAuth)
	if err != nil {
		var rerr *forward.RemoteError
		if errors.As(err, &rerr) {
			return nil, Handled("remote tunnel failed", err)
		}
		return nil, err
	}

	h.logger.Debug("tunnel forwarded",
		logging.KeyUUID, pt.UUID,
		logging.KeyPort, pt.Port,
		logging.KeyInstance, assignment.ServiceInstanceID)
	return conn, nil
}

// RespondError maps a failure to the status line owed to the client, logs
// it at the appropriate severity and escalates the kinds that indicate an
// infrastructure problem.
func (h *Handler) RespondError(ctx context.Context, req *proxy.Request, err error) (string, bool) {
	kind := KindOf(err)
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RecordTunnelError(kind.String())
	}

	switch kind {
	case KindAPI:
		h.logger.Error("directory failure",
			logging.KeyTarget, req.Target,
			logging.KeyError, err)
		h.reporter.Report(ctx, err, logging.KeyTarget, req.Target)
	case KindUnclassified:
		h.logger.Error("unclassified tunnel failure",
			logging.KeyTarget, req.Target,
			logging.KeyRemoteAddr, req.RemoteAddr,
			logging.KeyError, err)
		h.reporter.Report(ctx, err,
			logging.KeyTarget, req.Target,
			logging.KeyRemoteAddr, req.RemoteAddr)
	case KindHandled:
		h.logger.Info("tunnel closed",
			logging.KeyTarget, req.Target,
			logging.KeyError, err)
	default:
		h.logger.Warn("tunnel rejected",
			logging.KeyTarget, req.Target,
			logging.KeyError, err)
	}

	return ResponseFor(err)
}
