// Package integration contains end-to-end tests that wire the real proxy
// server, tunnel handler and forwarding client together over loopback.
package integration

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/connect-proxy/internal/directory"
	"github.com/postalsys/connect-proxy/internal/forward"
	"github.com/postalsys/connect-proxy/internal/metrics"
	"github.com/postalsys/connect-proxy/internal/proxy"
	"github.com/postalsys/connect-proxy/internal/tunnel"
)

const (
	testUUID  = "abcdef0123456789"
	testToken = "service-token"
	selfID    = 3
)

type fakeResolver struct {
	local bool
}

func (r *fakeResolver) IsLocal(ctx context.Context, uuid string) bool {
	return r.local
}

type fakeDirectory struct {
	mu sync.Mutex

	device     *directory.Device
	deviceErr  error
	allowed    bool
	assignment *directory.VpnHostAssignment

	getDeviceCalls int
	vpnHostCalls   int
}

func (d *fakeDirectory) GetDevice(ctx context.Context, uuid, token string) (*directory.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.getDeviceCalls++
	if d.deviceErr != nil {
		return nil, d.deviceErr
	}
	return d.device, nil
}

func (d *fakeDirectory) CanAccess(ctx context.Context, device *directory.Device, port uint16, credential []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allowed, nil
}

func (d *fakeDirectory) GetDeviceVpnHost(ctx context.Context, uuid, token string) (*directory.VpnHostAssignment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vpnHostCalls++
	return d.assignment, nil
}

func (d *fakeDirectory) calls() (getDevice, vpnHost int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getDeviceCalls, d.vpnHostCalls
}

type fakeDialer struct {
	mu      sync.Mutex
	addr    string
	gotAddr string
}

func (d *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.gotAddr = address
	addr := d.addr
	d.mu.Unlock()
	return net.Dial(network, addr)
}

func (d *fakeDialer) setAddr(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addr = addr
}

func (d *fakeDialer) dialedAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gotAddr
}

type testProxy struct {
	server   *proxy.Server
	addr     string
	metrics  *metrics.Metrics
	dialer   *fakeDialer
	dir      *fakeDirectory
	resolver *fakeResolver
}

func startProxy(t *testing.T, dir *fakeDirectory, resolver *fakeResolver, forwardPort int) *testProxy {
	t.Helper()

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	dialer := &fakeDialer{}

	fwd := forward.NewClient(forward.ClientConfig{
		Port:           forwardPort,
		ConnectTimeout: 5 * time.Second,
		Metrics:        m,
	})

	handler := tunnel.NewHandler(tunnel.HandlerConfig{
		ServiceInstanceID: selfID,
		APIToken:          testToken,
		ConnectTimeout:    5 * time.Second,
		Metrics:           m,
		Dialer:            dialer,
	}, resolver, dir, fwd)

	server := proxy.NewServer(proxy.ServerConfig{
		Address:    "127.0.0.1:0",
		Middleware: []proxy.Middleware{handler.Gate},
		Connect:    handler.Connect,
		OnError:    handler.RespondError,
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	return &testProxy{
		server:   server,
		addr:     server.Address().String(),
		metrics:  m,
		dialer:   dialer,
		dir:      dir,
		resolver: resolver,
	}
}

// connect sends a CONNECT request and reads the response header block.
func connect(t *testing.T, addr, target string, headers ...string) (net.Conn, string) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var b strings.Builder
	if target == "" {
		b.WriteString("CONNECT HTTP/1.0\r\n")
	} else {
		b.WriteString("CONNECT " + target + " HTTP/1.0\r\n")
	}
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(conn, b.String()); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(conn)
	var response strings.Builder
	for {
		line, err := br.ReadString('\n')
		response.WriteString(line)
		if err != nil || line == "\r\n" {
			break
		}
	}
	conn.SetReadDeadline(time.Time{})
	return conn, response.String()
}

// echoListener accepts connections and echoes bytes back.
func echoListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	return ln.Addr().String()
}

func onlineDevice() *directory.Device {
	return &directory.Device{ID: 42, UUID: testUUID, IsConnectedToVPN: true}
}

func TestLocalTunnel(t *testing.T) {
	dir := &fakeDirectory{device: onlineDevice(), allowed: true}
	p := startProxy(t, dir, &fakeResolver{local: true}, 0)
	p.dialer.setAddr(echoListener(t))

	conn, response := connect(t, p.addr, testUUID+".balena:22")
	if !strings.HasPrefix(response, "HTTP/1.0 200 Connection established\r\n") {
		t.Fatalf("response = %q", response)
	}

	if got := p.dialer.dialedAddr(); got != testUUID+".vpn:22" {
		t.Errorf("device-side dial = %q, want canonical vpn target", got)
	}
	if _, vpnHost := p.dir.calls(); vpnHost != 0 {
		t.Error("local tunnel must not look up the vpn host")
	}
	if got := testutil.ToFloat64(p.metrics.ActiveTunnels); got != 1 {
		t.Errorf("ActiveTunnels = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.metrics.TotalTunnels); got != 1 {
		t.Errorf("TotalTunnels = %v, want 1", got)
	}

	// Bytes flow through the tunnel.
	if _, err := io.WriteString(conn, "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("echoed %q", buf)
	}

	// Closing the tunnel decrements ActiveTunnels but not TotalTunnels.
	conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(p.metrics.ActiveTunnels) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("ActiveTunnels did not return to 0")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := testutil.ToFloat64(p.metrics.TotalTunnels); got != 1 {
		t.Errorf("TotalTunnels after close = %v, want 1", got)
	}
}

func TestForwardedTunnel(t *testing.T) {
	// Fake sibling: a forwarding listener that accepts the nested CONNECT
	// and bridges to an echo.
	sibling, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { sibling.Close() })

	received := make(chan string, 1)
	go func() {
		conn, err := sibling.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var got bytes.Buffer
		buf := make([]byte, 1024)
		for !bytes.Contains(got.Bytes(), []byte("\r\n\r\n\r\n")) {
			n, err := conn.Read(buf)
			if n > 0 {
				got.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
		received <- got.String()

		io.WriteString(conn, "HTTP/1.0 200 Connection established\r\n\r\n")
		io.Copy(conn, conn)
	}()

	forwardPort := sibling.Addr().(*net.TCPAddr).Port
	dir := &fakeDirectory{
		device:     onlineDevice(),
		allowed:    true,
		assignment: &directory.VpnHostAssignment{ServiceInstanceID: 5, IPAddress: "127.0.0.1"},
	}
	p := startProxy(t, dir, &fakeResolver{local: false}, forwardPort)

	conn, response := connect(t, p.addr, testUUID+".balena:22")
	if !strings.HasPrefix(response, "HTTP/1.0 200 Connection established\r\n") {
		t.Fatalf("response = %q", response)
	}

	want := "CONNECT " + testUUID + ".balena:22 HTTP/1.0\r\n\r\n\r\n"
	if got := <-received; got != want {
		t.Errorf("sibling received %q, want %q", got, want)
	}
	if _, vpnHost := p.dir.calls(); vpnHost != 1 {
		t.Errorf("vpn host lookups = %d, want exactly 1", vpnHost)
	}

	// Forwarded tunnels do not touch the local counters.
	if got := testutil.ToFloat64(p.metrics.ActiveTunnels); got != 0 {
		t.Errorf("ActiveTunnels = %v, want 0", got)
	}

	// Bytes flow through the relayed tunnel.
	if _, err := io.WriteString(conn, "relay"); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "relay" {
		t.Errorf("relayed %q", buf)
	}
}

func TestDeviceNotFound(t *testing.T) {
	dir := &fakeDirectory{deviceErr: directory.ErrDeviceNotFound}
	p := startProxy(t, dir, &fakeResolver{local: true}, 0)

	_, response := connect(t, p.addr, testUUID+".balena:22")
	if response != "HTTP/1.0 404 Not Found\r\n\r\n" {
		t.Errorf("response = %q", response)
	}
	if _, vpnHost := p.dir.calls(); vpnHost != 0 {
		t.Error("no forwarding lookup may happen for unknown devices")
	}
}

func TestAccessDenied(t *testing.T) {
	dir := &fakeDirectory{device: onlineDevice(), allowed: false}
	p := startProxy(t, dir, &fakeResolver{local: true}, 0)

	_, response := connect(t, p.addr, testUUID+".balena:22")
	if response != "HTTP/1.0 407 Proxy Authorization Required\r\n\r\n" {
		t.Errorf("response = %q", response)
	}
}

func TestDeviceOffline(t *testing.T) {
	device := onlineDevice()
	device.IsConnectedToVPN = false
	dir := &fakeDirectory{device: device, allowed: true}
	p := startProxy(t, dir, &fakeResolver{local: true}, 0)

	_, response := connect(t, p.addr, testUUID+".balena:22")
	if response != "HTTP/1.0 503 Service Unavailable\r\n\r\n" {
		t.Errorf("response = %q", response)
	}
}

func TestMalformedTarget(t *testing.T) {
	dir := &fakeDirectory{}
	p := startProxy(t, dir, &fakeResolver{local: true}, 0)

	_, response := connect(t, p.addr, "zzz.balena")
	if response != "HTTP/1.0 403 Forbidden\r\n\r\n" {
		t.Errorf("response = %q", response)
	}
	if getDevice, _ := p.dir.calls(); getDevice != 0 {
		t.Error("no directory call may happen for malformed targets")
	}
}

func TestMissingTarget(t *testing.T) {
	dir := &fakeDirectory{}
	p := startProxy(t, dir, &fakeResolver{local: true}, 0)

	_, response := connect(t, p.addr, "")
	if response != "HTTP/1.0 400 Bad Request\r\n\r\n" {
		t.Errorf("response = %q", response)
	}
}

func TestSelfAssignmentClosesSilently(t *testing.T) {
	dir := &fakeDirectory{
		device:     onlineDevice(),
		allowed:    true,
		assignment: &directory.VpnHostAssignment{ServiceInstanceID: selfID, IPAddress: "127.0.0.1"},
	}
	p := startProxy(t, dir, &fakeResolver{local: false}, 0)

	_, response := connect(t, p.addr, testUUID+".balena:22")
	if response != "" {
		t.Errorf("response = %q, want silent close for handled error", response)
	}
}
