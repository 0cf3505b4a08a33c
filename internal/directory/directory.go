// Package directory provides a client for the device directory API.
//
// The directory knows every device, whether its VPN session is currently up,
// which service instance terminates that session, and who may open tunnels
// to it. The proxy never caches or mutates directory state; every tunnel
// request consults the directory fresh.
package directory

import (
	"errors"
	"fmt"
)

// Device is a directory device record.
type Device struct {
	ID               int64  `json:"id"`
	UUID             string `json:"uuid"`
	IsConnectedToVPN bool   `json:"is_connected_to_vpn"`
}

// VpnHostAssignment identifies the service instance that currently holds a
// device's VPN session.
type VpnHostAssignment struct {
	ServiceInstanceID int    `json:"service_instance_id"`
	IPAddress         string `json:"ip_address"`
}

// ErrDeviceNotFound is returned when the directory has no record for a UUID.
var ErrDeviceNotFound = errors.New("device not found")

// APIError indicates the directory itself failed: an unexpected status, a
// transport failure or an unparseable response body. It is distinct from
// authorization outcomes, which are regular results.
type APIError struct {
	Operation string // e.g. "get device"
	Status    int    // HTTP status, 0 if the request never completed
	Cause     error
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("directory %s: unexpected status %d", e.Operation, e.Status)
	}
	return fmt.Sprintf("directory %s: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	return e.Cause
}
