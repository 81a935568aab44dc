package model

import (
	"time"
)

type HostStatus string

const (
	HostUp      HostStatus = "up"
	HostDown    HostStatus = "down"
	HostUnknown HostStatus = "unknown"
)

// ParseHostStatus maps a free form status onto HostStatus.
func ParseHostStatus(s string) HostStatus {
	switch HostStatus(s) {
	case HostUp, HostDown:
		return HostStatus(s)
	default:
		return HostUnknown
	}
}

// Host is a network host discovered by a scan. Hosts without an IPv4
// address are never produced by parsers.
type Host struct {
	ID         string         `json:"id,omitempty"`
	IPAddress  string         `json:"ip_address"`
	Hostname   *string        `json:"hostname,omitempty"`
	MACAddress *string        `json:"mac_address,omitempty"`
	OSInfo     *string        `json:"os_info,omitempty"`
	Status     HostStatus     `json:"status"`
	OpenPorts  []Port         `json:"open_ports"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
	Tags       []string       `json:"tags,omitempty"`
	Notes      *string        `json:"notes,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PortState is a state reported for a port. The zero value of Port.State
// is set to PortOpen by NewPort.
const (
	PortOpen     = "open"
	PortClosed   = "closed"
	PortFiltered = "filtered"
	PortUnknown  = "unknown"
)

type Port struct {
	Number   int            `json:"number"`
	Protocol string         `json:"protocol"`
	Service  *string        `json:"service,omitempty"`
	Version  *string        `json:"version,omitempty"`
	State    string         `json:"state"`
	Banner   *string        `json:"banner,omitempty"`
	Notes    *string        `json:"notes,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewPort returns an open port
func NewPort(number int, protocol string) Port {
	return Port{
		Number:   number,
		Protocol: protocol,
		State:    PortOpen,
	}
}

// IsOpen reports whether the port state is exactly "open"
func (p Port) IsOpen() bool {
	return p.State == PortOpen
}

// Ptr returns nil for an empty string, pointer to s otherwise
func Ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the value of s or an empty string
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
