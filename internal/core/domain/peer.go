package domain

import (
	"net"
	"strconv"
)

// DefaultSignalPort is the well-known port of the signaling transport.
const DefaultSignalPort = 8888

type PeerID string

// PeerRecord is a remote party reachable for negotiation. Records are
// values: a later discovery event replaces the stored record instead of
// mutating it.
type PeerRecord struct {
	Identifier  PeerID   `json:"identifier"`
	DisplayName string   `json:"display_name"`
	Addresses   []string `json:"addresses"`
	Port        int      `json:"port"`
	IsSelf      bool     `json:"is_self"`
	Manual      bool     `json:"manual,omitempty"`
}

// PreferredAddress returns the first advertised address.
func (p PeerRecord) PreferredAddress() string {
	if len(p.Addresses) == 0 {
		return ""
	}
	return p.Addresses[0]
}

// SignalPort returns the record's transport port, or the well-known port
// when the record does not carry one.
func (p PeerRecord) SignalPort() int {
	if p.Port > 0 {
		return p.Port
	}
	return DefaultSignalPort
}

// HasAddress reports whether host is one of the record's addresses.
func (p PeerRecord) HasAddress(host string) bool {
	ip := net.ParseIP(host)
	for _, addr := range p.Addresses {
		if addr == host {
			return true
		}
		if ip != nil {
			if other := net.ParseIP(addr); other != nil && other.Equal(ip) {
				return true
			}
		}
	}
	return false
}

// WithSelf returns a copy of the record with IsSelf set.
func (p PeerRecord) WithSelf(self bool) PeerRecord {
	p.IsSelf = self
	p.Addresses = append([]string(nil), p.Addresses...)
	return p
}

// Endpoint is the observed address of the caller of a transport request.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ParseEndpoint splits a "host:port" remote address.
func ParseEndpoint(addr string) Endpoint {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{Host: addr}
	}
	port, _ := strconv.Atoi(portStr)
	return Endpoint{Host: host, Port: port}
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}
