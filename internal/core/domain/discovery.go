package domain

// ServiceRecord is a resolved service advertisement.
type ServiceRecord struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Protocol   string            `json:"protocol"`
	Domain     string            `json:"domain"`
	Addresses  []string          `json:"addresses"`
	Port       int               `json:"port"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type DiscoveryEventType string

const (
	DiscoveryFound    DiscoveryEventType = "found"
	DiscoveryResolved DiscoveryEventType = "resolved"
	DiscoveryRemoved  DiscoveryEventType = "removed"
	DiscoveryError    DiscoveryEventType = "error"
)

// DiscoveryEvent is emitted by a discovery backend while a scan is running.
type DiscoveryEvent struct {
	Type   DiscoveryEventType
	Name   string
	Record *ServiceRecord
	Err    error
}
