package validation

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IdentifierRegex validates advertised service identifiers
	IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	// HostnameRegex validates a DNS host name (labels joined by dots)
	HostnameRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*\.?$`)
)

// MaxIdentifierLength is the DNS-SD limit for a service instance name.
const MaxIdentifierLength = 63

// ValidateIdentifier validates a peer identifier
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier is required")
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("identifier is too long (max %d characters)", MaxIdentifierLength)
	}
	if !IdentifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier format")
	}
	return nil
}

// ValidateDisplayName validates a human readable peer name
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return ValidateStringLength(name, 1, MaxIdentifierLength, "display name")
}

// ValidateAddress accepts an IPv4/IPv6 literal or a host name.
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if net.ParseIP(strings.Trim(addr, "[]")) != nil {
		return nil
	}
	if len(addr) > 253 || !HostnameRegex.MatchString(addr) {
		return fmt.Errorf("invalid address %q", addr)
	}
	return nil
}

// ValidatePort validates a TCP port number
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", port)
	}
	return nil
}

// ValidateSDP performs a structural check of a session description
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}

	// SDP should start with "v=" (version)
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}

	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, "\n"+field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
