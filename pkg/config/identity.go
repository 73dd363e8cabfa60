package config

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "lancall"
	}
	return name
}

// defaultIdentifier is the advertised service name of this node. It must be
// unique on the network, so a short random suffix follows the host name.
func defaultIdentifier() string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return hostname() + "-" + suffix
}
