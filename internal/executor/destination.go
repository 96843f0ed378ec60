package executor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const defaultSSHPort = 22

// Destination is an ssh-style target: [user@]host[:port].
type Destination struct {
	User string
	Host string
	Port uint16
}

func (d Destination) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

func (d Destination) String() string {
	return fmt.Sprintf("%s@%s", d.User, d.Addr())
}

// ParseDestination splits [user@]host[:port]. A missing user falls back to
// $USER and then to root, matching what the remote nft invocation usually
// needs anyway.
func ParseDestination(value string) (Destination, error) {
	d := Destination{Port: defaultSSHPort}

	rest := value
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		d.User = rest[:at]
		rest = rest[at+1:]
	}

	if d.User == "" {
		d.User = os.Getenv("USER")
	}
	if d.User == "" {
		d.User = "root"
	}

	if colon := strings.LastIndex(rest, ":"); colon >= 0 {
		port, err := strconv.ParseUint(rest[colon+1:], 10, 16)
		if err != nil || port == 0 {
			return Destination{}, fmt.Errorf("invalid ssh port in destination %q", value)
		}
		d.Port = uint16(port)
		rest = rest[:colon]
	}

	if rest == "" {
		return Destination{}, fmt.Errorf("destination %q has no host", value)
	}
	d.Host = rest

	return d, nil
}
