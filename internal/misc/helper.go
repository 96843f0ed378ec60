package misc

import (
	"net"

	"github.com/pkg/errors"
)

// StrContains returns true if "str" is in "values"
// e.g "a" in "a,b,c" => true
func StrContains(str string, values []string) bool {
	for _, next := range values {
		if str == next {
			return true
		}
	}
	return false
}

// ResolveIPv4 turns a hostname or IP literal into an IPv4 literal. The nft
// rule needs a concrete address, so resolution happens once up front rather
// than on the remote host.
func ResolveIPv4(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() == nil {
			return "", errors.Errorf("%s is not an IPv4 address", host)
		}
		return ip.String(), nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve %s", host)
	}

	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", errors.Errorf("%s has no IPv4 address", host)
}
